package tool

import (
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Deny rules for run_command. Rejection surfaces to the model as a tool
// error, never a transport error.
var denyRules = []struct {
	name string
	re   *regexp.Regexp
}{
	// Redirection into /etc/.
	{"write into /etc", regexp.MustCompile(`>>?\s*/etc/`)},
	// curl -d carrying command substitution.
	{"curl data with command substitution", regexp.MustCompile(`curl\b[^|;&]*\s-d\s+[^|;&]*\$\(`)},
	// AWS instance metadata endpoint.
	{"instance metadata access", regexp.MustCompile(`169\.254\.169\.254`)},
	// Writes into /proc or /sys.
	{"write into /proc or /sys", regexp.MustCompile(`>>?\s*/(proc|sys)/`)},
}

// The forced-rm rule needs path reasoning regexps cannot express alone, so
// it is checked imperatively.
var rmForceRe = regexp.MustCompile(`\brm\s+(-[a-zA-Z]*f[a-zA-Z]*|--force)\b`)
var rmTargetRe = regexp.MustCompile(`\brm\s+(?:-+[a-zA-Z-]+\s+)*([^\s;|&]+)`)

// CheckCommand rejects commands matching the deny-list.
func CheckCommand(command string) error {
	if err := checkRmForce(command); err != nil {
		return err
	}
	if err := checkPipeToShell(command); err != nil {
		return err
	}

	for _, rule := range denyRules {
		if rule.re.MatchString(command) {
			return fmt.Errorf("command rejected: %s", rule.name)
		}
	}
	return nil
}

// checkRmForce rejects forced removals whose target is outside the project
// mount.
func checkRmForce(command string) error {
	if !rmForceRe.MatchString(command) {
		return nil
	}

	m := rmTargetRe.FindStringSubmatch(command)
	if m == nil {
		return nil
	}
	target := m[1]

	if strings.HasPrefix(target, containerProjectDir) {
		return nil
	}
	if !strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "~") && !strings.HasPrefix(target, "$HOME") && !strings.Contains(target, "..") {
		// Relative paths resolve inside the project working directory.
		return nil
	}
	return fmt.Errorf("command rejected: destructive rm outside the project")
}

// checkPipeToShell rejects pipes whose upstream is curl or wget and whose
// downstream is sh or bash. The command is parsed as shell; a parse failure
// falls back to a textual check.
func checkPipeToShell(command string) error {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		if pipeToShellRe.MatchString(command) {
			return fmt.Errorf("command rejected: remote script piped into a shell")
		}
		return nil
	}

	rejected := false
	syntax.Walk(file, func(node syntax.Node) bool {
		binary, ok := node.(*syntax.BinaryCmd)
		if !ok || (binary.Op != syntax.Pipe && binary.Op != syntax.PipeAll) {
			return true
		}
		if isCommand(binary.X, "curl", "wget") && isCommand(binary.Y, "sh", "bash") {
			rejected = true
		}
		return true
	})

	if rejected {
		return fmt.Errorf("command rejected: remote script piped into a shell")
	}
	return nil
}

var pipeToShellRe = regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(sh|bash)\b`)

// isCommand reports whether a statement's call starts with one of the names.
func isCommand(stmt *syntax.Stmt, names ...string) bool {
	if stmt == nil {
		return false
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		if len(cmd.Args) == 0 {
			return false
		}
		lit := wordText(cmd.Args[0])
		if lit == "sudo" && len(cmd.Args) > 1 {
			lit = wordText(cmd.Args[1])
		}
		for _, name := range names {
			if lit == name || strings.HasSuffix(lit, "/"+name) {
				return true
			}
		}
	case *syntax.BinaryCmd:
		// Nested pipelines: the downstream of a|b|c is itself a binary.
		return isCommand(cmd.X, names...) || isCommand(cmd.Y, names...)
	}
	return false
}

func wordText(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		if lit, ok := part.(*syntax.Lit); ok {
			sb.WriteString(lit.Value)
		}
	}
	return sb.String()
}
