package devserver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FailureKind names a classified dev-server failure.
type FailureKind string

const (
	FailureMissingEnv    FailureKind = "missing-env"
	FailureMissingModule FailureKind = "missing-module"
	FailureSyntax        FailureKind = "syntax"
	FailurePortInUse     FailureKind = "port-in-use"
	FailureExit          FailureKind = "generic-exit"
)

// Failure is a structured, user-actionable dev-server failure.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Variables []string    `json:"variables,omitempty"`
	Module    string      `json:"module,omitempty"`
	ExitCode  int         `json:"exitCode,omitempty"`
}

func (f *Failure) Error() string {
	return f.Message
}

var (
	envErrorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Invalid env .* provided`),
		regexp.MustCompile(`Invalid environment variables`),
		regexp.MustCompile(`(?i)missing or invalid.*variables`),
		regexp.MustCompile(`Environment variables? .* (?:is |are )?(?:not set|missing|required|undefined)`),
	}

	// - DATABASE_URL: Required
	envListEntryRe = regexp.MustCompile(`-\s+([A-Z][A-Z0-9_]*)\s*:\s*(?:Required|invalid|missing)`)
	// DATABASE_URL: [ 'Required' ]
	envZodEntryRe = regexp.MustCompile(`([A-Z][A-Z0-9_]*)\s*:\s*\[\s*'Required'`)
	// Fallback: any run of uppercase tokens with underscores.
	envTokenRe = regexp.MustCompile(`\b([A-Z][A-Z0-9]*_[A-Z0-9_]+)\b`)

	moduleNotFoundRe = regexp.MustCompile(`Cannot find module '([^']+)'`)
	syntaxErrorRe    = regexp.MustCompile(`SyntaxError: (.+)`)
	exitCodeRe       = regexp.MustCompile(`exited with code (\d+)`)
)

// envTokenStopList filters false positives out of the uppercase-token fallback.
var envTokenStopList = map[string]bool{
	"NODE_ENV":         true,
	"NODE_OPTIONS":     true,
	"NEXT_TELEMETRY":   true,
	"MODULE_NOT_FOUND": true,
	"ERR_MODULE":       true,
	"HTTP_CODE":        true,
}

// ScanBody inspects a >= 500 response body for known failure patterns.
// Returns nil when nothing actionable is recognized.
func ScanBody(body string) *Failure {
	for _, re := range envErrorPatterns {
		if re.MatchString(body) {
			vars := extractEnvVars(body)
			return &Failure{
				Kind:      FailureMissingEnv,
				Message:   missingEnvMessage(vars),
				Variables: vars,
			}
		}
	}

	if m := moduleNotFoundRe.FindStringSubmatch(body); m != nil {
		return &Failure{
			Kind:    FailureMissingModule,
			Message: fmt.Sprintf("The app requires a module that is not installed: %s", m[1]),
			Module:  m[1],
		}
	}
	if strings.Contains(body, "MODULE_NOT_FOUND") {
		return &Failure{
			Kind:    FailureMissingModule,
			Message: "The app requires a module that is not installed",
		}
	}

	if m := syntaxErrorRe.FindStringSubmatch(body); m != nil {
		return &Failure{
			Kind:    FailureSyntax,
			Message: "Syntax error: " + strings.TrimSpace(m[1]),
		}
	}

	if strings.Contains(body, "EADDRINUSE") {
		return &Failure{
			Kind:    FailurePortInUse,
			Message: "The dev-server port is already in use; retry in a moment",
		}
	}

	if m := exitCodeRe.FindStringSubmatch(body); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code >= 1 {
			return &Failure{
				Kind:     FailureExit,
				Message:  fmt.Sprintf("The dev server exited with code %d:\n%s", code, lastErrorLines(body, 3)),
				ExitCode: code,
			}
		}
	}

	return nil
}

// DetectCrash reports whether the log tail shows a crash loop: at least two
// non-zero exit lines.
func DetectCrash(logTail string) bool {
	count := 0
	for _, m := range exitCodeRe.FindAllStringSubmatch(logTail, -1) {
		if code, err := strconv.Atoi(m[1]); err == nil && code >= 1 {
			count++
		}
	}
	return count >= 2
}

// ClassifyCrash turns a crash-looping log tail into a structured failure.
func ClassifyCrash(logTail string) *Failure {
	if f := ScanBody(logTail); f != nil {
		return f
	}

	code := 1
	if m := exitCodeRe.FindStringSubmatch(logTail); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	return &Failure{
		Kind:     FailureExit,
		Message:  fmt.Sprintf("The dev server keeps crashing (exit code %d):\n%s", code, lastErrorLines(logTail, 3)),
		ExitCode: code,
	}
}

// extractEnvVars pulls variable names out of an env-validation error body.
func extractEnvVars(body string) []string {
	seen := make(map[string]bool)
	var vars []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			vars = append(vars, name)
		}
	}

	for _, m := range envListEntryRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	for _, m := range envZodEntryRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	if len(vars) > 0 {
		return vars
	}

	for _, m := range envTokenRe.FindAllStringSubmatch(body, -1) {
		if !envTokenStopList[m[1]] {
			add(m[1])
		}
	}
	return vars
}

func missingEnvMessage(vars []string) string {
	if len(vars) == 0 {
		return "The app is missing required environment variables"
	}
	return "The app is missing required environment variables: " + strings.Join(vars, ", ")
}

// lastErrorLines returns the last n lines that look like errors rather than
// stack-trace frames.
func lastErrorLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "at ") {
			continue
		}
		kept = append([]string{line}, kept...)
	}
	return strings.Join(kept, "\n")
}
