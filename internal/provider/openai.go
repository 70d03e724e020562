package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const openaiAPIBase = "https://api.openai.com/v1"

// OpenAI streams chat completions from the OpenAI-style chat schema:
// multimodal content is stripped to text, the system prompt is injected as a
// leading system message, and tools are wrapped as function definitions.
// Models that emit inline <thinking> tags still produce the bracketed
// thinking chunk sequence.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAI creates the adapter.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		apiKey:  apiKey,
		baseURL: openaiAPIBase,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OpenAIOption configures the adapter.
type OpenAIOption func(*OpenAI)

// WithOpenAIBaseURL overrides the API base (tests, proxies).
func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(o *OpenAI) {
		if baseURL != "" {
			o.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (o *OpenAI) Name() string { return "openai" }

// ChatStream implements Provider.
func (o *OpenAI) ChatStream(ctx context.Context, modelID string, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(o.buildBody(modelID, req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai: %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out := make(chan Chunk, 16)
	go o.decodeStream(resp.Body, out)
	return out, nil
}

func (o *OpenAI) buildBody(modelID string, req Request) map[string]any {
	var messages []map[string]any

	if req.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			m := map[string]any{"role": "assistant"}
			if text := msg.Text(); text != "" {
				m["content"] = text
			}
			var toolCalls []map[string]any
			for _, b := range msg.Blocks {
				if b.Type != BlockToolUse {
					continue
				}
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				toolCalls = append(toolCalls, map[string]any{
					"id":   b.ID,
					"type": "function",
					"function": map[string]any{
						"name":      b.Name,
						"arguments": string(input),
					},
				})
			}
			if len(toolCalls) > 0 {
				m["tool_calls"] = toolCalls
			}
			messages = append(messages, m)

		default:
			// Tool results become their own role-tool messages; everything
			// else is stripped to text.
			var text string
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockText:
					text += b.Text
				case BlockImage:
					text += "[image]"
				case BlockToolResult:
					messages = append(messages, map[string]any{
						"role":         "tool",
						"tool_call_id": b.ToolUseID,
						"content":      b.Content,
					})
				}
			}
			if text != "" {
				messages = append(messages, map[string]any{"role": string(msg.Role), "content": text})
			}
		}
	}

	body := map[string]any{
		"model":          modelID,
		"messages":       messages,
		"max_tokens":     req.MaxTokens,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  json.RawMessage(t.Parameters),
				},
			})
		}
		body["tools"] = tools
	}

	return body
}

type openaiStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAI) decodeStream(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	var (
		toolCalls  []ToolCall
		toolArgs   []string
		stopReason = "end_turn"
		usage      Usage
	)
	thinking := newThinkingParser(out)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev openaiStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		if ev.Error != nil {
			out <- Chunk{Type: ChunkError, Err: ev.Error.Message}
			return
		}

		if ev.Usage != nil {
			usage.InputTokens = ev.Usage.PromptTokens
			usage.OutputTokens = ev.Usage.CompletionTokens
			usage.CachedTokens = ev.Usage.PromptTokensDetails.CachedTokens
		}

		for _, choice := range ev.Choices {
			if choice.Delta.Content != "" {
				thinking.feed(choice.Delta.Content)
			}

			for _, tc := range choice.Delta.ToolCalls {
				for tc.Index >= len(toolCalls) {
					toolCalls = append(toolCalls, ToolCall{})
					toolArgs = append(toolArgs, "")
				}
				if tc.ID != "" {
					toolCalls[tc.Index].ID = tc.ID
				}
				if tc.Function.Name != "" {
					toolCalls[tc.Index].Name = tc.Function.Name
					out <- Chunk{Type: ChunkToolStart, ID: toolCalls[tc.Index].ID, Name: tc.Function.Name}
				}
				toolArgs[tc.Index] += tc.Function.Arguments
			}

			switch choice.FinishReason {
			case "stop":
				stopReason = "end_turn"
			case "tool_calls":
				stopReason = "tool_use"
			case "length":
				stopReason = "max_tokens"
			}
		}
	}

	thinking.flush()

	for i := range toolCalls {
		input := toolArgs[i]
		if input == "" {
			input = "{}"
		}
		toolCalls[i].Input = json.RawMessage(input)
		out <- Chunk{Type: ChunkToolUse, ID: toolCalls[i].ID, Name: toolCalls[i].Name, Input: toolCalls[i].Input}
	}

	out <- Chunk{
		Type:       ChunkDone,
		FullText:   thinking.text(),
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage:      usage,
	}
}

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// thinkingParser infers reasoning from inline <thinking> tags in streamed
// text and emits the same bracketed chunk sequence a native-reasoning
// provider would.
type thinkingParser struct {
	out      chan<- Chunk
	carry    string
	inside   bool
	fullText string
}

func newThinkingParser(out chan<- Chunk) *thinkingParser {
	return &thinkingParser{out: out}
}

func (p *thinkingParser) feed(delta string) {
	p.carry += delta

	for {
		tag := thinkingOpenTag
		if p.inside {
			tag = thinkingCloseTag
		}

		idx := strings.Index(p.carry, tag)
		if idx < 0 {
			// Hold back a possible partial tag at the end of the carry.
			emit, hold := splitTagHoldback(p.carry, tag)
			p.emit(emit)
			p.carry = hold
			return
		}

		p.emit(p.carry[:idx])
		p.carry = p.carry[idx+len(tag):]

		if p.inside {
			p.out <- Chunk{Type: ChunkThinkingEnd}
			p.inside = false
		} else {
			p.out <- Chunk{Type: ChunkThinkingStart}
			p.inside = true
		}
	}
}

func (p *thinkingParser) emit(text string) {
	if text == "" {
		return
	}
	if p.inside {
		p.out <- Chunk{Type: ChunkThinking, Text: text}
		return
	}
	p.fullText += text
	p.out <- Chunk{Type: ChunkText, Text: text}
}

func (p *thinkingParser) flush() {
	p.emit(p.carry)
	p.carry = ""
	if p.inside {
		p.out <- Chunk{Type: ChunkThinkingEnd}
		p.inside = false
	}
}

func (p *thinkingParser) text() string {
	return strings.TrimSpace(p.fullText)
}

// splitTagHoldback splits s so that any suffix that is a proper prefix of
// tag is held back for the next delta.
func splitTagHoldback(s, tag string) (emit, hold string) {
	maxHold := len(tag) - 1
	if maxHold > len(s) {
		maxHold = len(s)
	}
	for n := maxHold; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return s[:len(s)-n], s[len(s)-n:]
		}
	}
	return s, ""
}
