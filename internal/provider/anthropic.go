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

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// Anthropic streams chat completions from the Anthropic Messages API.
// The canonical role/content-block schema aligns with the wire format, so
// messages pass through with content always promoted to a block sequence.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropic creates the adapter.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:  apiKey,
		baseURL: anthropicAPIBase,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AnthropicOption configures the adapter.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL overrides the API base (tests, proxies).
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(a *Anthropic) {
		if baseURL != "" {
			a.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

// ChatStream implements Provider.
func (a *Anthropic) ChatStream(ctx context.Context, modelID string, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(a.buildBody(modelID, req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out := make(chan Chunk, 16)
	go a.decodeStream(resp.Body, out)
	return out, nil
}

// buildBody shapes the canonical request into the Messages API form.
func (a *Anthropic) buildBody(modelID string, req Request) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    string(msg.Role),
			"content": anthropicBlocks(msg.Blocks),
		})
	}

	body := map[string]any{
		"model":      modelID,
		"max_tokens": req.MaxTokens,
		"messages":   messages,
		"stream":     true,
	}

	if req.SystemPrompt != "" {
		body["system"] = []map[string]any{{
			"type":          "text",
			"text":          req.SystemPrompt,
			"cache_control": map[string]any{"type": "ephemeral"},
		}}
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": json.RawMessage(t.Parameters),
			})
		}
		body["tools"] = tools
	}

	return body
}

func anthropicBlocks(blocks []Block) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			out = append(out, map[string]any{"type": "text", "text": b.Text})
		case BlockImage:
			source := map[string]any{}
			if b.URL != "" {
				source["type"] = "url"
				source["url"] = b.URL
			} else {
				source["type"] = "base64"
				source["media_type"] = b.MediaType
				source["data"] = b.Data
			}
			out = append(out, map[string]any{"type": "image", "source": source})
		case BlockToolUse:
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out = append(out, map[string]any{
				"type":  "tool_use",
				"id":    b.ID,
				"name":  b.Name,
				"input": input,
			})
		case BlockToolResult:
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": b.ToolUseID,
				"content":     b.Content,
			}
			if b.IsError {
				block["is_error"] = true
			}
			out = append(out, block)
		}
	}
	return out
}

// Streaming wire events.
type anthropicStreamEvent struct {
	Type string `json:"type"`

	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`

	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		Signature   string `json:"signature"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage anthropicUsage `json:"usage"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// decodeStream translates the SSE event stream into the uniform chunk set:
// thinking_start once at the first reasoning token, one thinking per
// fragment, exactly one thinking_end before the next non-reasoning chunk.
func (a *Anthropic) decodeStream(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	var (
		fullText      string
		toolCalls     []ToolCall
		toolJSON      []string
		stopReason    = "end_turn"
		usage         Usage
		blockType     string
		thinkingOpen  bool
		lastSignature string
		currentEvent  string
	)

	closeThinking := func() {
		if thinkingOpen {
			out <- Chunk{Type: ChunkThinkingEnd}
			thinkingOpen = false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch currentEvent {
		case "message_start":
			usage.InputTokens = ev.Message.Usage.InputTokens
			usage.CachedTokens = ev.Message.Usage.CacheReadInputTokens
			usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens

		case "content_block_start":
			blockType = ev.ContentBlock.Type
			if blockType == "tool_use" {
				closeThinking()
				toolCalls = append(toolCalls, ToolCall{ID: ev.ContentBlock.ID, Name: strings.TrimSpace(ev.ContentBlock.Name)})
				toolJSON = append(toolJSON, "")
				out <- Chunk{Type: ChunkToolStart, ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				closeThinking()
				fullText += ev.Delta.Text
				out <- Chunk{Type: ChunkText, Text: ev.Delta.Text}
			case "thinking_delta":
				if !thinkingOpen {
					out <- Chunk{Type: ChunkThinkingStart}
					thinkingOpen = true
				}
				out <- Chunk{Type: ChunkThinking, Text: ev.Delta.Thinking}
			case "input_json_delta":
				if n := len(toolJSON); n > 0 {
					toolJSON[n-1] += ev.Delta.PartialJSON
				}
			case "signature_delta":
				lastSignature += ev.Delta.Signature
			}

		case "content_block_stop":
			switch blockType {
			case "thinking":
				closeThinking()
			case "tool_use":
				if n := len(toolCalls); n > 0 {
					input := toolJSON[n-1]
					if input == "" {
						input = "{}"
					}
					toolCalls[n-1].Input = json.RawMessage(input)
					toolCalls[n-1].Signature = lastSignature
					tc := toolCalls[n-1]
					out <- Chunk{Type: ChunkToolUse, ID: tc.ID, Name: tc.Name, Input: tc.Input, Signature: tc.Signature}
					lastSignature = ""
				}
			}
			blockType = ""

		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage.OutputTokens > 0 {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "error":
			out <- Chunk{Type: ChunkError, Err: fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message)}
			return
		}
	}

	closeThinking()
	out <- Chunk{
		Type:       ChunkDone,
		FullText:   fullText,
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage:      usage,
	}
}
