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

	"github.com/google/uuid"
)

const googleAPIBase = "https://generativelanguage.googleapis.com/v1beta"

// googleSafetyCategories are all forced to the most-permissive setting; the
// backend applies its own policy above the provider.
var googleSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// Google streams chat completions from the Gemini API. The wire schema is
// role-plus-parts: assistant messages map to role "model", tool_use blocks
// become functionCall parts, and tool_result blocks become functionResponse
// parts that must carry the same function name as the originating call.
type Google struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGoogle creates the adapter.
func NewGoogle(apiKey string, opts ...GoogleOption) *Google {
	g := &Google{
		apiKey:  apiKey,
		baseURL: googleAPIBase,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// GoogleOption configures the adapter.
type GoogleOption func(*Google)

// WithGoogleBaseURL overrides the API base (tests, proxies).
func WithGoogleBaseURL(baseURL string) GoogleOption {
	return func(g *Google) {
		if baseURL != "" {
			g.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (g *Google) Name() string { return "google" }

// ChatStream implements Provider.
func (g *Google) ChatStream(ctx context.Context, modelID string, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(g.buildBody(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, modelID, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("google: %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out := make(chan Chunk, 16)
	go g.decodeStream(resp.Body, out)
	return out, nil
}

// buildBody shapes the canonical request. A tool-use-id → function-name map
// is maintained across the conversation so every functionResponse carries
// the name of the call that produced it.
func (g *Google) buildBody(req Request) map[string]any {
	toolNames := make(map[string]string)
	toolSignatures := make(map[string]string)

	var contents []map[string]any
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}

		var parts []map[string]any
		for _, b := range msg.Blocks {
			switch b.Type {
			case BlockText:
				parts = append(parts, map[string]any{"text": b.Text})
			case BlockImage:
				if b.Data != "" {
					parts = append(parts, map[string]any{
						"inline_data": map[string]any{
							"mime_type": b.MediaType,
							"data":      b.Data,
						},
					})
				} else {
					// Only base64 sources inline; URLs degrade to text.
					parts = append(parts, map[string]any{"text": "[image: " + b.URL + "]"})
				}
			case BlockToolUse:
				toolNames[b.ID] = b.Name
				if b.Signature != "" {
					toolSignatures[b.ID] = b.Signature
				}
				var args map[string]any
				json.Unmarshal(b.Input, &args)
				if args == nil {
					args = map[string]any{}
				}
				part := map[string]any{
					"functionCall": map[string]any{"name": b.Name, "args": args},
				}
				if b.Signature != "" {
					part["thoughtSignature"] = b.Signature
				}
				parts = append(parts, part)
			case BlockToolResult:
				name := toolNames[b.ToolUseID]
				part := map[string]any{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"content": b.Content},
					},
				}
				if sig := toolSignatures[b.ToolUseID]; sig != "" {
					part["thoughtSignature"] = sig
				}
				parts = append(parts, part)
			}
		}

		if len(parts) > 0 {
			contents = append(contents, map[string]any{"role": role, "parts": parts})
		}
	}

	body := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"maxOutputTokens": req.MaxTokens,
		},
		"safetySettings": permissiveSafetySettings(),
	}

	if req.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.SystemPrompt}},
		}
	}
	if req.Temperature != nil {
		body["generationConfig"].(map[string]any)["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params map[string]any
			json.Unmarshal(t.Parameters, &params)
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	return body
}

func permissiveSafetySettings() []map[string]any {
	settings := make([]map[string]any, 0, len(googleSafetyCategories))
	for _, cat := range googleSafetyCategories {
		settings = append(settings, map[string]any{
			"category":  cat,
			"threshold": "BLOCK_NONE",
		})
	}
	return settings
}

type googleStreamEvent struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text             string         `json:"text"`
				Thought          bool           `json:"thought"`
				ThoughtSignature string         `json:"thoughtSignature"`
				FunctionCall     *struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Google) decodeStream(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	var (
		fullText     string
		toolCalls    []ToolCall
		stopReason   = "end_turn"
		usage        Usage
		thinkingOpen bool
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
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev googleStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		if ev.Error != nil {
			out <- Chunk{Type: ChunkError, Err: ev.Error.Message}
			return
		}

		if ev.UsageMetadata.PromptTokenCount > 0 {
			usage.InputTokens = ev.UsageMetadata.PromptTokenCount
			usage.OutputTokens = ev.UsageMetadata.CandidatesTokenCount
			usage.CachedTokens = ev.UsageMetadata.CachedContentTokenCount
		}

		for _, cand := range ev.Candidates {
			for _, part := range cand.Content.Parts {
				switch {
				case part.Thought:
					if !thinkingOpen {
						out <- Chunk{Type: ChunkThinkingStart}
						thinkingOpen = true
					}
					out <- Chunk{Type: ChunkThinking, Text: part.Text}

				case part.FunctionCall != nil:
					closeThinking()
					id := "call_" + uuid.NewString()[:8]
					input, _ := json.Marshal(part.FunctionCall.Args)
					tc := ToolCall{
						ID:        id,
						Name:      part.FunctionCall.Name,
						Input:     input,
						Signature: part.ThoughtSignature,
					}
					toolCalls = append(toolCalls, tc)
					out <- Chunk{Type: ChunkToolStart, ID: id, Name: tc.Name}
					out <- Chunk{Type: ChunkToolUse, ID: id, Name: tc.Name, Input: tc.Input, Signature: tc.Signature}

				case part.Text != "":
					closeThinking()
					fullText += part.Text
					out <- Chunk{Type: ChunkText, Text: part.Text}
				}
			}

			if cand.FinishReason != "" {
				switch cand.FinishReason {
				case "MAX_TOKENS":
					stopReason = "max_tokens"
				case "STOP":
					stopReason = "end_turn"
				default:
					stopReason = strings.ToLower(cand.FinishReason)
				}
			}
		}
	}

	closeThinking()
	if len(toolCalls) > 0 {
		stopReason = "tool_use"
	}
	out <- Chunk{
		Type:       ChunkDone,
		FullText:   fullText,
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage:      usage,
	}
}
