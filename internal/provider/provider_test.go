package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape-ai/drape/internal/config"
)

func collect(t *testing.T, stream <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	for c := range stream {
		chunks = append(chunks, c)
	}
	return chunks
}

func chunkTypes(chunks []Chunk) []ChunkType {
	out := make([]ChunkType, len(chunks))
	for i, c := range chunks {
		out[i] = c.Type
	}
	return out
}

func sseServer(t *testing.T, lines []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(config.Default())

	spec, err := r.Resolve("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", spec.Provider)
	assert.True(t, spec.SupportsTools)

	_, err = r.Resolve("claude-99-ultra")
	assert.Error(t, err, "unknown model names are a hard failure")
}

func TestRegistryUnconfiguredProvider(t *testing.T) {
	cfg := config.Default()
	cfg.AnthropicAPIKey = ""
	r := NewRegistry(cfg)

	_, _, err := r.ChatStream(context.Background(), "claude-sonnet-4", Request{})
	assert.ErrorContains(t, err, "not configured")
}

func TestCostEur(t *testing.T) {
	spec := ModelSpec{PriceInputPerMTok: 3.00, PriceOutputPerMTok: 15.00, PriceCachedPerMTok: 0.30}

	// 1M fresh input, 1M output: (3 + 15) * 0.92
	assert.InDelta(t, 18.0*UsdToEur, spec.CostEur(1_000_000, 1_000_000, 0), 1e-9)

	// Cached tokens bill at the cached rate and come out of the input count.
	got := spec.CostEur(1_000_000, 0, 400_000)
	want := (0.6*3.00 + 0.4*0.30) * UsdToEur
	assert.InDelta(t, want, got, 1e-9)

	// Cached above input never goes negative.
	assert.GreaterOrEqual(t, spec.CostEur(100, 0, 200), 0.0)
}

func TestCostAdditivity(t *testing.T) {
	spec := ModelSpec{PriceInputPerMTok: 2.50, PriceOutputPerMTok: 10.00, PriceCachedPerMTok: 1.25}

	calls := []struct{ in, out, cached int }{
		{1000, 200, 0},
		{5000, 1200, 3000},
		{250, 10, 250},
	}

	var sum float64
	var totalIn, totalOut, totalCached int
	for _, c := range calls {
		sum += spec.CostEur(c.in, c.out, c.cached)
		totalIn += c.in
		totalOut += c.out
		totalCached += c.cached
	}

	assert.InDelta(t, spec.CostEur(totalIn, totalOut, totalCached), sum, 1e-9)
}

func TestAnthropicStreamDecode(t *testing.T) {
	srv := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":120,"cache_read_input_tokens":40}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"file_path\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":2}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":55}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
	})
	defer srv.Close()

	a := NewAnthropic("test-key", WithAnthropicBaseURL(srv.URL))
	stream, err := a.ChatStream(context.Background(), "claude-sonnet-4-20250514", Request{
		Messages:  []Message{TextMessage(RoleUser, "hi")},
		MaxTokens: 1024,
	})
	require.NoError(t, err)

	chunks := collect(t, stream)
	assert.Equal(t, []ChunkType{
		ChunkThinkingStart, ChunkThinking, ChunkThinkingEnd,
		ChunkText,
		ChunkToolStart, ChunkToolUse,
		ChunkDone,
	}, chunkTypes(chunks))

	done := chunks[len(chunks)-1]
	assert.Equal(t, "Hello", done.FullText)
	assert.Equal(t, "tool_use", done.StopReason)
	assert.Equal(t, 120, done.Usage.InputTokens)
	assert.Equal(t, 40, done.Usage.CachedTokens)
	assert.Equal(t, 55, done.Usage.OutputTokens)

	require.Len(t, done.ToolCalls, 1)
	assert.Equal(t, "toolu_1", done.ToolCalls[0].ID)
	assert.Equal(t, "read_file", done.ToolCalls[0].Name)
	assert.JSONEq(t, `{"file_path":"a.txt"}`, string(done.ToolCalls[0].Input))
}

func TestAnthropicBuildBodySystemCacheControl(t *testing.T) {
	a := NewAnthropic("k")
	body := a.buildBody("m", Request{
		SystemPrompt: "you are helpful",
		Messages:     []Message{TextMessage(RoleUser, "hi")},
		MaxTokens:    100,
	})

	system := body["system"].([]map[string]any)
	require.Len(t, system, 1)
	assert.Equal(t, "you are helpful", system[0]["text"])
	assert.NotNil(t, system[0]["cache_control"])
}

func TestGoogleBuildBodyFunctionNameMapping(t *testing.T) {
	g := NewGoogle("k")

	body := g.buildBody(Request{
		Messages: []Message{
			TextMessage(RoleUser, "run it"),
			{Role: RoleAssistant, Blocks: []Block{
				{Type: BlockToolUse, ID: "call_1", Name: "run_command", Input: json.RawMessage(`{"command":"ls"}`), Signature: "sig-abc"},
			}},
			{Role: RoleUser, Blocks: []Block{
				{Type: BlockToolResult, ToolUseID: "call_1", Content: "file.txt"},
			}},
		},
		MaxTokens: 100,
	})

	contents := body["contents"].([]map[string]any)
	require.Len(t, contents, 3)

	assert.Equal(t, "model", contents[1]["role"])

	// The tool result part carries the same function name as the call and
	// echoes its reasoning signature.
	respParts := contents[2]["parts"].([]map[string]any)
	require.Len(t, respParts, 1)
	fr := respParts[0]["functionResponse"].(map[string]any)
	assert.Equal(t, "run_command", fr["name"])
	assert.Equal(t, "sig-abc", respParts[0]["thoughtSignature"])
}

func TestGoogleBuildBodyImageHandling(t *testing.T) {
	g := NewGoogle("k")

	body := g.buildBody(Request{
		Messages: []Message{{Role: RoleUser, Blocks: []Block{
			{Type: BlockImage, MediaType: "image/png", Data: "aGVsbG8="},
			{Type: BlockImage, URL: "https://example.com/x.png"},
		}}},
		MaxTokens: 100,
	})

	parts := body["contents"].([]map[string]any)[0]["parts"].([]map[string]any)
	require.Len(t, parts, 2)
	assert.NotNil(t, parts[0]["inline_data"])
	// URL sources degrade to a textual placeholder.
	assert.Contains(t, parts[1]["text"], "example.com")
}

func TestGoogleSafetySettingsPermissive(t *testing.T) {
	g := NewGoogle("k")
	body := g.buildBody(Request{Messages: []Message{TextMessage(RoleUser, "hi")}, MaxTokens: 10})

	settings := body["safetySettings"].([]map[string]any)
	require.Len(t, settings, len(googleSafetyCategories))
	for _, s := range settings {
		assert.Equal(t, "BLOCK_NONE", s["threshold"])
	}
}

func TestOpenAIBuildBodyStripsMultimodal(t *testing.T) {
	o := NewOpenAI("k")

	body := o.buildBody("gpt-4o", Request{
		SystemPrompt: "sys",
		Messages: []Message{{Role: RoleUser, Blocks: []Block{
			{Type: BlockText, Text: "look: "},
			{Type: BlockImage, MediaType: "image/png", Data: "aGk="},
		}}},
		Tools:     []ToolDef{{Name: "read_file", Description: "read", Parameters: json.RawMessage(`{"type":"object"}`)}},
		MaxTokens: 100,
	})

	messages := body["messages"].([]map[string]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0]["role"])
	assert.Equal(t, "look: [image]", messages[1]["content"])

	tools := body["tools"].([]map[string]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "function", tools[0]["type"])
}

func TestOpenAIStreamDecode(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"<think"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"ing>pondering</thinking>Result"}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
		``,
		`data: [DONE]`,
	})
	defer srv.Close()

	o := NewOpenAI("k", WithOpenAIBaseURL(srv.URL))
	stream, err := o.ChatStream(context.Background(), "gpt-4o", Request{
		Messages:  []Message{TextMessage(RoleUser, "hi")},
		MaxTokens: 100,
	})
	require.NoError(t, err)

	chunks := collect(t, stream)
	assert.Equal(t, []ChunkType{
		ChunkThinkingStart, ChunkThinking, ChunkThinkingEnd, ChunkText, ChunkDone,
	}, chunkTypes(chunks))

	done := chunks[len(chunks)-1]
	assert.Equal(t, "Result", done.FullText)
	assert.Equal(t, "end_turn", done.StopReason)
	assert.Equal(t, 10, done.Usage.InputTokens)
}

func TestOpenAIStreamToolCalls(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"glob_search","arguments":""}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"pattern\":\"*.ts\"}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: [DONE]`,
	})
	defer srv.Close()

	o := NewOpenAI("k", WithOpenAIBaseURL(srv.URL))
	stream, err := o.ChatStream(context.Background(), "gpt-4o", Request{MaxTokens: 100})
	require.NoError(t, err)

	chunks := collect(t, stream)
	done := chunks[len(chunks)-1]
	assert.Equal(t, "tool_use", done.StopReason)
	require.Len(t, done.ToolCalls, 1)
	assert.Equal(t, "call_9", done.ToolCalls[0].ID)
	assert.Equal(t, "glob_search", done.ToolCalls[0].Name)
	assert.JSONEq(t, `{"pattern":"*.ts"}`, string(done.ToolCalls[0].Input))
}

func TestThinkingParserHoldback(t *testing.T) {
	out := make(chan Chunk, 64)
	p := newThinkingParser(out)

	// The tag split across three deltas must not leak tag fragments.
	p.feed("before <")
	p.feed("thinking>inner")
	p.feed("</thinking> after")
	p.flush()
	close(out)

	var text, thinkingText string
	for c := range out {
		switch c.Type {
		case ChunkText:
			text += c.Text
		case ChunkThinking:
			thinkingText += c.Text
		}
	}
	assert.Equal(t, "before  after", text)
	assert.Equal(t, "inner", thinkingText)
}

func TestSplitTagHoldback(t *testing.T) {
	emit, hold := splitTagHoldback("hello <thin", thinkingOpenTag)
	assert.Equal(t, "hello ", emit)
	assert.Equal(t, "<thin", hold)

	emit, hold = splitTagHoldback("no tag here", thinkingOpenTag)
	assert.Equal(t, "no tag here", emit)
	assert.Empty(t, hold)
}
