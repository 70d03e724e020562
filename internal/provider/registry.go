package provider

import (
	"context"
	"fmt"

	"github.com/drape-ai/drape/internal/config"
)

// UsdToEur is the fixed conversion applied to provider prices.
const UsdToEur = 0.92

// ModelSpec describes one entry of the model registry.
type ModelSpec struct {
	ShortName         string  `json:"shortName"`
	Provider          string  `json:"provider"`
	ModelID           string  `json:"modelID"`
	MaxTokens         int     `json:"maxTokens"`
	SupportsTools     bool    `json:"supportsTools"`
	SupportsStreaming bool    `json:"supportsStreaming"`
	SupportsImages    bool    `json:"supportsImages"`

	// USD per million tokens.
	PriceInputPerMTok  float64 `json:"priceInputPerMTokens"`
	PriceOutputPerMTok float64 `json:"priceOutputPerMTokens"`
	PriceCachedPerMTok float64 `json:"priceCachedPerMTokens"`
}

// CostEur prices a call in EUR: cached tokens are billed at the cached rate
// and subtracted from the input count.
func (m ModelSpec) CostEur(inputTokens, outputTokens, cachedTokens int) float64 {
	fresh := inputTokens - cachedTokens
	if fresh < 0 {
		fresh = 0
	}
	usd := (float64(fresh)*m.PriceInputPerMTok +
		float64(cachedTokens)*m.PriceCachedPerMTok +
		float64(outputTokens)*m.PriceOutputPerMTok) / 1e6
	return usd * UsdToEur
}

// models is the built-in registry, keyed by the stable short name the
// client sends.
var models = map[string]ModelSpec{
	"claude-sonnet-4": {
		ShortName: "claude-sonnet-4", Provider: "anthropic", ModelID: "claude-sonnet-4-20250514",
		MaxTokens: 16384, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
		PriceInputPerMTok: 3.00, PriceOutputPerMTok: 15.00, PriceCachedPerMTok: 0.30,
	},
	"claude-haiku-3.5": {
		ShortName: "claude-haiku-3.5", Provider: "anthropic", ModelID: "claude-3-5-haiku-20241022",
		MaxTokens: 8192, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
		PriceInputPerMTok: 0.80, PriceOutputPerMTok: 4.00, PriceCachedPerMTok: 0.08,
	},
	"gemini-2.5-pro": {
		ShortName: "gemini-2.5-pro", Provider: "google", ModelID: "gemini-2.5-pro",
		MaxTokens: 65536, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
		PriceInputPerMTok: 1.25, PriceOutputPerMTok: 10.00, PriceCachedPerMTok: 0.31,
	},
	"gemini-2.5-flash": {
		ShortName: "gemini-2.5-flash", Provider: "google", ModelID: "gemini-2.5-flash",
		MaxTokens: 65536, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
		PriceInputPerMTok: 0.30, PriceOutputPerMTok: 2.50, PriceCachedPerMTok: 0.075,
	},
	"gpt-4o": {
		ShortName: "gpt-4o", Provider: "openai", ModelID: "gpt-4o",
		MaxTokens: 16384, SupportsTools: true, SupportsStreaming: true, SupportsImages: false,
		PriceInputPerMTok: 2.50, PriceOutputPerMTok: 10.00, PriceCachedPerMTok: 1.25,
	},
	"gpt-4o-mini": {
		ShortName: "gpt-4o-mini", Provider: "openai", ModelID: "gpt-4o-mini",
		MaxTokens: 16384, SupportsTools: true, SupportsStreaming: true, SupportsImages: false,
		PriceInputPerMTok: 0.15, PriceOutputPerMTok: 0.60, PriceCachedPerMTok: 0.075,
	},
}

// Registry resolves short model names and routes calls to the configured
// provider adapters.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry constructs adapters for every provider with an API key.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{providers: make(map[string]Provider)}

	if cfg.AnthropicAPIKey != "" {
		r.providers["anthropic"] = NewAnthropic(cfg.AnthropicAPIKey)
	}
	if cfg.GoogleAPIKey != "" {
		r.providers["google"] = NewGoogle(cfg.GoogleAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		r.providers["openai"] = NewOpenAI(cfg.OpenAIAPIKey)
	}

	return r
}

// Register adds or replaces a provider adapter. Used by tests to inject
// fakes.
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

// Resolve maps a short model name to its spec. Unknown names are a hard
// failure.
func (r *Registry) Resolve(shortName string) (ModelSpec, error) {
	spec, ok := models[shortName]
	if !ok {
		return ModelSpec{}, fmt.Errorf("unknown model %q", shortName)
	}
	return spec, nil
}

// Models lists every registry entry.
func (r *Registry) Models() []ModelSpec {
	out := make([]ModelSpec, 0, len(models))
	for _, spec := range models {
		out = append(out, spec)
	}
	return out
}

// ChatStream resolves the model and streams through its provider.
func (r *Registry) ChatStream(ctx context.Context, shortName string, req Request) (<-chan Chunk, ModelSpec, error) {
	spec, err := r.Resolve(shortName)
	if err != nil {
		return nil, ModelSpec{}, err
	}

	p, ok := r.providers[spec.Provider]
	if !ok {
		return nil, ModelSpec{}, fmt.Errorf("provider %q is not configured (missing API key)", spec.Provider)
	}

	if req.MaxTokens <= 0 || req.MaxTokens > spec.MaxTokens {
		req.MaxTokens = spec.MaxTokens
	}
	if !spec.SupportsTools {
		req.Tools = nil
	}

	stream, err := p.ChatStream(ctx, spec.ModelID, req)
	if err != nil {
		return nil, ModelSpec{}, err
	}
	return stream, spec, nil
}
