package types

import "time"

// AIUsageEntry records the token consumption and cost of one model call.
// Entries are append-only; the store compacts to the current month.
type AIUsageEntry struct {
	UserID       string    `json:"userID"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	CachedTokens int       `json:"cachedTokens"`
	CostEur      float64   `json:"costEur"`
	Timestamp    time.Time `json:"timestamp"`
}
