package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditEntry is one row of the request log: what was asked, where it went,
// and what it cost. Bodies are never stored here; the cache keeps the raw
// request alongside its entry.
type AuditEntry struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	Fingerprint      string    `json:"fingerprint"`
	KeyPrefix        string    `json:"key_prefix"`
	Model            string    `json:"model"`
	Route            string    `json:"route"`
	Stream           bool      `json:"stream"`
	CacheHit         bool      `json:"cache_hit"`
	StatusCode       int       `json:"status_code"`
	LatencyMs        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Route classes recorded in audit entries.
const (
	RouteCompletions = "completions"
	RoutePassthrough = "passthrough"
	RouteModels      = "models"
)

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	RequestID string
	Model     string
	KeyPrefix string
	Since     time.Time
	Limit     int
}

// AuditStat holds aggregate request counts for a model/day combination.
type AuditStat struct {
	Model string
	Day   string
	Count int
}

// UsageSummary aggregates token usage per model across the request log.
type UsageSummary struct {
	Model            string `json:"model"`
	RequestCount     int    `json:"request_count"`
	CacheHits        int    `json:"cache_hits"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	CachedTokens     int    `json:"cached_tokens"`
}

// ModelPricing declares per-1K-token rates for one model.
type ModelPricing struct {
	Model           string  `yaml:"model" json:"model"`
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// CostLine is the estimated upstream spend for one model, split into what
// was actually billed and what cache hits avoided.
type CostLine struct {
	Model            string          `json:"model"`
	Requests         int             `json:"requests"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	SavedCost        decimal.Decimal `json:"saved_cost"`
	Priced           bool            `json:"priced"`
}

// CostReport is the per-model cost breakdown plus totals.
type CostReport struct {
	Lines      []CostLine      `json:"lines"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	TotalSaved decimal.Decimal `json:"total_saved"`
}
