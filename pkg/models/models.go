// Package models defines the core data structures used across Spendroute.
package models

import "time"

// Tier represents a cost/capability class of LLM backend.
type Tier string

const (
	TierFree    Tier = "free"    // small hosted models, flash-lite class
	TierMid     Tier = "mid"     // gpt-4o / claude-sonnet class
	TierPremium Tier = "premium" // claude-opus / o1 class
)

// TierRank returns a numeric rank for tier comparison. Unknown tiers rank 0.
func TierRank(t Tier) int {
	switch t {
	case TierFree:
		return 1
	case TierMid:
		return 2
	case TierPremium:
		return 3
	default:
		return 0
	}
}

// NextTier returns the next-higher tier, or "" when already at premium.
func NextTier(t Tier) Tier {
	switch t {
	case TierFree:
		return TierMid
	case TierMid:
		return TierPremium
	default:
		return ""
	}
}

// ValidTier reports whether t names a known tier.
func ValidTier(t Tier) bool { return TierRank(t) > 0 }

// ChatMessage is a single turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ComplexityScore is the immutable result of a single complexity analysis.
type ComplexityScore struct {
	Score               int      `json:"score"` // 0-100
	TokenEstimate       int      `json:"token_estimate"`
	HasComplexSignal    bool     `json:"has_complex_signal"`
	DetectedSignals     []string `json:"detected_signals"`
	RecommendedTier     Tier     `json:"recommended_tier"`
	RecommendedProvider string   `json:"recommended_provider"`
	Confidence          float64  `json:"confidence"` // 0-1
	EstimatedLatencyMs  int64    `json:"estimated_latency_ms"`
	Reasoning           string   `json:"reasoning"`
}

// ProviderConfig describes a backend available for routing.
// Loaded at startup; mutable only via admin update, never by the router.
type ProviderConfig struct {
	ID                string  `json:"id" db:"id"`
	Tier              Tier    `json:"tier" db:"tier"`
	CostPerInputUnit  float64 `json:"cost_per_input_unit" db:"cost_per_input_unit"`   // USD per 1M input tokens
	CostPerOutputUnit float64 `json:"cost_per_output_unit" db:"cost_per_output_unit"` // USD per 1M output tokens
	MaxTokens         int     `json:"max_tokens" db:"max_tokens"`
	AverageLatencyMs  int64   `json:"average_latency_ms" db:"average_latency_ms"`
	Enabled           bool    `json:"enabled" db:"enabled"`
}

// HealthStatus represents the live health of a provider.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ProviderHealth tracks runtime health data for a single provider.
// Mutated by the router after every attempt outcome.
type ProviderHealth struct {
	ProviderID           string       `json:"provider_id"`
	Status               HealthStatus `json:"status"`
	RollingSuccessRate   float64      `json:"rolling_success_rate"`
	ConsecutiveErrors    int          `json:"consecutive_errors"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastSuccessAt        time.Time    `json:"last_success_at"`
	LastError            string       `json:"last_error,omitempty"`
}

// CostRecord is an append-only record of one completed request.
type CostRecord struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	ProviderID   string    `json:"provider_id" db:"provider_id"`
	Tier         Tier      `json:"tier" db:"tier"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	Cached       bool      `json:"cached" db:"cached"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// BudgetState is the derived per-tenant spend position against its limits.
// A zero limit means "no limit configured" for that window.
type BudgetState struct {
	TenantID        string  `json:"tenant_id"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
	DailySpendUSD   float64 `json:"daily_spend_usd"`
	MonthlySpendUSD float64 `json:"monthly_spend_usd"`
}

// CostBreakdown aggregates spend along one dimension (provider or tier).
type CostBreakdown struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostStats is the aggregated per-tenant view returned by the stats API.
type CostStats struct {
	TenantID       string                   `json:"tenant_id"`
	Period         string                   `json:"period"` // "day" or "month"
	TotalRequests  int64                    `json:"total_requests"`
	CachedRequests int64                    `json:"cached_requests"`
	InputTokens    int64                    `json:"input_tokens"`
	OutputTokens   int64                    `json:"output_tokens"`
	TotalCostUSD   float64                  `json:"total_cost_usd"`
	AvgLatencyMs   float64                  `json:"avg_latency_ms"`
	ByProvider     map[string]CostBreakdown `json:"by_provider"`
	ByTier         map[Tier]CostBreakdown   `json:"by_tier"`
	SavingsUSD     float64                  `json:"savings_usd"`     // vs always-premium baseline
	SavingsPercent float64                  `json:"savings_percent"` // savings / baseline cost
}

// AlertSeverity indicates the urgency of an alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType categorizes the condition that raised an alert.
type AlertType string

const (
	AlertBudgetWarning     AlertType = "budget_warning"
	AlertBudgetExceeded    AlertType = "budget_exceeded"
	AlertProviderUnhealthy AlertType = "provider_unhealthy"
	AlertProviderDegraded  AlertType = "provider_degraded"
)

// Alert is a deduplicated operational alert. Identical unresolved alerts
// (same type + tenant + provider) are merged rather than duplicated.
type Alert struct {
	ID          string        `json:"id"`
	Type        AlertType     `json:"type"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TenantID    string        `json:"tenant_id,omitempty"`
	ProviderID  string        `json:"provider_id,omitempty"`
	Count       int           `json:"count"` // times this condition re-fired while unresolved
	TriggeredAt time.Time     `json:"triggered_at"`
	LastSeenAt  time.Time     `json:"last_seen_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// Resolved reports whether the alert has been resolved.
func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }
