// Package registry maintains the table of backend providers and their
// live health.
//
// The static ProviderConfig list is loaded at startup and only changes via
// admin update; the router never mutates it. ProviderHealth is updated
// after every routed attempt and drives failover decisions: three
// consecutive failures flip a provider to unhealthy, a single success pulls
// it back to degraded, and five consecutive successes restore healthy.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/bigdegenenergy/spendroute/pkg/models"
)

// ewmaAlpha controls how quickly the rolling success rate follows recent
// outcomes.
const ewmaAlpha = 0.1

const (
	unhealthyAfterErrors  = 3
	healthyAfterSuccesses = 5
)

// HealthSink receives provider health transitions. Implemented by the
// alert manager; wired explicitly so the coupling is visible in types
// rather than via event names.
type HealthSink interface {
	ProviderStateChanged(h models.ProviderHealth)
}

// providerState pairs a config with its mutable health. Each provider has
// its own lock so concurrent completions never race across the aggregate.
type providerState struct {
	mu     sync.Mutex
	cfg    models.ProviderConfig
	health models.ProviderHealth
}

// Registry holds provider configs and live health.
type Registry struct {
	mu    sync.RWMutex
	order []string // configuration order, for stable tie-breaking
	byID  map[string]*providerState
	sink  HealthSink
}

// New creates a Registry from the given configs. Providers start healthy
// with a perfect rolling success rate. sink may be nil.
func New(configs []models.ProviderConfig, sink HealthSink) *Registry {
	r := &Registry{
		byID: make(map[string]*providerState, len(configs)),
		sink: sink,
	}
	for _, cfg := range configs {
		r.order = append(r.order, cfg.ID)
		r.byID[cfg.ID] = &providerState{
			cfg: cfg,
			health: models.ProviderHealth{
				ProviderID:         cfg.ID,
				Status:             models.StatusHealthy,
				RollingSuccessRate: 1.0,
			},
		}
	}
	return r
}

// ListByTier returns the enabled providers in the given tier, ordered by
// ascending input cost, then ascending latency, then configuration order.
func (r *Registry) ListByTier(tier models.Tier) []models.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ProviderConfig
	pos := make(map[string]int, len(r.order))
	for i, id := range r.order {
		pos[id] = i
		st := r.byID[id]
		if st.cfg.Tier == tier && st.cfg.Enabled {
			out = append(out, st.cfg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CostPerInputUnit != out[j].CostPerInputUnit {
			return out[i].CostPerInputUnit < out[j].CostPerInputUnit
		}
		if out[i].AverageLatencyMs != out[j].AverageLatencyMs {
			return out[i].AverageLatencyMs < out[j].AverageLatencyMs
		}
		return pos[out[i].ID] < pos[out[j].ID]
	})
	return out
}

// CheapestByTier returns the cheapest enabled provider in a tier.
func (r *Registry) CheapestByTier(tier models.Tier) (models.ProviderConfig, bool) {
	list := r.ListByTier(tier)
	if len(list) == 0 {
		return models.ProviderConfig{}, false
	}
	return list[0], true
}

// MostExpensive returns the costliest enabled provider across all tiers.
// Used as the "always premium" baseline for savings accounting.
func (r *Registry) MostExpensive() (models.ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best models.ProviderConfig
	found := false
	for _, id := range r.order {
		cfg := r.byID[id].cfg
		if !cfg.Enabled {
			continue
		}
		if !found || cfg.CostPerInputUnit+cfg.CostPerOutputUnit > best.CostPerInputUnit+best.CostPerOutputUnit {
			best = cfg
			found = true
		}
	}
	return best, found
}

// Config returns the static config for a provider.
func (r *Registry) Config(providerID string) (models.ProviderConfig, bool) {
	r.mu.RLock()
	st, ok := r.byID[providerID]
	r.mu.RUnlock()
	if !ok {
		return models.ProviderConfig{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cfg, true
}

// SetEnabled flips a provider's enabled flag. Admin-only operation.
func (r *Registry) SetEnabled(providerID string, enabled bool) bool {
	r.mu.RLock()
	st, ok := r.byID[providerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	st.cfg.Enabled = enabled
	st.mu.Unlock()
	return true
}

// Health returns a snapshot of a provider's live health.
func (r *Registry) Health(providerID string) (models.ProviderHealth, bool) {
	r.mu.RLock()
	st, ok := r.byID[providerID]
	r.mu.RUnlock()
	if !ok {
		return models.ProviderHealth{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.health, true
}

// RecordOutcome updates rolling health after an attempt. Status
// transitions are pushed to the health sink.
func (r *Registry) RecordOutcome(providerID string, success bool, latency time.Duration, attemptErr error) {
	r.mu.RLock()
	st, ok := r.byID[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	h := &st.health

	sample := 0.0
	if success {
		sample = 1.0
	}
	h.RollingSuccessRate = ewmaAlpha*sample + (1-ewmaAlpha)*h.RollingSuccessRate

	prev := h.Status
	if success {
		h.ConsecutiveErrors = 0
		h.ConsecutiveSuccesses++
		h.LastSuccessAt = time.Now()
		switch {
		case h.Status == models.StatusUnhealthy:
			h.Status = models.StatusDegraded
			h.ConsecutiveSuccesses = 1
		case h.Status == models.StatusDegraded && h.ConsecutiveSuccesses >= healthyAfterSuccesses:
			h.Status = models.StatusHealthy
		}
	} else {
		h.ConsecutiveSuccesses = 0
		h.ConsecutiveErrors++
		if attemptErr != nil {
			h.LastError = attemptErr.Error()
		}
		if h.ConsecutiveErrors >= unhealthyAfterErrors {
			h.Status = models.StatusUnhealthy
		}
	}

	changed := h.Status != prev
	snapshot := *h
	st.mu.Unlock()

	if changed && r.sink != nil {
		r.sink.ProviderStateChanged(snapshot)
	}
}

// ProviderStatus pairs config and health for the admin listing.
type ProviderStatus struct {
	Config models.ProviderConfig `json:"config"`
	Health models.ProviderHealth `json:"health"`
}

// Snapshot returns config+health for every provider in configuration order.
func (r *Registry) Snapshot() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.order))
	for _, id := range r.order {
		st := r.byID[id]
		st.mu.Lock()
		out = append(out, ProviderStatus{Config: st.cfg, Health: st.health})
		st.mu.Unlock()
	}
	return out
}

// CJKProviderID names the premium backend recommended for CJK content.
const CJKProviderID = "qwen-max"

// DefaultConfigs returns the built-in provider table. Costs are USD per 1M
// tokens; latencies are vendor-published p50 figures.
func DefaultConfigs() []models.ProviderConfig {
	return []models.ProviderConfig{
		{ID: "gemini-flash-lite", Tier: models.TierFree, CostPerInputUnit: 0.075, CostPerOutputUnit: 0.30, MaxTokens: 8192, AverageLatencyMs: 300, Enabled: true},
		{ID: "gpt-4o-mini", Tier: models.TierFree, CostPerInputUnit: 0.15, CostPerOutputUnit: 0.60, MaxTokens: 16384, AverageLatencyMs: 400, Enabled: true},
		{ID: "gemini-pro", Tier: models.TierMid, CostPerInputUnit: 1.25, CostPerOutputUnit: 5.00, MaxTokens: 8192, AverageLatencyMs: 900, Enabled: true},
		{ID: "gpt-4o", Tier: models.TierMid, CostPerInputUnit: 2.50, CostPerOutputUnit: 10.00, MaxTokens: 16384, AverageLatencyMs: 800, Enabled: true},
		{ID: "claude-sonnet", Tier: models.TierMid, CostPerInputUnit: 3.00, CostPerOutputUnit: 15.00, MaxTokens: 8192, AverageLatencyMs: 700, Enabled: true},
		{ID: CJKProviderID, Tier: models.TierPremium, CostPerInputUnit: 10.00, CostPerOutputUnit: 30.00, MaxTokens: 8192, AverageLatencyMs: 1500, Enabled: true},
		{ID: "claude-opus", Tier: models.TierPremium, CostPerInputUnit: 15.00, CostPerOutputUnit: 75.00, MaxTokens: 8192, AverageLatencyMs: 1500, Enabled: true},
	}
}
