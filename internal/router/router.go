// Package router implements the cost-aware request router.
//
// For every incoming prompt the router obtains a complexity assessment,
// verifies the tenant's budget, consults provider health, and dispatches to
// the cheapest capable backend with failover: failed attempts move to the
// next candidate in the same tier before escalating to the next-higher
// tier, up to a bounded number of total attempts. Completed work is cached
// and recorded in the cost ledger.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bigdegenenergy/spendroute/internal/analyzer"
	"github.com/bigdegenenergy/spendroute/internal/ledger"
	"github.com/bigdegenenergy/spendroute/internal/metrics"
	"github.com/bigdegenenergy/spendroute/internal/providers"
	"github.com/bigdegenenergy/spendroute/internal/registry"
	"github.com/bigdegenenergy/spendroute/internal/requestcache"
	"github.com/bigdegenenergy/spendroute/pkg/models"
	"github.com/google/uuid"
)

// ExhaustedError is the terminal failure after bounded failover attempts
// across tiers.
type ExhaustedError struct {
	TenantID  string
	Attempted []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted for tenant %s (attempted: %s)",
		e.TenantID, strings.Join(e.Attempted, ", "))
}

// ErrNoCandidates is returned when no enabled provider exists for the
// requested tier at all.
var ErrNoCandidates = errors.New("router: no candidate providers for tier")

// Request is one routing request.
type Request struct {
	Prompt              string
	TenantID            string
	MaxTokens           int
	Temperature         float64
	ForceProvider       string
	ForceTier           models.Tier
	SystemMessage       string
	ConversationHistory []models.ChatMessage
}

// Result is a completed routing decision.
type Result struct {
	RequestID          string
	ProviderID         string
	Tier               models.Tier
	Cached             bool
	Completion         *providers.Completion
	InputCostUSD       float64
	OutputCostUSD      float64
	CostUSD            float64
	LatencyMs          int64
	Analysis           *models.ComplexityScore
	SavingsUSD         float64
	SavingsPercent     float64
	AttemptedProviders []string
}

// Estimate is a dry-run routing decision: no backend is called, nothing is
// recorded.
type Estimate struct {
	ProviderID         string
	Tier               models.Tier
	Analysis           *models.ComplexityScore
	EstInputTokens     int64
	EstOutputTokens    int64
	EstCostUSD         float64
	EstimatedLatencyMs int64
}

// Config tunes the router.
type Config struct {
	MaxAttempts  int
	TierTimeouts map[models.Tier]time.Duration
	CacheTTL     time.Duration
}

// Router coordinates analyzer, registry, cache, and ledger.
type Router struct {
	analyzer *analyzer.Analyzer
	registry *registry.Registry
	cache    *requestcache.Cache // nil degrades to direct computation
	ledger   *ledger.Ledger
	invokers map[string]providers.Invoker
	metrics  *metrics.Metrics
	cfg      Config
}

// New creates a Router. cache may be nil: caching is an optimization, not
// a correctness dependency.
func New(an *analyzer.Analyzer, reg *registry.Registry, cache *requestcache.Cache,
	led *ledger.Ledger, invokers []providers.Invoker, m *metrics.Metrics, cfg Config) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	byID := make(map[string]providers.Invoker, len(invokers))
	for _, inv := range invokers {
		byID[inv.ID()] = inv
	}
	return &Router{
		analyzer: an,
		registry: reg,
		cache:    cache,
		ledger:   led,
		invokers: byID,
		metrics:  m,
		cfg:      cfg,
	}
}

// routeOutcome is what one dispatch produced; it is the value stored in
// the response cache.
type routeOutcome struct {
	completion *providers.Completion
	providerID string
	tier       models.Tier
	attempted  []string
}

// Route executes the full decision: analyze, check budget, consult the
// cache, dispatch with failover, record the outcome.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	requestID := uuid.New().String()

	analysis, tier, err := r.decideTier(req)
	if err != nil {
		return nil, err
	}

	// Budget is checked before any backend is called.
	estCost := r.estimateCost(req, tier)
	if err := r.ledger.CheckBudget(req.TenantID, estCost); err != nil {
		var be *ledger.BudgetExceededError
		if errors.As(err, &be) && r.metrics != nil {
			r.metrics.RequestsTotal.WithLabelValues("none", string(tier), "budget_rejected").Inc()
		}
		return nil, err
	}

	dispatch := func(cctx context.Context) (any, int64, error) {
		out, derr := r.dispatch(cctx, req, tier)
		if derr != nil {
			return nil, 0, derr
		}
		size := int64(len(out.completion.Content) + 256)
		return out, size, nil
	}

	var (
		value  any
		cached bool
	)
	if r.cache != nil {
		value, cached, err = r.cache.GetOrCompute(ctx, r.cacheKey(req), r.cfg.CacheTTL, dispatch)
	} else {
		// Cache subsystem unavailable: degrade to direct computation.
		value, _, err = dispatch(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := value.(*routeOutcome)

	latency := time.Since(start)
	res := &Result{
		RequestID:          requestID,
		ProviderID:         out.providerID,
		Tier:               out.tier,
		Cached:             cached,
		Completion:         out.completion,
		LatencyMs:          latency.Milliseconds(),
		Analysis:           analysis,
		AttemptedProviders: out.attempted,
	}

	// A cached result costs nothing new; the original call already paid.
	if !cached {
		res.InputCostUSD, res.OutputCostUSD = r.cost(out.providerID, out.completion)
		res.CostUSD = res.InputCostUSD + res.OutputCostUSD
	}
	res.SavingsUSD, res.SavingsPercent = r.savings(out.completion, res.CostUSD)

	r.ledger.Record(ctx, &models.CostRecord{
		ID:           requestID,
		TenantID:     req.TenantID,
		ProviderID:   out.providerID,
		Tier:         out.tier,
		InputTokens:  out.completion.InputTokens,
		OutputTokens: out.completion.OutputTokens,
		CostUSD:      res.CostUSD,
		LatencyMs:    res.LatencyMs,
		Cached:       cached,
		CreatedAt:    time.Now(),
	})

	if r.metrics != nil {
		outcome := "success"
		if cached {
			outcome = "cached"
			r.metrics.CacheHits.Inc()
		} else {
			r.metrics.CacheMisses.Inc()
		}
		r.metrics.RequestsTotal.WithLabelValues(out.providerID, string(out.tier), outcome).Inc()
		r.metrics.SpendUSD.WithLabelValues(req.TenantID).Add(res.CostUSD)
		r.metrics.RouteLatency.Observe(latency.Seconds())
	}
	return res, nil
}

// EstimateRoute returns the routing decision and cost/latency estimate
// without dispatching to any backend.
func (r *Router) EstimateRoute(ctx context.Context, req Request) (*Estimate, error) {
	analysis, tier, err := r.decideTier(req)
	if err != nil {
		return nil, err
	}

	candidates := r.candidates(req, tier)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoCandidates, tier)
	}
	chosen := candidates[0]

	estIn := estimateInputTokens(req)
	estOut := estIn / 2
	if estOut == 0 {
		estOut = 64
	}
	est := &Estimate{
		ProviderID:         chosen.ID,
		Tier:               chosen.Tier,
		Analysis:           analysis,
		EstInputTokens:     estIn,
		EstOutputTokens:    estOut,
		EstCostUSD:         (float64(estIn)*chosen.CostPerInputUnit + float64(estOut)*chosen.CostPerOutputUnit) / 1_000_000,
		EstimatedLatencyMs: chosen.AverageLatencyMs + estIn/2,
	}
	return est, nil
}

// decideTier runs the analyzer unless the caller forces a tier or
// provider, which bypasses scoring entirely.
func (r *Router) decideTier(req Request) (*models.ComplexityScore, models.Tier, error) {
	if req.ForceProvider != "" {
		cfg, ok := r.registry.Config(req.ForceProvider)
		if !ok {
			return nil, "", fmt.Errorf("router: unknown provider %q", req.ForceProvider)
		}
		return nil, cfg.Tier, nil
	}
	if req.ForceTier != "" {
		if !models.ValidTier(req.ForceTier) {
			return nil, "", fmt.Errorf("router: unknown tier %q", req.ForceTier)
		}
		return nil, req.ForceTier, nil
	}
	score := r.analyzer.Analyze(req.Prompt, analyzer.Options{
		SystemMessage:       req.SystemMessage,
		ConversationHistory: req.ConversationHistory,
	})
	return &score, score.RecommendedTier, nil
}

// candidates returns the ordered providers to try for the starting tier,
// honoring a forced provider.
func (r *Router) candidates(req Request, tier models.Tier) []models.ProviderConfig {
	if req.ForceProvider != "" {
		if cfg, ok := r.registry.Config(req.ForceProvider); ok && cfg.Enabled {
			return []models.ProviderConfig{cfg}
		}
		return nil
	}
	return r.registry.ListByTier(tier)
}

// dispatch runs the failover loop: candidates within the tier first, then
// escalation to higher tiers, bounded by MaxAttempts total attempts.
func (r *Router) dispatch(ctx context.Context, req Request, startTier models.Tier) (*routeOutcome, error) {
	var attempted []string
	attempts := 0
	forced := req.ForceProvider != ""

	for tier := startTier; tier != ""; tier = models.NextTier(tier) {
		for _, cfg := range r.candidates(req, tier) {
			if attempts >= r.cfg.MaxAttempts {
				return nil, &ExhaustedError{TenantID: req.TenantID, Attempted: attempted}
			}
			if h, ok := r.registry.Health(cfg.ID); ok && h.Status == models.StatusUnhealthy {
				continue
			}
			inv, ok := r.invokers[cfg.ID]
			if !ok {
				continue
			}

			attempts++
			attempted = append(attempted, cfg.ID)

			attemptCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(tier))
			attemptStart := time.Now()
			comp, err := inv.Invoke(attemptCtx, req.Prompt, providers.Params{
				MaxTokens:           req.MaxTokens,
				Temperature:         req.Temperature,
				SystemMessage:       req.SystemMessage,
				ConversationHistory: req.ConversationHistory,
			})
			cancel()
			attemptLatency := time.Since(attemptStart)

			r.registry.RecordOutcome(cfg.ID, err == nil, attemptLatency, err)

			if err == nil {
				return &routeOutcome{
					completion: comp,
					providerID: cfg.ID,
					tier:       tier,
					attempted:  attempted,
				}, nil
			}

			if r.metrics != nil {
				r.metrics.ProviderErrors.WithLabelValues(cfg.ID, errorKind(err)).Inc()
			}
			if !providers.Retryable(err) {
				// Caller cancellation or a programming error; failover
				// cannot help.
				return nil, err
			}
			log.Printf("router: provider %s failed (%v), failing over", cfg.ID, err)
		}
		if forced {
			// A forced provider never escalates tiers.
			break
		}
	}
	return nil, &ExhaustedError{TenantID: req.TenantID, Attempted: attempted}
}

// errorKind buckets an attempt failure for the provider error counter.
func errorKind(err error) string {
	var pe *providers.Error
	switch {
	case errors.Is(err, providers.ErrTimeout):
		return "timeout"
	case errors.Is(err, providers.ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &pe):
		return "upstream"
	default:
		return "other"
	}
}

func (r *Router) timeoutFor(tier models.Tier) time.Duration {
	if d, ok := r.cfg.TierTimeouts[tier]; ok && d > 0 {
		return d
	}
	return 30 * time.Second
}

// cost prices a completion at the provider's configured rates.
func (r *Router) cost(providerID string, comp *providers.Completion) (inUSD, outUSD float64) {
	cfg, ok := r.registry.Config(providerID)
	if !ok {
		return 0, 0
	}
	inUSD = float64(comp.InputTokens) * cfg.CostPerInputUnit / 1_000_000
	outUSD = float64(comp.OutputTokens) * cfg.CostPerOutputUnit / 1_000_000
	return inUSD, outUSD
}

// savings compares actual cost against the most expensive provider.
func (r *Router) savings(comp *providers.Completion, actualUSD float64) (usd, pct float64) {
	top, ok := r.registry.MostExpensive()
	if !ok {
		return 0, 0
	}
	baseline := (float64(comp.InputTokens)*top.CostPerInputUnit +
		float64(comp.OutputTokens)*top.CostPerOutputUnit) / 1_000_000
	usd = baseline - actualUSD
	if baseline > 0 {
		pct = usd / baseline * 100
	}
	return usd, pct
}

// estimateCost prices the prompt at the cheapest provider of the tier for
// the pre-dispatch budget check.
func (r *Router) estimateCost(req Request, tier models.Tier) float64 {
	cfg, ok := r.registry.CheapestByTier(tier)
	if !ok {
		return 0
	}
	estIn := estimateInputTokens(req)
	return (float64(estIn)*cfg.CostPerInputUnit + float64(estIn/2)*cfg.CostPerOutputUnit) / 1_000_000
}

func estimateInputTokens(req Request) int64 {
	chars := len(req.Prompt) + len(req.SystemMessage)
	for _, m := range req.ConversationHistory {
		chars += len(m.Content)
	}
	return int64(chars / 4)
}

// cacheKey is a stable hash of the normalized prompt, the parameters that
// change the answer, and the tenant.
func (r *Router) cacheKey(req Request) string {
	normalized := strings.Join(strings.Fields(req.Prompt), " ")
	h := sha256.New()
	fmt.Fprintf(h, "%s\x1f%s\x1f%d\x1f%.3f\x1f%s\x1f%s\x1f%s",
		normalized, req.TenantID, req.MaxTokens, req.Temperature,
		req.ForceProvider, req.ForceTier, req.SystemMessage)
	for _, m := range req.ConversationHistory {
		fmt.Fprintf(h, "\x1f%s:%s", m.Role, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
