// Package ledger implements the cost ledger: append-only recording of
// completed requests, incrementally-maintained rolling spend windows per
// tenant, budget enforcement, and spend statistics.
//
// Daily and monthly sums are updated in place under a per-tenant lock and
// reset at window boundaries; they are never recomputed from full history
// on the request path. Each record triggers budget-threshold checks that
// notify the alert manager exactly once per crossing per window.
package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bigdegenenergy/spendroute/internal/database"
	"github.com/bigdegenenergy/spendroute/pkg/models"
	"github.com/bigdegenenergy/spendroute/pkg/spendcache"
)

// Budget thresholds that raise alerts, as fractions of the window limit.
var alertThresholds = []float64{0.8, 1.0}

// Notifier receives budget threshold crossings. Implemented by the alert
// manager.
type Notifier interface {
	BudgetThresholdCrossed(tenantID, window string, threshold, spendUSD, limitUSD float64)
}

// BudgetExceededError rejects a request before any backend is called.
type BudgetExceededError struct {
	TenantID string
	Window   string // "day" or "month"
	SpendUSD float64
	LimitUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("tenant %s exceeded its %s budget ($%.4f of $%.2f)",
		e.TenantID, e.Window, e.SpendUSD, e.LimitUSD)
}

// Config wires the ledger's collaborators. Store and Mirror are optional;
// without them the ledger is purely in-memory.
type Config struct {
	Notifier Notifier
	Store    *database.DB
	Mirror   *spendcache.Cache

	// Baseline per-1M-token rates of the most expensive provider, used
	// for the "always use the most expensive tier" savings figure.
	BaselineInputPerM  float64
	BaselineOutputPerM float64

	// Default limits applied to tenants without an explicit budget.
	// Zero means unlimited.
	DefaultDailyUSD   float64
	DefaultMonthlyUSD float64
}

// window is one rolling accounting period for a tenant.
type window struct {
	anchor         time.Time // start of the day/month this window covers
	spendUSD       float64
	baselineUSD    float64
	requests       int64
	cachedRequests int64
	inputTokens    int64
	outputTokens   int64
	latencySumMs   int64
	byProvider     map[string]models.CostBreakdown
	byTier         map[models.Tier]models.CostBreakdown
	crossed        map[float64]bool // latched alert thresholds
}

func newWindow(anchor time.Time) *window {
	return &window{
		anchor:     anchor,
		byProvider: make(map[string]models.CostBreakdown),
		byTier:     make(map[models.Tier]models.CostBreakdown),
		crossed:    make(map[float64]bool),
	}
}

// tenantLedger holds one tenant's windows and limits under its own lock so
// concurrent completions for different tenants never contend.
type tenantLedger struct {
	mu           sync.Mutex
	dailyLimit   float64
	monthlyLimit float64
	day          *window
	month        *window
}

// Ledger records completed requests and aggregates rolling spend.
type Ledger struct {
	mu      sync.Mutex
	tenants map[string]*tenantLedger
	cfg     Config
	now     func() time.Time
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	return &Ledger{
		tenants: make(map[string]*tenantLedger),
		cfg:     cfg,
		now:     time.Now,
	}
}

func dayAnchor(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func monthAnchor(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func (l *Ledger) tenant(tenantID string) *tenantLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tenants[tenantID]
	if !ok {
		now := l.now()
		t = &tenantLedger{
			dailyLimit:   l.cfg.DefaultDailyUSD,
			monthlyLimit: l.cfg.DefaultMonthlyUSD,
			day:          newWindow(dayAnchor(now)),
			month:        newWindow(monthAnchor(now)),
		}
		l.tenants[tenantID] = t
	}
	return t
}

// rollLocked resets windows whose boundary has passed. Caller holds t.mu.
func (t *tenantLedger) rollLocked(now time.Time) {
	if da := dayAnchor(now); !da.Equal(t.day.anchor) {
		t.day = newWindow(da)
	}
	if ma := monthAnchor(now); !ma.Equal(t.month.anchor) {
		t.month = newWindow(ma)
	}
}

// crossing captures a threshold event to fire after the lock is released.
type crossing struct {
	window    string
	threshold float64
	spend     float64
	limit     float64
}

func (w *window) apply(rec *models.CostRecord, baselineUSD float64) {
	w.spendUSD += rec.CostUSD
	w.baselineUSD += baselineUSD
	w.requests++
	if rec.Cached {
		w.cachedRequests++
	}
	w.inputTokens += rec.InputTokens
	w.outputTokens += rec.OutputTokens
	w.latencySumMs += rec.LatencyMs

	p := w.byProvider[rec.ProviderID]
	p.Requests++
	p.InputTokens += rec.InputTokens
	p.OutputTokens += rec.OutputTokens
	p.CostUSD += rec.CostUSD
	w.byProvider[rec.ProviderID] = p

	tb := w.byTier[rec.Tier]
	tb.Requests++
	tb.InputTokens += rec.InputTokens
	tb.OutputTokens += rec.OutputTokens
	tb.CostUSD += rec.CostUSD
	w.byTier[rec.Tier] = tb
}

// checkThresholds latches newly-crossed thresholds and re-arms ones the
// spend has dropped back under.
func (w *window) checkThresholds(name string, limit float64) []crossing {
	if limit <= 0 {
		return nil
	}
	var out []crossing
	pct := w.spendUSD / limit
	for _, thr := range alertThresholds {
		switch {
		case pct >= thr && !w.crossed[thr]:
			w.crossed[thr] = true
			out = append(out, crossing{window: name, threshold: thr, spend: w.spendUSD, limit: limit})
		case pct < thr && w.crossed[thr]:
			w.crossed[thr] = false
		}
	}
	return out
}

// Record appends a cost record: updates rolling windows synchronously,
// then persists and mirrors asynchronously. Threshold notifications fire
// outside the tenant lock.
func (l *Ledger) Record(ctx context.Context, rec *models.CostRecord) {
	baseline := (float64(rec.InputTokens)*l.cfg.BaselineInputPerM +
		float64(rec.OutputTokens)*l.cfg.BaselineOutputPerM) / 1_000_000

	t := l.tenant(rec.TenantID)
	t.mu.Lock()
	t.rollLocked(l.now())
	t.day.apply(rec, baseline)
	t.month.apply(rec, baseline)
	crossings := t.day.checkThresholds("day", t.dailyLimit)
	crossings = append(crossings, t.month.checkThresholds("month", t.monthlyLimit)...)
	t.mu.Unlock()

	if l.cfg.Notifier != nil {
		for _, c := range crossings {
			l.cfg.Notifier.BudgetThresholdCrossed(rec.TenantID, c.window, c.threshold, c.spend, c.limit)
		}
	}

	if l.cfg.Store != nil || l.cfg.Mirror != nil {
		go l.persist(rec)
	}
}

func (l *Ledger) persist(rec *models.CostRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if l.cfg.Store != nil {
		if err := l.cfg.Store.InsertCostRecord(ctx, rec); err != nil {
			log.Printf("ledger: [%s] failed to persist cost record: %v", rec.ID, err)
		}
	}
	if l.cfg.Mirror != nil && rec.CostUSD > 0 {
		for _, w := range []string{"day", "month"} {
			if _, err := l.cfg.Mirror.IncrSpend(ctx, rec.TenantID, w, rec.CreatedAt, rec.CostUSD); err != nil {
				log.Printf("ledger: [%s] failed to mirror %s spend: %v", rec.ID, w, err)
			}
		}
	}
}

// SeedSpend primes a tenant's current windows with spend recorded before
// this process started, so budget enforcement survives restarts. Called
// once at startup; overwrites the in-memory sums.
func (l *Ledger) SeedSpend(tenantID string, dayUSD, monthUSD float64) {
	t := l.tenant(tenantID)
	t.mu.Lock()
	t.rollLocked(l.now())
	t.day.spendUSD = dayUSD
	t.month.spendUSD = monthUSD
	t.mu.Unlock()
}

// CheckBudget verifies the tenant has room for an estimated cost. Returns
// a *BudgetExceededError when a window limit would be breached.
func (l *Ledger) CheckBudget(tenantID string, estimatedCostUSD float64) error {
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(l.now())

	if t.dailyLimit > 0 && t.day.spendUSD+estimatedCostUSD > t.dailyLimit {
		return &BudgetExceededError{TenantID: tenantID, Window: "day", SpendUSD: t.day.spendUSD, LimitUSD: t.dailyLimit}
	}
	if t.monthlyLimit > 0 && t.month.spendUSD+estimatedCostUSD > t.monthlyLimit {
		return &BudgetExceededError{TenantID: tenantID, Window: "month", SpendUSD: t.month.spendUSD, LimitUSD: t.monthlyLimit}
	}
	return nil
}

// SetBudget updates a tenant's limits in memory. Durable persistence is
// the caller's concern.
func (l *Ledger) SetBudget(tenantID string, dailyUSD, monthlyUSD float64) {
	t := l.tenant(tenantID)
	t.mu.Lock()
	t.dailyLimit = dailyUSD
	t.monthlyLimit = monthlyUSD
	t.mu.Unlock()
}

// BudgetFor returns the tenant's current spend position.
func (l *Ledger) BudgetFor(tenantID string) models.BudgetState {
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(l.now())
	return models.BudgetState{
		TenantID:        tenantID,
		DailyLimitUSD:   t.dailyLimit,
		MonthlyLimitUSD: t.monthlyLimit,
		DailySpendUSD:   t.day.spendUSD,
		MonthlySpendUSD: t.month.spendUSD,
	}
}

// StatsFor returns aggregated stats for the tenant over period ("day" or
// "month", defaulting to day).
func (l *Ledger) StatsFor(ctx context.Context, tenantID, period string) models.CostStats {
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(l.now())

	w := t.day
	if period == "month" {
		w = t.month
	} else {
		period = "day"
	}

	stats := models.CostStats{
		TenantID:       tenantID,
		Period:         period,
		TotalRequests:  w.requests,
		CachedRequests: w.cachedRequests,
		InputTokens:    w.inputTokens,
		OutputTokens:   w.outputTokens,
		TotalCostUSD:   w.spendUSD,
		ByProvider:     make(map[string]models.CostBreakdown, len(w.byProvider)),
		ByTier:         make(map[models.Tier]models.CostBreakdown, len(w.byTier)),
	}
	for k, v := range w.byProvider {
		stats.ByProvider[k] = v
	}
	for k, v := range w.byTier {
		stats.ByTier[k] = v
	}
	if w.requests > 0 {
		stats.AvgLatencyMs = float64(w.latencySumMs) / float64(w.requests)
	}
	stats.SavingsUSD = w.baselineUSD - w.spendUSD
	if w.baselineUSD > 0 {
		stats.SavingsPercent = stats.SavingsUSD / w.baselineUSD * 100
	}
	return stats
}
