package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bigdegenenergy/spendroute/pkg/models"
)

// recordingNotifier captures budget threshold crossings.
type recordingNotifier struct {
	mu        sync.Mutex
	crossings []string
}

func (n *recordingNotifier) BudgetThresholdCrossed(tenantID, window string, threshold, spendUSD, limitUSD float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.crossings = append(n.crossings, fmt.Sprintf("%s|%s|%.1f", tenantID, window, threshold))
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.crossings...)
}

func record(tenant string, costUSD float64) *models.CostRecord {
	return &models.CostRecord{
		ID:           "r",
		TenantID:     tenant,
		ProviderID:   "p",
		Tier:         models.TierFree,
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      costUSD,
		LatencyMs:    200,
		CreatedAt:    time.Now(),
	}
}

func TestRecord_AccumulatesSpend(t *testing.T) {
	l := New(Config{})
	l.Record(context.Background(), record("acme", 0.5))
	l.Record(context.Background(), record("acme", 0.25))

	b := l.BudgetFor("acme")
	if math.Abs(b.DailySpendUSD-0.75) > 1e-9 {
		t.Errorf("expected daily spend 0.75, got %f", b.DailySpendUSD)
	}
	if math.Abs(b.MonthlySpendUSD-0.75) > 1e-9 {
		t.Errorf("expected monthly spend 0.75, got %f", b.MonthlySpendUSD)
	}
}

func TestRecord_ConcurrentRecordsSumExactly(t *testing.T) {
	l := New(Config{})
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(context.Background(), record("acme", 0.01))
		}()
	}
	wg.Wait()

	b := l.BudgetFor("acme")
	if math.Abs(b.DailySpendUSD-n*0.01) > 1e-6 {
		t.Errorf("expected daily spend %.2f, got %f", n*0.01, b.DailySpendUSD)
	}
	stats := l.StatsFor(context.Background(), "acme", "day")
	if stats.TotalRequests != n {
		t.Errorf("expected %d requests, got %d", n, stats.TotalRequests)
	}
}

func TestCheckBudget_RejectsOverDailyLimit(t *testing.T) {
	l := New(Config{})
	l.SetBudget("acme", 1.0, 0)
	l.Record(context.Background(), record("acme", 0.95))

	err := l.CheckBudget("acme", 0.10)
	var be *BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if be.Window != "day" {
		t.Errorf("expected day window, got %s", be.Window)
	}

	if err := l.CheckBudget("acme", 0.01); err != nil {
		t.Errorf("spend within limit must pass, got %v", err)
	}
}

func TestCheckBudget_ZeroLimitMeansUnlimited(t *testing.T) {
	l := New(Config{})
	l.Record(context.Background(), record("acme", 1000))
	if err := l.CheckBudget("acme", 1000); err != nil {
		t.Errorf("zero limit must never reject, got %v", err)
	}
}

func TestRecord_ThresholdFiresOncePerWindow(t *testing.T) {
	n := &recordingNotifier{}
	l := New(Config{Notifier: n})
	l.SetBudget("acme", 10.0, 0)

	l.Record(context.Background(), record("acme", 8.0)) // crosses 0.8
	l.Record(context.Background(), record("acme", 0.5)) // still past 0.8, no re-fire
	l.Record(context.Background(), record("acme", 2.0)) // crosses 1.0

	got := n.all()
	want := []string{"acme|day|0.8", "acme|day|1.0"}
	if len(got) != len(want) {
		t.Fatalf("expected crossings %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("crossing %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRecord_ThresholdRearmsAfterWindowReset(t *testing.T) {
	n := &recordingNotifier{}
	l := New(Config{Notifier: n})
	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }
	l.SetBudget("acme", 10.0, 0)

	l.Record(context.Background(), record("acme", 9.0))
	current = current.Add(24 * time.Hour)
	l.Record(context.Background(), record("acme", 9.0))

	got := n.all()
	if len(got) != 2 {
		t.Fatalf("expected the 0.8 crossing to fire again after the daily reset, got %v", got)
	}
}

func TestBudgetFor_DailyWindowResets(t *testing.T) {
	l := New(Config{})
	current := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	l.Record(context.Background(), record("acme", 2.0))
	current = current.Add(2 * time.Hour) // past midnight

	b := l.BudgetFor("acme")
	if b.DailySpendUSD != 0 {
		t.Errorf("expected daily spend reset at midnight, got %f", b.DailySpendUSD)
	}
	if math.Abs(b.MonthlySpendUSD-2.0) > 1e-9 {
		t.Errorf("monthly window must survive the daily reset, got %f", b.MonthlySpendUSD)
	}
}

func TestBudgetFor_MonthlyWindowResets(t *testing.T) {
	l := New(Config{})
	current := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	l.Record(context.Background(), record("acme", 2.0))
	current = time.Date(2026, 4, 1, 0, 1, 0, 0, time.UTC)

	b := l.BudgetFor("acme")
	if b.MonthlySpendUSD != 0 {
		t.Errorf("expected monthly spend reset on the 1st, got %f", b.MonthlySpendUSD)
	}
}

func TestStatsFor_BreakdownsAndSavings(t *testing.T) {
	l := New(Config{BaselineInputPerM: 15.0, BaselineOutputPerM: 75.0})

	rec := record("acme", 0.001)
	rec.ProviderID = "cheap"
	l.Record(context.Background(), rec)

	rec2 := record("acme", 0.002)
	rec2.ProviderID = "mid"
	rec2.Tier = models.TierMid
	rec2.Cached = true
	l.Record(context.Background(), rec2)

	stats := l.StatsFor(context.Background(), "acme", "day")
	if stats.TotalRequests != 2 || stats.CachedRequests != 1 {
		t.Errorf("expected 2 requests / 1 cached, got %d / %d", stats.TotalRequests, stats.CachedRequests)
	}
	if len(stats.ByProvider) != 2 {
		t.Errorf("expected 2 provider breakdowns, got %d", len(stats.ByProvider))
	}
	if stats.ByTier[models.TierMid].Requests != 1 {
		t.Errorf("expected 1 mid-tier request, got %d", stats.ByTier[models.TierMid].Requests)
	}

	// Baseline: 2 records x (100 in x $15/M + 50 out x $75/M) = 2 x 0.00525.
	wantBaseline := 2 * (100*15.0 + 50*75.0) / 1_000_000
	wantSavings := wantBaseline - 0.003
	if math.Abs(stats.SavingsUSD-wantSavings) > 1e-9 {
		t.Errorf("expected savings %.6f, got %.6f", wantSavings, stats.SavingsUSD)
	}
	if stats.SavingsPercent <= 0 {
		t.Errorf("expected positive savings percent, got %.2f", stats.SavingsPercent)
	}
	if stats.AvgLatencyMs != 200 {
		t.Errorf("expected avg latency 200ms, got %.1f", stats.AvgLatencyMs)
	}
}

func TestSeedSpend_PrimesBudgetEnforcement(t *testing.T) {
	l := New(Config{})
	l.SetBudget("acme", 10.0, 100.0)
	l.SeedSpend("acme", 9.5, 40.0)

	b := l.BudgetFor("acme")
	if b.DailySpendUSD != 9.5 || b.MonthlySpendUSD != 40.0 {
		t.Errorf("expected seeded spend 9.5/40, got %f/%f", b.DailySpendUSD, b.MonthlySpendUSD)
	}
	err := l.CheckBudget("acme", 1.0)
	var be *BudgetExceededError
	if !errors.As(err, &be) {
		t.Errorf("seeded spend must count against the budget, got %v", err)
	}
}

func TestDefaultLimitsApplied(t *testing.T) {
	l := New(Config{DefaultDailyUSD: 5.0, DefaultMonthlyUSD: 50.0})
	b := l.BudgetFor("new-tenant")
	if b.DailyLimitUSD != 5.0 || b.MonthlyLimitUSD != 50.0 {
		t.Errorf("expected default limits 5/50, got %f/%f", b.DailyLimitUSD, b.MonthlyLimitUSD)
	}
}
