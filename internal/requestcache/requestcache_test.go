package requestcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrCompute_CachesValue(t *testing.T) {
	c := New(16, 0)
	var calls int32

	fn := func(ctx context.Context) (any, int64, error) {
		atomic.AddInt32(&calls, 1)
		return "answer", 6, nil
	}

	v, cached, err := c.GetOrCompute(context.Background(), "k1", time.Minute, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached {
		t.Error("first call must not report cached")
	}
	if v != "answer" {
		t.Errorf("expected answer, got %v", v)
	}

	v, cached, err = c.GetOrCompute(context.Background(), "k1", time.Minute, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cached {
		t.Error("second call must report cached")
	}
	if v != "answer" {
		t.Errorf("expected answer, got %v", v)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 compute call, got %d", n)
	}
}

func TestGetOrCompute_CoalescesConcurrentCallers(t *testing.T) {
	c := New(16, 0)
	var calls int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (any, int64, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", 6, nil
	}

	const n = 20
	var wg sync.WaitGroup
	var cachedCount int32
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, cached, err := c.GetOrCompute(context.Background(), "k", time.Minute, fn)
			if err != nil {
				t.Errorf("caller %d: unexpected error: %v", i, err)
				return
			}
			results[i] = v
			if cached {
				atomic.AddInt32(&cachedCount, 1)
			}
		}(i)
	}

	// Let every caller attach before the computation completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly 1 compute for %d concurrent callers, got %d", n, got)
	}
	for i, v := range results {
		if v != "shared" {
			t.Errorf("caller %d got %v, want shared", i, v)
		}
	}
	if cachedCount != n-1 {
		t.Errorf("expected %d attached callers to report cached, got %d", n-1, cachedCount)
	}
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := New(16, 0)
	var calls int32
	boom := errors.New("boom")

	fn := func(ctx context.Context) (any, int64, error) {
		atomic.AddInt32(&calls, 1)
		return nil, 0, boom
	}

	if _, _, err := c.GetOrCompute(context.Background(), "k", time.Minute, fn); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, _, err := c.GetOrCompute(context.Background(), "k", time.Minute, fn); !errors.Is(err, boom) {
		t.Fatalf("expected boom on retry, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("failed computations must not be cached; expected 2 calls, got %d", n)
	}
}

func TestGetOrCompute_TTLExpiry(t *testing.T) {
	c := New(16, 0)
	current := time.Now()
	c.now = func() time.Time { return current }

	var calls int32
	fn := func(ctx context.Context) (any, int64, error) {
		atomic.AddInt32(&calls, 1)
		return "v", 1, nil
	}

	c.GetOrCompute(context.Background(), "k", time.Minute, fn)

	current = current.Add(30 * time.Second)
	_, cached, _ := c.GetOrCompute(context.Background(), "k", time.Minute, fn)
	if !cached {
		t.Error("entry must still be live before TTL elapses")
	}

	current = current.Add(45 * time.Second)
	_, cached, _ = c.GetOrCompute(context.Background(), "k", time.Minute, fn)
	if cached {
		t.Error("expired entry must not be returned")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected recompute after expiry, got %d calls", n)
	}
}

func TestGetOrCompute_EntryBudgetEvictsLRU(t *testing.T) {
	c := New(2, 0)
	compute := func(v string) ComputeFunc {
		return func(ctx context.Context) (any, int64, error) { return v, 1, nil }
	}

	c.GetOrCompute(context.Background(), "a", time.Minute, compute("a"))
	c.GetOrCompute(context.Background(), "b", time.Minute, compute("b"))
	// Touch "a" so "b" becomes least recently used.
	c.GetOrCompute(context.Background(), "a", time.Minute, compute("a"))
	c.GetOrCompute(context.Background(), "c", time.Minute, compute("c"))

	if s := c.Stats(); s.Entries != 2 {
		t.Fatalf("expected 2 entries under budget, got %d", s.Entries)
	}
	if _, cached, _ := c.GetOrCompute(context.Background(), "a", time.Minute, compute("a")); !cached {
		t.Error("recently used entry must survive eviction")
	}
	if _, cached, _ := c.GetOrCompute(context.Background(), "b", time.Minute, compute("b")); cached {
		t.Error("least recently used entry must be evicted")
	}
}

func TestGetOrCompute_ByteBudgetEvicts(t *testing.T) {
	c := New(0, 100)
	big := func(size int64) ComputeFunc {
		return func(ctx context.Context) (any, int64, error) { return "x", size, nil }
	}

	c.GetOrCompute(context.Background(), "a", time.Minute, big(60))
	c.GetOrCompute(context.Background(), "b", time.Minute, big(60))

	s := c.Stats()
	if s.Bytes > 100 {
		t.Errorf("byte budget exceeded: %d > 100", s.Bytes)
	}
	if s.Entries != 1 {
		t.Errorf("expected 1 entry after byte eviction, got %d", s.Entries)
	}
}

func TestGetOrCompute_CancelDetachesOnlyCaller(t *testing.T) {
	c := New(16, 0)
	release := make(chan struct{})
	var aborted int32

	fn := func(ctx context.Context) (any, int64, error) {
		select {
		case <-release:
			return "done", 4, nil
		case <-ctx.Done():
			atomic.AddInt32(&aborted, 1)
			return nil, 0, ctx.Err()
		}
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(ctx1, "k", time.Minute, fn)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	valCh := make(chan any, 1)
	go func() {
		v, _, _ := c.GetOrCompute(context.Background(), "k", time.Minute, fn)
		valCh <- v
	}()
	time.Sleep(20 * time.Millisecond)

	// The originator cancels; the second caller must still get the result.
	cancel1()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error for originator, got %v", err)
	}

	close(release)
	select {
	case v := <-valCh:
		if v != "done" {
			t.Errorf("expected done, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("second caller never received the shared result")
	}
	if atomic.LoadInt32(&aborted) != 0 {
		t.Error("computation must not be aborted while a waiter remains")
	}
}

func TestGetOrCompute_AbortsWhenAllCallersCancel(t *testing.T) {
	c := New(16, 0)
	abortObserved := make(chan struct{})

	fn := func(ctx context.Context) (any, int64, error) {
		<-ctx.Done()
		close(abortObserved)
		return nil, 0, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(ctx, "k", time.Minute, fn)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	select {
	case <-abortObserved:
	case <-time.After(time.Second):
		t.Fatal("computation was not aborted after the last caller cancelled")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(16, 0)
	var calls int32
	fn := func(ctx context.Context) (any, int64, error) {
		atomic.AddInt32(&calls, 1)
		return "v", 1, nil
	}

	c.GetOrCompute(context.Background(), "k", time.Minute, fn)
	c.Invalidate("k")
	_, cached, _ := c.GetOrCompute(context.Background(), "k", time.Minute, fn)
	if cached {
		t.Error("invalidated entry must not be returned")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected recompute after invalidation, got %d calls", n)
	}
}

func TestStats_HitRate(t *testing.T) {
	c := New(16, 0)
	fn := func(ctx context.Context) (any, int64, error) { return "v", 1, nil }

	c.GetOrCompute(context.Background(), "k", time.Minute, fn)
	c.GetOrCompute(context.Background(), "k", time.Minute, fn)
	c.GetOrCompute(context.Background(), "k", time.Minute, fn)

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("expected 2 hits / 1 miss, got %d / %d", s.Hits, s.Misses)
	}
	if s.HitRate < 0.66 || s.HitRate > 0.67 {
		t.Errorf("expected hit rate ~0.667, got %.3f", s.HitRate)
	}
}
