package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/affiliate"
)

var _ affiliate.CreditLimiter = (*CreditLimiter)(nil)

// newTestLimiter uses a short TTL so eviction tests stay fast.
func newTestLimiter(opts ...Option) (*CreditLimiter, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	defaults := []Option{
		WithRate(60, 3), // 1/sec refill, burst of 3
		WithTTL(100 * time.Millisecond),
	}
	l := New(ctx, append(defaults, opts...)...)
	return l, cancel
}

func TestAllow_BurstThenReject(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 3))
	defer cancel()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("credit %d should be allowed (within burst)", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("credit 4 should be denied (burst exhausted)")
	}
}

func TestAllow_SeparateKeys(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 1))
	defer cancel()

	l.Allow("10.0.0.1")
	if l.Allow("10.0.0.1") {
		t.Fatal("key 1 should be denied after burst")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("key 2 should have its own bucket")
	}
}

func TestAllow_Refill(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(6000, 1)) // 100/sec
	defer cancel()

	if !l.Allow("k") {
		t.Fatal("first credit should be allowed")
	}
	if l.Allow("k") {
		t.Fatal("second credit should be denied immediately")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("credit should be allowed after refill")
	}
}

func TestOnFirstDenied_CalledOncePerKey(t *testing.T) {
	var first, all atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(1, 1),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { all.Add(1) }),
	)
	defer cancel()

	l.Allow("a")
	for i := 0; i < 4; i++ {
		l.Allow("a")
	}
	l.Allow("b")
	l.Allow("b")

	if got := first.Load(); got != 2 {
		t.Fatalf("OnFirstDenied = %d, want 2 (one per key)", got)
	}
	if got := all.Load(); got != 5 {
		t.Fatalf("OnDenied = %d, want 5", got)
	}
}

func TestCleanup_EvictsIdleKeys(t *testing.T) {
	l, cancel := newTestLimiter(WithTTL(50 * time.Millisecond))
	defer cancel()

	l.Allow("10.0.0.1")
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
	time.Sleep(120 * time.Millisecond)
	if l.Len() != 0 {
		t.Fatalf("Len = %d after ttl, want 0", l.Len())
	}
}

func TestCleanup_StopsOnCancel(t *testing.T) {
	l, cancel := newTestLimiter(WithTTL(10 * time.Millisecond))
	cancel()
	time.Sleep(30 * time.Millisecond)

	l.Allow("10.0.0.2")
	time.Sleep(30 * time.Millisecond)
	if l.Len() != 1 {
		t.Fatal("key should persist once the cleanup goroutine has stopped")
	}
}

func TestEvict_ResetsFirstDenied(t *testing.T) {
	var first atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(1, 1),
		WithTTL(time.Hour),
		WithOnFirstDenied(func(string) { first.Add(1) }),
	)
	defer cancel()

	l.Allow("a")
	l.Allow("a")
	l.evict(time.Now().Add(2 * time.Hour))
	l.Allow("a")
	l.Allow("a")

	if got := first.Load(); got != 2 {
		t.Fatalf("OnFirstDenied = %d, want 2 (re-armed after eviction)", got)
	}
}

func TestDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx)

	if l.burst != 3 {
		t.Errorf("burst = %d, want 3", l.burst)
	}
	if l.ttl != 30*time.Minute {
		t.Errorf("ttl = %v, want 30m", l.ttl)
	}
	if l.maxVisitors != 100000 {
		t.Errorf("maxVisitors = %d, want 100000", l.maxVisitors)
	}
}

func TestNilCallbacks_NoPanic(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 1), WithMaxVisitors(1))
	defer cancel()

	l.Allow("a")
	l.Allow("a")
	l.Allow("b")
}

// MaxVisitors

func TestMaxVisitors_NewKeyDeniedAtCapacity(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(6000, 100), WithMaxVisitors(3))
	defer cancel()

	for i := 0; i < 3; i++ {
		if !l.Allow(fmt.Sprintf("10.0.0.%d", i)) {
			t.Fatalf("key %d should be allowed", i)
		}
	}
	if l.Allow("10.0.0.99") {
		t.Fatal("new key should be denied at capacity")
	}
	if !l.Allow("10.0.0.1") {
		t.Fatal("existing key should still be allowed at capacity")
	}
}

func TestMaxVisitors_OnCapacityFiresOnceUntilDrained(t *testing.T) {
	var hits atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(6000, 100),
		WithTTL(time.Hour),
		WithMaxVisitors(2),
		WithOnCapacity(func() { hits.Add(1) }),
	)
	defer cancel()

	l.Allow("a")
	l.Allow("b")
	l.Allow("c")
	l.Allow("d")
	if got := hits.Load(); got != 1 {
		t.Fatalf("OnCapacity = %d, want 1", got)
	}

	l.evict(time.Now().Add(2 * time.Hour))
	l.Allow("a")
	l.Allow("b")
	l.Allow("c")
	if got := hits.Load(); got != 2 {
		t.Fatalf("OnCapacity after drain = %d, want 2", got)
	}
}

func TestMaxVisitors_ZeroDisablesCap(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(6000, 100), WithMaxVisitors(0))
	defer cancel()

	for i := 0; i < 500; i++ {
		if !l.Allow(fmt.Sprintf("k%d", i)) {
			t.Fatalf("key %d denied with cap disabled", i)
		}
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(6000, 1000), WithMaxVisitors(50))
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Allow(fmt.Sprintf("k%d", (i*100+j)%80))
			}
		}(i)
	}
	wg.Wait()
	if l.Len() > 50 {
		t.Fatalf("Len = %d, exceeds cap of 50", l.Len())
	}
}
