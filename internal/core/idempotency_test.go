package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type fakeKeyStore struct {
	keys  map[string]bool
	err   error
	calls int
}

func (f *fakeKeyStore) Record(_ context.Context, command, key string) error {
	if f.err != nil {
		return f.err
	}
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	f.keys[command+":"+key] = true
	return nil
}

func (f *fakeKeyStore) IsDuplicate(_ context.Context, command, key string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.keys[command+":"+key], nil
}

// =============================================================================
// LRU
// =============================================================================

func TestIdempotencyLRUEvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // a is now most recent
	lru.Add("c")

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should survive")
	}
	if lru.Size() != 2 || lru.Evictions() != 1 {
		t.Errorf("got size %d evictions %d, want 2 and 1", lru.Size(), lru.Evictions())
	}
}

func TestIdempotencyLRUWarmKeepsNewest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.WarmFromKeys([]string{"old", "mid", "new"})

	if lru.Contains("old") {
		t.Error("oldest warmed key should be evicted")
	}
	if !lru.Contains("new") {
		t.Error("newest warmed key missing")
	}
}

// =============================================================================
// Checker
// =============================================================================

func TestIdempotencyCheckerTiers(t *testing.T) {
	db := &fakeKeyStore{keys: map[string]bool{"update:persisted": true}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ic := core.NewIdempotencyChecker(16, db, metrics, zerolog.Nop())
	ctx := context.Background()

	if !ic.Reserve(ctx, "update", "fresh") {
		t.Error("fresh key reported as duplicate")
	}
	ic.MarkProcessed(ctx, "update", "fresh")
	if ic.Reserve(ctx, "update", "fresh") {
		t.Error("processed key not caught by lru")
	}
	if !db.keys["update:fresh"] {
		t.Error("processed key not recorded in the store")
	}
	if !ic.Reserve(ctx, "liquidate", "fresh") {
		t.Error("keys must be scoped by command")
	}

	if ic.Reserve(ctx, "update", "persisted") {
		t.Error("persisted key not caught")
	}
	calls := db.calls
	if ic.Reserve(ctx, "update", "persisted") {
		t.Error("persisted key not promoted into lru")
	}
	if db.calls != calls {
		t.Errorf("lru hit still queried the store: %d calls, want %d", db.calls, calls)
	}

	if got := testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("update", "postgres")); got != 1 {
		t.Errorf("postgres duplicates: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("update", "lru")); got != 2 {
		t.Errorf("lru duplicates: got %v, want 2", got)
	}
}

func TestIdempotencyCheckerStoreFailure(t *testing.T) {
	db := &fakeKeyStore{err: errors.New("connection refused")}
	ic := core.NewIdempotencyChecker(16, db, nil, zerolog.Nop())

	if !ic.Reserve(context.Background(), "settle", "k") {
		t.Error("store failure should not report a duplicate")
	}
	ic.MarkProcessed(context.Background(), "settle", "k")
	if ic.Reserve(context.Background(), "settle", "k") {
		t.Error("failed store write should still remember the key in memory")
	}
}

func TestIdempotencyCheckerWarm(t *testing.T) {
	ic := core.NewIdempotencyChecker(16, nil, nil, zerolog.Nop())
	ic.Warm([]string{"update:a", "settle:b"})

	if ic.Reserve(context.Background(), "settle", "b") {
		t.Error("warmed key not found")
	}
}

func TestIdempotencyCheckerReservation(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ic := core.NewIdempotencyChecker(16, &fakeKeyStore{}, metrics, zerolog.Nop())
	ctx := context.Background()

	if !ic.Reserve(ctx, "update", "k") {
		t.Fatal("first reservation refused")
	}
	if ic.Reserve(ctx, "update", "k") {
		t.Error("key reserved twice while in flight")
	}
	if got := testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("update", "inflight")); got != 1 {
		t.Errorf("inflight duplicates: got %v, want 1", got)
	}

	// a transient failure hands the key back
	ic.Release("update", "k")
	if !ic.Reserve(ctx, "update", "k") {
		t.Fatal("released key not reservable")
	}
	ic.MarkProcessed(ctx, "update", "k")
	if ic.Reserve(ctx, "update", "k") {
		t.Error("processed key reserved again")
	}
}

func TestIdempotencyCheckerConcurrentReserve(t *testing.T) {
	ic := core.NewIdempotencyChecker(16, nil, nil, zerolog.Nop())

	const callers = 32
	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ic.Reserve(context.Background(), "update", "same") {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Errorf("reservations granted: got %d, want 1", got)
	}
}
