package oracle_test

import (
	"context"
	"errors"
	"testing"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
)

func ver(n uint64, ts int64, price string) oracle.Version {
	return oracle.Version{Version: n, Timestamp: ts, Price: fpmath.MustParseFixed18(price)}
}

type countingProvider struct {
	*oracle.Feed
	atCalls map[uint64]int
}

func (p *countingProvider) AtVersion(ctx context.Context, v uint64) (oracle.Version, error) {
	p.atCalls[v]++
	return p.Feed.AtVersion(ctx, v)
}

type recorder struct {
	got []oracle.Version
	err error
}

func (r *recorder) RecordOracleVersion(ctx context.Context, market string, v oracle.Version) error {
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, v)
	return nil
}

// ============================================================================
// Test: Feed
// ============================================================================

func TestFeed_EmptySync(t *testing.T) {
	f := oracle.NewFeed("ETH")
	if _, err := f.Sync(context.Background()); !errors.Is(err, oracle.ErrNoVersion) {
		t.Errorf("expected ErrNoVersion, got %v", err)
	}
}

func TestFeed_PushAndLookup(t *testing.T) {
	ctx := context.Background()
	f := oracle.NewFeed("ETH")

	for _, v := range []oracle.Version{ver(1, 100, "1000"), ver(2, 112, "1010"), ver(3, 124, "990")} {
		if ok, err := f.Push(ctx, v); err != nil || !ok {
			t.Fatalf("push %s: accepted=%v err=%v", v, ok, err)
		}
	}

	cur, err := f.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 3 {
		t.Errorf("current: got %d, want 3", cur.Version)
	}

	v2, err := f.AtVersion(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !v2.Price.Equal(fpmath.MustParseFixed18("1010")) {
		t.Errorf("price: got %s, want 1010", v2.Price)
	}

	if _, err := f.AtVersion(ctx, 9); !errors.Is(err, oracle.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestFeed_Ordering(t *testing.T) {
	ctx := context.Background()
	f := oracle.NewFeed("ETH")
	f.Push(ctx, ver(1, 100, "1000"))
	f.Push(ctx, ver(2, 112, "1010"))

	tests := []struct {
		name string
		v    oracle.Version
		want error
	}{
		{"reserved zero", ver(0, 200, "1"), oracle.ErrNonMonotonic},
		{"conflicting replay", ver(2, 112, "1011"), oracle.ErrNonMonotonic},
		{"gap", ver(4, 200, "1"), oracle.ErrVersionGap},
		{"stale timestamp", ver(3, 112, "1"), oracle.ErrNonMonotonic},
	}
	for _, tt := range tests {
		if _, err := f.Push(ctx, tt.v); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}

	ok, err := f.Push(ctx, ver(2, 112, "1010"))
	if err != nil || ok {
		t.Errorf("exact duplicate should be ignored: accepted=%v err=%v", ok, err)
	}
}

func TestFeed_Recorder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	f := oracle.NewFeed("ETH").WithRecorder(rec)

	f.Push(ctx, ver(1, 100, "1000"))
	f.Push(ctx, ver(1, 100, "1000"))
	if len(rec.got) != 1 {
		t.Errorf("recorded %d versions, want 1", len(rec.got))
	}

	rec.err = errors.New("db down")
	if _, err := f.Push(ctx, ver(2, 112, "1")); err == nil {
		t.Error("expected recorder failure to reject the push")
	}
	if latest, _ := f.Latest(); latest.Version != 1 {
		t.Errorf("failed push must not append, latest=%d", latest.Version)
	}
}

func TestFeed_Restore(t *testing.T) {
	rec := &recorder{}
	f := oracle.NewFeed("ETH").WithRecorder(rec)
	if err := f.Restore([]oracle.Version{ver(5, 100, "1"), ver(6, 101, "2")}); err != nil {
		t.Fatal(err)
	}
	if len(rec.got) != 0 {
		t.Error("restore must not re-record versions")
	}
	if _, err := f.AtVersion(context.Background(), 5); err != nil {
		t.Errorf("restored version missing: %v", err)
	}
}

// ============================================================================
// Test: History
// ============================================================================

func TestHistory_CachesLookups(t *testing.T) {
	ctx := context.Background()
	feed := oracle.NewFeed("ETH")
	feed.Push(ctx, ver(1, 100, "1000"))
	feed.Push(ctx, ver(2, 112, "1010"))
	p := &countingProvider{Feed: feed, atCalls: map[uint64]int{}}

	h := oracle.NewHistory(p, oracle.Identity)
	for i := 0; i < 3; i++ {
		if _, err := h.At(ctx, 1); err != nil {
			t.Fatal(err)
		}
	}
	if p.atCalls[1] != 1 {
		t.Errorf("provider called %d times, want 1", p.atCalls[1])
	}

	cur, _ := h.Sync(ctx)
	if _, err := h.At(ctx, cur.Version); err != nil {
		t.Fatal(err)
	}
	if p.atCalls[2] != 0 {
		t.Error("current version should be served from the sync cache")
	}
}

func TestHistory_AppliesPayoff(t *testing.T) {
	ctx := context.Background()
	feed := oracle.NewFeed("ETH")
	feed.Push(ctx, ver(1, 100, "1000"))

	h := oracle.NewHistory(feed, oracle.Short)
	cur, err := h.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Price.Equal(fpmath.MustParseFixed18("-1000")) {
		t.Errorf("got %s, want -1000", cur.Price)
	}
}

func TestPayoffByName(t *testing.T) {
	if _, err := oracle.PayoffByName("short"); err != nil {
		t.Error(err)
	}
	if _, err := oracle.PayoffByName("square"); err == nil {
		t.Error("unknown payoff should fail")
	}
}
