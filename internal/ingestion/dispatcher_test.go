package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type dispatchFixture struct {
	t          *testing.T
	dispatcher *ingestion.Dispatcher
	engine     *core.Engine
	ledger     *ledger.Ledger
	params     *state.ParamsManager
	metrics    *observability.Metrics
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	asset, _ := ledger.GetAssetID("USDC")
	l := ledger.New(asset)
	params := state.NewParamsManager(state.DefaultProtocolParameter)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := core.NewEngine(core.EngineConfig{
		Store:   store.NewMemoryStore(),
		Params:  params,
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	})

	feed := oracle.NewFeed("ETH")
	if _, err := engine.AddMarket("ETH", feed, nil, l.ForMarket("ETH")); err != nil {
		t.Fatal(err)
	}

	return &dispatchFixture{
		t: t,
		dispatcher: ingestion.NewDispatcher(ingestion.DispatcherConfig{
			Engine:  engine,
			Feeds:   map[string]*oracle.Feed{"ETH": feed},
			Params:  params,
			Wallets: l,
			Dedup:   core.NewIdempotencyChecker(128, nil, metrics, zerolog.Nop()),
			Metrics: metrics,
			Logger:  zerolog.Nop(),
		}),
		engine:  engine,
		ledger:  l,
		params:  params,
		metrics: metrics,
	}
}

type delivery struct {
	acked, naked int
}

// send delivers one message and reports how it was settled.
func (f *dispatchFixture) send(subject string, payload interface{}) *delivery {
	f.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		f.t.Fatal(err)
	}
	d := &delivery{}
	f.dispatcher.Handle(context.Background(), ingestion.RawEvent{
		Subject: subject,
		Data:    data,
		AckFunc: func() { d.acked++ },
		NakFunc: func() { d.naked++ },
	})
	return d
}

func (f *dispatchFixture) oracle(version uint64, price string) *delivery {
	return f.send("perpsettle.oracle.ETH", map[string]interface{}{
		"version":   version,
		"timestamp": 1700000000 + int64(version)*3600,
		"price":     price,
	})
}

func (f *dispatchFixture) ingested(kind, status string) float64 {
	return testutil.ToFloat64(f.metrics.IngestMessages.WithLabelValues(kind, status))
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatchDepositAndUpdate(t *testing.T) {
	f := newDispatchFixture(t)
	account := uuid.New()

	if d := f.oracle(1, "1000"); d.acked != 1 {
		t.Fatalf("oracle not acked: %+v", d)
	}
	f.send("perpsettle.wallets.deposit", map[string]interface{}{
		"idempotency_key": "dep-1",
		"account":         account.String(),
		"amount":          "5000",
	})
	d := f.send("perpsettle.commands.update.ETH", map[string]interface{}{
		"idempotency_key": "upd-1",
		"account":         account.String(),
		"maker":           "10",
		"collateral":      "5000",
	})
	if d.acked != 1 || d.naked != 0 {
		t.Fatalf("update delivery: %+v", d)
	}

	m, _ := f.engine.Market("ETH")
	a, err := m.Account(context.Background(), account)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Next.Maker.Equal(fpmath.MustParseUFixed18("10")) {
		t.Errorf("target maker: got %s, want 10", a.Next.Maker)
	}
	if got := f.ingested("update", "applied"); got != 1 {
		t.Errorf("applied updates: got %v, want 1", got)
	}
}

func TestDispatchDropsDuplicateCommand(t *testing.T) {
	f := newDispatchFixture(t)
	account := uuid.New()
	f.oracle(1, "1000")

	deposit := map[string]interface{}{
		"idempotency_key": "dep-1",
		"account":         account.String(),
		"amount":          "100",
	}
	f.send("perpsettle.wallets.deposit", deposit)
	d := f.send("perpsettle.wallets.deposit", deposit)

	if d.acked != 1 {
		t.Errorf("duplicate should be acked: %+v", d)
	}
	if got := f.ledger.WalletBalance(account); !got.Equal(fpmath.MustParseFixed18("100")) {
		t.Errorf("wallet: got %s, want 100", got)
	}
	if got := f.ingested("deposit", "duplicate"); got != 1 {
		t.Errorf("duplicates: got %v, want 1", got)
	}
}

func TestDispatchAcksRejections(t *testing.T) {
	f := newDispatchFixture(t)
	f.oracle(1, "1000")

	// no wallet balance behind the collateral
	d := f.send("perpsettle.commands.update.ETH", map[string]interface{}{
		"idempotency_key": "upd-1",
		"account":         uuid.NewString(),
		"collateral":      "500",
	})
	if d.acked != 1 || d.naked != 0 {
		t.Errorf("ledger rejection delivery: %+v", d)
	}

	// collateral below the protocol minimum
	account := uuid.New()
	f.send("perpsettle.wallets.deposit", map[string]interface{}{
		"idempotency_key": "dep-1",
		"account":         account.String(),
		"amount":          "50",
	})
	d = f.send("perpsettle.commands.update.ETH", map[string]interface{}{
		"idempotency_key": "upd-2",
		"account":         account.String(),
		"collateral":      "50",
	})
	if d.acked != 1 {
		t.Errorf("validation rejection delivery: %+v", d)
	}
	if got := f.ingested("update", "rejected"); got != 2 {
		t.Errorf("rejected updates: got %v, want 2", got)
	}

	// rejected keys are not retried either
	d = f.send("perpsettle.commands.update.ETH", map[string]interface{}{
		"idempotency_key": "upd-2",
		"account":         account.String(),
		"collateral":      "50",
	})
	if got := f.ingested("update", "duplicate"); got != 1 || d.acked != 1 {
		t.Errorf("redelivered rejection: duplicates %v, delivery %+v", got, d)
	}
}

func TestDispatchUnknownMarketAndSubject(t *testing.T) {
	f := newDispatchFixture(t)

	d := f.send("perpsettle.commands.settle.BTC", map[string]interface{}{"account": uuid.NewString()})
	if d.acked != 1 || f.ingested("settle", "rejected") != 1 {
		t.Errorf("unknown market: %+v", d)
	}
	d = f.send("perpsettle.trades.ETH", map[string]interface{}{})
	if d.acked != 1 || f.ingested("unknown", "invalid") != 1 {
		t.Errorf("unknown subject: %+v", d)
	}
}

func TestDispatchOracleSettlesMarket(t *testing.T) {
	f := newDispatchFixture(t)
	for v := uint64(1); v <= 3; v++ {
		if d := f.oracle(v, fmt.Sprintf("%d", 1000+v)); d.acked != 1 {
			t.Fatalf("version %d: %+v", v, d)
		}
	}

	m, _ := f.engine.Market("ETH")
	g, err := m.Global(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g.LatestVersion != 3 {
		t.Errorf("latest version: got %d, want 3", g.LatestVersion)
	}
	if got := testutil.ToFloat64(f.metrics.OracleVersion.WithLabelValues("ETH")); got != 3 {
		t.Errorf("oracle gauge: got %v, want 3", got)
	}

	// a redelivered version is accepted silently, a gap is rejected
	if d := f.oracle(3, "1003"); d.acked != 1 {
		t.Errorf("duplicate version: %+v", d)
	}
	if d := f.oracle(5, "1005"); d.acked != 1 {
		t.Errorf("gap: %+v", d)
	}
	if got := testutil.ToFloat64(f.metrics.OracleRejected.WithLabelValues("ETH", "gap")); got != 1 {
		t.Errorf("gap rejections: got %v, want 1", got)
	}
}

func TestDispatchParamsUpdate(t *testing.T) {
	f := newDispatchFixture(t)
	p := state.DefaultMarketParameter
	p.Closed = true

	if d := f.send("perpsettle.params.ETH", map[string]interface{}{"parameter": p}); d.acked != 1 {
		t.Fatalf("params delivery: %+v", d)
	}
	if !f.params.MarketParameter("ETH").Closed {
		t.Error("market parameter not applied")
	}

	p.Maintenance = fpmath.MustParseUFixed18("2")
	f.send("perpsettle.params.ETH", map[string]interface{}{"parameter": p})
	if got := f.ingested("params", "rejected"); got != 1 {
		t.Errorf("invalid params: got %v rejections, want 1", got)
	}
	if f.params.MarketParameter("ETH").Maintenance.Equal(p.Maintenance) {
		t.Error("invalid parameter was applied")
	}
}

type recordedParams struct {
	markets  map[string]state.MarketParameter
	protocol []state.ProtocolParameter
	fail     error
}

func (r *recordedParams) RecordMarketParameter(_ context.Context, market string, p state.MarketParameter) error {
	if r.fail != nil {
		return r.fail
	}
	r.markets[market] = p
	return nil
}

func (r *recordedParams) RecordProtocolParameter(_ context.Context, p state.ProtocolParameter) error {
	if r.fail != nil {
		return r.fail
	}
	r.protocol = append(r.protocol, p)
	return nil
}

func TestDispatchRecordsAcceptedParams(t *testing.T) {
	f := newDispatchFixture(t)
	rec := &recordedParams{markets: make(map[string]state.MarketParameter)}
	d := ingestion.NewDispatcher(ingestion.DispatcherConfig{
		Engine: f.engine,
		Params: f.params,
		Record: rec,
		Logger: zerolog.Nop(),
	})
	ctx := context.Background()

	mp := state.DefaultMarketParameter
	mp.MakerFee = fpmath.MustParseUFixed18("0.001")
	if err := d.Apply(ctx, ingestion.ParamsUpdate{Market: "ETH", Parameter: mp}); err != nil {
		t.Fatal(err)
	}
	if got, ok := rec.markets["ETH"]; !ok || !got.MakerFee.Equal(mp.MakerFee) {
		t.Errorf("recorded market parameter: got %+v", rec.markets)
	}

	pp := state.DefaultProtocolParameter
	pp.Paused = true
	if err := d.Apply(ctx, ingestion.ProtocolUpdate{Parameter: pp}); err != nil {
		t.Fatal(err)
	}
	if len(rec.protocol) != 1 || !rec.protocol[0].Paused {
		t.Errorf("recorded protocol parameter: got %+v", rec.protocol)
	}

	// rejected updates are never recorded
	bad := mp
	bad.Maintenance = fpmath.MustParseUFixed18("2")
	if err := d.Apply(ctx, ingestion.ParamsUpdate{Market: "ETH", Parameter: bad}); !ingestion.IsRejected(err) {
		t.Errorf("invalid parameter: got %v, want rejection", err)
	}
	if got := rec.markets["ETH"]; got.Maintenance.Equal(bad.Maintenance) {
		t.Error("rejected parameter was recorded")
	}

	// a recorder failure is transient
	rec.fail = fmt.Errorf("connection reset")
	if err := d.Apply(ctx, ingestion.ProtocolUpdate{Parameter: pp}); err == nil || ingestion.IsRejected(err) {
		t.Errorf("recorder failure: got %v, want a transient error", err)
	}
}

// gatedWallets holds every deposit until release is closed.
type gatedWallets struct {
	entered chan struct{}
	release chan struct{}
	funded  atomic.Int32
}

func (g *gatedWallets) Fund(context.Context, uuid.UUID, fpmath.UFixed18) error {
	g.entered <- struct{}{}
	<-g.release
	g.funded.Add(1)
	return nil
}

func (g *gatedWallets) Withdraw(context.Context, uuid.UUID, fpmath.UFixed18) error {
	return nil
}

func TestDispatchHoldsKeyWhileInFlight(t *testing.T) {
	f := newDispatchFixture(t)
	wallets := &gatedWallets{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := ingestion.NewDispatcher(ingestion.DispatcherConfig{
		Engine:  f.engine,
		Params:  f.params,
		Wallets: wallets,
		Dedup:   core.NewIdempotencyChecker(16, nil, nil, zerolog.Nop()),
		Logger:  zerolog.Nop(),
	})
	ctx := context.Background()
	cmd := ingestion.WalletCommand{IdempotencyKey: "dep-race", Account: uuid.New(), Amount: fpmath.MustParseUFixed18("10")}

	first := make(chan error, 1)
	go func() { first <- d.Apply(ctx, cmd) }()
	<-wallets.entered

	if err := d.Apply(ctx, cmd); !errors.Is(err, ingestion.ErrDuplicate) {
		t.Errorf("concurrent apply: got %v, want ErrDuplicate", err)
	}
	close(wallets.release)
	if err := <-first; err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := d.Apply(ctx, cmd); !errors.Is(err, ingestion.ErrDuplicate) {
		t.Errorf("later apply: got %v, want ErrDuplicate", err)
	}
	if got := wallets.funded.Load(); got != 1 {
		t.Errorf("deposits applied: got %d, want 1", got)
	}
}

// flakyWallets fails the first deposit with a transient error.
type flakyWallets struct{ calls int }

func (w *flakyWallets) Fund(context.Context, uuid.UUID, fpmath.UFixed18) error {
	w.calls++
	if w.calls == 1 {
		return errors.New("connection reset")
	}
	return nil
}

func (w *flakyWallets) Withdraw(context.Context, uuid.UUID, fpmath.UFixed18) error { return nil }

func TestDispatchReleasesKeyOnTransientFailure(t *testing.T) {
	f := newDispatchFixture(t)
	wallets := &flakyWallets{}
	d := ingestion.NewDispatcher(ingestion.DispatcherConfig{
		Engine:  f.engine,
		Params:  f.params,
		Wallets: wallets,
		Dedup:   core.NewIdempotencyChecker(16, nil, nil, zerolog.Nop()),
		Logger:  zerolog.Nop(),
	})
	ctx := context.Background()
	cmd := ingestion.WalletCommand{IdempotencyKey: "dep-retry", Account: uuid.New(), Amount: fpmath.MustParseUFixed18("10")}

	if err := d.Apply(ctx, cmd); err == nil || ingestion.IsRejected(err) {
		t.Fatalf("first apply: got %v, want a transient error", err)
	}
	if err := d.Apply(ctx, cmd); err != nil {
		t.Errorf("redelivery: got %v, want success", err)
	}
	if wallets.calls != 2 {
		t.Errorf("deposit attempts: got %d, want 2", wallets.calls)
	}
}
