package core_test

import (
	"context"
	"sync"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const testMarket = "ETH"

// One thousandth of a year: a 10% annual rate accrues 0.0001 over it.
const milliYear = 31536

func fx(s string) fpmath.Fixed18   { return fpmath.MustParseFixed18(s) }
func ufx(s string) fpmath.UFixed18 { return fpmath.MustParseUFixed18(s) }

// testMarketParameter has a flat funding rate and no fees.
func testMarketParameter(rate string) state.MarketParameter {
	return state.MarketParameter{
		Maintenance:      ufx("0.01"),
		MakerLimit:       ufx("1000000"),
		UtilizationCurve: fpmath.FlatCurve(fx(rate)),
	}
}

func testProtocolParameter() state.ProtocolParameter {
	return state.ProtocolParameter{
		ProtocolFee:    ufx("0.5"),
		LiquidationFee: ufx("0.5"),
		MinCollateral:  ufx("100"),
	}
}

type recordingEmitter struct {
	mu        sync.Mutex
	emissions []core.Emission
}

func (r *recordingEmitter) Emit(em core.Emission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = append(r.emissions, em)
}

func (r *recordingEmitter) events(et event.EventType) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, em := range r.emissions {
		for _, evt := range em.Events {
			if evt.EventType() == et {
				out = append(out, evt)
			}
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	feed    *oracle.Feed
	store   *store.MemoryStore
	ledger  *ledger.Ledger
	params  *state.ParamsManager
	emitter *recordingEmitter
	market  *core.Market

	version   uint64
	timestamp int64
}

func newHarness(t *testing.T, mp state.MarketParameter, pp state.ProtocolParameter) *harness {
	t.Helper()

	asset, _ := ledger.GetAssetID("USDC")
	params := state.NewParamsManager(pp)
	if err := params.UpdateMarketParameter(testMarket, mp); err != nil {
		t.Fatalf("market parameter: %v", err)
	}

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		feed:      oracle.NewFeed(testMarket),
		store:     store.NewMemoryStore(),
		ledger:    ledger.New(asset),
		params:    params,
		emitter:   &recordingEmitter{},
		timestamp: 1_700_000_000,
	}
	h.market = core.NewMarket(core.MarketConfig{
		Name:     testMarket,
		Provider: h.feed,
		Store:    h.store,
		Ledger:   h.ledger.ForMarket(testMarket),
		Params:   params,
		Emitter:  h.emitter,
		Logger:   zerolog.Nop(),
	})
	return h
}

// advance publishes the next oracle version elapsed seconds after the last.
func (h *harness) advance(elapsed int64, price string) uint64 {
	h.t.Helper()
	h.version++
	h.timestamp += elapsed
	v := oracle.Version{Version: h.version, Timestamp: h.timestamp, Price: fx(price)}
	if _, err := h.feed.Push(h.ctx, v); err != nil {
		h.t.Fatalf("push %s: %v", v, err)
	}
	return h.version
}

func (h *harness) fund(id uuid.UUID, amount string) {
	h.t.Helper()
	if err := h.ledger.Fund(h.ctx, id, ufx(amount)); err != nil {
		h.t.Fatalf("fund: %v", err)
	}
}

// open funds a new account and moves it to the given position.
func (h *harness) open(maker, taker, collateral string) uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	h.fund(id, collateral)
	h.update(id, maker, taker, collateral)
	return id
}

func (h *harness) update(id uuid.UUID, maker, taker, collateral string) state.Account {
	h.t.Helper()
	a, err := h.market.Update(h.ctx, id, core.UpdateRequest{
		Maker:      ufx(maker),
		Taker:      ufx(taker),
		Collateral: fx(collateral),
	})
	if err != nil {
		h.t.Fatalf("update %s to maker=%s taker=%s: %v", id, maker, taker, err)
	}
	return a
}

func (h *harness) settle(id uuid.UUID) state.Account {
	h.t.Helper()
	a, err := h.market.Settle(h.ctx, id)
	if err != nil {
		h.t.Fatalf("settle %s: %v", id, err)
	}
	return a
}

func (h *harness) global() state.Global {
	h.t.Helper()
	g, err := h.market.Global(h.ctx)
	if err != nil {
		h.t.Fatal(err)
	}
	return g
}

func (h *harness) account(id uuid.UUID) state.Account {
	h.t.Helper()
	a, err := h.market.Account(h.ctx, id)
	if err != nil {
		h.t.Fatal(err)
	}
	return a
}

func (h *harness) stamped(n uint64) state.Version {
	h.t.Helper()
	v, err := h.market.Version(h.ctx, n)
	if err != nil {
		h.t.Fatalf("version %d: %v", n, err)
	}
	return v
}

func (h *harness) fee() state.Fee {
	h.t.Helper()
	f, err := h.market.Fee(h.ctx)
	if err != nil {
		h.t.Fatal(err)
	}
	return f
}

// openBook opens maker 100 and taker 50 at price 1000 in version 1 and
// settles them into the market position at version 2.
func (h *harness) openBook() (maker, taker uuid.UUID) {
	h.t.Helper()
	h.advance(0, "1000")
	maker = h.open("100", "0", "10000")
	taker = h.open("0", "50", "10000")
	h.advance(100, "1000")
	if err := h.market.SettleMarket(h.ctx); err != nil {
		h.t.Fatal(err)
	}
	return maker, taker
}

// conserved checks that every unit in the market pool is owed to an account
// or a fee pool.
func (h *harness) conserved(ids ...uuid.UUID) {
	h.t.Helper()
	total := h.fee().Total().Fixed()
	for _, id := range ids {
		total = total.Add(h.account(id).Collateral)
	}
	if pool := h.ledger.MarketBalance(testMarket); !pool.Equal(total) {
		h.t.Errorf("market pool %s != collateral + fees %s", pool, total)
	}
	if err := h.ledger.ValidateGlobalBalance(); err != nil {
		h.t.Error(err)
	}
}

func expectFixed(t *testing.T, name string, got fpmath.Fixed18, want string) {
	t.Helper()
	if !got.Equal(fx(want)) {
		t.Errorf("%s: got %s, want %s", name, got, want)
	}
}

func expectUFixed(t *testing.T, name string, got fpmath.UFixed18, want string) {
	t.Helper()
	if !got.Equal(ufx(want)) {
		t.Errorf("%s: got %s, want %s", name, got, want)
	}
}
