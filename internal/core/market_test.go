package core_test

import (
	"context"
	"errors"
	"testing"

	"PerpSettle/internal/codec"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
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

// =============================================================================
// Funding
// =============================================================================

func TestFundingAccruesFromTakersToMakers(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	maker, taker := h.openBook()

	g := h.global()
	if !g.Position.Equal(state.Position{Maker: ufx("100"), Taker: ufx("50")}) {
		t.Fatalf("global position: got %+v", g.Position)
	}
	if g.Pre.Pending() {
		t.Errorf("pre should be folded at version 2, got %+v", g.Pre)
	}

	h.advance(milliYear, "1000")
	m := h.settle(maker)
	tk := h.settle(taker)

	// 0.1 * 50 * 1000 over a thousandth of a year
	v3 := h.stamped(3)
	expectFixed(t, "V3 maker value", v3.Value.Maker, "0.05")
	expectFixed(t, "V3 taker value", v3.Value.Taker, "-0.1")
	expectFixed(t, "maker collateral", m.Collateral, "10005")
	expectFixed(t, "taker collateral", tk.Collateral, "9995")
	h.conserved(maker, taker)

	settled := h.emitter.events(event.EventTypePositionSettled)
	if len(settled) != 2 {
		t.Fatalf("position settled events: got %d, want 2", len(settled))
	}
	last := settled[1].(*event.PositionSettled)
	if last.FromVersion != 2 || last.ToVersion != 3 {
		t.Errorf("settled range: got [%d, %d], want [2, 3]", last.FromVersion, last.ToVersion)
	}
	expectFixed(t, "funding", last.Funding, "5")
}

func TestFundingFeeIsSkimmedIntoFeePools(t *testing.T) {
	mp := testMarketParameter("0.1")
	mp.FundingFee = ufx("0.1")
	h := newHarness(t, mp, testProtocolParameter())
	maker, taker := h.openBook()

	h.advance(milliYear, "1000")
	m := h.settle(maker)
	tk := h.settle(taker)

	expectFixed(t, "maker collateral", m.Collateral, "10004.5")
	expectFixed(t, "taker collateral", tk.Collateral, "9995")

	fee := h.fee()
	expectUFixed(t, "protocol fee", fee.Protocol, "0.25")
	expectUFixed(t, "market fee", fee.Market, "0.25")
	h.conserved(maker, taker)
}

// =============================================================================
// Lag settlement
// =============================================================================

func TestPendingChangeSettlesOneVersionLate(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	maker, taker := h.openBook()

	h.advance(milliYear, "1000")
	late := h.open("0", "50", "10000")

	// nobody touches the market at version 4
	h.advance(milliYear, "1000")
	h.advance(milliYear, "1000")

	m := h.settle(maker)
	tk := h.settle(taker)
	l := h.settle(late)

	v4 := h.stamped(4)
	if !v4.Position.Equal(state.Position{Maker: ufx("100"), Taker: ufx("100")}) {
		t.Errorf("V4 position: got %+v", v4.Position)
	}
	// [2,3] and [3,4] over taker 50, [4,5] over taker 100
	expectFixed(t, "V4 maker value", v4.Value.Maker, "0.1")
	expectFixed(t, "V5 maker value", h.stamped(5).Value.Maker, "0.2")

	expectFixed(t, "maker collateral", m.Collateral, "10020")
	expectFixed(t, "taker collateral", tk.Collateral, "9985")
	// the late taker only pays for [4,5]
	expectFixed(t, "late taker collateral", l.Collateral, "9995")

	if !l.Position.Equal(state.Position{Taker: ufx("50")}) || l.PendingVersion != 0 {
		t.Errorf("late taker: got position %+v pending %d", l.Position, l.PendingVersion)
	}
	h.conserved(maker, taker, late)
}

func TestSettleIsIdempotentWithinAVersion(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	maker, _ := h.openBook()

	h.advance(milliYear, "1000")
	first := h.settle(maker)
	hash := h.market.StateHash()
	emissions := len(h.emitter.emissions)

	second := h.settle(maker)
	if !first.Collateral.Equal(second.Collateral) || first.LatestVersion != second.LatestVersion {
		t.Errorf("second settle changed the account: %+v -> %+v", first, second)
	}
	if h.market.StateHash() != hash {
		t.Error("state hash moved on a no-op settle")
	}
	if len(h.emitter.emissions) != emissions {
		t.Errorf("no-op settle emitted: got %d emissions, want %d", len(h.emitter.emissions), emissions)
	}
}

func TestFreshAccountSettlesToCurrentVersion(t *testing.T) {
	h := newHarness(t, testMarketParameter("0"), testProtocolParameter())
	h.advance(0, "1000")
	h.advance(10, "1000")

	a := h.settle(uuid.New())
	if a.LatestVersion != 2 {
		t.Errorf("latest version: got %d, want 2", a.LatestVersion)
	}
	if !a.Collateral.IsZero() {
		t.Errorf("collateral: got %s, want 0", a.Collateral)
	}
}

// =============================================================================
// Update validation
// =============================================================================

func TestUpdateRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		req    core.UpdateRequest
		fund   string
		target error
	}{
		{
			name:   "insufficient collateral",
			req:    core.UpdateRequest{Taker: ufx("50"), Collateral: fx("400")},
			fund:   "400",
			target: core.ErrInsufficientCollateral,
		},
		{
			name:   "negative collateral",
			req:    core.UpdateRequest{Collateral: fx("-1")},
			target: core.ErrInsufficientCollateral,
		},
		{
			name:   "collateral under minimum",
			req:    core.UpdateRequest{Collateral: fx("50")},
			fund:   "50",
			target: core.ErrCollateralUnderLimit,
		},
		{
			name:   "double sided",
			req:    core.UpdateRequest{Maker: ufx("10"), Taker: ufx("10"), Collateral: fx("10000")},
			fund:   "10000",
			target: core.ErrDoubleSided,
		},
		{
			name:   "insufficient liquidity",
			req:    core.UpdateRequest{Taker: ufx("150"), Collateral: fx("10000")},
			fund:   "10000",
			target: core.ErrInsufficientLiquidity,
		},
		{
			name: "maker limit",
			setup: func(h *harness) {
				mp := testMarketParameter("0.1")
				mp.MakerLimit = ufx("150")
				if err := h.params.UpdateMarketParameter(testMarket, mp); err != nil {
					h.t.Fatal(err)
				}
			},
			req:    core.UpdateRequest{Maker: ufx("60"), Collateral: fx("10000")},
			fund:   "10000",
			target: core.ErrMakerLimit,
		},
		{
			name: "paused",
			setup: func(h *harness) {
				pp := testProtocolParameter()
				pp.Paused = true
				if err := h.params.UpdateProtocolParameter(pp); err != nil {
					h.t.Fatal(err)
				}
			},
			req:    core.UpdateRequest{Collateral: fx("1000")},
			fund:   "1000",
			target: core.ErrPaused,
		},
		{
			name: "market closed",
			setup: func(h *harness) {
				mp := testMarketParameter("0.1")
				mp.Closed = true
				if err := h.params.UpdateMarketParameter(testMarket, mp); err != nil {
					h.t.Fatal(err)
				}
			},
			req:    core.UpdateRequest{Taker: ufx("10"), Collateral: fx("1000")},
			fund:   "1000",
			target: core.ErrMarketClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
			maker, taker := h.openBook()
			if tt.setup != nil {
				tt.setup(h)
			}

			id := uuid.New()
			if tt.fund != "" {
				h.fund(id, tt.fund)
			}
			before := h.global()
			hash := h.market.StateHash()

			_, err := h.market.Update(h.ctx, id, tt.req)
			if !errors.Is(err, tt.target) {
				t.Fatalf("got %v, want %v", err, tt.target)
			}
			if !core.IsValidation(err) {
				t.Errorf("%v should be a validation error", err)
			}

			after := h.global()
			if !after.Position.Equal(before.Position) || after.Pre.Pending() {
				t.Errorf("rejected update changed the market: %+v", after)
			}
			if h.market.StateHash() != hash {
				t.Error("state hash moved on a rejected update")
			}
			if tt.fund != "" {
				expectFixed(t, "wallet", h.ledger.WalletBalance(id), tt.fund)
			}
			h.conserved(maker, taker)
		})
	}
}

func TestUpdateCannotSwitchSides(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	maker, _ := h.openBook()

	_, err := h.market.Update(h.ctx, maker, core.UpdateRequest{Taker: ufx("10")})
	if !errors.Is(err, core.ErrDoubleSided) {
		t.Errorf("got %v, want %v", err, core.ErrDoubleSided)
	}
}

func TestClosedMarketAllowsClosingPositions(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	maker, taker := h.openBook()

	mp := testMarketParameter("0.1")
	mp.Closed = true
	if err := h.params.UpdateMarketParameter(testMarket, mp); err != nil {
		t.Fatal(err)
	}

	a := h.update(taker, "0", "0", "0")
	if !a.Next.IsEmpty() || a.PendingVersion != 2 {
		t.Errorf("taker after close: got next %+v pending %d", a.Next, a.PendingVersion)
	}

	// no funding accrues while closed
	h.advance(milliYear, "1000")
	h.advance(milliYear, "1000")
	expectFixed(t, "maker collateral", h.settle(maker).Collateral, "10000")
	expectFixed(t, "taker collateral", h.settle(taker).Collateral, "10000")
}

func TestPausedProtocolStillSettles(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	maker, _ := h.openBook()

	pp := testProtocolParameter()
	pp.Paused = true
	if err := h.params.UpdateProtocolParameter(pp); err != nil {
		t.Fatal(err)
	}

	h.advance(milliYear, "1000")
	expectFixed(t, "maker collateral", h.settle(maker).Collateral, "10005")

	if _, err := h.market.ClaimFee(h.ctx, state.FeeKindProtocol, uuid.New()); !errors.Is(err, core.ErrPaused) {
		t.Errorf("claim: got %v, want %v", err, core.ErrPaused)
	}
}

func TestFailedUpdateLeavesAccountSettleable(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	maker, taker := h.openBook()
	h.advance(milliYear, "1000")

	if _, err := h.market.Update(h.ctx, taker, core.UpdateRequest{Taker: ufx("500")}); err == nil {
		t.Fatal("expected the oversized update to fail")
	}
	expectFixed(t, "taker collateral", h.settle(taker).Collateral, "9995")
	expectFixed(t, "maker collateral", h.settle(maker).Collateral, "10005")
	h.conserved(maker, taker)
}

func TestUpdateEmitsUpdated(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	h.advance(0, "1000")
	id := h.open("100", "0", "5000")

	updates := h.emitter.events(event.EventTypeUpdated)
	if len(updates) != 1 {
		t.Fatalf("updated events: got %d, want 1", len(updates))
	}
	u := updates[0].(*event.Updated)
	if u.Account != id || u.Version != 1 {
		t.Errorf("updated header: got account %s version %d", u.Account, u.Version)
	}
	expectFixed(t, "collateral delta", u.CollateralDelta, "5000")
	expectFixed(t, "wallet", h.ledger.WalletBalance(id), "0")
	expectFixed(t, "pool", h.ledger.MarketBalance(testMarket), "5000")

	last := h.emitter.emissions[len(h.emitter.emissions)-1]
	if last.StateHash != h.market.StateHash() {
		t.Error("emission hash is not the chain tip")
	}
}

func TestWithdrawCollateral(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	maker, taker := h.openBook()

	a := h.update(taker, "0", "50", "-4000")
	expectFixed(t, "collateral", a.Collateral, "6000")
	expectFixed(t, "wallet", h.ledger.WalletBalance(taker), "4000")
	h.conserved(maker, taker)
}

// =============================================================================
// Liquidation
// =============================================================================

func openLiquidatable(t *testing.T) (h *harness, maker, taker uuid.UUID) {
	t.Helper()
	h = newHarness(t, testMarketParameter("0"), testProtocolParameter())
	h.advance(0, "1000")
	maker = h.open("100", "0", "10000")
	taker = h.open("0", "50", "600")
	h.advance(100, "1000")
	h.advance(100, "995")
	return h, maker, taker
}

func TestLiquidatePaysCappedReward(t *testing.T) {
	h, maker, taker := openLiquidatable(t)
	liquidator := uuid.New()

	// collateral 350 against maintenance 497.5
	reward, err := h.market.Liquidate(h.ctx, taker, liquidator)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	expectUFixed(t, "reward", reward, "248.75")
	expectFixed(t, "liquidator wallet", h.ledger.WalletBalance(liquidator), "248.75")

	a := h.account(taker)
	expectFixed(t, "collateral", a.Collateral, "101.25")
	if !a.Liquidation || !a.Next.IsEmpty() {
		t.Errorf("account after liquidation: %+v", a)
	}

	h.settle(maker)
	h.conserved(maker, taker)

	liquidated := h.emitter.events(event.EventTypeLiquidated)
	if len(liquidated) != 1 {
		t.Fatalf("liquidated events: got %d, want 1", len(liquidated))
	}
	if l := liquidated[0].(*event.Liquidated); l.Liquidator != liquidator || !l.Closed.Equal(state.Position{Taker: ufx("50")}) {
		t.Errorf("liquidated event: %+v", l)
	}
}

func TestLiquidateRewardLimitedByCollateral(t *testing.T) {
	h := newHarness(t, testMarketParameter("0"), testProtocolParameter())
	h.advance(0, "1000")
	h.open("100", "0", "10000")
	taker := h.open("0", "50", "600")
	h.advance(100, "1000")
	h.advance(100, "990")

	reward, err := h.market.Liquidate(h.ctx, taker, uuid.New())
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	expectUFixed(t, "reward", reward, "100")
	expectFixed(t, "collateral", h.account(taker).Collateral, "0")
}

func TestLiquidatingAccountIsLockedUntilNextVersion(t *testing.T) {
	h, _, taker := openLiquidatable(t)
	if _, err := h.market.Liquidate(h.ctx, taker, uuid.New()); err != nil {
		t.Fatal(err)
	}

	if _, err := h.market.Liquidate(h.ctx, taker, uuid.New()); !errors.Is(err, core.ErrLiquidating) {
		t.Errorf("second liquidate: got %v, want %v", err, core.ErrLiquidating)
	}
	if _, err := h.market.Update(h.ctx, taker, core.UpdateRequest{}); !errors.Is(err, core.ErrLiquidating) {
		t.Errorf("update: got %v, want %v", err, core.ErrLiquidating)
	}

	h.advance(100, "995")
	a := h.settle(taker)
	if a.Liquidation {
		t.Error("liquidation flag should clear at the next version")
	}
	if !a.Position.IsEmpty() || a.PendingVersion != 0 {
		t.Errorf("position after close: %+v pending %d", a.Position, a.PendingVersion)
	}
	expectFixed(t, "collateral", a.Collateral, "101.25")
}

func TestLiquidateHealthyAccount(t *testing.T) {
	h, maker, _ := openLiquidatable(t)

	_, err := h.market.Liquidate(h.ctx, maker, uuid.New())
	if !errors.Is(err, core.ErrCannotLiquidate) {
		t.Errorf("got %v, want %v", err, core.ErrCannotLiquidate)
	}
	if core.IsValidation(err) {
		t.Error("cannot-liquidate is not a validation error")
	}
}

// =============================================================================
// Fees
// =============================================================================

func TestFeeWithoutCounterpartyIsRetained(t *testing.T) {
	mp := testMarketParameter("0.1")
	mp.MakerFee = ufx("0.001")
	h := newHarness(t, mp, testProtocolParameter())

	h.advance(0, "1000")
	maker := h.open("100", "0", "10000")
	expectFixed(t, "collateral after fee", h.account(maker).Collateral, "9900")

	h.advance(100, "1000")
	if err := h.market.SettleMarket(h.ctx); err != nil {
		t.Fatal(err)
	}

	fee := h.fee()
	expectUFixed(t, "protocol fee", fee.Protocol, "50")
	expectUFixed(t, "market fee", fee.Market, "50")
	h.conserved(maker)

	recipient := uuid.New()
	claimed, err := h.market.ClaimFee(h.ctx, state.FeeKindProtocol, recipient)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	expectUFixed(t, "claimed", claimed, "50")
	expectFixed(t, "recipient wallet", h.ledger.WalletBalance(recipient), "50")
	expectUFixed(t, "protocol fee after claim", h.fee().Protocol, "0")
	h.conserved(maker)

	again, err := h.market.ClaimFee(h.ctx, state.FeeKindProtocol, recipient)
	if err != nil || !again.IsZero() {
		t.Errorf("second claim: got %s, %v", again, err)
	}
	if n := len(h.emitter.events(event.EventTypeFeeClaimed)); n != 1 {
		t.Errorf("fee claimed events: got %d, want 1", n)
	}
}

// =============================================================================
// Failure atomicity
// =============================================================================

func TestCommitFailureRevertsLedger(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	h.advance(0, "1000")

	id := uuid.New()
	h.fund(id, "1000000000000000000000000000000")
	_, err := h.market.Update(h.ctx, id, core.UpdateRequest{Collateral: fx("1000000000000000000000000000000")})
	if !errors.Is(err, codec.ErrOverflow) {
		t.Fatalf("got %v, want %v", err, codec.ErrOverflow)
	}
	if !core.IsArithmetic(err) {
		t.Errorf("%v should be arithmetic", err)
	}

	expectFixed(t, "wallet", h.ledger.WalletBalance(id), "1000000000000000000000000000000")
	expectFixed(t, "pool", h.ledger.MarketBalance(testMarket), "0")
	if a := h.account(id); !a.IsEmpty() {
		t.Errorf("account persisted after failed commit: %+v", a)
	}
}

// noPayouts accepts collateral but cannot pay any back out.
type noPayouts struct{ debits int }

func (n *noPayouts) Debit(context.Context, uuid.UUID, fpmath.UFixed18) error {
	n.debits++
	return nil
}

func (n *noPayouts) Credit(context.Context, uuid.UUID, fpmath.UFixed18) error {
	return errors.New("ledger offline")
}

func TestFailedLedgerRevertIsReported(t *testing.T) {
	ctx := context.Background()
	params := state.NewParamsManager(testProtocolParameter())
	if err := params.UpdateMarketParameter(testMarket, testMarketParameter("0.1")); err != nil {
		t.Fatal(err)
	}
	feed := oracle.NewFeed(testMarket)
	if _, err := feed.Push(ctx, oracle.Version{Version: 1, Timestamp: 1_700_000_000, Price: fx("1000")}); err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ledger := &noPayouts{}
	m := core.NewMarket(core.MarketConfig{
		Name:     testMarket,
		Provider: feed,
		Store:    store.NewMemoryStore(),
		Ledger:   ledger,
		Params:   params,
		Metrics:  metrics,
		Logger:   zerolog.Nop(),
	})

	// the commit overflows after collateral was pulled, and paying it back fails
	_, err := m.Update(ctx, uuid.New(), core.UpdateRequest{Collateral: fx("1000000000000000000000000000000")})
	if !errors.Is(err, codec.ErrOverflow) {
		t.Errorf("got %v, want the commit failure", err)
	}
	if !errors.Is(err, core.ErrLedgerRevert) {
		t.Errorf("got %v, want %v joined", err, core.ErrLedgerRevert)
	}
	if ledger.debits != 1 {
		t.Errorf("debits: got %d, want 1", ledger.debits)
	}
	if got := testutil.ToFloat64(metrics.LedgerRevertFailures.WithLabelValues(testMarket)); got != 1 {
		t.Errorf("revert failures: got %v, want 1", got)
	}
}

func TestArithmeticOverflowAbortsCall(t *testing.T) {
	h := newHarness(t, testMarketParameter("0"), testProtocolParameter())
	maker, _ := h.openBook()

	h.advance(100, "50000000000000000000000000000000000000000000000000000000000")
	_, err := h.market.Settle(h.ctx, maker)
	if !errors.Is(err, fpmath.ErrArithmeticOverflow) {
		t.Fatalf("got %v, want %v", err, fpmath.ErrArithmeticOverflow)
	}

	if g := h.global(); g.LatestVersion != 2 {
		t.Errorf("global latest: got %d, want 2", g.LatestVersion)
	}
	if _, err := h.market.Version(h.ctx, 3); err == nil {
		t.Error("version 3 stamped by a failed call")
	}
}

func TestResumedChainLinksToPersistedTip(t *testing.T) {
	h := newHarness(t, testMarketParameter("0.1"), testProtocolParameter())
	tip := [32]byte{0xab, 0xcd}
	h.market.ResumeChain(tip)
	if h.market.StateHash() != tip {
		t.Fatal("resumed tip not adopted")
	}

	h.advance(0, "1000")
	h.open("100", "0", "5000")

	first := h.emitter.emissions[0]
	if first.PrevHash != tip {
		t.Errorf("first emission prev hash: got %x, want %x", first.PrevHash, tip)
	}
}
