// internal/state/position.go
package state

import (
	fpmath "PerpSettle/internal/math"
)

// Position is settled open interest, either a market aggregate or one account's.
type Position struct {
	Maker fpmath.UFixed18 `json:"maker"`
	Taker fpmath.UFixed18 `json:"taker"`
}

func (p Position) IsEmpty() bool {
	return p.Maker.IsZero() && p.Taker.IsZero()
}

func (p Position) Equal(o Position) bool {
	return p.Maker.Equal(o.Maker) && p.Taker.Equal(o.Taker)
}

// IsDoubleSided reports whether both sides are open at once.
func (p Position) IsDoubleSided() bool {
	return !p.Maker.IsZero() && !p.Taker.IsZero()
}

// SameSide reports whether p and o can be held by one account at the same time:
// at most one side is used across both positions.
func (p Position) SameSide(o Position) bool {
	maker := !p.Maker.IsZero() || !o.Maker.IsZero()
	taker := !p.Taker.IsZero() || !o.Taker.IsZero()
	return !(maker && taker)
}

// Magnitude is the quantity on whichever side is open. Only meaningful for
// single-sided (account) positions.
func (p Position) Magnitude() fpmath.UFixed18 {
	return p.Maker.Add(p.Taker)
}

// Next returns the position after folding pre, without mutating p.
func (p Position) Next(pre PrePosition) Position {
	return Position{
		Maker: p.Maker.Fixed().Add(pre.MakerDelta).UFixed(),
		Taker: p.Taker.Fixed().Add(pre.TakerDelta).UFixed(),
	}
}

// Delta returns the signed change from p to target.
func (p Position) Delta(target Position) (maker, taker fpmath.Fixed18) {
	return target.Maker.Fixed().Sub(p.Maker.Fixed()), target.Taker.Fixed().Sub(p.Taker.Fixed())
}

// Utilization is taker / maker, zero when there is no maker interest.
func (p Position) Utilization() fpmath.UFixed18 {
	return p.Taker.UnsafeDiv(p.Maker)
}

// SocializationFactor is min(1, maker/taker), 1 when there is no taker interest.
func (p Position) SocializationFactor() fpmath.UFixed18 {
	if p.Taker.IsZero() {
		return fpmath.UFixed18One
	}
	return fpmath.UFixed18One.Min(p.Maker.Div(p.Taker))
}

// PrePosition is the pending change requested during the oracle version
// Version. It folds into Position at the first settlement past Version.
type PrePosition struct {
	Version    uint64          `json:"version"` // 0 when nothing is pending
	MakerDelta fpmath.Fixed18  `json:"maker_delta"`
	TakerDelta fpmath.Fixed18  `json:"taker_delta"`
	MakerFee   fpmath.UFixed18 `json:"maker_fee"`
	TakerFee   fpmath.UFixed18 `json:"taker_fee"`
}

func (pp PrePosition) IsEmpty() bool {
	return pp.MakerDelta.IsZero() && pp.TakerDelta.IsZero() &&
		pp.MakerFee.IsZero() && pp.TakerFee.IsZero()
}

// Pending reports whether a change is waiting to be folded.
func (pp PrePosition) Pending() bool {
	return pp.Version != 0
}

// Update accumulates the deltas and the position fees they incur
// (|delta| * |price| * rate per side). It returns the total fee charged.
func (pp *PrePosition) Update(
	makerDelta, takerDelta fpmath.Fixed18,
	price fpmath.Fixed18,
	makerFeeRate, takerFeeRate fpmath.UFixed18,
) fpmath.UFixed18 {
	notional := price.Abs()
	makerFee := makerDelta.Abs().Mul(notional).Mul(makerFeeRate)
	takerFee := takerDelta.Abs().Mul(notional).Mul(takerFeeRate)

	pp.MakerDelta = pp.MakerDelta.Add(makerDelta)
	pp.TakerDelta = pp.TakerDelta.Add(takerDelta)
	pp.MakerFee = pp.MakerFee.Add(makerFee)
	pp.TakerFee = pp.TakerFee.Add(takerFee)

	return makerFee.Add(takerFee)
}

// Global is a market's settled aggregate state.
type Global struct {
	LatestVersion uint64      `json:"latest_version"`
	Position      Position    `json:"position"`
	Pre           PrePosition `json:"pre"`
}

// Next is the aggregate position once the pending change folds.
func (g Global) Next() Position {
	return g.Position.Next(g.Pre)
}

// Fold commits the pending change into Position and clears it.
func (g *Global) Fold() {
	g.Position = g.Position.Next(g.Pre)
	g.Pre = PrePosition{}
}
