// internal/state/accumulator.go
package state

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
)

// Accumulator is a per-unit-position running total for each side.
type Accumulator struct {
	Maker fpmath.Fixed18 `json:"maker"`
	Taker fpmath.Fixed18 `json:"taker"`
}

func (a Accumulator) Add(o Accumulator) Accumulator {
	return Accumulator{Maker: a.Maker.Add(o.Maker), Taker: a.Taker.Add(o.Taker)}
}

func (a Accumulator) Sub(o Accumulator) Accumulator {
	return Accumulator{Maker: a.Maker.Sub(o.Maker), Taker: a.Taker.Sub(o.Taker)}
}

// ValueOf is the amount owed to a position holding p for this per-unit delta.
func (a Accumulator) ValueOf(p Position) fpmath.Fixed18 {
	return a.Maker.Mul(p.Maker.Fixed()).Add(a.Taker.Mul(p.Taker.Fixed()))
}

// Version is the accumulator snapshot stamped at a settled oracle version.
type Version struct {
	Number   uint64      `json:"number"`
	Value    Accumulator `json:"value"`
	Reward   Accumulator `json:"reward"`
	Position Position    `json:"position"`
}

// Advance stamps the snapshot that follows v after accruing a.
func (v Version) Advance(number uint64, a Accrual, position Position) Version {
	return Version{
		Number:   number,
		Value:    v.Value.Add(a.Value),
		Reward:   v.Reward.Add(a.Reward),
		Position: position,
	}
}

// Period is one settlement step from From to To over a fixed position.
// Pre, when set, is the pending change that folds at To.
type Period struct {
	From     oracle.Version
	To       oracle.Version
	Position Position
	Pre      *PrePosition
}

func (p Period) Elapsed() int64 {
	return p.To.Timestamp - p.From.Timestamp
}

// Accrual is the outcome of accumulating one Period.
type Accrual struct {
	Value       Accumulator
	Reward      Accumulator
	Funding     fpmath.Fixed18  // gross funding, positive when takers pay
	FundingFee  fpmath.UFixed18 // skimmed from funding
	PositionFee fpmath.UFixed18 // position fees kept by the protocol
}

// Fees is everything the period retained for the fee pool.
func (a Accrual) Fees() fpmath.UFixed18 {
	return a.FundingFee.Add(a.PositionFee)
}

// Accumulate runs funding, PnL, reward and position-fee accrual for a period.
func Accumulate(p Period, mp MarketParameter, pp ProtocolParameter) Accrual {
	var a Accrual
	accrueFunding(&a, p, mp, pp)
	accruePnL(&a, p, mp)
	accrueReward(&a, p, mp)
	if p.Pre != nil && !p.Pre.IsEmpty() {
		accruePositionFee(&a, p, mp)
	}
	return a
}

func accrueFunding(a *Accrual, p Period, mp MarketParameter, pp ProtocolParameter) {
	pos := p.Position
	if mp.Closed || pos.Maker.IsZero() || pos.Taker.IsZero() {
		return
	}

	notional := pos.Taker.Fixed().Mul(p.From.Price).Abs()
	socialized := notional.Mul(pos.SocializationFactor())
	rate := mp.UtilizationCurve.Compute(pos.Utilization())

	// rate * elapsed * socialized / year
	funding := rate.
		Mul(fpmath.NewFixed18FromInt(p.Elapsed())).
		Mul(socialized.Fixed()).
		Div(fpmath.NewFixed18FromInt(fpmath.SecondsPerYear))
	if funding.IsZero() {
		return
	}

	fee := funding.Abs().Mul(mp.FundingFee.Max(pp.MinFundingFee))
	net := fpmath.NewFixed18FromSign(funding.Sign(), funding.Abs().Sub(fee))

	// the paying side is debited gross, the receiving side credited net
	var makerDelta, takerDelta fpmath.Fixed18
	if funding.IsPositive() {
		takerDelta = funding.Neg()
		makerDelta = net
	} else {
		makerDelta = funding
		takerDelta = net.Neg()
	}

	a.Funding = funding
	a.FundingFee = fee
	a.Value.Maker = a.Value.Maker.Add(makerDelta.Div(pos.Maker.Fixed()))
	a.Value.Taker = a.Value.Taker.Add(takerDelta.Div(pos.Taker.Fixed()))
}

func accruePnL(a *Accrual, p Period, mp MarketParameter) {
	pos := p.Position
	if mp.Closed || pos.Maker.IsZero() || pos.Taker.IsZero() {
		return
	}

	delta := p.To.Price.Sub(p.From.Price).
		Mul(pos.Taker.Fixed()).
		Mul(pos.SocializationFactor().Fixed())

	a.Value.Maker = a.Value.Maker.Sub(delta.Div(pos.Maker.Fixed()))
	a.Value.Taker = a.Value.Taker.Add(delta.Div(pos.Taker.Fixed()))
}

func accrueReward(a *Accrual, p Period, mp MarketParameter) {
	pos := p.Position
	elapsed := fpmath.NewFixed18FromInt(p.Elapsed())
	if !pos.Maker.IsZero() {
		a.Reward.Maker = elapsed.Mul(mp.RewardRate.Maker.Fixed()).Div(pos.Maker.Fixed())
	}
	if !pos.Taker.IsZero() {
		a.Reward.Taker = elapsed.Mul(mp.RewardRate.Taker.Fixed()).Div(pos.Taker.Fixed())
	}
}

// accruePositionFee pays maker fees to takers and taker fees to makers, net of
// the PositionFee skim. With nobody on the receiving side the whole fee is kept.
func accruePositionFee(a *Accrual, p Period, mp MarketParameter) {
	pos := p.Position

	distribute := func(fee, receivers fpmath.UFixed18) fpmath.Fixed18 {
		if fee.IsZero() {
			return fpmath.Fixed18Zero
		}
		if receivers.IsZero() {
			a.PositionFee = a.PositionFee.Add(fee)
			return fpmath.Fixed18Zero
		}
		skim := fee.Mul(mp.PositionFee)
		a.PositionFee = a.PositionFee.Add(skim)
		return fee.Sub(skim).Fixed().Div(receivers.Fixed())
	}

	a.Value.Taker = a.Value.Taker.Add(distribute(p.Pre.MakerFee, pos.Taker))
	a.Value.Maker = a.Value.Maker.Add(distribute(p.Pre.TakerFee, pos.Maker))
}
