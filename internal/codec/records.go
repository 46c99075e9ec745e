// internal/codec/records.go
package codec

import (
	"encoding/binary"
	"fmt"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// Record layouts. Every record is a fixed sequence of 8-byte version numbers,
// 16-byte fields and (for accounts) a trailing flag byte.
const (
	VersionSize = 8 + 6*FieldWidth
	GlobalSize  = 8 + 2*FieldWidth + 8 + 4*FieldWidth
	AccountSize = 8 + 4*FieldWidth + 8 + 2*FieldWidth + 1
	FeeSize     = 2 * FieldWidth
)

var (
	positionMaker = Quantity("position.maker")
	positionTaker = Quantity("position.taker")
	nextMaker     = Quantity("next.maker")
	nextTaker     = Quantity("next.taker")
	preMakerDelta = Value("pre.maker_delta")
	preTakerDelta = Value("pre.taker_delta")
	preMakerFee   = Quantity("pre.maker_fee")
	preTakerFee   = Quantity("pre.taker_fee")
	valueMaker    = Value("value.maker")
	valueTaker    = Value("value.taker")
	rewardMaker   = Value("reward.maker")
	rewardTaker   = Value("reward.taker")
	collateral    = Collateral("collateral")
	reward        = Quantity("reward")
	feeProtocol   = Quantity("fee.protocol")
	feeMarket     = Quantity("fee.market")
)

// encoder accumulates fields and remembers the first error.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) field(f Field, v Decimaler) {
	if e.err != nil {
		return
	}
	b, err := f.Encode(v)
	if err != nil {
		e.err = err
		return
	}
	e.buf = append(e.buf, b...)
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) next(n int) []byte {
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) uint64() uint64 {
	return binary.BigEndian.Uint64(d.next(8))
}

func (d *decoder) fixed(f Field) fpmath.Fixed18 {
	b := d.next(FieldWidth)
	if d.err != nil {
		return fpmath.Fixed18Zero
	}
	v, err := f.DecodeFixed(b)
	d.err = err
	return v
}

func (d *decoder) ufixed(f Field) fpmath.UFixed18 {
	b := d.next(FieldWidth)
	if d.err != nil {
		return fpmath.UFixed18Zero
	}
	v, err := f.DecodeUFixed(b)
	d.err = err
	return v
}

func checkSize(kind string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%s record: want %d bytes, got %d", kind, want, len(b))
	}
	return nil
}

// ============================================================================
// Version
// ============================================================================

func EncodeVersion(v state.Version) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, VersionSize)}
	e.uint64(v.Number)
	e.field(valueMaker, v.Value.Maker)
	e.field(valueTaker, v.Value.Taker)
	e.field(rewardMaker, v.Reward.Maker)
	e.field(rewardTaker, v.Reward.Taker)
	e.field(positionMaker, v.Position.Maker)
	e.field(positionTaker, v.Position.Taker)
	if e.err != nil {
		return nil, fmt.Errorf("version %d: %w", v.Number, e.err)
	}
	return e.buf, nil
}

func DecodeVersion(b []byte) (state.Version, error) {
	if err := checkSize("version", b, VersionSize); err != nil {
		return state.Version{}, err
	}
	d := &decoder{buf: b}
	v := state.Version{Number: d.uint64()}
	v.Value.Maker = d.fixed(valueMaker)
	v.Value.Taker = d.fixed(valueTaker)
	v.Reward.Maker = d.fixed(rewardMaker)
	v.Reward.Taker = d.fixed(rewardTaker)
	v.Position.Maker = d.ufixed(positionMaker)
	v.Position.Taker = d.ufixed(positionTaker)
	if d.err != nil {
		return state.Version{}, d.err
	}
	return v, nil
}

// ============================================================================
// Global
// ============================================================================

func EncodeGlobal(g state.Global) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, GlobalSize)}
	e.uint64(g.LatestVersion)
	e.field(positionMaker, g.Position.Maker)
	e.field(positionTaker, g.Position.Taker)
	e.uint64(g.Pre.Version)
	e.field(preMakerDelta, g.Pre.MakerDelta)
	e.field(preTakerDelta, g.Pre.TakerDelta)
	e.field(preMakerFee, g.Pre.MakerFee)
	e.field(preTakerFee, g.Pre.TakerFee)
	if e.err != nil {
		return nil, fmt.Errorf("global: %w", e.err)
	}
	return e.buf, nil
}

func DecodeGlobal(b []byte) (state.Global, error) {
	if err := checkSize("global", b, GlobalSize); err != nil {
		return state.Global{}, err
	}
	d := &decoder{buf: b}
	g := state.Global{LatestVersion: d.uint64()}
	g.Position.Maker = d.ufixed(positionMaker)
	g.Position.Taker = d.ufixed(positionTaker)
	g.Pre.Version = d.uint64()
	g.Pre.MakerDelta = d.fixed(preMakerDelta)
	g.Pre.TakerDelta = d.fixed(preTakerDelta)
	g.Pre.MakerFee = d.ufixed(preMakerFee)
	g.Pre.TakerFee = d.ufixed(preTakerFee)
	if d.err != nil {
		return state.Global{}, d.err
	}
	return g, nil
}

// ============================================================================
// Account
// ============================================================================

func EncodeAccount(a state.Account) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, AccountSize)}
	e.uint64(a.LatestVersion)
	e.field(positionMaker, a.Position.Maker)
	e.field(positionTaker, a.Position.Taker)
	e.field(nextMaker, a.Next.Maker)
	e.field(nextTaker, a.Next.Taker)
	e.uint64(a.PendingVersion)
	e.field(collateral, a.Collateral)
	e.field(reward, a.Reward)
	e.bool(a.Liquidation)
	if e.err != nil {
		return nil, fmt.Errorf("account: %w", e.err)
	}
	return e.buf, nil
}

func DecodeAccount(b []byte) (state.Account, error) {
	if err := checkSize("account", b, AccountSize); err != nil {
		return state.Account{}, err
	}
	d := &decoder{buf: b}
	a := state.Account{LatestVersion: d.uint64()}
	a.Position.Maker = d.ufixed(positionMaker)
	a.Position.Taker = d.ufixed(positionTaker)
	a.Next.Maker = d.ufixed(nextMaker)
	a.Next.Taker = d.ufixed(nextTaker)
	a.PendingVersion = d.uint64()
	a.Collateral = d.fixed(collateral)
	a.Reward = d.ufixed(reward)
	a.Liquidation = d.next(1)[0] == 1
	if d.err != nil {
		return state.Account{}, d.err
	}
	return a, nil
}

// ============================================================================
// Fee
// ============================================================================

func EncodeFee(f state.Fee) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, FeeSize)}
	e.field(feeProtocol, f.Protocol)
	e.field(feeMarket, f.Market)
	if e.err != nil {
		return nil, fmt.Errorf("fee: %w", e.err)
	}
	return e.buf, nil
}

func DecodeFee(b []byte) (state.Fee, error) {
	if err := checkSize("fee", b, FeeSize); err != nil {
		return state.Fee{}, err
	}
	d := &decoder{buf: b}
	f := state.Fee{Protocol: d.ufixed(feeProtocol), Market: d.ufixed(feeMarket)}
	if d.err != nil {
		return state.Fee{}, d.err
	}
	return f, nil
}

// ============================================================================
// Validation
// ============================================================================

// Validation runs the encoder without keeping the bytes, so stores that keep
// decimals natively still reject exactly what the binary layout cannot hold.

func ValidateVersion(v state.Version) error {
	_, err := EncodeVersion(v)
	return err
}

func ValidateGlobal(g state.Global) error {
	_, err := EncodeGlobal(g)
	return err
}

func ValidateAccount(a state.Account) error {
	_, err := EncodeAccount(a)
	return err
}

func ValidateFee(f state.Fee) error {
	_, err := EncodeFee(f)
	return err
}

// ValidateMarketParameter range-checks every parameter field.
func ValidateMarketParameter(p state.MarketParameter) error {
	e := &encoder{}
	e.field(Ratio("maintenance"), p.Maintenance)
	e.field(Ratio("funding_fee"), p.FundingFee)
	e.field(Ratio("maker_fee"), p.MakerFee)
	e.field(Ratio("taker_fee"), p.TakerFee)
	e.field(Ratio("position_fee"), p.PositionFee)
	e.field(Quantity("maker_limit"), p.MakerLimit)
	e.field(Rate("utilization_curve.min_rate"), p.UtilizationCurve.MinRate)
	e.field(Rate("utilization_curve.max_rate"), p.UtilizationCurve.MaxRate)
	e.field(Rate("utilization_curve.target_rate"), p.UtilizationCurve.TargetRate)
	e.field(Ratio("utilization_curve.target_utilization"), p.UtilizationCurve.TargetUtilization)
	e.field(Rate("reward_rate.maker"), p.RewardRate.Maker)
	e.field(Rate("reward_rate.taker"), p.RewardRate.Taker)
	return e.err
}

func ValidateProtocolParameter(p state.ProtocolParameter) error {
	e := &encoder{}
	e.field(Ratio("protocol_fee"), p.ProtocolFee)
	e.field(Ratio("min_funding_fee"), p.MinFundingFee)
	e.field(Ratio("liquidation_fee"), p.LiquidationFee)
	e.field(Quantity("min_collateral"), p.MinCollateral)
	return e.err
}
