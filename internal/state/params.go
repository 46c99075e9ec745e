// internal/state/params.go
package state

import (
	"fmt"
	"sync"

	fpmath "PerpSettle/internal/math"
)

// RewardRate is the reward emitted per second to each side.
type RewardRate struct {
	Maker fpmath.UFixed18 `json:"maker"`
	Taker fpmath.UFixed18 `json:"taker"`
}

// MarketParameter is the per-market configuration read at settlement time.
type MarketParameter struct {
	Maintenance      fpmath.UFixed18         `json:"maintenance"`  // ratio of notional
	FundingFee       fpmath.UFixed18         `json:"funding_fee"`  // ratio of funding
	MakerFee         fpmath.UFixed18         `json:"maker_fee"`    // ratio of notional
	TakerFee         fpmath.UFixed18         `json:"taker_fee"`    // ratio of notional
	PositionFee      fpmath.UFixed18         `json:"position_fee"` // ratio of position fees kept
	MakerLimit       fpmath.UFixed18         `json:"maker_limit"`
	UtilizationCurve fpmath.UtilizationCurve `json:"utilization_curve"`
	RewardRate       RewardRate              `json:"reward_rate"`
	Closed           bool                    `json:"closed"`
}

// ProtocolParameter applies to every market.
type ProtocolParameter struct {
	Paused         bool            `json:"paused"`
	ProtocolFee    fpmath.UFixed18 `json:"protocol_fee"` // share of fees to the protocol
	MinFundingFee  fpmath.UFixed18 `json:"min_funding_fee"`
	LiquidationFee fpmath.UFixed18 `json:"liquidation_fee"` // ratio of maintenance
	MinCollateral  fpmath.UFixed18 `json:"min_collateral"`
}

var (
	DefaultMarketParameter = MarketParameter{
		Maintenance: fpmath.MustParseUFixed18("0.1"),
		FundingFee:  fpmath.MustParseUFixed18("0.1"),
		MakerFee:    fpmath.UFixed18Zero,
		TakerFee:    fpmath.MustParseUFixed18("0.0005"),
		PositionFee: fpmath.MustParseUFixed18("0.5"),
		MakerLimit:  fpmath.MustParseUFixed18("1000000"),
		UtilizationCurve: fpmath.UtilizationCurve{
			MinRate:           fpmath.Fixed18Zero,
			MaxRate:           fpmath.MustParseFixed18("1.2"),
			TargetRate:        fpmath.MustParseFixed18("0.06"),
			TargetUtilization: fpmath.MustParseUFixed18("0.8"),
		},
	}

	DefaultProtocolParameter = ProtocolParameter{
		ProtocolFee:    fpmath.MustParseUFixed18("0.5"),
		MinFundingFee:  fpmath.MustParseUFixed18("0.1"),
		LiquidationFee: fpmath.MustParseUFixed18("0.5"),
		MinCollateral:  fpmath.MustParseUFixed18("100"),
	}
)

func checkRatio(name string, v fpmath.UFixed18) error {
	if v.GreaterThan(fpmath.UFixed18One) {
		return fmt.Errorf("%s must be <= 1, got %s", name, v)
	}
	return nil
}

// ValidateMarketParameter checks that ratios lie in [0, 1] and the curve is sound.
func ValidateMarketParameter(p MarketParameter) error {
	ratios := []struct {
		name string
		v    fpmath.UFixed18
	}{
		{"maintenance", p.Maintenance},
		{"funding_fee", p.FundingFee},
		{"maker_fee", p.MakerFee},
		{"taker_fee", p.TakerFee},
		{"position_fee", p.PositionFee},
	}
	for _, r := range ratios {
		if err := checkRatio(r.name, r.v); err != nil {
			return err
		}
	}
	if err := p.UtilizationCurve.Validate(); err != nil {
		return fmt.Errorf("utilization_curve: %w", err)
	}
	return nil
}

func ValidateProtocolParameter(p ProtocolParameter) error {
	for name, v := range map[string]fpmath.UFixed18{
		"protocol_fee":    p.ProtocolFee,
		"min_funding_fee": p.MinFundingFee,
		"liquidation_fee": p.LiquidationFee,
	} {
		if err := checkRatio(name, v); err != nil {
			return err
		}
	}
	return nil
}

// ParamsManager holds the live parameters. Safe for concurrent use: ingestion
// writes while markets read.
type ParamsManager struct {
	mu       sync.RWMutex
	markets  map[string]MarketParameter
	protocol ProtocolParameter
}

func NewParamsManager(protocol ProtocolParameter) *ParamsManager {
	return &ParamsManager{
		markets:  make(map[string]MarketParameter),
		protocol: protocol,
	}
}

// MarketParameter returns the market's parameters, or the defaults if none were set.
func (pm *ParamsManager) MarketParameter(market string) MarketParameter {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if p, ok := pm.markets[market]; ok {
		return p
	}
	return DefaultMarketParameter
}

func (pm *ParamsManager) ProtocolParameter() ProtocolParameter {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.protocol
}

func (pm *ParamsManager) UpdateMarketParameter(market string, p MarketParameter) error {
	if err := ValidateMarketParameter(p); err != nil {
		return fmt.Errorf("invalid market parameter for %s: %w", market, err)
	}
	pm.mu.Lock()
	pm.markets[market] = p
	pm.mu.Unlock()
	return nil
}

func (pm *ParamsManager) UpdateProtocolParameter(p ProtocolParameter) error {
	if err := ValidateProtocolParameter(p); err != nil {
		return fmt.Errorf("invalid protocol parameter: %w", err)
	}
	pm.mu.Lock()
	pm.protocol = p
	pm.mu.Unlock()
	return nil
}
