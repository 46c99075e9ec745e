// internal/state/margin.go
package state

import (
	fpmath "PerpSettle/internal/math"
)

// Maintenance is the collateral a position needs: |qty| * |price| * ratio.
func Maintenance(p Position, price fpmath.Fixed18, ratio fpmath.UFixed18) fpmath.UFixed18 {
	return p.Magnitude().Mul(price.Abs()).Mul(ratio)
}

// AccountMaintenance is the larger of the settled and pending requirements.
func AccountMaintenance(a Account, price fpmath.Fixed18, ratio fpmath.UFixed18) fpmath.UFixed18 {
	return Maintenance(a.Position, price, ratio).Max(Maintenance(a.Next, price, ratio))
}

// MarginStatus classifies an account against its maintenance requirement.
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusLiquidatable
	MarginStatusLiquidating
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	case MarginStatusLiquidating:
		return "Liquidating"
	default:
		return "Unknown"
	}
}

// CheckMarginHealth reports whether the account can be liquidated at price.
func CheckMarginHealth(a Account, price fpmath.Fixed18, ratio fpmath.UFixed18) MarginStatus {
	if a.Liquidation {
		return MarginStatusLiquidating
	}
	if a.Collateral.LessThan(AccountMaintenance(a, price, ratio).Fixed()) {
		return MarginStatusLiquidatable
	}
	return MarginStatusHealthy
}
