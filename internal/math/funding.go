// internal/math/funding.go
package math

import "fmt"

// SecondsPerYear is the annualization period for funding and reward rates.
const SecondsPerYear = 365 * 24 * 60 * 60

// UtilizationCurve is a jump-rate curve: the annual rate moves linearly from
// MinRate at 0% utilization to TargetRate at TargetUtilization, then linearly
// to MaxRate at 100%. Utilization above 100% is clamped to MaxRate.
type UtilizationCurve struct {
	MinRate           Fixed18  `json:"min_rate"`
	MaxRate           Fixed18  `json:"max_rate"`
	TargetRate        Fixed18  `json:"target_rate"`
	TargetUtilization UFixed18 `json:"target_utilization"`
}

// FlatCurve returns a curve that yields rate at every utilization.
func FlatCurve(rate Fixed18) UtilizationCurve {
	return UtilizationCurve{
		MinRate:           rate,
		MaxRate:           rate,
		TargetRate:        rate,
		TargetUtilization: UFixed18One,
	}
}

// Validate checks that the target utilization lies in (0, 1].
func (c UtilizationCurve) Validate() error {
	if c.TargetUtilization.IsZero() || c.TargetUtilization.GreaterThan(UFixed18One) {
		return fmt.Errorf("target_utilization must be in (0, 1], got %s", c.TargetUtilization)
	}
	return nil
}

// Compute returns the annual rate at the given utilization.
func (c UtilizationCurve) Compute(utilization UFixed18) Fixed18 {
	u := utilization.Fixed()
	target := c.TargetUtilization.Fixed()

	if utilization.LessThan(c.TargetUtilization) {
		return linearInterpolation(Fixed18Zero, c.MinRate, target, c.TargetRate, u)
	}
	if utilization.LessThan(UFixed18One) {
		return linearInterpolation(target, c.TargetRate, Fixed18One, c.MaxRate, u)
	}
	return c.MaxRate
}

// linearInterpolation evaluates the line through (x1, y1) and (x2, y2) at x.
func linearInterpolation(x1, y1, x2, y2, x Fixed18) Fixed18 {
	if x2.Equal(x1) {
		return y2
	}
	// y1 + (y2 - y1) * (x - x1) / (x2 - x1), multiply before dividing
	return y1.Add(y2.Sub(y1).Mul(x.Sub(x1)).Div(x2.Sub(x1)))
}

// AccrueRate scales an annual rate down to the given elapsed seconds.
func AccrueRate(annual Fixed18, elapsedSeconds int64) Fixed18 {
	return annual.Mul(NewFixed18FromInt(elapsedSeconds)).Div(NewFixed18FromInt(SecondsPerYear))
}
