package core

import (
	"errors"

	"PerpSettle/internal/codec"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/store"
)

// Validation errors. The caller can correct these; the call is rejected
// with no state written.
var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrCollateralUnderLimit   = errors.New("collateral below minimum")
	ErrMakerLimit             = errors.New("maker limit exceeded")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrLiquidating            = errors.New("account is liquidating")
	ErrPaused                 = errors.New("protocol paused")
	ErrMarketClosed           = errors.New("market closed")
	ErrDoubleSided            = errors.New("position cannot be both maker and taker")
)

// ErrCannotLiquidate is returned when liquidating an account that covers its
// maintenance requirement.
var ErrCannotLiquidate = errors.New("cannot liquidate")

// ErrLedgerRevert marks a compensating ledger transfer that failed after an
// aborted call. The ledger and the store disagree until an operator repairs it.
var ErrLedgerRevert = errors.New("ledger revert failed")

// ErrUnknownMarket is returned by the engine for markets it does not run.
var ErrUnknownMarket = errors.New("unknown market")

var validationErrors = []error{
	ErrInsufficientCollateral,
	ErrCollateralUnderLimit,
	ErrMakerLimit,
	ErrInsufficientLiquidity,
	ErrLiquidating,
	ErrPaused,
	ErrMarketClosed,
	ErrDoubleSided,
}

// IsValidation reports whether err is a caller-correctable rejection.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsArithmetic reports whether err is a numeric range failure from the math
// or storage layer.
func IsArithmetic(err error) bool {
	return errors.Is(err, fpmath.ErrArithmeticOverflow) ||
		errors.Is(err, fpmath.ErrDivisionByZero) ||
		errors.Is(err, codec.ErrOverflow)
}

// rejectReason is the metrics label for a failed operation.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrCollateralUnderLimit):
		return "collateral_under_limit"
	case errors.Is(err, ErrMakerLimit):
		return "maker_limit"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrLiquidating):
		return "liquidating"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrMarketClosed):
		return "closed"
	case errors.Is(err, ErrDoubleSided):
		return "double_sided"
	case errors.Is(err, ErrCannotLiquidate):
		return "cannot_liquidate"
	case errors.Is(err, oracle.ErrNoVersion), errors.Is(err, oracle.ErrVersionNotFound):
		return "oracle"
	case errors.Is(err, store.ErrNotFound):
		return "missing_version"
	case IsArithmetic(err):
		return "arithmetic"
	default:
		return "internal"
	}
}
