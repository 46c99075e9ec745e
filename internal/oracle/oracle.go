// internal/oracle/oracle.go
package oracle

import (
	"context"
	"errors"
	"fmt"

	fpmath "PerpSettle/internal/math"
)

var (
	ErrNoVersion       = errors.New("oracle has no version yet")
	ErrVersionNotFound = errors.New("oracle version not found")
	ErrNonMonotonic    = errors.New("oracle version not monotonic")
	ErrVersionGap      = errors.New("oracle version gap")
)

// Version is one price observation. Version numbers start at 1; 0 means "none".
type Version struct {
	Version   uint64         `json:"version"`
	Timestamp int64          `json:"timestamp"` // unix seconds
	Price     fpmath.Fixed18 `json:"price"`
}

func (v Version) String() string {
	return fmt.Sprintf("v%d@%d:%s", v.Version, v.Timestamp, v.Price)
}

// Provider is the price source a market settles against.
type Provider interface {
	// Sync returns the current version.
	Sync(ctx context.Context) (Version, error)
	// AtVersion returns a historical version.
	AtVersion(ctx context.Context, version uint64) (Version, error)
}

// Payoff transforms the raw oracle price into the price the market trades.
type Payoff interface {
	Transform(price fpmath.Fixed18) fpmath.Fixed18
}

// PayoffFunc adapts a function to Payoff.
type PayoffFunc func(price fpmath.Fixed18) fpmath.Fixed18

func (f PayoffFunc) Transform(price fpmath.Fixed18) fpmath.Fixed18 { return f(price) }

// Identity passes prices through unchanged.
var Identity Payoff = PayoffFunc(func(p fpmath.Fixed18) fpmath.Fixed18 { return p })

// Short negates prices, turning a long product into its short mirror.
var Short Payoff = PayoffFunc(func(p fpmath.Fixed18) fpmath.Fixed18 { return p.Neg() })

// PayoffByName resolves "long"/"" and "short".
func PayoffByName(name string) (Payoff, error) {
	switch name {
	case "", "long":
		return Identity, nil
	case "short":
		return Short, nil
	default:
		return nil, fmt.Errorf("unknown payoff %q", name)
	}
}

func apply(p Payoff, v Version) Version {
	if p == nil {
		return v
	}
	v.Price = p.Transform(v.Price)
	return v
}
