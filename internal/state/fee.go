// internal/state/fee.go
package state

import (
	"fmt"

	fpmath "PerpSettle/internal/math"
)

// FeeKind selects one of the two fee pools.
type FeeKind string

const (
	FeeKindProtocol FeeKind = "protocol"
	FeeKindMarket   FeeKind = "market"
)

func ParseFeeKind(s string) (FeeKind, error) {
	switch FeeKind(s) {
	case FeeKindProtocol, FeeKindMarket:
		return FeeKind(s), nil
	default:
		return "", fmt.Errorf("unknown fee kind %q", s)
	}
}

// Fee is accrued but unclaimed fees.
type Fee struct {
	Protocol fpmath.UFixed18 `json:"protocol"`
	Market   fpmath.UFixed18 `json:"market"`
}

func (f Fee) Total() fpmath.UFixed18 {
	return f.Protocol.Add(f.Market)
}

// Credit splits amount by protocolFee into the protocol and market pools.
func (f *Fee) Credit(amount, protocolFee fpmath.UFixed18) {
	if amount.IsZero() {
		return
	}
	protocol := amount.Mul(protocolFee)
	f.Protocol = f.Protocol.Add(protocol)
	f.Market = f.Market.Add(amount.Sub(protocol))
}

// Claim zeroes the selected pool and returns what it held.
func (f *Fee) Claim(kind FeeKind) fpmath.UFixed18 {
	var amount fpmath.UFixed18
	switch kind {
	case FeeKindProtocol:
		amount, f.Protocol = f.Protocol, fpmath.UFixed18Zero
	case FeeKindMarket:
		amount, f.Market = f.Market, fpmath.UFixed18Zero
	}
	return amount
}
