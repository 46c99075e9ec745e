// internal/state/canonical.go
package state

import (
	"encoding/binary"

	fpmath "PerpSettle/internal/math"
)

// Canonical encodings feed the market state hash and change detection.
// Decimals are written as their shortest decimal string, length-prefixed.

func appendUint64LE(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendDecimal(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendFixed(buf []byte, v fpmath.Fixed18) []byte   { return appendDecimal(buf, v.String()) }
func appendUFixed(buf []byte, v fpmath.UFixed18) []byte { return appendDecimal(buf, v.String()) }

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func (p Position) AppendCanonical(buf []byte) []byte {
	buf = appendUFixed(buf, p.Maker)
	return appendUFixed(buf, p.Taker)
}

func (pp PrePosition) AppendCanonical(buf []byte) []byte {
	buf = appendUint64LE(buf, pp.Version)
	buf = appendFixed(buf, pp.MakerDelta)
	buf = appendFixed(buf, pp.TakerDelta)
	buf = appendUFixed(buf, pp.MakerFee)
	return appendUFixed(buf, pp.TakerFee)
}

func (a Accumulator) AppendCanonical(buf []byte) []byte {
	buf = appendFixed(buf, a.Maker)
	return appendFixed(buf, a.Taker)
}

func (g Global) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint64LE(buf, g.LatestVersion)
	buf = g.Position.AppendCanonical(buf)
	return g.Pre.AppendCanonical(buf)
}

func (v Version) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint64LE(buf, v.Number)
	buf = v.Value.AppendCanonical(buf)
	buf = v.Reward.AppendCanonical(buf)
	return v.Position.AppendCanonical(buf)
}

func (a Account) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint64LE(buf, a.LatestVersion)
	buf = a.Position.AppendCanonical(buf)
	buf = a.Next.AppendCanonical(buf)
	buf = appendUint64LE(buf, a.PendingVersion)
	buf = appendFixed(buf, a.Collateral)
	buf = appendUFixed(buf, a.Reward)
	return appendBool(buf, a.Liquidation)
}

func (f Fee) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32)
	buf = appendUFixed(buf, f.Protocol)
	return appendUFixed(buf, f.Market)
}
