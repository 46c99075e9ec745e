// internal/codec/field.go
package codec

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpSettle/internal/math"

	"github.com/shopspring/decimal"
)

// ErrOverflow is returned when a value does not fit its storage field.
var ErrOverflow = errors.New("storage overflow")

// Kind identifies the representable range of a storage field.
type Kind uint8

const (
	KindQuantity   Kind = iota // unsigned 128-bit
	KindValue                  // signed 128-bit
	KindCollateral             // signed 128-bit
	KindRatio                  // unsigned, <= 1.0
	KindRate                   // signed 128-bit
)

// FieldWidth is the encoded size of every field in bytes.
const FieldWidth = 16

var (
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxS128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minS128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	oneRaw  = new(big.Int).Exp(big.NewInt(10), big.NewInt(fpmath.Precision), nil)
	two128  = new(big.Int).Lsh(big.NewInt(1), 128)
)

func (k Kind) String() string {
	switch k {
	case KindQuantity:
		return "quantity"
	case KindValue:
		return "value"
	case KindCollateral:
		return "collateral"
	case KindRatio:
		return "ratio"
	case KindRate:
		return "rate"
	default:
		return "unknown"
	}
}

func (k Kind) signed() bool {
	return k == KindValue || k == KindCollateral || k == KindRate
}

// bounds returns the inclusive raw (10^18-scaled) range of the kind.
func (k Kind) bounds() (lo, hi *big.Int) {
	switch k {
	case KindRatio:
		return big.NewInt(0), oneRaw
	case KindQuantity:
		return big.NewInt(0), maxU128
	default:
		return minS128, maxS128
	}
}

// Decimaler is implemented by Fixed18 and UFixed18.
type Decimaler interface {
	Decimal() decimal.Decimal
}

// Field is a named, range-checked storage slot.
type Field struct {
	Name string
	Kind Kind
}

func Quantity(name string) Field   { return Field{Name: name, Kind: KindQuantity} }
func Value(name string) Field      { return Field{Name: name, Kind: KindValue} }
func Collateral(name string) Field { return Field{Name: name, Kind: KindCollateral} }
func Ratio(name string) Field      { return Field{Name: name, Kind: KindRatio} }
func Rate(name string) Field       { return Field{Name: name, Kind: KindRate} }

// Store validates that v fits the field, returning the raw scaled integer.
func (f Field) Store(v Decimaler) (*big.Int, error) {
	return f.store(v.Decimal())
}

func (f Field) store(d decimal.Decimal) (*big.Int, error) {
	if !d.Truncate(fpmath.Precision).Equal(d) {
		return nil, fmt.Errorf("%s %s: %s has more than %d decimals: %w",
			f.Kind, f.Name, d, fpmath.Precision, ErrOverflow)
	}
	r := d.Shift(fpmath.Precision).BigInt()
	lo, hi := f.Kind.bounds()
	if r.Cmp(lo) < 0 || r.Cmp(hi) > 0 {
		return nil, fmt.Errorf("%s %s: %s out of range: %w", f.Kind, f.Name, d, ErrOverflow)
	}
	return r, nil
}

// Encode validates v and writes it as a big-endian FieldWidth-byte word
// (two's complement for signed kinds).
func (f Field) Encode(v Decimaler) ([]byte, error) {
	r, err := f.Store(v)
	if err != nil {
		return nil, err
	}
	if r.Sign() < 0 {
		r = new(big.Int).Add(r, two128)
	}
	out := make([]byte, FieldWidth)
	r.FillBytes(out)
	return out, nil
}

// Decode reverses Encode and re-validates the range.
func (f Field) Decode(b []byte) (decimal.Decimal, error) {
	if len(b) != FieldWidth {
		return decimal.Zero, fmt.Errorf("%s %s: want %d bytes, got %d", f.Kind, f.Name, FieldWidth, len(b))
	}
	r := new(big.Int).SetBytes(b)
	if f.Kind.signed() && r.Cmp(maxS128) > 0 {
		r.Sub(r, two128)
	}
	d := decimal.NewFromBigInt(r, -fpmath.Precision)
	if _, err := f.store(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// DecodeFixed decodes into a signed fixed-point value.
func (f Field) DecodeFixed(b []byte) (v fpmath.Fixed18, err error) {
	defer fpmath.Recover(&err)
	d, err := f.Decode(b)
	if err != nil {
		return fpmath.Fixed18Zero, err
	}
	return fpmath.NewFixed18(d), nil
}

// DecodeUFixed decodes into an unsigned fixed-point value.
func (f Field) DecodeUFixed(b []byte) (v fpmath.UFixed18, err error) {
	defer fpmath.Recover(&err)
	d, err := f.Decode(b)
	if err != nil {
		return fpmath.UFixed18Zero, err
	}
	return fpmath.NewUFixed18(d), nil
}
