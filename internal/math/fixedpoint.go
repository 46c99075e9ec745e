// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places carried by Fixed18 and UFixed18.
const Precision = 18

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrDivisionByZero     = errors.New("division by zero")
)

var (
	// Raw (scaled by 10^18) bounds of the 256-bit word the values originally lived in.
	maxSignedRaw   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minSignedRaw   = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	maxUnsignedRaw = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// ArithmeticError is raised by checked fixed-point operations. Operations panic
// with *ArithmeticError so long formulas stay readable; callers at an API
// boundary convert it back into an error with Recover.
type ArithmeticError struct {
	Op  string
	Err error
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("fixed-point %s: %v", e.Op, e.Err)
}

func (e *ArithmeticError) Unwrap() error {
	return e.Err
}

// Recover turns an *ArithmeticError panic into *errp. Any other panic is re-raised.
//
//	func (m *Market) Update(...) (err error) {
//		defer fpmath.Recover(&err)
//		...
//	}
func Recover(errp *error) {
	if r := recover(); r != nil {
		if ae, ok := r.(*ArithmeticError); ok {
			*errp = ae
			return
		}
		panic(r)
	}
}

func fail(op string, err error) {
	panic(&ArithmeticError{Op: op, Err: err})
}

// raw returns the value scaled by 10^18 as an integer.
func raw(d decimal.Decimal) *big.Int {
	return d.Shift(Precision).BigInt()
}

func normalize(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

func checkSigned(op string, d decimal.Decimal) decimal.Decimal {
	d = normalize(d)
	r := raw(d)
	if r.Cmp(maxSignedRaw) > 0 || r.Cmp(minSignedRaw) < 0 {
		fail(op, ErrArithmeticOverflow)
	}
	return d
}

func checkUnsigned(op string, d decimal.Decimal) decimal.Decimal {
	d = normalize(d)
	if d.Sign() < 0 {
		fail(op, ErrArithmeticOverflow)
	}
	if raw(d).Cmp(maxUnsignedRaw) > 0 {
		fail(op, ErrArithmeticOverflow)
	}
	return d
}

// quo divides with truncation toward zero at 18 decimals.
func quo(op string, a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		fail(op, ErrDivisionByZero)
	}
	q, _ := a.QuoRem(b, Precision)
	return q
}

// ============================================================================
// Fixed18: signed 18-decimal fixed point
// ============================================================================

// Fixed18 is a signed decimal with 18 fractional digits.
// The zero value is 0.
type Fixed18 struct {
	d decimal.Decimal
}

var (
	Fixed18Zero   = Fixed18{}
	Fixed18One    = Fixed18{d: decimal.NewFromInt(1)}
	Fixed18NegOne = Fixed18{d: decimal.NewFromInt(-1)}
)

// NewFixed18 truncates d to 18 decimals and range-checks it.
func NewFixed18(d decimal.Decimal) Fixed18 {
	return Fixed18{d: checkSigned("from", d)}
}

func NewFixed18FromInt(i int64) Fixed18 {
	return Fixed18{d: decimal.NewFromInt(i)}
}

// NewFixed18FromSign builds sign * |u|.
func NewFixed18FromSign(sign int, u UFixed18) Fixed18 {
	switch {
	case sign > 0:
		return u.Fixed()
	case sign < 0:
		return u.Fixed().Neg()
	default:
		return Fixed18Zero
	}
}

// ParseFixed18 parses a decimal string such as "-12.5".
func ParseFixed18(s string) (f Fixed18, err error) {
	defer Recover(&err)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Fixed18Zero, fmt.Errorf("parse fixed18 %q: %w", s, err)
	}
	return NewFixed18(d), nil
}

// MustParseFixed18 is ParseFixed18 for constants and tests.
func MustParseFixed18(s string) Fixed18 {
	f, err := ParseFixed18(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Fixed18) Add(o Fixed18) Fixed18 { return Fixed18{d: checkSigned("add", f.d.Add(o.d))} }
func (f Fixed18) Sub(o Fixed18) Fixed18 { return Fixed18{d: checkSigned("sub", f.d.Sub(o.d))} }
func (f Fixed18) Mul(o Fixed18) Fixed18 { return Fixed18{d: checkSigned("mul", f.d.Mul(o.d))} }

// Div panics with ErrDivisionByZero when o is zero.
func (f Fixed18) Div(o Fixed18) Fixed18 {
	return Fixed18{d: checkSigned("div", quo("div", f.d, o.d))}
}

// UnsafeDiv returns zero instead of failing on a zero denominator.
func (f Fixed18) UnsafeDiv(o Fixed18) Fixed18 {
	if o.IsZero() {
		return Fixed18Zero
	}
	return f.Div(o)
}

func (f Fixed18) Neg() Fixed18 { return Fixed18{d: checkSigned("neg", f.d.Neg())} }

// Abs returns |f| as an unsigned value.
func (f Fixed18) Abs() UFixed18 { return UFixed18{d: f.d.Abs()} }

// Sign returns -1, 0 or 1.
func (f Fixed18) Sign() int { return f.d.Sign() }

func (f Fixed18) IsZero() bool     { return f.d.IsZero() }
func (f Fixed18) IsPositive() bool { return f.d.Sign() > 0 }
func (f Fixed18) IsNegative() bool { return f.d.Sign() < 0 }

func (f Fixed18) Cmp(o Fixed18) int                 { return f.d.Cmp(o.d) }
func (f Fixed18) Equal(o Fixed18) bool              { return f.d.Equal(o.d) }
func (f Fixed18) LessThan(o Fixed18) bool           { return f.d.LessThan(o.d) }
func (f Fixed18) GreaterThan(o Fixed18) bool        { return f.d.GreaterThan(o.d) }
func (f Fixed18) GreaterThanOrEqual(o Fixed18) bool { return f.d.GreaterThanOrEqual(o.d) }

func (f Fixed18) Min(o Fixed18) Fixed18 {
	if f.LessThan(o) {
		return f
	}
	return o
}

func (f Fixed18) Max(o Fixed18) Fixed18 {
	if f.GreaterThan(o) {
		return f
	}
	return o
}

// UFixed converts to unsigned, failing if f is negative.
func (f Fixed18) UFixed() UFixed18 { return UFixed18{d: checkUnsigned("to unsigned", f.d)} }

// Decimal exposes the underlying decimal value.
func (f Fixed18) Decimal() decimal.Decimal { return f.d }

// Raw returns the value scaled by 10^18.
func (f Fixed18) Raw() *big.Int { return raw(f.d) }

func (f Fixed18) String() string { return f.d.String() }

func (f Fixed18) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.d.String() + `"`), nil
}

func (f *Fixed18) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	parsed, err := ParseFixed18(d.String())
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ============================================================================
// UFixed18: unsigned 18-decimal fixed point
// ============================================================================

// UFixed18 is a non-negative decimal with 18 fractional digits.
type UFixed18 struct {
	d decimal.Decimal
}

var (
	UFixed18Zero = UFixed18{}
	UFixed18One  = UFixed18{d: decimal.NewFromInt(1)}
)

// NewUFixed18 truncates d to 18 decimals and range-checks it.
func NewUFixed18(d decimal.Decimal) UFixed18 {
	return UFixed18{d: checkUnsigned("from", d)}
}

func NewUFixed18FromInt(i int64) UFixed18 {
	return NewUFixed18(decimal.NewFromInt(i))
}

func ParseUFixed18(s string) (u UFixed18, err error) {
	defer Recover(&err)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return UFixed18Zero, fmt.Errorf("parse ufixed18 %q: %w", s, err)
	}
	return NewUFixed18(d), nil
}

func MustParseUFixed18(s string) UFixed18 {
	u, err := ParseUFixed18(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u UFixed18) Add(o UFixed18) UFixed18 { return UFixed18{d: checkUnsigned("add", u.d.Add(o.d))} }

// Sub fails with ErrArithmeticOverflow when o > u.
func (u UFixed18) Sub(o UFixed18) UFixed18 { return UFixed18{d: checkUnsigned("sub", u.d.Sub(o.d))} }

func (u UFixed18) Mul(o UFixed18) UFixed18 { return UFixed18{d: checkUnsigned("mul", u.d.Mul(o.d))} }

func (u UFixed18) Div(o UFixed18) UFixed18 {
	return UFixed18{d: checkUnsigned("div", quo("div", u.d, o.d))}
}

// UnsafeDiv returns zero for a zero denominator.
func (u UFixed18) UnsafeDiv(o UFixed18) UFixed18 {
	if o.IsZero() {
		return UFixed18Zero
	}
	return u.Div(o)
}

func (u UFixed18) IsZero() bool { return u.d.IsZero() }

func (u UFixed18) Cmp(o UFixed18) int                 { return u.d.Cmp(o.d) }
func (u UFixed18) Equal(o UFixed18) bool              { return u.d.Equal(o.d) }
func (u UFixed18) LessThan(o UFixed18) bool           { return u.d.LessThan(o.d) }
func (u UFixed18) GreaterThan(o UFixed18) bool        { return u.d.GreaterThan(o.d) }
func (u UFixed18) GreaterThanOrEqual(o UFixed18) bool { return u.d.GreaterThanOrEqual(o.d) }

func (u UFixed18) Min(o UFixed18) UFixed18 {
	if u.LessThan(o) {
		return u
	}
	return o
}

func (u UFixed18) Max(o UFixed18) UFixed18 {
	if u.GreaterThan(o) {
		return u
	}
	return o
}

// Fixed converts to signed.
func (u UFixed18) Fixed() Fixed18 { return Fixed18{d: checkSigned("to signed", u.d)} }

func (u UFixed18) Decimal() decimal.Decimal { return u.d }

func (u UFixed18) Raw() *big.Int { return raw(u.d) }

func (u UFixed18) String() string { return u.d.String() }

func (u UFixed18) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.d.String() + `"`), nil
}

func (u *UFixed18) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	parsed, err := ParseUFixed18(d.String())
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
