package math_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	fpmath "PerpSettle/internal/math"
)

func fx(s string) fpmath.Fixed18   { return fpmath.MustParseFixed18(s) }
func ufx(s string) fpmath.UFixed18 { return fpmath.MustParseUFixed18(s) }

// catch runs fn and returns the arithmetic error it raised, if any.
func catch(fn func()) (err error) {
	defer fpmath.Recover(&err)
	fn()
	return nil
}

// ============================================================================
// Test: Fixed18
// ============================================================================

func TestFixed18_Arithmetic(t *testing.T) {
	tests := []struct {
		name string
		got  fpmath.Fixed18
		want string
	}{
		{"add", fx("1.5").Add(fx("-2.25")), "-0.75"},
		{"sub", fx("10").Sub(fx("10.000000000000000001")), "-0.000000000000000001"},
		{"mul", fx("-3").Mul(fx("0.5")), "-1.5"},
		{"mul truncates", fx("0.000000000000000001").Mul(fx("0.5")), "0"},
		{"div", fx("1").Div(fx("3")), "0.333333333333333333"},
		{"div truncates toward zero", fx("-1").Div(fx("3")), "-0.333333333333333333"},
		{"unsafe div by zero", fx("5").UnsafeDiv(fpmath.Fixed18Zero), "0"},
		{"neg", fx("2").Neg(), "-2"},
	}
	for _, tt := range tests {
		if tt.got.String() != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got.String(), tt.want)
		}
	}
}

func TestFixed18_SignAndAbs(t *testing.T) {
	if fx("-4").Sign() != -1 || fx("0").Sign() != 0 || fx("4").Sign() != 1 {
		t.Error("sign should be -1, 0, 1")
	}
	if got := fx("-4.5").Abs(); !got.Equal(ufx("4.5")) {
		t.Errorf("got %s, want 4.5", got)
	}
	if got := fpmath.NewFixed18FromSign(-1, ufx("3")); !got.Equal(fx("-3")) {
		t.Errorf("got %s, want -3", got)
	}
}

func TestFixed18_DivisionByZero(t *testing.T) {
	err := catch(func() { fx("1").Div(fpmath.Fixed18Zero) })
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestFixed18_Overflow(t *testing.T) {
	// 2^255 / 1e18 is about 5.79e58
	big := fx("50000000000000000000000000000000000000000000000000000000000")
	err := catch(func() { big.Add(big) })
	if !errors.Is(err, fpmath.ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}

	var ae *fpmath.ArithmeticError
	if !errors.As(err, &ae) || ae.Op != "add" {
		t.Errorf("expected add ArithmeticError, got %v", err)
	}
}

func TestFixed18_ToUnsignedRejectsNegative(t *testing.T) {
	err := catch(func() { fx("-1").UFixed() })
	if !errors.Is(err, fpmath.ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestRecover_RepanicsForeignPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("expected foreign panic to propagate, got %v", r)
		}
	}()
	_ = catch(func() { panic("boom") })
}

func TestFixed18_JSON(t *testing.T) {
	b, err := json.Marshal(fx("-12.5"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"-12.5"` {
		t.Errorf("got %s, want %q", b, "-12.5")
	}

	var f fpmath.Fixed18
	if err := json.Unmarshal([]byte(`"0.1234567890123456789"`), &f); err != nil {
		t.Fatal(err)
	}
	if f.String() != "0.123456789012345678" {
		t.Errorf("got %s, want truncation to 18 decimals", f)
	}
}

func TestParseFixed18_Invalid(t *testing.T) {
	_, err := fpmath.ParseFixed18("abc")
	if err == nil || !strings.Contains(err.Error(), "abc") {
		t.Errorf("expected parse error naming input, got %v", err)
	}
}

// ============================================================================
// Test: UFixed18
// ============================================================================

func TestUFixed18_SubUnderflow(t *testing.T) {
	err := catch(func() { ufx("1").Sub(ufx("2")) })
	if !errors.Is(err, fpmath.ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow on underflow, got %v", err)
	}
}

func TestUFixed18_Arithmetic(t *testing.T) {
	if got := ufx("50").Div(ufx("100")); !got.Equal(ufx("0.5")) {
		t.Errorf("got %s, want 0.5", got)
	}
	if got := ufx("50").UnsafeDiv(fpmath.UFixed18Zero); !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}
	if got := ufx("2").Min(ufx("1")); !got.Equal(ufx("1")) {
		t.Errorf("got %s, want 1", got)
	}
	if got := ufx("2").Max(ufx("1")); !got.Equal(ufx("2")) {
		t.Errorf("got %s, want 2", got)
	}
}

func TestParseUFixed18_RejectsNegative(t *testing.T) {
	if _, err := fpmath.ParseUFixed18("-1"); !errors.Is(err, fpmath.ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
}

// ============================================================================
// Test: UtilizationCurve
// ============================================================================

func TestUtilizationCurve_Compute(t *testing.T) {
	curve := fpmath.UtilizationCurve{
		MinRate:           fx("0"),
		TargetRate:        fx("0.1"),
		MaxRate:           fx("1"),
		TargetUtilization: ufx("0.8"),
	}
	tests := []struct {
		utilization string
		want        string
	}{
		{"0", "0"},
		{"0.4", "0.05"},
		{"0.8", "0.1"},
		{"0.9", "0.55"},
		{"1", "1"},
		{"2", "1"},
	}
	for _, tt := range tests {
		got := curve.Compute(ufx(tt.utilization))
		if got.String() != tt.want {
			t.Errorf("utilization %s: got %s, want %s", tt.utilization, got, tt.want)
		}
	}
}

func TestUtilizationCurve_Flat(t *testing.T) {
	curve := fpmath.FlatCurve(fx("0.1"))
	for _, u := range []string{"0", "0.5", "1", "3"} {
		if got := curve.Compute(ufx(u)); !got.Equal(fx("0.1")) {
			t.Errorf("utilization %s: got %s, want 0.1", u, got)
		}
	}
}

func TestUtilizationCurve_Validate(t *testing.T) {
	bad := fpmath.UtilizationCurve{TargetUtilization: ufx("1.5")}
	if err := bad.Validate(); err == nil {
		t.Error("target utilization above 1 should be rejected")
	}
	if err := fpmath.FlatCurve(fx("0.1")).Validate(); err != nil {
		t.Errorf("flat curve should validate, got %v", err)
	}
}

func TestAccrueRate(t *testing.T) {
	// 10% annual over 1/1000 of a year
	got := fpmath.AccrueRate(fx("0.1"), 31536)
	if !got.Equal(fx("0.0001")) {
		t.Errorf("got %s, want 0.0001", got)
	}
}
