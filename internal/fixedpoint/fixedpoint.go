// Package fixedpoint implements the 17.14 signed fixed-point format used by the
// MLFQS load and CPU accounting.
//
// A real number r is stored as round(r * 2^14) in an int32. Multiplication and
// division widen to int64 before rescaling so the 31-bit payload never
// overflows mid-operation.
package fixedpoint

import "fmt"

const (
	P = 17     // integer bits
	Q = 14     // fractional bits
	F = 1 << Q // scale factor
)

// Value is a 17.14 fixed-point number.
type Value int32

// FromInt converts an integer to fixed point.
func FromInt(n int) Value {
	return Value(n * F)
}

// Add returns x + y.
func (x Value) Add(y Value) Value { return x + y }

// Sub returns x - y.
func (x Value) Sub(y Value) Value { return x - y }

// AddInt returns x + n.
func (x Value) AddInt(n int) Value { return x + Value(n*F) }

// SubInt returns x - n.
func (x Value) SubInt(n int) Value { return x - Value(n*F) }

// Mul returns x * y.
func (x Value) Mul(y Value) Value {
	return Value(int64(x) * int64(y) / F)
}

// MulInt returns x * n.
func (x Value) MulInt(n int) Value { return x * Value(n) }

// Div returns x / y. y must be non-zero.
func (x Value) Div(y Value) Value {
	return Value(int64(x) * F / int64(y))
}

// DivInt returns x / n. n must be non-zero.
func (x Value) DivInt(n int) Value { return x / Value(n) }

// Trunc converts to an integer, rounding toward zero.
func (x Value) Trunc() int { return int(x / F) }

// Round converts to the nearest integer. Halves round away from zero.
func (x Value) Round() int {
	v := int64(x)
	if v >= 0 {
		return int((v + F/2) / F)
	}
	return int((v - F/2) / F)
}

// Scaled returns x*k rounded to the nearest integer, e.g. Scaled(100) for
// the hundredths reported by load average queries.
func (x Value) Scaled(k int) int {
	return x.MulInt(k).Round()
}

// String renders the value with two decimal places.
func (x Value) String() string {
	h := x.Scaled(100)
	sign := ""
	if h < 0 {
		sign = "-"
		h = -h
	}
	return fmt.Sprintf("%s%d.%02d", sign, h/100, h%100)
}
