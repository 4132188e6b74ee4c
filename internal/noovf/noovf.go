// Package noovf implements "no-overflow" integers for address arithmetic.
//
// An Int is either a plain int64 value or the Overflowed marker. Every
// operation whose mathematical result does not fit in an int64 yields
// Overflowed, and Overflowed is sticky: it propagates through every later
// operation and is never equal to any value, including zero.
package noovf

import (
	"fmt"

	"github.com/JohnCGriffin/overflow"
)

// Int is a sum type: {Value(int64), Overflowed}.
type Int struct {
	v          int64
	overflowed bool
}

// Overflowed is the NaN-like marker.
var Overflowed = Int{overflowed: true}

// Of wraps a plain value.
func Of(v int64) Int {
	return Int{v: v}
}

// IsOverflowed reports whether i is the Overflowed marker.
func (i Int) IsOverflowed() bool {
	return i.overflowed
}

// IsZero is true only for the value zero. Overflowed is not zero.
func (i Int) IsZero() bool {
	return !i.overflowed && i.v == 0
}

// Value returns the wrapped value and false when i is Overflowed.
func (i Int) Value() (int64, bool) {
	if i.overflowed {
		return 0, false
	}
	return i.v, true
}

// MustValue returns the value and panics on Overflowed.
func (i Int) MustValue() int64 {
	if i.overflowed {
		panic("noovf: value of an overflowed integer")
	}
	return i.v
}

func (i Int) Add(j Int) Int {
	if i.overflowed || j.overflowed {
		return Overflowed
	}
	r, ok := overflow.Add64(i.v, j.v)
	if !ok {
		return Overflowed
	}
	return Of(r)
}

func (i Int) Sub(j Int) Int {
	if i.overflowed || j.overflowed {
		return Overflowed
	}
	r, ok := overflow.Sub64(i.v, j.v)
	if !ok {
		return Overflowed
	}
	return Of(r)
}

func (i Int) Mul(j Int) Int {
	if i.overflowed || j.overflowed {
		return Overflowed
	}
	r, ok := overflow.Mul64(i.v, j.v)
	if !ok {
		return Overflowed
	}
	return Of(r)
}

func (i Int) Neg() Int {
	return Of(0).Sub(i)
}

// Shl computes i << s as a multiplication, so shifted-out bits overflow.
func (i Int) Shl(s Int) Int {
	if i.overflowed || s.overflowed {
		return Overflowed
	}
	if s.v < 0 || s.v > 62 {
		return Overflowed
	}
	return i.Mul(Of(int64(1) << s.v))
}

// Abs returns |i|. The absolute value of math.MinInt64 overflows.
func (i Int) Abs() Int {
	if i.overflowed {
		return Overflowed
	}
	if i.v < 0 {
		return i.Neg()
	}
	return i
}

// Mod returns the non-negative remainder of i modulo m (m > 0).
func (i Int) Mod(m int64) Int {
	if i.overflowed || m <= 0 {
		return Overflowed
	}
	r := i.v % m
	if r < 0 {
		r += m
	}
	return Of(r)
}

// Eq is false whenever either side is Overflowed.
func (i Int) Eq(j Int) bool {
	return !i.overflowed && !j.overflowed && i.v == j.v
}

// Less is false whenever either side is Overflowed.
func (i Int) Less(j Int) bool {
	return !i.overflowed && !j.overflowed && i.v < j.v
}

// FitsWidth reports whether i is representable as a signed integer of the
// given width in bytes.
func (i Int) FitsWidth(bytes int) bool {
	if i.overflowed {
		return false
	}
	if bytes >= 8 {
		return true
	}
	bits := uint(bytes * 8)
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return i.v >= lo && i.v <= hi
}

// Narrow returns i if it fits the given width, Overflowed otherwise.
func (i Int) Narrow(bytes int) Int {
	if !i.FitsWidth(bytes) {
		return Overflowed
	}
	return i
}

func (i Int) String() string {
	if i.overflowed {
		return "NaN"
	}
	return fmt.Sprintf("%d", i.v)
}
