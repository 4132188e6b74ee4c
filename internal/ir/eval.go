package ir

import (
	"errors"
	"fmt"
	"math"
)

// ErrDivideByZero is returned for integer division by zero
var ErrDivideByZero = errors.New("integer division by zero")

// EvalScalar applies op to raw scalar bits. from is the operand type, which
// only differs from t for conversions and comparisons. The same function is
// used lane by lane for vectors, so scalar and vector code agree bit for bit.
func EvalScalar(op Op, t, from BasicType, a ...uint64) (uint64, error) {
	x := func(i int) uint64 {
		if i < len(a) {
			return a[i]
		}
		return 0
	}
	switch op {
	case OpAddP:
		return uint64(int64(x(0)) + int64(x(1))), nil
	case OpCastP2X:
		return x(0), nil
	case OpConv:
		return convert(t, from, x(0)), nil
	case OpCmpLT, OpCmpLE:
		return compare(op, from, x(0), x(1)), nil
	case OpOrB:
		return b2u(x(0) != 0 || x(1) != 0), nil
	case OpAndB:
		return b2u(x(0) != 0 && x(1) != 0), nil
	}
	if t.IsFloat() {
		return evalFloat(op, t, x(0), x(1))
	}
	if !t.IsInteger() {
		return 0, fmt.Errorf("cannot evaluate %s on %s", op, t)
	}
	return evalInt(op, t, int64(x(0)), int64(x(1)))
}

func evalInt(op Op, t BasicType, p, q int64) (uint64, error) {
	var r int64
	switch op {
	case OpAdd:
		r = p + q
	case OpSub:
		r = p - q
	case OpMul:
		r = p * q
	case OpDiv:
		if q == 0 {
			return 0, ErrDivideByZero
		}
		if q == -1 {
			r = -p
		} else {
			r = p / q
		}
	case OpAnd:
		r = p & q
	case OpOr:
		r = p | q
	case OpXor:
		r = p ^ q
	case OpShl:
		r = p << shiftCount(t, q)
	case OpShr:
		r = p >> shiftCount(t, q)
	case OpNeg:
		r = -p
	case OpAbs:
		if p < 0 {
			r = -p
		} else {
			r = p
		}
	case OpMin:
		r = min(p, q)
	case OpMax:
		r = max(p, q)
	default:
		return 0, fmt.Errorf("cannot evaluate %s on %s", op, t)
	}
	return uint64(Wrap(t, r)), nil
}

// shiftCount masks the count the way the JVM does: 63 for long, 31 otherwise
func shiftCount(t BasicType, q int64) uint {
	if t == TypeLong {
		return uint(q & 63)
	}
	return uint(q & 31)
}

func evalFloat(op Op, t BasicType, a, b uint64) (uint64, error) {
	if t == TypeFloat {
		p := math.Float32frombits(uint32(a))
		q := math.Float32frombits(uint32(b))
		var r float32
		switch op {
		case OpAdd:
			r = float32(p + q)
		case OpSub:
			r = float32(p - q)
		case OpMul:
			r = float32(p * q)
		case OpDiv:
			r = float32(p / q)
		case OpNeg:
			r = -p
		case OpAbs:
			return uint64(math.Float32bits(p) &^ (1 << 31)), nil
		case OpMin:
			return FloatBits(t, javaMin(float64(p), float64(q))), nil
		case OpMax:
			return FloatBits(t, javaMax(float64(p), float64(q))), nil
		default:
			return 0, fmt.Errorf("cannot evaluate %s on %s", op, t)
		}
		return uint64(math.Float32bits(r)), nil
	}
	p := math.Float64frombits(a)
	q := math.Float64frombits(b)
	var r float64
	switch op {
	case OpAdd:
		r = float64(p + q)
	case OpSub:
		r = float64(p - q)
	case OpMul:
		r = float64(p * q)
	case OpDiv:
		r = float64(p / q)
	case OpNeg:
		r = -p
	case OpAbs:
		return math.Float64bits(p) &^ (1 << 63), nil
	case OpMin:
		r = javaMin(p, q)
	case OpMax:
		r = javaMax(p, q)
	default:
		return 0, fmt.Errorf("cannot evaluate %s on %s", op, t)
	}
	return math.Float64bits(r), nil
}

// javaMin propagates NaN and orders -0.0 below 0.0
func javaMin(p, q float64) float64 {
	switch {
	case math.IsNaN(p) || math.IsNaN(q):
		return math.NaN()
	case p == 0 && q == 0:
		if math.Signbit(p) {
			return p
		}
		return q
	case p < q:
		return p
	default:
		return q
	}
}

func javaMax(p, q float64) float64 {
	switch {
	case math.IsNaN(p) || math.IsNaN(q):
		return math.NaN()
	case p == 0 && q == 0:
		if math.Signbit(p) {
			return q
		}
		return p
	case p > q:
		return p
	default:
		return q
	}
}

func convert(to, from BasicType, v uint64) uint64 {
	switch {
	case from.IsFloat() && to.IsFloat():
		return FloatBits(to, FloatOf(from, v))
	case from.IsFloat():
		return uint64(Wrap(to, saturate(to, FloatOf(from, v))))
	case to.IsFloat():
		return FloatBits(to, float64(int64(v)))
	default:
		return uint64(Wrap(to, int64(v)))
	}
}

// saturate converts a float to an integer the way d2i/d2l do: NaN is zero
// and out of range values clamp. Sub-int targets go through int first.
func saturate(to BasicType, f float64) int64 {
	if math.IsNaN(f) {
		return 0
	}
	lo, hi := int64(math.MinInt32), int64(math.MaxInt32)
	if to == TypeLong {
		lo, hi = math.MinInt64, math.MaxInt64
	}
	if f <= float64(lo) {
		return lo
	}
	if f >= float64(hi) {
		return hi
	}
	return int64(f)
}

func compare(op Op, from BasicType, a, b uint64) uint64 {
	if from.IsFloat() {
		p, q := FloatOf(from, a), FloatOf(from, b)
		if op == OpCmpLT {
			return b2u(p < q)
		}
		return b2u(p <= q)
	}
	p, q := int64(a), int64(b)
	if op == OpCmpLT {
		return b2u(p < q)
	}
	return b2u(p <= q)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
