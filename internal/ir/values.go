package ir

import "math"

// Scalar values travel as raw uint64 bits: integers sign- or zero-extended
// to 64 bits, floats as their IEEE bit pattern in the element precision.

// Wrap truncates v to the width of t and extends it back to 64 bits
func Wrap(t BasicType, v int64) int64 {
	switch t {
	case TypeBool:
		if v != 0 {
			return 1
		}
		return 0
	case TypeByte:
		return int64(int8(v))
	case TypeShort:
		return int64(int16(v))
	case TypeChar:
		return int64(uint16(v))
	case TypeInt:
		return int64(int32(v))
	default:
		return v
	}
}

// FloatBits encodes f in the precision of t
func FloatBits(t BasicType, f float64) uint64 {
	if t == TypeFloat {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}

// FloatOf decodes bits in the precision of t
func FloatOf(t BasicType, bits uint64) float64 {
	if t == TypeFloat {
		return float64(math.Float32frombits(uint32(bits)))
	}
	return math.Float64frombits(bits)
}

// ConstBits encodes a constant for an OpConst node of type t
func ConstBits(t BasicType, v int64, f float64) int64 {
	if t.IsFloat() {
		return int64(FloatBits(t, f))
	}
	return Wrap(t, v)
}

func posInf() float64 {
	return math.Inf(1)
}

func negZero() float64 {
	return math.Copysign(0, -1)
}

func maxOf(t BasicType) int64 {
	switch t {
	case TypeBool:
		return 1
	case TypeByte:
		return math.MaxInt8
	case TypeShort:
		return math.MaxInt16
	case TypeChar:
		return math.MaxUint16
	case TypeInt:
		return math.MaxInt32
	default:
		return math.MaxInt64
	}
}

func minOf(t BasicType) int64 {
	switch t {
	case TypeBool, TypeChar:
		return 0
	case TypeByte:
		return math.MinInt8
	case TypeShort:
		return math.MinInt16
	case TypeInt:
		return math.MinInt32
	default:
		return math.MinInt64
	}
}
