package ir

import "fmt"

// BasicType is the element type of a node
type BasicType uint8

const (
	TypeVoid BasicType = iota
	TypeBool
	TypeByte
	TypeShort
	TypeChar
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypePtr
)

// Size returns the size in bytes of one element of the type
func (t BasicType) Size() int {
	switch t {
	case TypeBool, TypeByte:
		return 1
	case TypeShort, TypeChar:
		return 2
	case TypeInt, TypeFloat:
		return 4
	case TypeLong, TypeDouble, TypePtr:
		return 8
	default:
		return 0
	}
}

// IsFloat returns true for float and double
func (t BasicType) IsFloat() bool {
	return t == TypeFloat || t == TypeDouble
}

// IsInteger returns true for the integral types, including char
func (t BasicType) IsInteger() bool {
	switch t {
	case TypeBool, TypeByte, TypeShort, TypeChar, TypeInt, TypeLong:
		return true
	default:
		return false
	}
}

// IsUnsigned is only true for char, which zero-extends
func (t BasicType) IsUnsigned() bool {
	return t == TypeChar || t == TypeBool
}

func (t BasicType) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeBool:
		return "bool"
	case TypeByte:
		return "byte"
	case TypeShort:
		return "short"
	case TypeChar:
		return "char"
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypePtr:
		return "ptr"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Letter is the one-letter suffix used in vector op names (AddVI, LoadVector, ReplicateB)
func (t BasicType) Letter() string {
	switch t {
	case TypeBool:
		return "Z"
	case TypeByte:
		return "B"
	case TypeShort:
		return "S"
	case TypeChar:
		return "C"
	case TypeInt:
		return "I"
	case TypeLong:
		return "L"
	case TypeFloat:
		return "F"
	case TypeDouble:
		return "D"
	case TypePtr:
		return "P"
	default:
		return "?"
	}
}

// ParseType parses the names used by loop description files
func ParseType(s string) (BasicType, error) {
	switch s {
	case "bool", "boolean":
		return TypeBool, nil
	case "byte", "i8":
		return TypeByte, nil
	case "short", "i16":
		return TypeShort, nil
	case "char", "u16":
		return TypeChar, nil
	case "int", "i32":
		return TypeInt, nil
	case "long", "i64":
		return TypeLong, nil
	case "float", "f32":
		return TypeFloat, nil
	case "double", "f64":
		return TypeDouble, nil
	case "ptr", "pointer":
		return TypePtr, nil
	default:
		return TypeVoid, fmt.Errorf("unknown type: %s (supported: byte, short, char, int, long, float, double, ptr)", s)
	}
}
