// Package tensor provides the strided tensor buffers and shape arithmetic
// the convolution planner operates on.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for convolution operands.
const (
	Float32 DataType = iota
	BFloat16
	Int8
	Uint8
	Int32
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case BFloat16:
		return 2
	case Int8, Uint8:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case BFloat16:
		return "bfloat16"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// IsInt8 reports whether the data type is one of the 8-bit integer types
// eligible for the quantized convolution path.
func (dt DataType) IsInt8() bool {
	return dt == Int8 || dt == Uint8
}
