package device

// DType is the element type of a device allocation.
type DType int

// Supported element types.
const (
	Float32 DType = iota
	Int32
)

// Size returns the byte size of one element.
func (dt DType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// ParseDType converts "float"/"float32"/"int"/"int32" to a DType.
func ParseDType(s string) (DType, bool) {
	switch s {
	case "float", "float32":
		return Float32, true
	case "int", "int32":
		return Int32, true
	default:
		return 0, false
	}
}
