package device

import "fmt"

// DataType identifies an element type of the closed type surface: 32 bit
// signed/unsigned integers, 32 bit floats, and 2/3/4 component vectors
// thereof. Any other type name presented at configuration time is rejected.
type DataType uint8

const (
	TypeInvalid DataType = iota
	TypeInt32
	TypeUint32
	TypeFloat32
	TypeIVec2
	TypeIVec3
	TypeIVec4
	TypeUVec2
	TypeUVec3
	TypeUVec4
	TypeVec2
	TypeVec3
	TypeVec4
)

// Vector value types used for scalar variables and kernel arguments.
type (
	Vec2  [2]float32
	Vec3  [3]float32
	Vec4  [4]float32
	IVec2 [2]int32
	IVec3 [3]int32
	IVec4 [4]int32
	UVec2 [2]uint32
	UVec3 [3]uint32
	UVec4 [4]uint32
)

var typeNames = map[DataType]string{
	TypeInt32:   "int32",
	TypeUint32:  "uint32",
	TypeFloat32: "float32",
	TypeIVec2:   "ivec2",
	TypeIVec3:   "ivec3",
	TypeIVec4:   "ivec4",
	TypeUVec2:   "uvec2",
	TypeUVec3:   "uvec3",
	TypeUVec4:   "uvec4",
	TypeVec2:    "vec2",
	TypeVec3:    "vec3",
	TypeVec4:    "vec4",
}

// Short declaration-time aliases for the scalar kinds.
var typeAliases = map[string]DataType{
	"int":          TypeInt32,
	"uint":         TypeUint32,
	"unsigned int": TypeUint32,
	"float":        TypeFloat32,
}

// ParseDataType maps a configuration type name onto the closed type
// surface. Unknown names return ErrUnknownType.
func ParseDataType(name string) (DataType, error) {
	if t, ok := typeAliases[name]; ok {
		return t, nil
	}
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

func (t DataType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "invalid"
}

// Components returns the number of vector components (1 for scalars).
func (t DataType) Components() int {
	switch t {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 1
	case TypeIVec2, TypeUVec2, TypeVec2:
		return 2
	case TypeIVec3, TypeUVec3, TypeVec3:
		return 3
	case TypeIVec4, TypeUVec4, TypeVec4:
		return 4
	}
	return 0
}

// Scalar returns the component type of a vector type, or the type itself
// for scalars.
func (t DataType) Scalar() DataType {
	switch t {
	case TypeInt32, TypeIVec2, TypeIVec3, TypeIVec4:
		return TypeInt32
	case TypeUint32, TypeUVec2, TypeUVec3, TypeUVec4:
		return TypeUint32
	case TypeFloat32, TypeVec2, TypeVec3, TypeVec4:
		return TypeFloat32
	}
	return TypeInvalid
}

// Size returns the element byte size.
func (t DataType) Size() int {
	return 4 * t.Components()
}

// Zero returns the zero value of the type, boxed.
func (t DataType) Zero() any {
	switch t {
	case TypeInt32:
		return int32(0)
	case TypeUint32:
		return uint32(0)
	case TypeFloat32:
		return float32(0)
	case TypeIVec2:
		return IVec2{}
	case TypeIVec3:
		return IVec3{}
	case TypeIVec4:
		return IVec4{}
	case TypeUVec2:
		return UVec2{}
	case TypeUVec3:
		return UVec3{}
	case TypeUVec4:
		return UVec4{}
	case TypeVec2:
		return Vec2{}
	case TypeVec3:
		return Vec3{}
	case TypeVec4:
		return Vec4{}
	}
	return nil
}

// DeviceInfo describes a compute device.
type DeviceInfo struct {
	Name     string
	Vendor   string
	Driver   string
	Cores    int
	MemoryMB int
	SIMD     string
}

// BackendInfo describes a backend implementation.
type BackendInfo struct {
	Name        string
	Version     string
	Description string
}
