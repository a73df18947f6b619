package device

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes a boxed value of the given type into little-endian
// bytes, the device memory layout of the closed type surface.
func Encode(t DataType, v any) ([]byte, error) {
	out := make([]byte, t.Size())
	put := func(i int, u uint32) {
		binary.LittleEndian.PutUint32(out[4*i:], u)
	}
	switch x := v.(type) {
	case int32:
		put(0, uint32(x))
	case uint32:
		put(0, x)
	case float32:
		put(0, math.Float32bits(x))
	case IVec2:
		for i, c := range x {
			put(i, uint32(c))
		}
	case IVec3:
		for i, c := range x {
			put(i, uint32(c))
		}
	case IVec4:
		for i, c := range x {
			put(i, uint32(c))
		}
	case UVec2:
		for i, c := range x {
			put(i, c)
		}
	case UVec3:
		for i, c := range x {
			put(i, c)
		}
	case UVec4:
		for i, c := range x {
			put(i, c)
		}
	case Vec2:
		for i, c := range x {
			put(i, math.Float32bits(c))
		}
	case Vec3:
		for i, c := range x {
			put(i, math.Float32bits(c))
		}
	case Vec4:
		for i, c := range x {
			put(i, math.Float32bits(c))
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T as %s", ErrUnknownType, v, t)
	}
	return out, nil
}

// Decode deserializes little-endian device bytes into a boxed value of the
// given type.
func Decode(t DataType, b []byte) (any, error) {
	if len(b) < t.Size() {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrOutOfRange, len(b), t)
	}
	get := func(i int) uint32 {
		return binary.LittleEndian.Uint32(b[4*i:])
	}
	switch t {
	case TypeInt32:
		return int32(get(0)), nil
	case TypeUint32:
		return get(0), nil
	case TypeFloat32:
		return math.Float32frombits(get(0)), nil
	case TypeIVec2:
		return IVec2{int32(get(0)), int32(get(1))}, nil
	case TypeIVec3:
		return IVec3{int32(get(0)), int32(get(1)), int32(get(2))}, nil
	case TypeIVec4:
		return IVec4{int32(get(0)), int32(get(1)), int32(get(2)), int32(get(3))}, nil
	case TypeUVec2:
		return UVec2{get(0), get(1)}, nil
	case TypeUVec3:
		return UVec3{get(0), get(1), get(2)}, nil
	case TypeUVec4:
		return UVec4{get(0), get(1), get(2), get(3)}, nil
	case TypeVec2:
		return Vec2{math.Float32frombits(get(0)), math.Float32frombits(get(1))}, nil
	case TypeVec3:
		return Vec3{math.Float32frombits(get(0)), math.Float32frombits(get(1)),
			math.Float32frombits(get(2))}, nil
	case TypeVec4:
		return Vec4{math.Float32frombits(get(0)), math.Float32frombits(get(1)),
			math.Float32frombits(get(2)), math.Float32frombits(get(3))}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
}
