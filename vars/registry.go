package vars

import (
	"fmt"
	"math"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
)

// Registry owns every Variable of a run and the device memory behind the
// array ones. Length and value expressions are evaluated against the
// scalars registered so far, so an array can be declared e.g. with length
// "nbuffer*1.2".
type Registry struct {
	ctx   device.Context
	byNam map[string]*Variable
	order []string
}

// NewRegistry creates an empty registry allocating through ctx.
func NewRegistry(ctx device.Context) *Registry {
	return &Registry{ctx: ctx, byNam: map[string]*Variable{}}
}

// Context returns the device context the registry allocates from.
func (r *Registry) Context() device.Context { return r.ctx }

// Names returns the registered variable names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the named variable or ErrUndeclaredVariable.
func (r *Registry) Get(name string) (*Variable, error) {
	v, ok := r.byNam[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", wavecell.ErrUndeclaredVariable, name)
	}
	return v, nil
}

// GetArray returns the named variable, checking it is an array of the
// given component kind (TypeInvalid skips the kind check).
func (r *Registry) GetArray(name string, scalar device.DataType) (*Variable, error) {
	v, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !v.IsArray() {
		return nil, fmt.Errorf("%w: %q is a scalar, array expected",
			wavecell.ErrInvalidVariableType, name)
	}
	if scalar != device.TypeInvalid && v.Type().Scalar() != scalar {
		return nil, fmt.Errorf("%w: %q has component type %s, %s expected",
			wavecell.ErrInvalidVariableType, name, v.Type().Scalar(), scalar)
	}
	return v, nil
}

// RegisterScalar registers a scalar variable. valueExpr may be empty (zero
// value), an arithmetic expression over previously registered scalars, or
// for vector types a comma-separated list of component expressions.
func (r *Registry) RegisterScalar(name, typeName, valueExpr string) (*Variable, error) {
	dtype, err := device.ParseDataType(typeName)
	if err != nil {
		return nil, fmt.Errorf("%w: variable %q: %v", wavecell.ErrInvalidConfiguration, name, err)
	}
	value := dtype.Zero()
	if valueExpr != "" {
		value, err = r.evalTyped(dtype, valueExpr)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
	}
	v := newScalar(name, dtype, value)
	r.insert(v)
	return v, nil
}

// RegisterArray registers an array variable and allocates its device
// buffer immediately. Re-registering an existing name with a different
// length reallocates the buffer and invalidates the previous one.
func (r *Registry) RegisterArray(name, typeName, lengthExpr string) (*Variable, error) {
	dtype, err := device.ParseDataType(typeName)
	if err != nil {
		return nil, fmt.Errorf("%w: variable %q: %v", wavecell.ErrInvalidConfiguration, name, err)
	}
	n, err := r.EvalInt(lengthExpr)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: variable %q: length %d",
			wavecell.ErrInvalidVariableLength, name, n)
	}

	if old, ok := r.byNam[name]; ok {
		if !old.IsArray() || old.Type() != dtype {
			return nil, fmt.Errorf("%w: %q re-registered with a different kind",
				wavecell.ErrInvalidVariableType, name)
		}
		if old.Len() == n {
			return old, nil
		}
		// An in-flight operation may still target the buffer about to be
		// released; drain every outstanding hazard first.
		for _, ev := range old.WriteWaitList() {
			if err := ev.Wait(); err != nil {
				return nil, fmt.Errorf("%w: draining %q: %v",
					wavecell.ErrDeviceExecution, name, err)
			}
		}
		buf, err := r.ctx.NewBuffer(n * dtype.Size())
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		old.SetReallocatable(true)
		prev, err := old.SetBuffer(buf, n)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			prev.Close()
		}
		return old, nil
	}

	buf, err := r.ctx.NewBuffer(n * dtype.Size())
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}
	v := newArray(name, dtype, n, buf)
	r.insert(v)
	return v, nil
}

func (r *Registry) insert(v *Variable) {
	if _, ok := r.byNam[v.Name()]; !ok {
		r.order = append(r.order, v.Name())
	}
	r.byNam[v.Name()] = v
}

// EvalFloat evaluates an arithmetic expression over the registered scalars.
// Vector scalars contribute per-component parameters name_x, name_y,
// name_z and name_w.
func (r *Registry) EvalFloat(expr string) (float64, error) {
	ev, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return 0, fmt.Errorf("%w: expression %q: %v",
			wavecell.ErrInvalidConfiguration, expr, err)
	}
	res, err := ev.Evaluate(r.params())
	if err != nil {
		return 0, fmt.Errorf("%w: expression %q: %v",
			wavecell.ErrInvalidConfiguration, expr, err)
	}
	f, ok := res.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: expression %q is not numeric",
			wavecell.ErrInvalidConfiguration, expr)
	}
	return f, nil
}

// EvalInt evaluates an expression and rounds the result up to an integer,
// so fractional headroom factors enlarge rather than truncate.
func (r *Registry) EvalInt(expr string) (int, error) {
	f, err := r.EvalFloat(expr)
	if err != nil {
		return 0, err
	}
	return int(math.Ceil(f)), nil
}

func (r *Registry) params() map[string]any {
	p := make(map[string]any, len(r.order))
	for _, name := range r.order {
		v := r.byNam[name]
		if v.IsArray() {
			continue
		}
		switch x := v.Value().(type) {
		case int32:
			p[name] = float64(x)
		case uint32:
			p[name] = float64(x)
		case float32:
			p[name] = float64(x)
		case device.IVec2:
			putComponents(p, name, float64(x[0]), float64(x[1]))
		case device.IVec3:
			putComponents(p, name, float64(x[0]), float64(x[1]), float64(x[2]))
		case device.IVec4:
			putComponents(p, name, float64(x[0]), float64(x[1]), float64(x[2]), float64(x[3]))
		case device.UVec2:
			putComponents(p, name, float64(x[0]), float64(x[1]))
		case device.UVec3:
			putComponents(p, name, float64(x[0]), float64(x[1]), float64(x[2]))
		case device.UVec4:
			putComponents(p, name, float64(x[0]), float64(x[1]), float64(x[2]), float64(x[3]))
		case device.Vec2:
			putComponents(p, name, float64(x[0]), float64(x[1]))
		case device.Vec3:
			putComponents(p, name, float64(x[0]), float64(x[1]), float64(x[2]))
		case device.Vec4:
			putComponents(p, name, float64(x[0]), float64(x[1]), float64(x[2]), float64(x[3]))
		}
	}
	return p
}

func putComponents(p map[string]any, name string, comps ...float64) {
	suffix := [4]string{"_x", "_y", "_z", "_w"}
	for i, c := range comps {
		p[name+suffix[i]] = c
	}
}

// EvalValue evaluates an expression into a value of the given type. Vector
// types take a comma-separated list of component expressions.
func (r *Registry) EvalValue(dtype device.DataType, expr string) (any, error) {
	return r.evalTyped(dtype, expr)
}

func (r *Registry) evalTyped(dtype device.DataType, expr string) (any, error) {
	comps := strings.Split(expr, ",")
	if len(comps) != dtype.Components() {
		return nil, fmt.Errorf("%w: %d component(s) for %s value %q",
			wavecell.ErrInvalidConfiguration, len(comps), dtype, expr)
	}
	vals := make([]float64, len(comps))
	for i, c := range comps {
		f, err := r.EvalFloat(strings.TrimSpace(c))
		if err != nil {
			return nil, err
		}
		vals[i] = f
	}
	switch dtype {
	case device.TypeInt32:
		return int32(vals[0]), nil
	case device.TypeUint32:
		return uint32(vals[0]), nil
	case device.TypeFloat32:
		return float32(vals[0]), nil
	case device.TypeIVec2:
		return device.IVec2{int32(vals[0]), int32(vals[1])}, nil
	case device.TypeIVec3:
		return device.IVec3{int32(vals[0]), int32(vals[1]), int32(vals[2])}, nil
	case device.TypeIVec4:
		return device.IVec4{int32(vals[0]), int32(vals[1]), int32(vals[2]), int32(vals[3])}, nil
	case device.TypeUVec2:
		return device.UVec2{uint32(vals[0]), uint32(vals[1])}, nil
	case device.TypeUVec3:
		return device.UVec3{uint32(vals[0]), uint32(vals[1]), uint32(vals[2])}, nil
	case device.TypeUVec4:
		return device.UVec4{uint32(vals[0]), uint32(vals[1]), uint32(vals[2]), uint32(vals[3])}, nil
	case device.TypeVec2:
		return device.Vec2{float32(vals[0]), float32(vals[1])}, nil
	case device.TypeVec3:
		return device.Vec3{float32(vals[0]), float32(vals[1]), float32(vals[2])}, nil
	case device.TypeVec4:
		return device.Vec4{float32(vals[0]), float32(vals[1]), float32(vals[2]), float32(vals[3])}, nil
	}
	return nil, fmt.Errorf("%w: %s", wavecell.ErrInvalidVariableType, dtype)
}
