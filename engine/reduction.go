package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// reducePass performs one tree-reduction pass on the CPU backend: one
// partial result per work-group, each group combined left-to-right and
// seeded with the identity element.
type reducePass func(in, out device.Buffer, n, local int) error

// Reduction combines an array variable into a scalar variable under an
// associative operator. The reduction runs as repeated passes, each
// reducing n elements into ceil(n/local) partials, until one element
// remains; with a one-element input no pass is needed and the reduction
// degenerates to a copy.
//
// Group combination order across passes does not match a strictly
// sequential left fold, so non-commutative operators must not be used.
//
// After the final pass the device-side result is asynchronously mirrored
// into the output variable's host value; the mirroring is best effort and
// superseded by the authoritative device buffer.
type Reduction struct {
	Base
	inputName  string
	outputName string
	operation  string
	identity   string

	input  *vars.Variable
	output *vars.Variable
	kernel device.Kernel
	pass   reducePass
	local  int

	// chain[0] aliases the input variable's buffer; later entries are
	// owned per-pass partial buffers sized to the work-group count.
	chain []device.Buffer
	ns    []int
}

// NewReduction creates a reduction of the named input array into the named
// output scalar. operation and identity are operator source text, e.g.
// ("c = a + b;", "0") or ("c = max(a, b);", "-VEC_INFINITY").
func NewReduction(name, input, output, operation, identity string) *Reduction {
	return &Reduction{
		Base:       newBase(name, false),
		inputName:  input,
		outputName: output,
		operation:  operation,
		identity:   identity,
	}
}

func (r *Reduction) Setup(s *Server) error {
	reg := s.Variables()
	var err error
	r.input, err = reg.GetArray(r.inputName, device.TypeInvalid)
	if err != nil {
		return err
	}
	r.output, err = reg.Get(r.outputName)
	if err != nil {
		return err
	}
	if r.output.IsArray() {
		return fmt.Errorf("%w: reduction output %q is an array",
			wavecell.ErrInvalidVariableType, r.outputName)
	}
	if r.output.Type() != r.input.Type() {
		return fmt.Errorf("%w: reduction %q -> %q maps %s onto %s",
			wavecell.ErrInvalidVariableType, r.inputName, r.outputName,
			r.input.Type(), r.output.Type())
	}

	r.pass, err = makeReducePass(r.input.Type(), r.operation, r.identity)
	if err != nil {
		return fmt.Errorf("tool %q: %w", r.Name(), err)
	}

	kernels, err := s.Context().Compile(device.Program{
		Source:  reductionSource,
		Entries: []string{"reduce"},
	})
	if err != nil {
		return err
	}
	r.kernel = kernels[0]
	r.local = r.kernel.WorkGroupSize()

	if err := r.plan(s); err != nil {
		return err
	}
	return r.bind(reg, []string{r.inputName}, []string{r.outputName})
}

// plan compiles the pass chain for the current input length. All passes
// share the operator; each owns a partial buffer of work-group count size.
func (r *Reduction) plan(s *Server) error {
	if len(r.chain) > 1 {
		for _, buf := range r.chain[1:] {
			buf.Close()
		}
	}
	r.chain = []device.Buffer{r.input.Buffer()}
	r.ns = []int{r.input.Len()}

	size := r.input.Type().Size()
	n := r.input.Len()
	for n > 1 {
		groups := (n + r.local - 1) / r.local
		buf, err := s.Context().NewBuffer(groups * size)
		if err != nil {
			return err
		}
		r.chain = append(r.chain, buf)
		r.ns = append(r.ns, groups)
		n = groups
	}
	return nil
}

func (r *Reduction) Run(s *Server, wait []device.Event) (device.Event, error) {
	queue := s.Queue()

	// The input buffer may have been replaced since setup.
	r.chain[0] = r.input.Buffer()
	if r.ns[0] != r.input.Len() {
		if err := r.plan(s); err != nil {
			return nil, err
		}
	}

	ev := wait
	for i := 0; i+1 < len(r.chain); i++ {
		n := r.ns[i]
		kev, err := queue.EnqueueKernel(r.kernel, roundUp(n, r.local), r.local, ev,
			r.chain[i], r.chain[i+1], uint32(n), r.pass)
		if err != nil {
			return nil, fmt.Errorf("%w: reduction pass %d: %v", wavecell.ErrDeviceExecution, i, err)
		}
		ev = []device.Event{kev}
	}

	// Read the device-side scalar back and mirror it into the host value
	// once the read completes. The returned event is a marker on top of
	// the populating user event, so downstream tools wait for the mirror.
	staging := make([]byte, r.output.Type().Size())
	readEv, err := queue.EnqueueRead(r.chain[len(r.chain)-1], 0, staging, ev)
	if err != nil {
		return nil, fmt.Errorf("%w: reduction read-back: %v", wavecell.ErrDeviceExecution, err)
	}

	userEv, err := queue.NewUserEvent()
	if err != nil {
		return nil, err
	}
	go func() {
		if err := readEv.Wait(); err != nil {
			userEv.Fail(err)
			return
		}
		val, err := device.Decode(r.output.Type(), staging)
		if err != nil {
			userEv.Fail(err)
			return
		}
		if err := r.output.SetValue(val); err != nil {
			userEv.Fail(err)
			return
		}
		userEv.Complete()
	}()

	return queue.EnqueueMarker([]device.Event{userEv})
}

// makeReducePass resolves operator and identity source text into a typed
// CPU pass. The recognized operator set is closed; anything else is a
// configuration error.
func makeReducePass(dtype device.DataType, operation, identity string) (reducePass, error) {
	op := normalizeOperation(operation)
	comps := dtype.Components()
	switch dtype.Scalar() {
	case device.TypeFloat32:
		ident, err := parseFloatIdentity(identity)
		if err != nil {
			return nil, err
		}
		combine, err := floatCombiner(op)
		if err != nil {
			return nil, err
		}
		return makePass[float32](comps, combine, ident), nil
	case device.TypeInt32:
		ident, err := parseIntIdentity(identity)
		if err != nil {
			return nil, err
		}
		combine, err := intCombiner[int32](op)
		if err != nil {
			return nil, err
		}
		return makePass[int32](comps, combine, int32(ident)), nil
	case device.TypeUint32:
		ident, err := parseIntIdentity(identity)
		if err != nil {
			return nil, err
		}
		combine, err := intCombiner[uint32](op)
		if err != nil {
			return nil, err
		}
		return makePass[uint32](comps, combine, uint32(ident)), nil
	}
	return nil, fmt.Errorf("%w: reduction over %s", wavecell.ErrInvalidVariableType, dtype)
}

func makePass[T int32 | uint32 | float32](comps int, combine func(a, b T) T, ident T) reducePass {
	return func(in, out device.Buffer, n, local int) error {
		src := device.View[T](in)
		dst := device.View[T](out)
		groups := (n + local - 1) / local
		for g := 0; g < groups; g++ {
			lo := g * local
			hi := lo + local
			if hi > n {
				hi = n
			}
			for c := 0; c < comps; c++ {
				acc := ident
				for i := lo; i < hi; i++ {
					acc = combine(acc, src[i*comps+c])
				}
				dst[g*comps+c] = acc
			}
		}
		return nil
	}
}

// normalizeOperation reduces operator source text like "c = max(a, b);" to
// a canonical token.
func normalizeOperation(op string) string {
	op = strings.ToLower(op)
	op = strings.NewReplacer(" ", "", "\t", "", ";", "").Replace(op)
	switch op {
	case "c=a+b", "sum", "add":
		return "sum"
	case "c=max(a,b)", "max":
		return "max"
	case "c=min(a,b)", "min":
		return "min"
	}
	return op
}

func floatCombiner(op string) (func(a, b float32) float32, error) {
	switch op {
	case "sum":
		return func(a, b float32) float32 { return a + b }, nil
	case "max":
		return func(a, b float32) float32 {
			if a > b {
				return a
			}
			return b
		}, nil
	case "min":
		return func(a, b float32) float32 {
			if a < b {
				return a
			}
			return b
		}, nil
	}
	return nil, fmt.Errorf("%w: reduction operator %q", wavecell.ErrInvalidConfiguration, op)
}

func intCombiner[T int32 | uint32](op string) (func(a, b T) T, error) {
	switch op {
	case "sum":
		return func(a, b T) T { return a + b }, nil
	case "max":
		return func(a, b T) T {
			if a > b {
				return a
			}
			return b
		}, nil
	case "min":
		return func(a, b T) T {
			if a < b {
				return a
			}
			return b
		}, nil
	}
	return nil, fmt.Errorf("%w: reduction operator %q", wavecell.ErrInvalidConfiguration, op)
}

func parseFloatIdentity(s string) (float32, error) {
	tok := strings.ToLower(strings.TrimSpace(s))
	switch tok {
	case "infinity", "inf", "vec_infinity":
		return float32(math.Inf(1)), nil
	case "-infinity", "-inf", "-vec_infinity":
		return float32(math.Inf(-1)), nil
	}
	f, err := strconv.ParseFloat(tok, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: reduction identity %q", wavecell.ErrInvalidConfiguration, s)
	}
	return float32(f), nil
}

func parseIntIdentity(s string) (int64, error) {
	tok := strings.ToLower(strings.TrimSpace(s))
	switch tok {
	case "uint_max":
		return int64(^uint32(0)), nil
	case "int_max":
		return int64(math.MaxInt32), nil
	case "int_min":
		return int64(math.MinInt32), nil
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: reduction identity %q", wavecell.ErrInvalidConfiguration, s)
	}
	return v, nil
}
