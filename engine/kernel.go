package engine

import (
	"fmt"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// Kernel runs a user-supplied device kernel over a work size derived from
// an expression. Arguments are variables, passed positionally in the order
// the kernel declares them: arrays bind their buffer, scalars their host
// value. Buffers are re-bound on every run, so arguments survive the
// reallocation of the variables behind them.
type Kernel struct {
	Base
	program  device.Program
	argNames []string
	outNames []string
	sizeExpr string

	args   []*vars.Variable
	kernel device.Kernel
}

// NewKernel creates a tool running the program's single entry point. args
// lists the variables bound to the kernel arguments in declaration order;
// outputs names the subset of args the kernel writes. sizeExpr is
// evaluated against the registered scalars before each run, e.g. "N".
func NewKernel(name string, program device.Program, args, outputs []string, sizeExpr string) *Kernel {
	return &Kernel{
		Base:     newBase(name, false),
		program:  program,
		argNames: append([]string(nil), args...),
		outNames: append([]string(nil), outputs...),
		sizeExpr: sizeExpr,
	}
}

func (t *Kernel) Setup(s *Server) error {
	reg := s.Variables()
	if len(t.program.Entries) != 1 {
		return fmt.Errorf("%w: tool %q wants exactly one entry point, got %d",
			wavecell.ErrInvalidConfiguration, t.Name(), len(t.program.Entries))
	}

	t.args = t.args[:0]
	for _, name := range t.argNames {
		v, err := reg.Get(name)
		if err != nil {
			return err
		}
		t.args = append(t.args, v)
	}
	for _, name := range t.outNames {
		if _, err := reg.Get(name); err != nil {
			return err
		}
	}

	kernels, err := s.Context().Compile(t.program)
	if err != nil {
		return err
	}
	t.kernel = kernels[0]

	inputs := make([]string, 0, len(t.argNames))
	for _, name := range t.argNames {
		if !contains(t.outNames, name) {
			inputs = append(inputs, name)
		}
	}
	return t.bind(reg, inputs, t.outNames)
}

func (t *Kernel) Run(s *Server, wait []device.Event) (device.Event, error) {
	n, err := s.Variables().EvalInt(t.sizeExpr)
	if err != nil {
		return nil, err
	}

	argv := make([]any, len(t.args))
	for i, v := range t.args {
		if v.IsArray() {
			argv[i] = v.Buffer()
			continue
		}
		val, err := scalarValue(v)
		if err != nil {
			return nil, err
		}
		argv[i] = val
	}

	local := t.kernel.WorkGroupSize()
	ev, err := s.Queue().EnqueueKernel(t.kernel, roundUp(n, local), local, wait, argv...)
	if err != nil {
		return nil, fmt.Errorf("%w: kernel %q: %v", wavecell.ErrDeviceExecution,
			t.kernel.Name(), err)
	}
	return ev, nil
}

// scalarValue reads a scalar's host value after settling a pending writer.
func scalarValue(v *vars.Variable) (any, error) {
	if ev := v.WritingEvent(); ev != nil {
		if err := ev.Wait(); err != nil {
			return nil, fmt.Errorf("%w: syncing %q: %v",
				wavecell.ErrDeviceExecution, v.Name(), err)
		}
	}
	return v.Value(), nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
