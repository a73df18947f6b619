package engine

import (
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/vars"

	"github.com/wavecell/wavecell/device"
)

// SetScalar re-evaluates an expression into a scalar variable on every
// run. The expression ranges over the registered scalars, so e.g. a time
// variable advances with "t + dt".
type SetScalar struct {
	Base
	outputName string
	expr       string

	output *vars.Variable
}

// NewSetScalar creates a tool assigning the expression to the named scalar.
func NewSetScalar(name, output, expr string) *SetScalar {
	return &SetScalar{
		Base:       newBase(name, false),
		outputName: output,
		expr:       expr,
	}
}

func (t *SetScalar) Setup(s *Server) error {
	reg := s.Variables()
	var err error
	if t.output, err = reg.Get(t.outputName); err != nil {
		return err
	}
	if t.output.IsArray() {
		return fmt.Errorf("%w: %q is an array, scalar expected",
			wavecell.ErrInvalidVariableType, t.outputName)
	}
	// Evaluate once to catch malformed expressions at setup time.
	if _, err := reg.EvalValue(t.output.Type(), t.expr); err != nil {
		return fmt.Errorf("tool %q: %w", t.Name(), err)
	}
	// The scalars the expression reads are inputs, so a pending device
	// writer (a reduction mirror, an exchange) settles before evaluation.
	inputs, err := exprScalars(reg, t.expr, t.outputName)
	if err != nil {
		return fmt.Errorf("tool %q: %w", t.Name(), err)
	}
	return t.bind(reg, inputs, []string{t.outputName})
}

func (t *SetScalar) Run(s *Server, wait []device.Event) (device.Event, error) {
	// The assignment happens host-side, so any pending device writer of
	// the target must have settled first.
	for _, ev := range wait {
		if err := ev.Wait(); err != nil {
			return nil, fmt.Errorf("%w: syncing %q: %v",
				wavecell.ErrDeviceExecution, t.outputName, err)
		}
	}
	val, err := s.Variables().EvalValue(t.output.Type(), t.expr)
	if err != nil {
		return nil, err
	}
	if err := t.output.SetValue(val); err != nil {
		return nil, err
	}
	return nil, nil
}

// exprScalars lists the registered scalar variables an expression reads,
// resolving per-component parameters (name_x..name_w) back to their
// variable. The excluded name is left out.
func exprScalars(reg *vars.Registry, expr, exclude string) ([]string, error) {
	seen := map[string]struct{}{}
	var names []string
	for _, comp := range strings.Split(expr, ",") {
		parsed, err := govaluate.NewEvaluableExpression(strings.TrimSpace(comp))
		if err != nil {
			return nil, fmt.Errorf("%w: expression %q: %v",
				wavecell.ErrInvalidConfiguration, expr, err)
		}
		for _, p := range parsed.Vars() {
			name := p
			if _, err := reg.Get(name); err != nil {
				if i := strings.LastIndex(p, "_"); i > 0 {
					name = p[:i]
				}
				if _, err := reg.Get(name); err != nil {
					continue
				}
			}
			if name == exclude {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names, nil
}
