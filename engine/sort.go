package engine

import (
	"fmt"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// Sort reorders a per-particle field in place by the gather permutation of
// an earlier RadixSort. The gather runs into an owned scratch buffer which
// is then copied back over the field, so the field variable keeps its
// buffer identity.
type Sort struct {
	Base
	fieldName string
	permName  string
	countName string

	field   *vars.Variable
	perm    *vars.Variable
	count   *vars.Variable
	scratch device.Buffer
	kernel  device.Kernel
}

// NewSort creates a tool reordering the named array by the named uint32
// permutation. count names the scalar holding the number of live entries.
func NewSort(name, field, perm, count string) *Sort {
	return &Sort{
		Base:      newBase(name, false),
		fieldName: field,
		permName:  perm,
		countName: count,
	}
}

func (t *Sort) Setup(s *Server) error {
	reg := s.Variables()
	var err error
	if t.field, err = reg.GetArray(t.fieldName, device.TypeInvalid); err != nil {
		return err
	}
	if t.perm, err = reg.GetArray(t.permName, device.TypeUint32); err != nil {
		return err
	}
	if t.count, err = reg.Get(t.countName); err != nil {
		return err
	}

	kernels, err := s.Context().Compile(device.Program{
		Source:  radixSortSource,
		Entries: []string{"sortField"},
	})
	if err != nil {
		return err
	}
	t.kernel = kernels[0]

	return t.bind(reg,
		[]string{t.permName, t.countName},
		[]string{t.fieldName})
}

func (t *Sort) Run(s *Server, wait []device.Event) (device.Event, error) {
	n, err := scalarUint32(t.count)
	if err != nil {
		return nil, err
	}
	es := t.field.Type().Size()
	bytes := int(n) * es

	// The field buffer grows under reallocation; track it lazily.
	if t.scratch == nil || t.scratch.Size() < bytes {
		if t.scratch != nil {
			t.scratch.Close()
		}
		if t.scratch, err = s.Context().NewBuffer(t.field.Buffer().Size()); err != nil {
			return nil, err
		}
	}

	local := t.kernel.WorkGroupSize()
	gather, err := s.Queue().EnqueueKernel(t.kernel, roundUp(int(n), local), local, wait,
		t.scratch, t.field.Buffer(), t.perm.Buffer(), n, uint32(es))
	if err != nil {
		return nil, fmt.Errorf("%w: sort gather: %v", wavecell.ErrDeviceExecution, err)
	}
	ev, err := s.Queue().EnqueueCopy(t.field.Buffer(), t.scratch, 0, 0, bytes,
		[]device.Event{gather})
	if err != nil {
		return nil, fmt.Errorf("%w: sort copy-back: %v", wavecell.ErrDeviceExecution, err)
	}
	return ev, nil
}
