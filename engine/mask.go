package engine

import (
	"fmt"
	"sort"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// DomainMask stamps every particle with the rank owning it, derived from a
// fixed list of split planes along the first position axis: a particle
// belongs to rank r when it lies at or beyond r split planes. With P ranks
// there are P-1 planes.
type DomainMask struct {
	Base
	inputName  string
	outputName string
	splits     []float32

	pos    *vars.Variable
	n      *vars.Variable
	mask   *vars.Variable
	kernel device.Kernel
}

// NewDomainMask creates a mask builder writing rank ownership of the named
// position array into the named uint32 array.
func NewDomainMask(name, input, output string, splits []float32) *DomainMask {
	s := append([]float32(nil), splits...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return &DomainMask{
		Base:       newBase(name, false),
		inputName:  input,
		outputName: output,
		splits:     s,
	}
}

func (t *DomainMask) Setup(s *Server) error {
	reg := s.Variables()
	var err error
	if t.pos, err = reg.GetArray(t.inputName, device.TypeFloat32); err != nil {
		return err
	}
	if t.n, err = reg.Get("N"); err != nil {
		return err
	}
	if t.mask, err = reg.GetArray(t.outputName, device.TypeUint32); err != nil {
		return err
	}
	if len(t.splits) == 0 {
		return fmt.Errorf("%w: domain mask %q has no split planes",
			wavecell.ErrInvalidConfiguration, t.Name())
	}

	kernels, err := s.Context().Compile(device.Program{
		Source:  exchangeSource,
		Entries: []string{"domainMask"},
	})
	if err != nil {
		return err
	}
	t.kernel = kernels[0]

	return t.bind(reg,
		[]string{t.inputName, "N"},
		[]string{t.outputName})
}

func (t *DomainMask) Run(s *Server, wait []device.Event) (device.Event, error) {
	n, err := scalarUint32(t.n)
	if err != nil {
		return nil, err
	}
	comps := t.pos.Type().Components()
	local := t.kernel.WorkGroupSize()
	ev, err := s.Queue().EnqueueKernel(t.kernel, roundUp(int(n), local), local, wait,
		t.mask.Buffer(), t.pos.Buffer(), n, uint32(comps), t.splits)
	if err != nil {
		return nil, fmt.Errorf("%w: domain mask: %v", wavecell.ErrDeviceExecution, err)
	}
	return ev, nil
}
