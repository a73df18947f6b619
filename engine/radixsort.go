package engine

import (
	"fmt"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// RadixSort stably sorts an array of unsigned keys, overwriting the keys
// with their sorted form and producing the gather permutation and its
// inverse. perm[i] is the pre-sort index of the element landing at slot i;
// inv[j] is the post-sort slot of pre-sort element j. Per-particle fields
// are reordered consistently afterwards with Sort tools sharing perm.
type RadixSort struct {
	Base
	keysName  string
	permName  string
	invName   string
	countName string

	keys   *vars.Variable
	perm   *vars.Variable
	inv    *vars.Variable
	count  *vars.Variable
	kernel device.Kernel
}

// NewRadixSort creates a sorter of the named uint32 key array. count names
// the scalar holding the number of live entries.
func NewRadixSort(name, keys, perm, inv, count string) *RadixSort {
	return &RadixSort{
		Base:      newBase(name, false),
		keysName:  keys,
		permName:  perm,
		invName:   inv,
		countName: count,
	}
}

func (t *RadixSort) Setup(s *Server) error {
	reg := s.Variables()
	var err error
	if t.keys, err = reg.GetArray(t.keysName, device.TypeUint32); err != nil {
		return err
	}
	if t.perm, err = reg.GetArray(t.permName, device.TypeUint32); err != nil {
		return err
	}
	if t.inv, err = reg.GetArray(t.invName, device.TypeUint32); err != nil {
		return err
	}
	if t.count, err = reg.Get(t.countName); err != nil {
		return err
	}
	if t.perm.Len() < t.keys.Len() || t.inv.Len() < t.keys.Len() {
		return fmt.Errorf("%w: permutation arrays shorter than %q",
			wavecell.ErrInvalidVariableLength, t.keysName)
	}

	kernels, err := s.Context().Compile(device.Program{
		Source:  radixSortSource,
		Entries: []string{"radixSort"},
	})
	if err != nil {
		return err
	}
	t.kernel = kernels[0]

	return t.bind(reg,
		[]string{t.keysName, t.countName},
		[]string{t.keysName, t.permName, t.invName})
}

func (t *RadixSort) Run(s *Server, wait []device.Event) (device.Event, error) {
	n, err := scalarUint32(t.count)
	if err != nil {
		return nil, err
	}
	if int(n) > t.keys.Len() {
		return nil, fmt.Errorf("%w: %d keys in an array of %d",
			wavecell.ErrInvalidVariableLength, n, t.keys.Len())
	}
	local := t.kernel.WorkGroupSize()
	ev, err := s.Queue().EnqueueKernel(t.kernel, roundUp(int(n), local), local, wait,
		t.keys.Buffer(), t.perm.Buffer(), t.inv.Buffer(), n)
	if err != nil {
		return nil, fmt.Errorf("%w: radix sort: %v", wavecell.ErrDeviceExecution, err)
	}
	return ev, nil
}

// scalarUint32 reads the host value of an unsigned scalar variable,
// waiting out a pending writer so asynchronously mirrored values are
// settled before use.
func scalarUint32(v *vars.Variable) (uint32, error) {
	if ev := v.WritingEvent(); ev != nil {
		if err := ev.Wait(); err != nil {
			return 0, fmt.Errorf("%w: syncing %q: %v",
				wavecell.ErrDeviceExecution, v.Name(), err)
		}
	}
	n, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a uint32 scalar",
			wavecell.ErrInvalidVariableType, v.Name())
	}
	return n, nil
}
