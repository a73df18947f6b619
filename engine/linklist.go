package engine

import (
	"fmt"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// LinkList builds the cell-indexed neighbor structure over a particle
// position array. Each run reduces the positions to their bounding box,
// derives the cell grid from the kernel support length, hashes every
// particle into a cell index, sorts the indices, and records the sorted
// head-of-chain of every cell.
//
// The grid carries a three-cell margin on every side so that neighbor
// scans of boundary cells never index out of the grid. The head-of-chain
// array only grows; a later run with a larger grid reallocates it after
// draining every outstanding event of the old buffer.
//
// LinkList expects the following variables to be declared: the position
// array, the live-count scalar "N", the bound scalars "r_min" and "r_max"
// of the position type, the uint32 arrays "icell", "ihoc", "id_sorted" and
// "id_unsorted", and the uvec4 scalar "n_cells". Sibling Sort tools sharing
// "id_sorted" must follow in the pipeline so the per-particle fields match
// the sorted cell indices.
type LinkList struct {
	Base
	inputName string

	pos    *vars.Variable
	n      *vars.Variable
	rmin   *vars.Variable
	rmax   *vars.Variable
	icell  *vars.Variable
	ihoc   *vars.Variable
	ncells *vars.Variable

	minRed *Reduction
	maxRed *Reduction
	sort   *RadixSort

	kIHoc     device.Kernel
	kICell    device.Kernel
	kLinkList device.Kernel

	cellLength float32
	capacity   int
}

// NewLinkList creates a neighbor-structure builder over the named position
// array.
func NewLinkList(name, input string) *LinkList {
	return &LinkList{
		Base:      newBase(name, false),
		inputName: input,
	}
}

func (t *LinkList) Setup(s *Server) error {
	reg := s.Variables()
	var err error
	if t.pos, err = reg.GetArray(t.inputName, device.TypeFloat32); err != nil {
		return err
	}
	if t.pos.Type().Components() < 2 {
		return fmt.Errorf("%w: positions %q must be a vector array",
			wavecell.ErrInvalidVariableType, t.inputName)
	}
	if t.n, err = reg.Get("N"); err != nil {
		return err
	}
	if t.rmin, err = reg.Get("r_min"); err != nil {
		return err
	}
	if t.rmax, err = reg.Get("r_max"); err != nil {
		return err
	}
	if t.icell, err = reg.GetArray("icell", device.TypeUint32); err != nil {
		return err
	}
	if t.ihoc, err = reg.GetArray("ihoc", device.TypeUint32); err != nil {
		return err
	}
	if t.ncells, err = reg.Get("n_cells"); err != nil {
		return err
	}
	if t.ncells.Type() != device.TypeUVec4 {
		return fmt.Errorf("%w: %q must be uvec4, not %s",
			wavecell.ErrInvalidVariableType, "n_cells", t.ncells.Type())
	}

	// Cell edge length, fixed for the whole run.
	side, err := reg.EvalFloat("support * h")
	if err != nil {
		return fmt.Errorf("tool %q: cell length: %w", t.Name(), err)
	}
	t.cellLength = float32(side)

	t.minRed = NewReduction(t.Name()+"->Min. Pos.", t.inputName, "r_min",
		"c = min(a, b);", "VEC_INFINITY")
	t.maxRed = NewReduction(t.Name()+"->Max. Pos.", t.inputName, "r_max",
		"c = max(a, b);", "-VEC_INFINITY")
	t.sort = NewRadixSort(t.Name()+"->Radix-Sort",
		"icell", "id_sorted", "id_unsorted", "N")
	for _, sub := range []Tool{t.minRed, t.maxRed, t.sort} {
		if err := sub.Setup(s); err != nil {
			return fmt.Errorf("tool %q: %w", sub.Name(), err)
		}
	}

	kernels, err := s.Context().Compile(device.Program{
		Source:  linkListSource,
		Entries: []string{"iHoc", "iCell", "linkList"},
	})
	if err != nil {
		return err
	}
	t.kIHoc, t.kICell, t.kLinkList = kernels[0], kernels[1], kernels[2]

	t.ihoc.SetReallocatable(true)
	t.capacity = t.ihoc.Len()

	return t.bind(reg,
		[]string{t.inputName, "N"},
		[]string{"r_min", "r_max", "icell", "ihoc", "n_cells"})
}

func (t *LinkList) Run(s *Server, wait []device.Event) (device.Event, error) {
	if t.cellLength <= 0 {
		return nil, fmt.Errorf("%w: cell length %v", wavecell.ErrInvalidConfiguration,
			t.cellLength)
	}

	if err := s.Execute(t.minRed); err != nil {
		return nil, err
	}
	if err := s.Execute(t.maxRed); err != nil {
		return nil, err
	}
	// The grid geometry is needed host-side right now, so this is the one
	// place the host blocks on device work mid-step.
	for _, v := range []*vars.Variable{t.rmin, t.rmax} {
		if ev := v.WritingEvent(); ev != nil {
			if err := ev.Wait(); err != nil {
				return nil, fmt.Errorf("%w: bounds of %q: %v",
					wavecell.ErrDeviceExecution, t.inputName, err)
			}
		}
	}

	rmin, err := posVec4(t.rmin.Value())
	if err != nil {
		return nil, err
	}
	rmax, err := posVec4(t.rmax.Value())
	if err != nil {
		return nil, err
	}
	n, err := scalarUint32(t.n)
	if err != nil {
		return nil, err
	}
	comps := t.pos.Type().Components()

	nc := device.UVec4{
		uint32((rmax[0]-rmin[0])/t.cellLength) + 6,
		uint32((rmax[1]-rmin[1])/t.cellLength) + 6,
		1,
		0,
	}
	if comps > 2 {
		nc[2] = uint32((rmax[2]-rmin[2])/t.cellLength) + 6
	}
	nc[3] = nc[0] * nc[1] * nc[2]
	if err := t.ncells.SetValue(nc); err != nil {
		return nil, err
	}
	total := int(nc[3])

	if total > t.capacity {
		if err := t.growIHoc(s, total); err != nil {
			return nil, err
		}
	}

	local := t.kICell.WorkGroupSize()
	evCell, err := s.Queue().EnqueueKernel(t.kICell, roundUp(int(n), local), local, wait,
		t.icell.Buffer(), t.pos.Buffer(), n, uint32(comps), rmin, t.cellLength, nc)
	if err != nil {
		return nil, fmt.Errorf("%w: cell hashing: %v", wavecell.ErrDeviceExecution, err)
	}
	t.icell.SetWritingEvent(evCell)

	if err := s.Execute(t.sort); err != nil {
		return nil, err
	}
	sorted := t.icell.WritingEvent()

	local = t.kIHoc.WorkGroupSize()
	evInit, err := s.Queue().EnqueueKernel(t.kIHoc, roundUp(total, local), local, wait,
		t.ihoc.Buffer(), uint32(total), n)
	if err != nil {
		return nil, fmt.Errorf("%w: head-of-chain reset: %v", wavecell.ErrDeviceExecution, err)
	}

	local = t.kLinkList.WorkGroupSize()
	ev, err := s.Queue().EnqueueKernel(t.kLinkList, roundUp(int(n), local), local,
		[]device.Event{evInit, sorted},
		t.icell.Buffer(), t.ihoc.Buffer(), n)
	if err != nil {
		return nil, fmt.Errorf("%w: head-of-chain build: %v", wavecell.ErrDeviceExecution, err)
	}
	return ev, nil
}

// growIHoc replaces the head-of-chain buffer with a larger one. Every
// outstanding event of the old buffer is drained first, so nothing can
// still be reading or writing it when it is released.
func (t *LinkList) growIHoc(s *Server, cells int) error {
	for _, ev := range t.ihoc.WriteWaitList() {
		if ev == nil {
			continue
		}
		if err := ev.Wait(); err != nil {
			return fmt.Errorf("%w: draining %q: %v", wavecell.ErrDeviceExecution,
				t.ihoc.Name(), err)
		}
	}
	buf, err := s.Context().NewBuffer(cells * t.ihoc.Type().Size())
	if err != nil {
		return err
	}
	old, err := t.ihoc.SetBuffer(buf, cells)
	if err != nil {
		buf.Close()
		return err
	}
	if old != nil {
		old.Close()
	}
	t.capacity = cells
	s.Log().Debug("head-of-chain grown", "tool", t.Name(), "cells", cells)
	return nil
}

// posVec4 widens a float vector scalar value to four components.
func posVec4(val any) (device.Vec4, error) {
	switch v := val.(type) {
	case device.Vec2:
		return device.Vec4{v[0], v[1], 0, 0}, nil
	case device.Vec3:
		return device.Vec4{v[0], v[1], v[2], 0}, nil
	case device.Vec4:
		return v, nil
	}
	return device.Vec4{}, fmt.Errorf("%w: %T is not a float vector",
		wavecell.ErrInvalidVariableType, val)
}
