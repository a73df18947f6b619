package engine

import (
	"github.com/wavecell/wavecell/device"
)

// Device programs of the built-in tools. The source text is what a real
// device backend compiles; the CPU backend resolves the entry points
// against the host implementations registered below and carries the source
// along unused.

const linkListSource = `
__kernel void iHoc(__global uint* ihoc, uint n_cells, uint sentinel)
{
    const uint c = get_global_id(0);
    if (c >= n_cells) return;
    ihoc[c] = sentinel;
}

__kernel void iCell(__global uint* icell, const __global float* pos,
                    uint n, uint comps, vec4 r_min, float cell_size,
                    uint4 n_cells)
{
    const uint i = get_global_id(0);
    if (i >= n) return;
    uint cx = (uint)((pos[i * comps + 0] - r_min.x) / cell_size) + 3u;
    uint cy = (uint)((pos[i * comps + 1] - r_min.y) / cell_size) + 3u;
    uint cz = comps > 2u
        ? (uint)((pos[i * comps + 2] - r_min.z) / cell_size) + 3u
        : 0u;
    icell[i] = cx + cy * n_cells.x + cz * n_cells.x * n_cells.y;
}

__kernel void linkList(const __global uint* icell, __global uint* ihoc,
                       uint n)
{
    const uint i = get_global_id(0);
    if (i >= n) return;
    const uint c = icell[i];
    if ((i == 0u) || (icell[i - 1u] != c))
        ihoc[c] = i;
}
`

const reductionSource = `
__kernel void reduce(const __global T* in, __global T* out, uint n)
{
    /* One work-group per partial result; in-group tree combine seeded
     * with the identity element for out-of-range lanes. */
}
`

const radixSortSource = `
__kernel void radixSort(__global uint* keys, __global uint* perm,
                        __global uint* inv, uint n)
{
    /* Stable sort of unsigned keys producing the gather permutation and
     * its inverse. */
}

__kernel void sortField(__global char* dst, const __global char* src,
                        const __global uint* perm, uint n, uint elem_size)
{
    const uint i = get_global_id(0);
    if (i >= n) return;
    for (uint b = 0u; b < elem_size; b++)
        dst[i * elem_size + b] = src[perm[i] * elem_size + b];
}
`

const exchangeSource = `
__kernel void domainMask(__global uint* mask, const __global float* pos,
                         uint n, uint comps, const __global float* splits,
                         uint n_splits)
{
    const uint i = get_global_id(0);
    if (i >= n) return;
    uint m = 0u;
    for (uint j = 0u; j < n_splits; j++)
        if (pos[i * comps] >= splits[j]) m++;
    mask[i] = m;
}

__kernel void maskKey(__global uint* key, const __global uint* mask,
                      uint n, uint rank)
{
    const uint i = get_global_id(0);
    if (i >= n) return;
    key[i] = (mask[i] == rank) ? 0u : mask[i] + 1u;
}

__kernel void maskReset(__global uint* mask, uint n, uint rank)
{
    const uint i = get_global_id(0);
    if (i >= n) return;
    mask[i] = rank;
}

__kernel void subMask(__global uint* sub, const __global uint* mask,
                      uint n, uint proc)
{
    const uint i = get_global_id(0);
    if (i >= n) return;
    sub[i] = (mask[i] == proc) ? 1u : 0u;
}

__kernel void indexIf(__global uint* idx, const __global uint* mask,
                      uint n, uint proc, uint sentinel)
{
    const uint i = get_global_id(0);
    if (i >= n) return;
    idx[i] = (mask[i] == proc) ? i : sentinel;
}
`

func init() {
	device.RegisterKernel("iHoc", cpuIHoc)
	device.RegisterKernel("iCell", cpuICell)
	device.RegisterKernel("linkList", cpuLinkList)
	device.RegisterKernel("reduce", cpuReduce)
	device.RegisterKernel("radixSort", cpuRadixSort)
	device.RegisterKernel("sortField", cpuSortField)
	device.RegisterKernel("domainMask", cpuDomainMask)
	device.RegisterKernel("maskKey", cpuMaskKey)
	device.RegisterKernel("maskReset", cpuMaskReset)
	device.RegisterKernel("subMask", cpuSubMask)
	device.RegisterKernel("indexIf", cpuIndexIf)
}

// args: ihoc buffer, total cells, sentinel
func cpuIHoc(args []any, global, local int) error {
	ihoc := device.View[uint32](args[0].(device.Buffer))
	total := int(args[1].(uint32))
	sentinel := args[2].(uint32)
	for c := 0; c < total; c++ {
		ihoc[c] = sentinel
	}
	return nil
}

// args: icell buffer, pos buffer, n, comps, r_min, cell size, n_cells
func cpuICell(args []any, global, local int) error {
	icell := device.View[uint32](args[0].(device.Buffer))
	pos := device.View[float32](args[1].(device.Buffer))
	n := int(args[2].(uint32))
	comps := int(args[3].(uint32))
	rmin := args[4].(device.Vec4)
	cell := args[5].(float32)
	ncells := args[6].(device.UVec4)
	for i := 0; i < n; i++ {
		cx := uint32((pos[i*comps+0]-rmin[0])/cell) + 3
		cy := uint32((pos[i*comps+1]-rmin[1])/cell) + 3
		cz := uint32(0)
		if comps > 2 {
			cz = uint32((pos[i*comps+2]-rmin[2])/cell) + 3
		}
		icell[i] = cx + cy*ncells[0] + cz*ncells[0]*ncells[1]
	}
	return nil
}

// args: icell buffer, ihoc buffer, n
func cpuLinkList(args []any, global, local int) error {
	icell := device.View[uint32](args[0].(device.Buffer))
	ihoc := device.View[uint32](args[1].(device.Buffer))
	n := int(args[2].(uint32))
	for i := 0; i < n; i++ {
		c := icell[i]
		if i == 0 || icell[i-1] != c {
			ihoc[c] = uint32(i)
		}
	}
	return nil
}

// args: in buffer, out buffer, n, pass
func cpuReduce(args []any, global, local int) error {
	in := args[0].(device.Buffer)
	out := args[1].(device.Buffer)
	n := int(args[2].(uint32))
	pass := args[3].(reducePass)
	return pass(in, out, n, local)
}

// args: keys buffer, perm buffer, inv buffer, n
//
// Stable counting sort standing in for the device radix sort: keys are
// cell indices, bounded by the total cell count, so a single histogram
// pass suffices. perm[i] is the pre-sort index of the element landing at
// slot i; inv is its inverse permutation.
func cpuRadixSort(args []any, global, local int) error {
	keys := device.View[uint32](args[0].(device.Buffer))
	perm := device.View[uint32](args[1].(device.Buffer))
	inv := device.View[uint32](args[2].(device.Buffer))
	n := int(args[3].(uint32))
	if n == 0 {
		return nil
	}

	maxKey := uint32(0)
	for i := 0; i < n; i++ {
		if keys[i] > maxKey {
			maxKey = keys[i]
		}
	}
	counts := make([]uint32, maxKey+2)
	for i := 0; i < n; i++ {
		counts[keys[i]+1]++
	}
	for k := 1; k < len(counts); k++ {
		counts[k] += counts[k-1]
	}
	sorted := make([]uint32, n)
	for i := 0; i < n; i++ {
		slot := counts[keys[i]]
		counts[keys[i]]++
		sorted[slot] = keys[i]
		perm[slot] = uint32(i)
		inv[i] = slot
	}
	copy(keys[:n], sorted)
	return nil
}

// args: dst buffer, src buffer, perm buffer, n, element size
func cpuSortField(args []any, global, local int) error {
	dst, err := device.Bytes(args[0].(device.Buffer))
	if err != nil {
		return err
	}
	src, err := device.Bytes(args[1].(device.Buffer))
	if err != nil {
		return err
	}
	perm := device.View[uint32](args[2].(device.Buffer))
	n := int(args[3].(uint32))
	es := int(args[4].(uint32))
	for i := 0; i < n; i++ {
		copy(dst[i*es:(i+1)*es], src[int(perm[i])*es:int(perm[i])*es+es])
	}
	return nil
}

// args: mask buffer, pos buffer, n, comps, split planes
func cpuDomainMask(args []any, global, local int) error {
	mask := device.View[uint32](args[0].(device.Buffer))
	pos := device.View[float32](args[1].(device.Buffer))
	n := int(args[2].(uint32))
	comps := int(args[3].(uint32))
	splits := args[4].([]float32)
	for i := 0; i < n; i++ {
		m := uint32(0)
		for _, s := range splits {
			if pos[i*comps] >= s {
				m++
			}
		}
		mask[i] = m
	}
	return nil
}

// args: key buffer, mask buffer, n, rank
func cpuMaskKey(args []any, global, local int) error {
	key := device.View[uint32](args[0].(device.Buffer))
	mask := device.View[uint32](args[1].(device.Buffer))
	n := int(args[2].(uint32))
	rank := args[3].(uint32)
	for i := 0; i < n; i++ {
		if mask[i] == rank {
			key[i] = 0
		} else {
			key[i] = mask[i] + 1
		}
	}
	return nil
}

// args: mask buffer, n, rank
func cpuMaskReset(args []any, global, local int) error {
	mask := device.View[uint32](args[0].(device.Buffer))
	n := int(args[1].(uint32))
	rank := args[2].(uint32)
	for i := 0; i < n; i++ {
		mask[i] = rank
	}
	return nil
}

// args: sub buffer, mask buffer, n, proc
func cpuSubMask(args []any, global, local int) error {
	sub := device.View[uint32](args[0].(device.Buffer))
	mask := device.View[uint32](args[1].(device.Buffer))
	n := int(args[2].(uint32))
	proc := args[3].(uint32)
	for i := 0; i < n; i++ {
		if mask[i] == proc {
			sub[i] = 1
		} else {
			sub[i] = 0
		}
	}
	return nil
}

// args: idx buffer, mask buffer, n, proc, sentinel
func cpuIndexIf(args []any, global, local int) error {
	idx := device.View[uint32](args[0].(device.Buffer))
	mask := device.View[uint32](args[1].(device.Buffer))
	n := int(args[2].(uint32))
	proc := args[3].(uint32)
	sentinel := args[4].(uint32)
	for i := 0; i < n; i++ {
		if mask[i] == proc {
			idx[i] = uint32(i)
		} else {
			idx[i] = sentinel
		}
	}
	return nil
}
