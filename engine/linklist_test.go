package engine

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
)

func setupLinkListVars(t *testing.T, srv *Server) {
	t.Helper()
	reg := srv.Variables()
	mustRegister := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	_, err := reg.RegisterScalar("support", "float", "2")
	mustRegister(err)
	_, err = reg.RegisterScalar("h", "float", "0.05")
	mustRegister(err)
	_, err = reg.RegisterScalar("N", "uint", "1000")
	mustRegister(err)
	_, err = reg.RegisterArray("pos", "vec3", "N")
	mustRegister(err)
	_, err = reg.RegisterArray("icell", "uint", "N")
	mustRegister(err)
	_, err = reg.RegisterArray("ihoc", "uint", "1")
	mustRegister(err)
	_, err = reg.RegisterArray("id_sorted", "uint", "N")
	mustRegister(err)
	_, err = reg.RegisterArray("id_unsorted", "uint", "N")
	mustRegister(err)
	_, err = reg.RegisterScalar("r_min", "vec3", "0, 0, 0")
	mustRegister(err)
	_, err = reg.RegisterScalar("r_max", "vec3", "0, 0, 0")
	mustRegister(err)
	_, err = reg.RegisterScalar("n_cells", "uvec4", "0, 0, 0, 0")
	mustRegister(err)
}

func TestLinkListNeighborStructure(t *testing.T) {
	const n = 1000
	srv := newTestServer(t)
	reg := srv.Variables()
	setupLinkListVars(t, srv)

	pos := getVar(t, reg, "pos")
	pv := device.View[float32](pos.Buffer())
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < n; i++ {
		pv[3*i+0] = rng.Float32()
		pv[3*i+1] = rng.Float32()
		pv[3*i+2] = rng.Float32()
	}

	srv.Add(NewLinkList("linklist", "pos"))
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := srv.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	cell := float32(2 * 0.05)
	var min, max [3]float32
	for c := 0; c < 3; c++ {
		min[c], max[c] = pv[c], pv[c]
	}
	for i := 1; i < n; i++ {
		for c := 0; c < 3; c++ {
			if pv[3*i+c] < min[c] {
				min[c] = pv[3*i+c]
			}
			if pv[3*i+c] > max[c] {
				max[c] = pv[3*i+c]
			}
		}
	}

	rmin := getVar(t, reg, "r_min").Value().(device.Vec3)
	rmax := getVar(t, reg, "r_max").Value().(device.Vec3)
	if rmin != (device.Vec3{min[0], min[1], min[2]}) {
		t.Errorf("r_min = %v, want %v", rmin, min)
	}
	if rmax != (device.Vec3{max[0], max[1], max[2]}) {
		t.Errorf("r_max = %v, want %v", rmax, max)
	}

	nc := getVar(t, reg, "n_cells").Value().(device.UVec4)
	for c := 0; c < 3; c++ {
		want := uint32((max[c]-min[c])/cell) + 6
		if nc[c] != want {
			t.Errorf("n_cells[%d] = %d, want %d", c, nc[c], want)
		}
	}
	if nc[3] != nc[0]*nc[1]*nc[2] {
		t.Errorf("total cells %d != %d*%d*%d", nc[3], nc[0], nc[1], nc[2])
	}
	total := int(nc[3])

	ihoc := getVar(t, reg, "ihoc")
	if ihoc.Len() < total {
		t.Fatalf("ihoc holds %d cells, grid needs %d", ihoc.Len(), total)
	}

	// Membership: sorted cell indices, with the permutation mapping every
	// sorted slot back to the particle it was hashed from.
	icv := device.View[uint32](getVar(t, reg, "icell").Buffer())
	perm := device.View[uint32](getVar(t, reg, "id_sorted").Buffer())
	hash := func(i int) uint32 {
		cx := uint32((pv[3*i+0]-min[0])/cell) + 3
		cy := uint32((pv[3*i+1]-min[1])/cell) + 3
		cz := uint32((pv[3*i+2]-min[2])/cell) + 3
		return cx + cy*nc[0] + cz*nc[0]*nc[1]
	}
	for i := 0; i < n; i++ {
		if i > 0 && icv[i-1] > icv[i] {
			t.Fatalf("icell not sorted at %d", i)
		}
		if want := hash(int(perm[i])); icv[i] != want {
			t.Fatalf("icell[%d] = %d, particle %d hashes to %d", i, icv[i], perm[i], want)
		}
	}

	// Head-of-chain: first sorted slot per occupied cell, the particle
	// count for empty cells.
	ihv := device.View[uint32](ihoc.Buffer())
	head := make(map[uint32]uint32)
	for i := n - 1; i >= 0; i-- {
		head[icv[i]] = uint32(i)
	}
	seen := 0
	for c := 0; c < total; c++ {
		if h, ok := head[uint32(c)]; ok {
			if ihv[c] != h {
				t.Fatalf("ihoc[%d] = %d, want head %d", c, ihv[c], h)
			}
			// Walk the chain; every particle of the cell is reachable.
			for i := int(h); i < n && icv[i] == uint32(c); i++ {
				seen++
			}
			continue
		}
		if ihv[c] != n {
			t.Fatalf("empty cell %d has ihoc %d, want sentinel %d", c, ihv[c], n)
		}
	}
	if seen != n {
		t.Errorf("cell chains cover %d particles, want %d", seen, n)
	}
}

func TestLinkListHeadOfChainOnlyGrows(t *testing.T) {
	const n = 1000
	srv := newTestServer(t)
	reg := srv.Variables()
	setupLinkListVars(t, srv)

	pos := getVar(t, reg, "pos")
	pv := device.View[float32](pos.Buffer())
	rng := rand.New(rand.NewSource(2))
	for i := range pv {
		pv[i] = rng.Float32()
	}

	srv.Add(NewLinkList("linklist", "pos"))
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := srv.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	ihoc := getVar(t, reg, "ihoc")
	grown := ihoc.Len()
	if grown <= 1 {
		t.Fatalf("ihoc did not grow from its initial allocation (len %d)", grown)
	}

	// Cluster the particles; the grid shrinks but the buffer stays.
	for i := range pv {
		pv[i] *= 0.1
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := srv.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	nc := getVar(t, reg, "n_cells").Value().(device.UVec4)
	if int(nc[3]) >= grown {
		t.Fatalf("clustered grid (%d cells) did not shrink below %d", nc[3], grown)
	}
	if ihoc.Len() != grown {
		t.Errorf("ihoc len changed %d -> %d on a smaller grid", grown, ihoc.Len())
	}
}

func TestLinkListRejectsZeroCellLength(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	setupLinkListVars(t, srv)
	// Collapse the cell length after setup variables are declared.
	sup := getVar(t, reg, "support")
	if err := sup.SetValue(float32(0)); err != nil {
		t.Fatal(err)
	}

	srv.Add(NewLinkList("linklist", "pos"))
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); !errors.Is(err, wavecell.ErrInvalidConfiguration) {
		t.Errorf("Step error = %v, want ErrInvalidConfiguration", err)
	}
}
