package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
)

func TestReductionSum(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("n", "uint", "300")
	data, err := reg.RegisterArray("data", "float", "n")
	if err != nil {
		t.Fatal(err)
	}
	reg.RegisterScalar("total", "float", "0")

	view := device.View[float32](data.Buffer())
	want := float32(0)
	for i := range view {
		view[i] = float32(i + 1)
		want += float32(i + 1)
	}

	srv.Add(NewReduction("sum", "data", "total", "c = a + b;", "0"))
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := srv.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	total, _ := reg.Get("total")
	if got := total.Value().(float32); got != want {
		t.Errorf("sum = %v, want %v", got, want)
	}
}

func TestReductionMinMaxVec2(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("n", "uint", "500")
	pos, err := reg.RegisterArray("pos", "vec2", "n")
	if err != nil {
		t.Fatal(err)
	}
	reg.RegisterScalar("r_min", "vec2", "0, 0")
	reg.RegisterScalar("r_max", "vec2", "0, 0")

	view := device.View[float32](pos.Buffer())
	for i := 0; i < 500; i++ {
		view[2*i] = float32(i%37) - 11.5
		view[2*i+1] = float32(i%53) * 0.25
	}

	srv.Add(
		NewReduction("min", "pos", "r_min", "c = min(a, b);", "VEC_INFINITY"),
		NewReduction("max", "pos", "r_max", "c = max(a, b);", "-VEC_INFINITY"),
	)
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := srv.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	wantMin := device.Vec2{float32(math.Inf(1)), float32(math.Inf(1))}
	wantMax := device.Vec2{float32(math.Inf(-1)), float32(math.Inf(-1))}
	for i := 0; i < 500; i++ {
		for c := 0; c < 2; c++ {
			v := view[2*i+c]
			if v < wantMin[c] {
				wantMin[c] = v
			}
			if v > wantMax[c] {
				wantMax[c] = v
			}
		}
	}
	rmin, _ := reg.Get("r_min")
	rmax, _ := reg.Get("r_max")
	if got := rmin.Value().(device.Vec2); got != wantMin {
		t.Errorf("r_min = %v, want %v", got, wantMin)
	}
	if got := rmax.Value().(device.Vec2); got != wantMax {
		t.Errorf("r_max = %v, want %v", got, wantMax)
	}
}

func TestReductionSingleElement(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("n", "uint", "1")
	data, _ := reg.RegisterArray("data", "uint", "n")
	reg.RegisterScalar("out", "uint", "0")

	device.View[uint32](data.Buffer())[0] = 42

	srv.Add(NewReduction("copy", "data", "out", "c = a + b;", "0"))
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	srv.Finish()

	out, _ := reg.Get("out")
	if got := out.Value().(uint32); got != 42 {
		t.Errorf("degenerate reduction = %d, want 42", got)
	}
}

func TestReductionReplansOnGrowth(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("n", "uint", "10")
	data, _ := reg.RegisterArray("data", "uint", "n")
	reg.RegisterScalar("out", "uint", "0")

	small := device.View[uint32](data.Buffer())
	for i := range small {
		small[i] = 1
	}

	srv.Add(NewReduction("count", "data", "out", "sum", "0"))
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	srv.Finish()
	out, _ := reg.Get("out")
	if got := out.Value().(uint32); got != 10 {
		t.Fatalf("sum = %d, want 10", got)
	}

	// Grow the input; the pass chain must adapt on the next run.
	data2, err := reg.RegisterArray("data", "uint", "1000")
	if err != nil {
		t.Fatal(err)
	}
	view := device.View[uint32](data2.Buffer())
	for i := range view {
		view[i] = 2
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step after growth: %v", err)
	}
	srv.Finish()
	if got := out.Value().(uint32); got != 2000 {
		t.Errorf("sum after growth = %d, want 2000", got)
	}
}

func TestReductionConfigErrors(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("n", "uint", "8")
	reg.RegisterArray("data", "float", "n")
	reg.RegisterScalar("out", "float", "0")
	reg.RegisterScalar("wrong", "uint", "0")

	r := NewReduction("bad-op", "data", "out", "c = a * b;", "1")
	if err := r.Setup(srv); !errors.Is(err, wavecell.ErrInvalidConfiguration) {
		t.Errorf("unknown operator error = %v, want ErrInvalidConfiguration", err)
	}

	r = NewReduction("bad-type", "data", "wrong", "sum", "0")
	if err := r.Setup(srv); !errors.Is(err, wavecell.ErrInvalidVariableType) {
		t.Errorf("type mismatch error = %v, want ErrInvalidVariableType", err)
	}

	r = NewReduction("bad-ident", "data", "out", "sum", "bogus")
	if err := r.Setup(srv); !errors.Is(err, wavecell.ErrInvalidConfiguration) {
		t.Errorf("identity error = %v, want ErrInvalidConfiguration", err)
	}
}
