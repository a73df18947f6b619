package engine

import (
	"errors"
	"testing"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
)

func TestSetScalarAdvancesTime(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("dt", "float", "0.5")
	reg.RegisterScalar("t", "float", "0")
	reg.RegisterScalar("iter", "uint", "0")

	srv.Add(
		NewSetScalar("advance time", "t", "t + dt"),
		NewSetScalar("count iterations", "iter", "iter + 1"),
	)
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := srv.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	if got := getVar(t, reg, "t").Value().(float32); got != 2 {
		t.Errorf("t = %v, want 2", got)
	}
	if got := getVar(t, reg, "iter").Value().(uint32); got != 4 {
		t.Errorf("iter = %d, want 4", got)
	}
}

func TestSetScalarVectorComponents(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("g", "vec2", "0, 0")

	srv.Add(NewSetScalar("set gravity", "g", "0, -9.81"))
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	want := device.Vec2{0, -9.81}
	if got := getVar(t, reg, "g").Value().(device.Vec2); got != want {
		t.Errorf("g = %v, want %v", got, want)
	}
}

func TestSetScalarSeesFreshReductionValue(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("n", "uint", "128")
	data, err := reg.RegisterArray("data", "float", "n")
	if err != nil {
		t.Fatal(err)
	}
	reg.RegisterScalar("total", "float", "0")
	reg.RegisterScalar("mean", "float", "0")

	view := device.View[float32](data.Buffer())
	for i := range view {
		view[i] = 2
	}

	// The mean is derived host-side from the asynchronously mirrored sum,
	// within the same step.
	srv.Add(
		NewReduction("sum", "data", "total", "c = a + b;", "0"),
		NewSetScalar("mean", "mean", "total / n"),
	)
	if err := srv.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := srv.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := getVar(t, reg, "mean").Value().(float32); got != 2 {
		t.Errorf("mean = %v, want 2", got)
	}
}

func TestSetScalarRejectsArraysAndBadExpressions(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Variables()
	reg.RegisterScalar("n", "uint", "4")
	reg.RegisterArray("data", "uint", "n")

	if err := NewSetScalar("bad", "data", "1").Setup(srv); !errors.Is(err, wavecell.ErrInvalidVariableType) {
		t.Errorf("array target error = %v, want ErrInvalidVariableType", err)
	}
	if err := NewSetScalar("bad", "n", "nope +").Setup(srv); !errors.Is(err, wavecell.ErrInvalidConfiguration) {
		t.Errorf("malformed expression error = %v, want ErrInvalidConfiguration", err)
	}
}
