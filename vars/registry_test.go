package vars

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	ctx, err := device.NewCPUBackend().NewContext(0)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return NewRegistry(ctx)
}

func TestRegisterScalar(t *testing.T) {
	reg := newTestRegistry(t)

	n, err := reg.RegisterScalar("n", "uint", "1000")
	if err != nil {
		t.Fatalf("RegisterScalar(n): %v", err)
	}
	if n.IsArray() {
		t.Error("scalar registered as array")
	}
	if got := n.Value().(uint32); got != 1000 {
		t.Errorf("n = %d, want 1000", got)
	}

	// Expressions range over earlier scalars.
	if _, err := reg.RegisterScalar("half", "float", "n / 2"); err != nil {
		t.Fatalf("RegisterScalar(half): %v", err)
	}
	half, _ := reg.Get("half")
	if got := half.Value().(float32); got != 500 {
		t.Errorf("half = %v, want 500", got)
	}

	// Vector values are comma-separated component expressions.
	g, err := reg.RegisterScalar("g", "vec3", "0, -9.81, 0")
	if err != nil {
		t.Fatalf("RegisterScalar(g): %v", err)
	}
	want := device.Vec3{0, -9.81, 0}
	if g.Value().(device.Vec3) != want {
		t.Errorf("g = %v, want %v", g.Value(), want)
	}
}

func TestRegisterArray(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.RegisterScalar("nbuffer", "uint", "100"); err != nil {
		t.Fatal(err)
	}

	pos, err := reg.RegisterArray("pos", "vec3", "nbuffer * 1.5")
	if err != nil {
		t.Fatalf("RegisterArray: %v", err)
	}
	if pos.Len() != 150 {
		t.Errorf("Len() = %d, want 150", pos.Len())
	}
	if pos.Buffer() == nil || pos.Buffer().Size() != 150*12 {
		t.Errorf("buffer size = %d, want %d", pos.Buffer().Size(), 150*12)
	}

	// Re-registering with the same length is a no-op returning the same
	// variable; a different length reallocates.
	again, err := reg.RegisterArray("pos", "vec3", "150")
	if err != nil || again != pos {
		t.Fatalf("re-register same length = (%v, %v), want original", again, err)
	}
	buf := pos.Buffer()
	if _, err := reg.RegisterArray("pos", "vec3", "200"); err != nil {
		t.Fatalf("re-register grown: %v", err)
	}
	if pos.Len() != 200 || pos.Buffer() == buf {
		t.Error("grown array kept its old buffer")
	}

	if _, err := reg.RegisterArray("pos", "uint", "200"); !errors.Is(err, wavecell.ErrInvalidVariableType) {
		t.Errorf("kind change error = %v, want ErrInvalidVariableType", err)
	}
	if _, err := reg.RegisterArray("bad", "uint", "0"); !errors.Is(err, wavecell.ErrInvalidVariableLength) {
		t.Errorf("zero length error = %v, want ErrInvalidVariableLength", err)
	}
}

func TestRegisterArrayDrainsHazardsBeforeRelease(t *testing.T) {
	device.RegisterKernel("readFirst", func(args []any, global, local int) error {
		_ = device.View[uint32](args[0].(device.Buffer))[0]
		return nil
	})

	reg := newTestRegistry(t)
	reg.RegisterScalar("n", "uint", "8")
	v, err := reg.RegisterArray("data", "uint", "n")
	if err != nil {
		t.Fatal(err)
	}

	queue, err := reg.Context().NewQueue()
	if err != nil {
		t.Fatal(err)
	}
	kernels, err := reg.Context().Compile(device.Program{Entries: []string{"readFirst"}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// A gated kernel still reading the old buffer must hold off the
	// reallocation; releasing the buffer under it would be undefined.
	gate, err := queue.NewUserEvent()
	if err != nil {
		t.Fatal(err)
	}
	read, err := queue.EnqueueKernel(kernels[0], 128, 128,
		[]device.Event{gate}, v.Buffer())
	if err != nil {
		t.Fatalf("EnqueueKernel: %v", err)
	}
	v.AddReadingEvent(read)

	done := make(chan error, 1)
	go func() {
		_, err := reg.RegisterArray("data", "uint", "16")
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("re-registration did not wait for the in-flight reader")
	case <-time.After(20 * time.Millisecond):
	}

	gate.Complete()
	if err := <-done; err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if err := read.Wait(); err != nil {
		t.Fatalf("in-flight kernel: %v", err)
	}
	if v.Len() != 16 {
		t.Errorf("Len() = %d, want 16", v.Len())
	}
}

func TestGetErrors(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Get("missing"); !errors.Is(err, wavecell.ErrUndeclaredVariable) {
		t.Errorf("Get(missing) = %v, want ErrUndeclaredVariable", err)
	}

	reg.RegisterScalar("s", "float", "1")
	if _, err := reg.GetArray("s", device.TypeFloat32); !errors.Is(err, wavecell.ErrInvalidVariableType) {
		t.Errorf("GetArray(scalar) = %v, want ErrInvalidVariableType", err)
	}
	reg.RegisterScalar("n", "uint", "4")
	reg.RegisterArray("a", "vec2", "n")
	if _, err := reg.GetArray("a", device.TypeUint32); !errors.Is(err, wavecell.ErrInvalidVariableType) {
		t.Errorf("GetArray kind mismatch = %v, want ErrInvalidVariableType", err)
	}
	if _, err := reg.GetArray("a", device.TypeInvalid); err != nil {
		t.Errorf("GetArray kind skip: %v", err)
	}
}

func TestEvalVectorComponents(t *testing.T) {
	reg := newTestRegistry(t)
	reg.RegisterScalar("r_min", "vec2", "1.5, -3")
	got, err := reg.EvalFloat("r_min_x - r_min_y")
	if err != nil {
		t.Fatalf("EvalFloat: %v", err)
	}
	if got != 4.5 {
		t.Errorf("r_min_x - r_min_y = %v, want 4.5", got)
	}

	// EvalInt rounds up, so headroom factors never truncate.
	reg.RegisterScalar("n", "uint", "10")
	if got, _ := reg.EvalInt("n * 1.01"); got != 11 {
		t.Errorf("EvalInt(n*1.01) = %d, want 11", got)
	}
}

func TestSetValueTypeCheck(t *testing.T) {
	reg := newTestRegistry(t)
	v, _ := reg.RegisterScalar("x", "float", "")
	if err := v.SetValue(float32(2)); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := v.SetValue(int32(2)); !errors.Is(err, wavecell.ErrInvalidVariableType) {
		t.Errorf("SetValue wrong type = %v, want ErrInvalidVariableType", err)
	}
}

func TestHazardTracking(t *testing.T) {
	reg := newTestRegistry(t)
	reg.RegisterScalar("n", "uint", "8")
	v, _ := reg.RegisterArray("data", "uint", "n")

	ctx := reg.Context()
	queue, _ := ctx.NewQueue()
	w1, _ := queue.NewUserEvent()
	r1, _ := queue.NewUserEvent()
	r2, _ := queue.NewUserEvent()

	v.SetWritingEvent(w1)
	v.AddReadingEvent(r1)
	v.AddReadingEvent(r2)
	v.AddReadingEvent(r2) // deduplicated

	if got := v.ReadWaitList(); len(got) != 1 || got[0] != device.Event(w1) {
		t.Errorf("ReadWaitList = %v, want [writer]", got)
	}
	if got := v.WriteWaitList(); len(got) != 3 {
		t.Errorf("WriteWaitList has %d events, want 3", len(got))
	}

	// A new writer supersedes the readers it happens-after.
	w2, _ := queue.NewUserEvent()
	v.SetWritingEvent(w2)
	if got := v.WriteWaitList(); len(got) != 1 || got[0] != device.Event(w2) {
		t.Errorf("WriteWaitList after new writer = %v, want [w2]", got)
	}
	for _, ev := range []device.UserEvent{w1, r1, r2, w2} {
		ev.Complete()
	}
}

func TestSetBufferRequiresReallocatable(t *testing.T) {
	reg := newTestRegistry(t)
	reg.RegisterScalar("n", "uint", "8")
	v, _ := reg.RegisterArray("data", "uint", "n")

	buf, _ := reg.Context().NewBuffer(16 * 4)
	if _, err := v.SetBuffer(buf, 16); !errors.Is(err, wavecell.ErrInvalidConfiguration) {
		t.Fatalf("SetBuffer without realloc = %v, want ErrInvalidConfiguration", err)
	}
	v.SetReallocatable(true)
	old, err := v.SetBuffer(buf, 16)
	if err != nil {
		t.Fatalf("SetBuffer: %v", err)
	}
	if old == nil || v.Len() != 16 || v.Buffer() != buf {
		t.Error("SetBuffer did not install the new buffer")
	}
	old.Close()
}

func TestSetBufferConcurrent(t *testing.T) {
	reg := newTestRegistry(t)
	reg.RegisterScalar("n", "uint", "8")
	v, _ := reg.RegisterArray("data", "uint", "n")
	v.SetReallocatable(true)
	first := v.Buffer()

	bufs := make([]device.Buffer, 2)
	olds := make([]device.Buffer, 2)
	var wg sync.WaitGroup
	for i := range bufs {
		bufs[i], _ = reg.Context().NewBuffer(16 * 4)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			old, err := v.SetBuffer(bufs[i], 16)
			if err != nil {
				t.Errorf("SetBuffer: %v", err)
			}
			olds[i] = old
		}(i)
	}
	wg.Wait()

	// The two swaps serialize: each previous buffer is handed back exactly
	// once, and the survivor is one of the replacements.
	if olds[0] == olds[1] {
		t.Error("same buffer returned from both swaps")
	}
	if olds[0] != first && olds[1] != first {
		t.Error("original buffer never handed back")
	}
	if got := v.Buffer(); got != bufs[0] && got != bufs[1] {
		t.Error("neither replacement buffer installed")
	}
}
