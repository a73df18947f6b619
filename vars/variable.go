package vars

import (
	"fmt"
	"sync"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
)

// Variable is a typed, named handle to scalar or array simulation state.
//
// Array variables own exactly one device buffer, replaced wholesale on
// reallocation. Scalar variables carry a host-side value which doubles as
// the asynchronously populated mirror of device-side results.
//
// Every variable records the completion event of its most recent writer and
// the events of its outstanding readers. Tools derive their wait-sets from
// these: a reader waits for the writer, a writer waits for the prior writer
// and all prior readers. Installing a new writer clears the reader set, so
// at most one writer event is outstanding at any instant.
type Variable struct {
	name    string
	dtype   device.DataType
	array   bool
	realloc bool

	mu      sync.Mutex
	length  int
	buf     device.Buffer
	value   any
	writer  device.Event
	readers []device.Event
}

func newScalar(name string, dtype device.DataType, value any) *Variable {
	return &Variable{name: name, dtype: dtype, value: value}
}

func newArray(name string, dtype device.DataType, length int, buf device.Buffer) *Variable {
	return &Variable{name: name, dtype: dtype, array: true, length: length, buf: buf}
}

func (v *Variable) Name() string          { return v.name }
func (v *Variable) Type() device.DataType { return v.dtype }
func (v *Variable) IsArray() bool         { return v.array }

// Len returns the element count of an array variable, or 1 for scalars.
func (v *Variable) Len() int {
	if !v.array {
		return 1
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.length
}

// Buffer returns the device buffer backing an array variable.
func (v *Variable) Buffer() device.Buffer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf
}

// Reallocatable reports whether the variable may be reallocated mid-run.
func (v *Variable) Reallocatable() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.realloc
}

// SetReallocatable marks an array variable as allowed to grow mid-run.
func (v *Variable) SetReallocatable(ok bool) {
	v.mu.Lock()
	v.realloc = ok
	v.mu.Unlock()
}

// SetBuffer installs a replacement device buffer. The caller must have
// drained all outstanding hazards first; the previous buffer is returned so
// it can be released once no longer referenced.
func (v *Variable) SetBuffer(buf device.Buffer, length int) (device.Buffer, error) {
	if !v.array {
		return nil, fmt.Errorf("%w: %q is a scalar", wavecell.ErrInvalidVariableType, v.name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.realloc && v.buf != nil {
		return nil, fmt.Errorf("%w: %q is not reallocatable", wavecell.ErrInvalidConfiguration, v.name)
	}
	old := v.buf
	v.buf = buf
	v.length = length
	return old, nil
}

// Value returns the host value of a scalar variable. For scalars mirrored
// from device results the value is best effort until the writer event has
// completed.
func (v *Variable) Value() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// SetValue stores the host value of a scalar variable. It is safe to call
// from completion callbacks running off the pipeline thread.
func (v *Variable) SetValue(val any) error {
	if v.array {
		return fmt.Errorf("%w: %q is an array", wavecell.ErrInvalidVariableType, v.name)
	}
	want := v.dtype.Zero()
	if fmt.Sprintf("%T", val) != fmt.Sprintf("%T", want) {
		return fmt.Errorf("%w: %q holds %T, got %T",
			wavecell.ErrInvalidVariableType, v.name, want, val)
	}
	v.mu.Lock()
	v.value = val
	v.mu.Unlock()
	return nil
}

// SetWritingEvent installs ev as the single outstanding writer and clears
// the reader set, which ev must already happen-after.
func (v *Variable) SetWritingEvent(ev device.Event) {
	v.mu.Lock()
	v.writer = ev
	v.readers = v.readers[:0]
	v.mu.Unlock()
}

// WritingEvent returns the most recent writer event, or nil.
func (v *Variable) WritingEvent() device.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writer
}

// AddReadingEvent records an outstanding reader of the variable.
func (v *Variable) AddReadingEvent(ev device.Event) {
	if ev == nil {
		return
	}
	v.mu.Lock()
	for _, r := range v.readers {
		if r == ev {
			v.mu.Unlock()
			return
		}
	}
	v.readers = append(v.readers, ev)
	v.mu.Unlock()
}

// ReadingEvents returns a copy of the outstanding reader events.
func (v *Variable) ReadingEvents() []device.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]device.Event, len(v.readers))
	copy(out, v.readers)
	return out
}

// ReadWaitList returns the events a reader of this variable must wait for.
func (v *Variable) ReadWaitList() []device.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.writer == nil {
		return nil
	}
	return []device.Event{v.writer}
}

// WriteWaitList returns the events a writer of this variable must wait
// for: the prior writer plus every outstanding reader (write-after-read).
func (v *Variable) WriteWaitList() []device.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]device.Event, 0, len(v.readers)+1)
	if v.writer != nil {
		out = append(out, v.writer)
	}
	out = append(out, v.readers...)
	return out
}
