package device

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// KernelFunc is the host implementation of a kernel entry point on the CPU
// backend. It receives the bound arguments and the ND-range; work-group
// semantics (one partial result per group, etc.) are the kernel's own
// responsibility.
type KernelFunc func(args []any, global, local int) error

var (
	kernelMu       sync.RWMutex
	kernelRegistry = map[string]KernelFunc{}
)

// RegisterKernel binds a CPU implementation to a kernel entry-point name.
// The CPU backend resolves Compile entries against this registry; the
// program source text is carried for real device backends and ignored here.
func RegisterKernel(name string, fn KernelFunc) {
	kernelMu.Lock()
	kernelRegistry[name] = fn
	kernelMu.Unlock()
}

func lookupKernel(name string) (KernelFunc, bool) {
	kernelMu.RLock()
	fn, ok := kernelRegistry[name]
	kernelMu.RUnlock()
	return fn, ok
}

// CPUBackend executes kernels on the host. Enqueued operations run on their
// own goroutines ordered only by their wait-lists, so the backend exhibits
// the same overlap and hazard behavior as a hardware command queue.
type CPUBackend struct {
	device DeviceInfo
}

// NewCPUBackend returns a CPU backend describing the host as its single
// device.
func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		device: DeviceInfo{
			Name:   "CPU",
			Vendor: "wavecell",
			Driver: runtime.Version(),
			Cores:  runtime.NumCPU(),
			SIMD:   simdLabel(),
		},
	}
}

// RegisterCPUBackend registers the CPU backend as the active backend.
func RegisterCPUBackend() {
	RegisterBackend(NewCPUBackend())
}

func simdLabel() string {
	switch {
	case cpu.X86.HasAVX512F:
		return "avx512"
	case cpu.X86.HasAVX2:
		return "avx2"
	case cpu.X86.HasSSE2:
		return "sse2"
	case cpu.ARM64.HasASIMD:
		return "neon"
	}
	return "scalar"
}

func (b *CPUBackend) Info() BackendInfo {
	return BackendInfo{
		Name:        "cpu",
		Version:     "1",
		Description: "host-backed compute backend",
	}
}

func (b *CPUBackend) Available() bool { return true }

func (b *CPUBackend) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{b.device}, nil
}

func (b *CPUBackend) NewContext(deviceIndex int) (Context, error) {
	if deviceIndex != 0 {
		return nil, fmt.Errorf("cpu backend: device index %d out of range", deviceIndex)
	}
	return &cpuContext{device: b.device}, nil
}

type cpuContext struct {
	device DeviceInfo
}

func (c *cpuContext) Device() DeviceInfo { return c.device }

func (c *cpuContext) NewBuffer(bytes int) (Buffer, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrAllocation, bytes)
	}
	return &cpuBuffer{data: make([]byte, bytes)}, nil
}

func (c *cpuContext) NewQueue() (Queue, error) {
	return &cpuQueue{}, nil
}

func (c *cpuContext) Compile(prog Program) ([]Kernel, error) {
	kernels := make([]Kernel, 0, len(prog.Entries))
	for _, entry := range prog.Entries {
		fn, ok := lookupKernel(entry)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKernel, entry)
		}
		kernels = append(kernels, &cpuKernel{name: entry, fn: fn})
	}
	return kernels, nil
}

func (c *cpuContext) Close() error { return nil }

type cpuBuffer struct {
	data []byte
}

func (b *cpuBuffer) Size() int { return len(b.data) }

func (b *cpuBuffer) Close() error {
	b.data = nil
	return nil
}

// Bytes exposes the raw storage of a CPU buffer. It is only valid for
// buffers allocated by the CPU backend.
func Bytes(b Buffer) ([]byte, error) {
	cb, ok := b.(*cpuBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: foreign buffer", ErrNotImplemented)
	}
	return cb.data, nil
}

// View reinterprets a CPU buffer as a typed slice. Kernel implementations
// use it to address device memory the way device code addresses global
// memory.
func View[T any](b Buffer) []T {
	cb, ok := b.(*cpuBuffer)
	if !ok || len(cb.data) == 0 {
		return nil
	}
	var zero T
	n := len(cb.data) / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(&cb.data[0])), n)
}

// HostBytes reinterprets a typed host slice as raw bytes for buffer
// transfers.
func HostBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

type cpuKernel struct {
	name string
	fn   KernelFunc
}

func (k *cpuKernel) Name() string { return k.name }

// WorkGroupSize reports the local work size the backend prefers. 128 keeps
// reduction pass counts comparable to typical device work-group sizes.
func (k *cpuKernel) WorkGroupSize() int { return 128 }

type cpuQueue struct {
	wg sync.WaitGroup
}

func (q *cpuQueue) submit(wait []Event, op func() error) Event {
	ev := newCPUEvent()
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := waitAll(wait); err != nil {
			ev.settle(err)
			return
		}
		ev.settle(op())
	}()
	return ev
}

func waitAll(wait []Event) error {
	for _, ev := range wait {
		if ev == nil {
			continue
		}
		<-ev.Done()
		if err := ev.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrDependencyFailed, err)
		}
	}
	return nil
}

func (q *cpuQueue) EnqueueKernel(k Kernel, global, local int, wait []Event, args ...any) (Event, error) {
	ck, ok := k.(*cpuKernel)
	if !ok {
		return nil, ErrNotImplemented
	}
	if global < 0 || local <= 0 || global%local != 0 {
		return nil, fmt.Errorf("%w: global=%d local=%d", ErrInvalidWorkSize, global, local)
	}
	if global == 0 {
		// An empty range completes once its dependencies do.
		return q.submit(wait, func() error { return nil }), nil
	}
	return q.submit(wait, func() error {
		return ck.fn(args, global, local)
	}), nil
}

func (q *cpuQueue) EnqueueRead(b Buffer, offset int, dst []byte, wait []Event) (Event, error) {
	data, err := Bytes(b)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+len(dst) > len(data) {
		return nil, fmt.Errorf("%w: read [%d,%d) of %d", ErrOutOfRange, offset, offset+len(dst), len(data))
	}
	return q.submit(wait, func() error {
		copy(dst, data[offset:offset+len(dst)])
		return nil
	}), nil
}

func (q *cpuQueue) EnqueueWrite(b Buffer, offset int, src []byte, wait []Event) (Event, error) {
	data, err := Bytes(b)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+len(src) > len(data) {
		return nil, fmt.Errorf("%w: write [%d,%d) of %d", ErrOutOfRange, offset, offset+len(src), len(data))
	}
	return q.submit(wait, func() error {
		copy(data[offset:offset+len(src)], src)
		return nil
	}), nil
}

func (q *cpuQueue) EnqueueCopy(dst, src Buffer, dstOffset, srcOffset, bytes int, wait []Event) (Event, error) {
	dstData, err := Bytes(dst)
	if err != nil {
		return nil, err
	}
	srcData, err := Bytes(src)
	if err != nil {
		return nil, err
	}
	if srcOffset < 0 || srcOffset+bytes > len(srcData) ||
		dstOffset < 0 || dstOffset+bytes > len(dstData) {
		return nil, fmt.Errorf("%w: copy %d bytes", ErrOutOfRange, bytes)
	}
	return q.submit(wait, func() error {
		copy(dstData[dstOffset:dstOffset+bytes], srcData[srcOffset:srcOffset+bytes])
		return nil
	}), nil
}

func (q *cpuQueue) EnqueueMarker(wait []Event) (Event, error) {
	return q.submit(wait, func() error { return nil }), nil
}

func (q *cpuQueue) NewUserEvent() (UserEvent, error) {
	return &cpuUserEvent{cpuEvent: newCPUEvent()}, nil
}

func (q *cpuQueue) Finish() error {
	q.wg.Wait()
	return nil
}

type cpuEvent struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCPUEvent() *cpuEvent {
	return &cpuEvent{done: make(chan struct{})}
}

func (e *cpuEvent) settle(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

func (e *cpuEvent) Done() <-chan struct{} { return e.done }

func (e *cpuEvent) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

func (e *cpuEvent) Wait() error {
	<-e.done
	return e.err
}

type cpuUserEvent struct {
	*cpuEvent
}

func (e *cpuUserEvent) Complete()      { e.settle(nil) }
func (e *cpuUserEvent) Fail(err error) { e.settle(err) }
