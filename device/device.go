package device

import "sync"

// Backend is implemented by compute backends (CPU, OpenCL, CUDA, ...).
// It is responsible for device discovery and context creation.
type Backend interface {
	Info() BackendInfo
	Available() bool
	Devices() ([]DeviceInfo, error)
	NewContext(deviceIndex int) (Context, error)
}

// Context represents a backend-specific compute context tied to a device.
type Context interface {
	Device() DeviceInfo
	// NewBuffer allocates a device buffer of the given byte size.
	NewBuffer(bytes int) (Buffer, error)
	// NewQueue creates a command queue. Operations enqueued on a queue are
	// ordered only by the explicit wait-lists passed at enqueue time.
	NewQueue() (Queue, error)
	// Compile builds a program and returns one kernel handle per entry
	// point, in the order the entries were requested.
	Compile(prog Program) ([]Kernel, error)
	Close() error
}

// Program is compute-kernel source plus the entry points to extract.
type Program struct {
	Source  string
	Entries []string
	Flags   string
}

// Buffer is a device buffer. The buffer is exclusively owned by whoever
// allocated it; sharing is coordinated through completion events, not locks.
type Buffer interface {
	// Size returns the buffer size in bytes.
	Size() int
	Close() error
}

// Kernel is a callable kernel handle produced by Context.Compile.
type Kernel interface {
	Name() string
	// WorkGroupSize reports the preferred local work size for this kernel.
	WorkGroupSize() int
}

// Queue provides enqueue-and-return-handle semantics. No operation blocks
// the host; ordering between operations is expressed exclusively through
// the wait parameter.
type Queue interface {
	// EnqueueKernel launches a kernel over global work items grouped in
	// local-sized work groups once every event in wait has completed.
	EnqueueKernel(k Kernel, global, local int, wait []Event, args ...any) (Event, error)
	// EnqueueRead copies len(dst) bytes from the buffer at a byte offset
	// into host memory.
	EnqueueRead(b Buffer, offset int, dst []byte, wait []Event) (Event, error)
	// EnqueueWrite copies len(src) bytes from host memory into the buffer
	// at a byte offset.
	EnqueueWrite(b Buffer, offset int, src []byte, wait []Event) (Event, error)
	// EnqueueCopy copies bytes from src to dst device buffers.
	EnqueueCopy(dst, src Buffer, dstOffset, srcOffset, bytes int, wait []Event) (Event, error)
	// EnqueueMarker returns an event that completes exactly when every
	// event in wait has completed. Zero device work is performed.
	EnqueueMarker(wait []Event) (Event, error)
	// NewUserEvent returns an event not tied to any device operation. The
	// host completes or fails it explicitly, releasing any waiters.
	NewUserEvent() (UserEvent, error)
	// Finish blocks until every enqueued operation has completed.
	Finish() error
}

// Event is an opaque completion handle for an enqueued operation.
type Event interface {
	// Done is closed once the operation has completed or failed.
	Done() <-chan struct{}
	// Err reports the completion status. It is meaningful once Done is
	// closed; before that it returns nil.
	Err() error
	// Wait blocks the host until completion and returns the status.
	Wait() error
}

// UserEvent is an Event whose completion is controlled by the host.
type UserEvent interface {
	Event
	Complete()
	Fail(err error)
}

var (
	backendMu sync.RWMutex
	backend   Backend
)

// RegisterBackend registers a compute backend. Passing nil clears the
// backend.
func RegisterBackend(b Backend) {
	backendMu.Lock()
	backend = b
	backendMu.Unlock()
}

// CurrentBackendInfo reports the currently registered backend, if any.
func CurrentBackendInfo() (BackendInfo, bool) {
	b := getBackend()
	if b == nil {
		return BackendInfo{}, false
	}
	return b.Info(), true
}

// Registered returns the registered backend, or ErrNoBackend.
func Registered() (Backend, error) {
	b := getBackend()
	if b == nil {
		return nil, ErrNoBackend
	}
	return b, nil
}

func getBackend() Backend {
	backendMu.RLock()
	b := backend
	backendMu.RUnlock()
	return b
}
