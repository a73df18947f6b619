package device

import "errors"

var (
	// ErrNoBackend is returned when no compute backend is registered.
	ErrNoBackend = errors.New("wavecell/device: no backend registered")

	// ErrBackendUnavailable is returned when the backend is registered but
	// not available on the current system (e.g. no device, driver missing).
	ErrBackendUnavailable = errors.New("wavecell/device: backend unavailable")

	// ErrNotImplemented is returned by stubbed operations.
	ErrNotImplemented = errors.New("wavecell/device: not implemented")

	// ErrAllocation is returned when a device buffer cannot be allocated.
	ErrAllocation = errors.New("wavecell/device: allocation failure")

	// ErrUnknownKernel is returned when a program entry point cannot be
	// resolved.
	ErrUnknownKernel = errors.New("wavecell/device: unknown kernel entry")

	// ErrUnknownType is returned for a type name outside the closed type
	// surface.
	ErrUnknownType = errors.New("wavecell/device: unknown data type")

	// ErrInvalidWorkSize is returned for a non-positive global or local
	// work size, or a global size not divisible into local groups.
	ErrInvalidWorkSize = errors.New("wavecell/device: invalid work size")

	// ErrOutOfRange is returned when a buffer transfer exceeds the buffer
	// bounds.
	ErrOutOfRange = errors.New("wavecell/device: transfer out of range")

	// ErrDependencyFailed is reported by an event whose wait-set contains
	// a failed event.
	ErrDependencyFailed = errors.New("wavecell/device: dependency failed")
)
