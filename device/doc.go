// Package device abstracts the heterogeneous-compute collaborator of the
// simulation engine: kernel compilation, device buffers, and a command
// queue with enqueue-and-return-handle semantics.
//
// Operations enqueued on a Queue never block the host. Ordering between
// operations is expressed exclusively through completion Events passed in
// wait-lists, so independent operations may overlap. The CPU backend is a
// complete implementation used by the test suite; OpenCL and CUDA backends
// are build-tag stubs.
package device
