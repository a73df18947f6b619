package wavecell

import "errors"

// Sentinel errors shared across the engine. All of them are unrecoverable
// for the current run: they signal a logic or resource-exhaustion defect,
// not a transient fault.
var (
	// ErrUndeclaredVariable is returned when a tool or expression asks for
	// a variable name that was never registered.
	ErrUndeclaredVariable = errors.New("wavecell: undeclared variable")

	// ErrInvalidVariableType is returned when a variable has the wrong
	// element kind, e.g. a scalar used where an array is expected, or
	// mismatched input/output types.
	ErrInvalidVariableType = errors.New("wavecell: invalid variable type")

	// ErrInvalidVariableLength is returned when an array is shorter than a
	// required bound.
	ErrInvalidVariableLength = errors.New("wavecell: invalid variable length")

	// ErrDeviceExecution is returned when a kernel launch, buffer transfer
	// or event wait fails at the device level.
	ErrDeviceExecution = errors.New("wavecell: device execution failure")

	// ErrInvalidConfiguration is returned for configuration defects such
	// as a zero cell size, an unrecognized exchange type, or a bad
	// variable-length expression.
	ErrInvalidConfiguration = errors.New("wavecell: invalid configuration")
)
