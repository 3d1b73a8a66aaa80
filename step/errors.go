package step

import "errors"

// ErrObjectDestroyed is recorded on the execution state when the distributed
// object an operation targets no longer exists at a step boundary. This is
// the race where a destroy runs on the partition thread while an offloaded
// step of the same operation is queued or in flight.
var ErrObjectDestroyed = errors.New("distributed object destroyed")

// ErrResourceExhausted marks out-of-memory conditions raised by a step.
// Record stores wrap it when the memory budget is exceeded. On a partition
// thread the driver hands such failures to the forced-eviction retrier.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrPreconditionsNotMet is passed to a PreconditionObserver when the
// health/timeout gate rejects an operation before its first step.
var ErrPreconditionsNotMet = errors.New("operation preconditions not met")

// ErrOperationTimeout is reported by the gate when an operation's deadline
// elapsed before it started stepping.
var ErrOperationTimeout = errors.New("operation timed out before execution")

// ErrAffinityViolation is returned when a unit of work executes in the wrong
// execution context (an affine unit off its partition thread, or an offload
// unit on a partition thread).
var ErrAffinityViolation = errors.New("thread affinity violated")

// ErrUnknownExecutor is reported by schedulers that cannot route an offload
// unit to the executor it names.
var ErrUnknownExecutor = errors.New("unknown offload executor")

// EngineError represents a construction or validation error of the engine.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// StepError represents a failure raised while running a step.
type StepError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code, e.g. "STEP_PANIC".
	Code string

	// Step identifies which step produced this error.
	Step string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Step != "" {
		return "step " + e.Step + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *StepError) Unwrap() error {
	return e.Cause
}
