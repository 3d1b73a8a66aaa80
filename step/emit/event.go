// Package emit provides event emission and observability for step execution.
package emit

// Event represents an observability event emitted while an operation is
// being stepped through its chain.
//
// Events give insight into:
//   - Step start/end and the execution context each unit ran in
//   - Failures captured on the execution state
//   - Forced-eviction retries
//   - Preconditions rejections and destroyed-object aborts
type Event struct {
	// OpID identifies the in-flight operation that emitted this event.
	OpID string

	// Seq is the sequential unit number within the operation (1-indexed).
	// Zero for operation-level events (aborts, terminal).
	Seq int

	// Step is the name of the step the event refers to.
	// Empty string for operation-level events.
	Step string

	// Msg is a short, machine-friendly description of the event
	// (e.g. "step_start", "step_error").
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "partition_id": Target partition
	//   - "kind": "affine" or "offload"
	//   - "executor": Offload executor name
	//   - "duration_ms": Step duration as a time.Duration (exported in ms)
	//   - "error": Error text
	Meta map[string]interface{}
}
