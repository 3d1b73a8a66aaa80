package emit

// Emitter receives and processes observability events from step execution.
//
// Implementations should be:
//   - Non-blocking: affine steps run on a partition thread and must stay short
//   - Thread-safe: units of different operations run in parallel
//   - Resilient: a failing backend must never fail an operation
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
