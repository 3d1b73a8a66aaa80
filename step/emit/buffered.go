package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped by
// operation ID.
//
// It is meant for development, tests and post-mortem inspection of a
// handful of operations. Every event is kept until Clear is called, so it is
// not suitable for long-running production nodes.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	d, _ := step.NewDriver(op, step.WithEmitter(emitter))
//	// ... drive d to completion ...
//	errs := emitter.GetHistoryWithFilter(opID, emit.HistoryFilter{Msg: "step_error"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // opID -> events
}

// HistoryFilter specifies criteria for filtering history. All set fields
// must match (AND logic).
type HistoryFilter struct {
	Step   string // Filter by step name (empty = no filter)
	Msg    string // Filter by message (empty = no filter)
	MinSeq *int   // Minimum unit sequence number (nil = no filter)
	MaxSeq *int   // Maximum unit sequence number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.OpID] = append(b.events[event.OpID], event)
}

// GetHistory returns a copy of all events for opID in emission order.
// Returns an empty slice if none exist.
func (b *BufferedEmitter) GetHistory(opID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[opID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns the events for opID that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(opID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[opID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

// Ops returns the IDs of every operation with recorded events.
func (b *BufferedEmitter) Ops() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.events))
	for id := range b.events {
		ids = append(ids, id)
	}
	return ids
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Step != "" && event.Step != filter.Step {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSeq != nil && event.Seq < *filter.MinSeq {
		return false
	}
	if filter.MaxSeq != nil && event.Seq > *filter.MaxSeq {
		return false
	}
	return true
}

// Clear removes stored events. An empty opID clears every operation.
func (b *BufferedEmitter) Clear(opID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if opID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, opID)
}
