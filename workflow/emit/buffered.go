package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// instance ID. It exists for tests, debugging and post-run analysis.
//
// All events are retained until cleared; production deployments with high
// event volume should prefer LogEmitter or OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects events from a buffered history. Empty fields match
// everything; set fields combine with AND.
type HistoryFilter struct {
	Step       string
	Msg        string
	MinVersion int64
	MaxVersion int64 // zero = no upper bound
}

// NewBufferedEmitter creates an empty in-memory emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// History returns a copy of all events emitted for an instance, in
// emission order.
func (b *BufferedEmitter) History(instanceID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[instanceID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the instance's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[instanceID] {
		if filter.Step != "" && event.Step != filter.Step {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		if event.Version < filter.MinVersion {
			continue
		}
		if filter.MaxVersion > 0 && event.Version > filter.MaxVersion {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events for one instance, or every instance when
// instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instanceID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, instanceID)
	}
}
