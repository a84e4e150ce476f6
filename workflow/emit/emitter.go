package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down an instance advance
//   - Thread-safe: advances run concurrently across instances
//   - Resilient: a failing backend must not crash the runtime
//
// Emit must not panic; backend errors are handled internally.
type Emitter interface {
	Emit(event Event)
}

// Multi fans an event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
