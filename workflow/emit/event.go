// Package emit provides pluggable observability for the workflow runtime.
//
// The scheduler, step executor and compensator publish structured events
// through an Emitter at every significant point: advance start/end, step
// attempts and outcomes, waits, sleeps, transitions, compensation, and
// dropped deliveries. Implementations route those events to logs,
// OpenTelemetry spans, or in-memory buffers for tests.
package emit

// Event is one observability record emitted during workflow execution.
type Event struct {
	// InstanceID identifies the workflow instance that emitted this event.
	InstanceID string `json:"instance_id"`

	// Version is the instance's log version when the event was emitted.
	// Zero for events emitted before the first append.
	Version int64 `json:"version"`

	// Step names the workflow step involved, if any.
	Step string `json:"step,omitempty"`

	// Msg is a short machine-friendly event name, e.g. "advance_start",
	// "step_retry", "wait_timeout", "transition", "delivery_dropped".
	Msg string `json:"msg"`

	// Meta carries additional structured data. Common keys: "error",
	// "attempt", "from", "to", "event", "duration_ms", "reason".
	Meta map[string]interface{} `json:"meta,omitempty"`
}
