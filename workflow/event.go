package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reelworks/dealflow-go/workflow/store"
)

// EventKind tags one record in an instance's append-only log.
type EventKind string

const (
	// EventInstanceStarted is the first event of every log. Carries the
	// workflow kind, the immutable creation parameters and the optional
	// idempotent client token.
	EventInstanceStarted EventKind = "instance_started"

	// EventStepStarted records that a step body is about to execute.
	EventStepStarted EventKind = "step_started"

	// EventStepSucceeded records a step's memoized output. A step name
	// recorded here is never executed again for this instance.
	EventStepSucceeded EventKind = "step_succeeded"

	// EventStepFailed records retry exhaustion or a non-retryable failure.
	EventStepFailed EventKind = "step_failed"

	// EventWaitStarted records entry into a named external-event wait with
	// an absolute deadline.
	EventWaitStarted EventKind = "wait_started"

	// EventWaitFulfilled records the outcome of a wait: either a consumed
	// mailbox payload or a deadline timeout.
	EventWaitFulfilled EventKind = "wait_fulfilled"

	// EventSleepStarted records entry into a timed sleep.
	EventSleepStarted EventKind = "sleep_started"

	// EventSleepFired records that the sleep's wake time passed.
	EventSleepFired EventKind = "sleep_fired"

	// EventTransitionApplied records a legal domain state transition,
	// optionally patching instance variables.
	EventTransitionApplied EventKind = "transition_applied"

	// EventCompensationApplied records one compensator's completion during
	// a rollback drain.
	EventCompensationApplied EventKind = "compensation_applied"

	// EventExternalEvent records consumption of a mailbox message, for
	// audit. It immediately precedes the matching EventWaitFulfilled.
	EventExternalEvent EventKind = "external_event"

	// EventAbortRequested records an explicit abort. Observed at the next
	// advance, triggering compensation.
	EventAbortRequested EventKind = "abort_requested"

	// EventInstanceCompleted finalizes a successful instance.
	EventInstanceCompleted EventKind = "instance_completed"

	// EventInstanceFailed finalizes a failed or aborted instance with the
	// terminal reason and per-compensator outcomes.
	EventInstanceFailed EventKind = "instance_failed"
)

// Payload types, one per event kind. All payloads are JSON-encoded into
// store.Event.Payload.

// StartedPayload is the EventInstanceStarted payload.
type StartedPayload struct {
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params"`
	Token  string          `json:"token,omitempty"`
}

// StepStartedPayload is the EventStepStarted payload.
type StepStartedPayload struct {
	Name    string `json:"name"`
	Attempt int    `json:"attempt"`
}

// StepSucceededPayload is the EventStepSucceeded payload.
type StepSucceededPayload struct {
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
	// Compensable marks steps that registered a compensator; folding the
	// log pushes their names onto the compensation stack.
	Compensable bool `json:"compensable,omitempty"`
}

// StepFailedPayload is the EventStepFailed payload.
type StepFailedPayload struct {
	Name  string     `json:"name"`
	Error string     `json:"error"`
	Class ErrorClass `json:"class"`
	Code  string     `json:"code,omitempty"`
}

// WaitStartedPayload is the EventWaitStarted payload.
type WaitStartedPayload struct {
	Name     string    `json:"name"`
	Deadline time.Time `json:"deadline"`
}

// WaitFulfilledPayload is the EventWaitFulfilled payload.
type WaitFulfilledPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Timeout bool            `json:"timeout,omitempty"`
}

// SleepStartedPayload is the EventSleepStarted payload.
type SleepStartedPayload struct {
	Name  string    `json:"name"`
	Until time.Time `json:"until"`
}

// SleepFiredPayload is the EventSleepFired payload.
type SleepFiredPayload struct {
	Name string `json:"name"`
}

// TransitionPayload is the EventTransitionApplied payload.
type TransitionPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause"`
	// Vars is merged into the instance's variable map on fold.
	Vars map[string]json.RawMessage `json:"vars,omitempty"`
}

// CompensationPayload is the EventCompensationApplied payload.
type CompensationPayload struct {
	Step  string `json:"step"`
	Error string `json:"error,omitempty"`
}

// ExternalEventPayload is the EventExternalEvent payload.
type ExternalEventPayload struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// AbortPayload is the EventAbortRequested payload.
type AbortPayload struct {
	Reason string `json:"reason"`
}

// FailedPayload is the EventInstanceFailed payload.
type FailedPayload struct {
	Reason   string                `json:"reason"`
	LastStep string                `json:"last_step,omitempty"`
	Outcomes []CompensationOutcome `json:"outcomes,omitempty"`
}

// CompensationOutcome records one compensator's result for status queries.
type CompensationOutcome struct {
	Step  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// eventNamespace seeds deterministic event IDs. An append retried after an
// ambiguous IO failure reproduces the same IDs, letting the log detect
// that the first attempt persisted.
var eventNamespace = uuid.MustParse("9f2c3d44-7b16-4e1a-8c5d-2f0a6b7c8d9e")

// EventID derives the deterministic ID for an event at a given version.
func EventID(instanceID string, version int64, kind EventKind) string {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s:%d:%s", instanceID, version, kind))).String()
}

// newEvent assembles a store.Event for the given target version.
func newEvent(instanceID string, version int64, kind EventKind, payload any, at time.Time) store.Event {
	return store.Event{
		ID:         EventID(instanceID, version, kind),
		InstanceID: instanceID,
		Version:    version,
		Kind:       string(kind),
		Payload:    mustJSON(payload),
		At:         at,
	}
}

// mustJSON marshals a known payload type. All payload types marshal
// without error; a failure here is a programming bug.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("workflow: unmarshalable payload %T: %v", v, err))
	}
	return data
}

// decodePayload unmarshals an event payload into the given type.
func decodePayload[T any](ev store.Event) (T, error) {
	var p T
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, fmt.Errorf("corrupt %s payload at version %d: %w", ev.Kind, ev.Version, err)
	}
	return p, nil
}
