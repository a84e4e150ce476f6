package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/reelworks/dealflow-go/workflow/store"
)

// Kind identifies one of the three first-class workflow state machines.
type Kind string

const (
	KindInvestment Kind = "investment"
	KindProduction Kind = "production"
	KindNDA        Kind = "nda"
)

// Status is the runtime status of a workflow instance.
type Status string

const (
	StatusRunnable     Status = "runnable"
	StatusWaiting      Status = "waiting"
	StatusSleeping     Status = "sleeping"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status accepts no further advances.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WaitDescriptor describes the instance's single outstanding suspension:
// either a named external-event wait or a timed sleep. At most one is
// outstanding per instance.
type WaitDescriptor struct {
	// Name is the awaited event name, or the sleep's name.
	Name string `json:"name,omitempty"`

	// Deadline is the wait's hard deadline, or the wake time for sleeps.
	Deadline time.Time `json:"deadline"`

	// Sleep distinguishes timed sleeps from event waits.
	Sleep bool `json:"sleep,omitempty"`
}

// WaitResult is the recorded outcome of a completed wait.
type WaitResult struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Timeout bool            `json:"timeout,omitempty"`
	Version int64           `json:"version"`
}

// InstanceState is the full derived state of one workflow instance: the
// fold of its event log onto the zero state. Rebuilding from version 0
// always produces an identical value (replay determinism).
//
// InstanceState is what snapshots serialize. Everything in it is derived
// from events; nothing is written to it directly.
type InstanceState struct {
	InstanceID string          `json:"instance_id"`
	Kind       Kind            `json:"kind"`
	Params     json.RawMessage `json:"params"`
	Token      string          `json:"token,omitempty"`
	Version    int64           `json:"version"`

	// State is the current domain state name (registry vocabulary).
	State string `json:"state"`

	// Status is derived: Waiting/Sleeping while a wait is outstanding,
	// Compensating after an abort or fatal failure, terminal after a
	// finalizing event, Runnable otherwise.
	Status Status `json:"status"`

	// Memo caches step outputs by step name. A name present here is never
	// re-executed; replays and retries return the cached output.
	Memo map[string]json.RawMessage `json:"memo,omitempty"`

	// Wait is the outstanding suspension, if any.
	Wait *WaitDescriptor `json:"wait,omitempty"`

	// WaitResults holds the latest completed result per wait name.
	WaitResults map[string]WaitResult `json:"wait_results,omitempty"`

	// CompStack is the LIFO compensation stack: names of compensable
	// steps in registration order (drained from the tail).
	CompStack []string `json:"comp_stack,omitempty"`

	// Compensated marks compensators that already ran, so a crash mid-
	// drain resumes where it left off.
	Compensated map[string]bool `json:"compensated,omitempty"`

	// Vars is the domain variable map, patched by TransitionApplied
	// events (agreed amounts, counter rounds, risk scores).
	Vars map[string]json.RawMessage `json:"vars,omitempty"`

	// Aborting is set once an abort was requested and not yet finalized.
	Aborting    bool   `json:"aborting,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`

	// LastError is the message of the most recent step failure.
	LastError string `json:"last_error,omitempty"`

	// FailedStep is the step name of the most recent step failure.
	FailedStep string `json:"failed_step,omitempty"`

	// TerminalReason is the reason recorded by the finalizing event.
	TerminalReason string `json:"terminal_reason,omitempty"`

	// Outcomes lists per-compensator results after a drain.
	Outcomes []CompensationOutcome `json:"outcomes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewInstanceState returns the zero state for an instance.
func NewInstanceState(instanceID string) *InstanceState {
	return &InstanceState{
		InstanceID:  instanceID,
		Status:      StatusRunnable,
		Memo:        make(map[string]json.RawMessage),
		WaitResults: make(map[string]WaitResult),
		Compensated: make(map[string]bool),
		Vars:        make(map[string]json.RawMessage),
	}
}

// Apply folds one event into the state. Events must be applied in version
// order with no gaps.
func (s *InstanceState) Apply(ev store.Event) error {
	if ev.Version != s.Version+1 {
		return Fatal("LOG_GAP", "event version %d after state version %d", ev.Version, s.Version)
	}
	s.Version = ev.Version

	switch EventKind(ev.Kind) {
	case EventInstanceStarted:
		p, err := decodePayload[StartedPayload](ev)
		if err != nil {
			return err
		}
		s.Kind = p.Kind
		s.Params = p.Params
		s.Token = p.Token
		s.CreatedAt = ev.At

	case EventStepStarted:
		// Progress marker only; memoization keys off EventStepSucceeded.

	case EventStepSucceeded:
		p, err := decodePayload[StepSucceededPayload](ev)
		if err != nil {
			return err
		}
		s.Memo[p.Name] = p.Output
		if p.Compensable {
			s.CompStack = append(s.CompStack, p.Name)
		}

	case EventStepFailed:
		p, err := decodePayload[StepFailedPayload](ev)
		if err != nil {
			return err
		}
		s.LastError = p.Error
		s.FailedStep = p.Name

	case EventWaitStarted:
		p, err := decodePayload[WaitStartedPayload](ev)
		if err != nil {
			return err
		}
		s.Wait = &WaitDescriptor{Name: p.Name, Deadline: p.Deadline}

	case EventWaitFulfilled:
		p, err := decodePayload[WaitFulfilledPayload](ev)
		if err != nil {
			return err
		}
		s.Wait = nil
		s.WaitResults[p.Name] = WaitResult{Payload: p.Payload, Timeout: p.Timeout, Version: ev.Version}

	case EventSleepStarted:
		p, err := decodePayload[SleepStartedPayload](ev)
		if err != nil {
			return err
		}
		s.Wait = &WaitDescriptor{Name: p.Name, Deadline: p.Until, Sleep: true}

	case EventSleepFired:
		p, err := decodePayload[SleepFiredPayload](ev)
		if err != nil {
			return err
		}
		s.Wait = nil
		// A completed sleep is recorded like a timed-out wait so machines
		// can tell "slept already" from "not yet slept" on replay.
		s.WaitResults[p.Name] = WaitResult{Timeout: true, Version: ev.Version}

	case EventTransitionApplied:
		p, err := decodePayload[TransitionPayload](ev)
		if err != nil {
			return err
		}
		s.State = p.To
		for k, v := range p.Vars {
			s.Vars[k] = v
		}

	case EventCompensationApplied:
		p, err := decodePayload[CompensationPayload](ev)
		if err != nil {
			return err
		}
		s.Compensated[p.Step] = true
		s.Outcomes = append(s.Outcomes, CompensationOutcome{Step: p.Step, OK: p.Error == "", Error: p.Error})

	case EventExternalEvent:
		// Audit record; consumption state changes via EventWaitFulfilled.

	case EventAbortRequested:
		p, err := decodePayload[AbortPayload](ev)
		if err != nil {
			return err
		}
		s.Aborting = true
		s.AbortReason = p.Reason
		// An abort cancels the outstanding wait; compensation takes over.
		s.Wait = nil

	case EventInstanceCompleted:
		s.Status = StatusCompleted
		return nil

	case EventInstanceFailed:
		p, err := decodePayload[FailedPayload](ev)
		if err != nil {
			return err
		}
		s.Status = StatusFailed
		s.TerminalReason = p.Reason
		if p.LastStep != "" {
			s.FailedStep = p.LastStep
		}
		if len(p.Outcomes) > 0 {
			s.Outcomes = p.Outcomes
		}
		return nil

	default:
		return Fatal("UNKNOWN_EVENT", "unknown event kind %q at version %d", ev.Kind, ev.Version)
	}

	s.deriveStatus()
	return nil
}

// deriveStatus recomputes the non-terminal status from suspension and
// compensation markers.
func (s *InstanceState) deriveStatus() {
	switch {
	case s.Status.Terminal():
	case s.Aborting && s.PendingCompensation() != "":
		s.Status = StatusCompensating
	case s.Wait != nil && s.Wait.Sleep:
		s.Status = StatusSleeping
	case s.Wait != nil:
		s.Status = StatusWaiting
	default:
		s.Status = StatusRunnable
	}
}

// Fold rebuilds state from a base (nil for the zero state) and a
// contiguous run of events.
func Fold(instanceID string, base *InstanceState, events []store.Event) (*InstanceState, error) {
	s := base
	if s == nil {
		s = NewInstanceState(instanceID)
	}
	for _, ev := range events {
		if err := s.Apply(ev); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// HasMemo reports whether a step already succeeded.
func (s *InstanceState) HasMemo(step string) bool {
	_, ok := s.Memo[step]
	return ok
}

// MemoOutput decodes a memoized step output into out. Returns false when
// the step has not succeeded.
func (s *InstanceState) MemoOutput(step string, out any) (bool, error) {
	raw, ok := s.Memo[step]
	if !ok {
		return false, nil
	}
	if out == nil || len(raw) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("corrupt memo for step %q: %w", step, err)
	}
	return true, nil
}

// WaitOutcome returns the completed result for a wait name.
func (s *InstanceState) WaitOutcome(name string) (WaitResult, bool) {
	r, ok := s.WaitResults[name]
	return r, ok
}

// PendingCompensation returns the next compensation stack entry to drain
// (LIFO), or "" when the drain is complete.
func (s *InstanceState) PendingCompensation() string {
	for i := len(s.CompStack) - 1; i >= 0; i-- {
		if !s.Compensated[s.CompStack[i]] {
			return s.CompStack[i]
		}
	}
	return ""
}

// Var helpers. Variables are written only through transition patches so
// the fold remains the single source of truth.

// VarString reads a string variable; returns "" when absent.
func (s *InstanceState) VarString(name string) string {
	var v string
	if raw, ok := s.Vars[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// VarInt reads an integer variable; returns 0 when absent.
func (s *InstanceState) VarInt(name string) int64 {
	var v int64
	if raw, ok := s.Vars[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// VarFloat reads a float variable; returns 0 when absent.
func (s *InstanceState) VarFloat(name string) float64 {
	var v float64
	if raw, ok := s.Vars[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// VarBool reads a boolean variable; returns false when absent.
func (s *InstanceState) VarBool(name string) bool {
	var v bool
	if raw, ok := s.Vars[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// VarTime reads a time variable; returns the zero time when absent.
func (s *InstanceState) VarTime(name string) time.Time {
	var v time.Time
	if raw, ok := s.Vars[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// EncodeSnapshot serializes the state into a store.Snapshot at its
// current version.
func (s *InstanceState) EncodeSnapshot(at time.Time) (store.Snapshot, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return store.Snapshot{
		InstanceID: s.InstanceID,
		Version:    s.Version,
		State:      blob,
		TakenAt:    at,
	}, nil
}

// DecodeSnapshot restores an InstanceState from a snapshot blob.
func DecodeSnapshot(snap store.Snapshot) (*InstanceState, error) {
	s := NewInstanceState(snap.InstanceID)
	if err := json.Unmarshal(snap.State, s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot at version %d: %w", snap.Version, err)
	}
	// Maps may decode as nil when empty.
	if s.Memo == nil {
		s.Memo = make(map[string]json.RawMessage)
	}
	if s.WaitResults == nil {
		s.WaitResults = make(map[string]WaitResult)
	}
	if s.Compensated == nil {
		s.Compensated = make(map[string]bool)
	}
	if s.Vars == nil {
		s.Vars = make(map[string]json.RawMessage)
	}
	return s, nil
}
