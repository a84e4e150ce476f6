package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// StepFunc is the body of a named side-effecting step. The returned value
// is JSON-encoded and memoized in the event log; replays and retries of a
// succeeded step return the cached output without running the body.
type StepFunc func(ctx context.Context, st *InstanceState) (any, error)

// ActionType selects the variant of an Action.
type ActionType string

const (
	// ActionStep executes a named step through the step executor.
	ActionStep ActionType = "step"

	// ActionWait suspends the instance until a named external event
	// arrives or the deadline passes.
	ActionWait ActionType = "wait"

	// ActionSleep suspends the instance until an absolute wake time.
	ActionSleep ActionType = "sleep"

	// ActionTransition applies a domain state transition by cause event.
	ActionTransition ActionType = "transition"

	// ActionFinish finalizes the instance (Completed or Failed).
	ActionFinish ActionType = "finish"

	// ActionFail triggers compensation and finalizes as Failed.
	ActionFail ActionType = "fail"
)

// Action is the tagged palette of things a domain machine can ask the
// scheduler to do next. Exactly the fields for the selected Type are set;
// use the constructors below.
type Action struct {
	Type ActionType

	// ActionStep
	StepName    string
	StepBody    StepFunc
	Policy      *RetryPolicy
	Compensable bool

	// ActionWait / ActionSleep (sleeps are named too)
	WaitName    string
	WaitTimeout time.Duration
	WaitFilter  func(json.RawMessage) bool

	// ActionSleep
	SleepFor time.Duration

	// ActionTransition
	Event string
	Vars  map[string]any

	// ActionFinish / ActionFail
	Reason string
}

// RunStep builds a step action with the default retry policy.
func RunStep(name string, body StepFunc) Action {
	return Action{Type: ActionStep, StepName: name, StepBody: body}
}

// RunStepWithPolicy builds a step action with an explicit retry policy.
func RunStepWithPolicy(name string, body StepFunc, policy *RetryPolicy) Action {
	return Action{Type: ActionStep, StepName: name, StepBody: body, Policy: policy}
}

// RunCompensableStep builds a step action whose machine registers a
// compensator under the same name. On success the step name is pushed
// onto the compensation stack.
func RunCompensableStep(name string, body StepFunc) Action {
	return Action{Type: ActionStep, StepName: name, StepBody: body, Compensable: true}
}

// AwaitEvent builds a wait action with a hard deadline relative to now.
// Crossing the deadline records a timeout wait result; the machine maps
// it to a defined consequence.
func AwaitEvent(name string, timeout time.Duration) Action {
	return Action{Type: ActionWait, WaitName: name, WaitTimeout: timeout}
}

// AwaitEventFiltered is AwaitEvent with a payload predicate; messages the
// filter rejects stay queued.
func AwaitEventFiltered(name string, timeout time.Duration, filter func(json.RawMessage) bool) Action {
	return Action{Type: ActionWait, WaitName: name, WaitTimeout: timeout, WaitFilter: filter}
}

// Sleep builds a named timed-sleep action. The name lets machines check
// WaitOutcome to distinguish a completed sleep from one not yet started.
func Sleep(name string, d time.Duration) Action {
	return Action{Type: ActionSleep, WaitName: name, SleepFor: d}
}

// Apply builds a transition action for the given cause event, optionally
// patching instance variables. The registry resolves the target state and
// checks legality.
func Apply(event string, vars map[string]any) Action {
	return Action{Type: ActionTransition, Event: event, Vars: vars}
}

// Finish builds a finalizing action; the instance ends Completed when the
// current state is in the registry's terminal set and marked successful,
// Failed otherwise.
func Finish(reason string) Action {
	return Action{Type: ActionFinish, Reason: reason}
}

// FailAndCompensate builds a fatal action: drain the compensation stack,
// then finalize as Failed with the given reason.
func FailAndCompensate(reason string) Action {
	return Action{Type: ActionFail, Reason: reason}
}

// Machine defines one workflow kind's domain behavior. Machines are pure
// deciders over the folded instance state; every side effect they need
// runs inside a step, and every state change flows through the event log.
type Machine interface {
	// Kind identifies the workflow kind this machine drives.
	Kind() Kind

	// Init resolves the instance's initial domain state and variables
	// from its validated creation parameters. Most kinds return the
	// registry's initial state; Production may return Waitlisted when
	// another deal holds exclusivity on the pitch.
	Init(ctx context.Context, params json.RawMessage) (state string, vars map[string]any, err error)

	// Next inspects the folded state and returns the next action. It is
	// called repeatedly within one advance until the instance suspends,
	// finalizes, or the per-advance action budget is exhausted. Next must
	// be deterministic given the state: step names and wait names must be
	// stable across replays.
	Next(ctx context.Context, st *InstanceState) (Action, error)

	// OnStepError maps a surfaced step failure to a follow-up action
	// (usually a transition to a reject/failure state). Returning ok=false
	// escalates: the scheduler compensates and fails the instance.
	OnStepError(ctx context.Context, st *InstanceState, step string, err error) (Action, bool)

	// Compensator returns the rollback body for a compensable step name.
	Compensator(step string) (StepFunc, bool)
}
