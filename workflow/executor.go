package workflow

import (
	"context"
	"encoding/json"

	"github.com/reelworks/dealflow-go/workflow/emit"
)

// runStep executes one step action against the instance, honoring
// memoization and the retry policy. It appends EventStepStarted for every
// attempt, EventStepSucceeded on success and EventStepFailed on
// exhaustion or a non-retryable failure.
//
// A nil return means the step's output is memoized in st (either it just
// succeeded or it already had). A store.ErrVersionConflict return means
// another writer advanced the log; the caller rebuilds and retries the
// whole action. Any other error is the surfaced step failure.
func (s *Scheduler) runStep(ctx context.Context, st *InstanceState, act Action) error {
	if st.HasMemo(act.StepName) {
		return nil
	}
	if act.StepBody == nil {
		return Fatal("NO_STEP_BODY", "step %q has no body", act.StepName)
	}

	policy := act.Policy
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if err := policy.Validate(); err != nil {
		return WrapFatal("RETRY_POLICY", err)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := s.append(ctx, st, entry{
			kind:    EventStepStarted,
			payload: StepStartedPayload{Name: act.StepName, Attempt: attempt},
			step:    act.StepName,
			meta:    map[string]interface{}{"attempt": attempt},
		})
		if err != nil {
			return err
		}

		out, stepErr := act.StepBody(ctx, st)
		if stepErr == nil {
			var raw json.RawMessage
			if out != nil {
				raw, stepErr = json.Marshal(out)
				if stepErr != nil {
					stepErr = Fatal("STEP_OUTPUT", "step %q produced unmarshalable output: %v", act.StepName, stepErr)
				}
			}
			if stepErr == nil {
				return s.append(ctx, st, entry{
					kind:    EventStepSucceeded,
					payload: StepSucceededPayload{Name: act.StepName, Output: raw, Compensable: act.Compensable},
					step:    act.StepName,
				})
			}
		}

		lastErr = stepErr
		if IsFatal(stepErr) || !policy.retryable(stepErr) || attempt == policy.MaxAttempts {
			break
		}

		s.opts.Metrics.stepRetried(act.StepName)
		s.opts.Emitter.Emit(emitEvent(st, act.StepName, "step_retry", map[string]interface{}{
			"attempt": attempt,
			"error":   stepErr.Error(),
		}))
		if serr := s.opts.BackoffSleep(ctx, policy.Backoff(attempt-1, nil)); serr != nil {
			lastErr = serr
			break
		}
	}

	failed := entry{
		kind: EventStepFailed,
		payload: StepFailedPayload{
			Name:  act.StepName,
			Error: lastErr.Error(),
			Class: ClassOf(lastErr),
			Code:  CodeOf(lastErr),
		},
		step: act.StepName,
		meta: map[string]interface{}{"error": lastErr.Error()},
	}
	if err := s.append(ctx, st, failed); err != nil {
		return err
	}
	return lastErr
}

// emitEvent builds an observability event at the instance's current
// version.
func emitEvent(st *InstanceState, step, msg string, meta map[string]interface{}) emit.Event {
	return emit.Event{
		InstanceID: st.InstanceID,
		Version:    st.Version,
		Step:       step,
		Msg:        msg,
		Meta:       meta,
	}
}
