package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelworks/dealflow-go/workflow/emit"
	"github.com/reelworks/dealflow-go/workflow/store"
)

// Scheduler drives workflow instances: it rebuilds state from the event
// log, asks the domain machine for the next action, executes it, and
// persists the resulting events under optimistic concurrency.
//
// One instance advances under one lock at a time; distinct instances
// advance concurrently across the worker pool. All durable effects flow
// through the store so a crash at any point resumes from the log.
type Scheduler struct {
	store store.Store
	reg   *Registry
	opts  Options
	locks *lockManager

	mu     sync.Mutex
	queued map[string]bool
	queue  chan string

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a scheduler over the given store and registry.
func NewScheduler(st store.Store, reg *Registry, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		store:  st,
		reg:    reg,
		opts:   opts,
		locks:  newLockManager(),
		queued: make(map[string]bool),
		queue:  make(chan string, opts.QueueCapacity),
	}
}

// StartRequest describes a new workflow instance.
type StartRequest struct {
	// InstanceID is optional; a UUID is generated when empty.
	InstanceID string

	// Kind selects the registered domain machine.
	Kind Kind

	// Params is the validated, immutable creation parameter document.
	Params json.RawMessage

	// Token is the optional idempotent client token, recorded in the
	// instance index. Token uniqueness is enforced by the caller before
	// starting.
	Token string

	// PitchID and Parties populate the instance index for list queries.
	PitchID string
	Parties []string
}

// StartInstance creates a new instance: it resolves the machine's initial
// state, appends the creation events, indexes the instance and enqueues
// the first advance. Returns the instance ID.
func (s *Scheduler) StartInstance(ctx context.Context, req StartRequest) (string, error) {
	machine, err := s.reg.Machine(req.Kind)
	if err != nil {
		return "", err
	}

	id := req.InstanceID
	if id == "" {
		id = uuid.NewString()
	}

	initState, vars, err := machine.Init(ctx, req.Params)
	if err != nil {
		return "", err
	}

	now := s.opts.Clock.Now()
	events := []store.Event{
		newEvent(id, 1, EventInstanceStarted, StartedPayload{Kind: req.Kind, Params: req.Params, Token: req.Token}, now),
		newEvent(id, 2, EventTransitionApplied, TransitionPayload{To: initState, Cause: "start", Vars: encodeVars(vars)}, now),
	}
	if _, err := s.store.Append(ctx, id, 0, events); err != nil {
		return "", fmt.Errorf("failed to start instance: %w", err)
	}

	row := store.Instance{
		ID:             id,
		Kind:           string(req.Kind),
		Status:         string(StatusRunnable),
		State:          initState,
		Version:        2,
		PitchID:        req.PitchID,
		Parties:        req.Parties,
		Token:          req.Token,
		CreatedAt:      now,
		LastAdvancedAt: now,
	}
	if err := s.store.PutInstance(ctx, row); err != nil {
		return "", err
	}

	s.opts.Emitter.Emit(emit.Event{InstanceID: id, Version: 2, Msg: "instance_started", Meta: map[string]interface{}{
		"kind":  string(req.Kind),
		"state": initState,
	}})
	s.Enqueue(id)
	return id, nil
}

// Deliver durably enqueues an external event for an instance and wakes
// it. Re-delivery of the same message ID is a no-op. Deliveries to
// terminal instances are dropped (recorded in metrics), not errors:
// external callers retry at-least-once and a late webhook after
// finalization is normal.
func (s *Scheduler) Deliver(ctx context.Context, instanceID, name, msgID string, payload json.RawMessage) error {
	row, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if Status(row.Status).Terminal() {
		s.opts.Metrics.deliveryDropped()
		s.opts.Emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "delivery_dropped", Meta: map[string]interface{}{
			"event":  name,
			"status": row.Status,
		}})
		return nil
	}

	if msgID == "" {
		msgID = uuid.NewString()
	}
	msg := store.Message{
		ID:         msgID,
		InstanceID: instanceID,
		Name:       name,
		Payload:    payload,
		ReceivedAt: s.opts.Clock.Now(),
	}
	if err := s.store.Deliver(ctx, msg); err != nil {
		return err
	}
	s.Enqueue(instanceID)
	return nil
}

// Abort requests cancellation of a running instance. The abort is
// observed at the next advance: the outstanding wait (if any) is
// cancelled, registered compensators run newest-first, and the instance
// finalizes as Failed. Returns ErrTerminal if already finalized.
func (s *Scheduler) Abort(ctx context.Context, instanceID, reason string) error {
	record := func() error {
		if err := s.locks.Acquire(ctx, instanceID); err != nil {
			return err
		}
		defer s.locks.Release(instanceID)

		st, _, err := s.rebuild(ctx, instanceID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, instanceID)
		}

		if err := s.append(ctx, st, entry{
			kind:    EventAbortRequested,
			payload: AbortPayload{Reason: reason},
			meta:    map[string]interface{}{"reason": reason},
		}); err != nil {
			return err
		}
		_ = s.store.CancelWake(ctx, instanceID)
		return s.syncIndex(ctx, st)
	}
	if err := record(); err != nil {
		return err
	}
	s.Enqueue(instanceID)
	return nil
}

// Inspect rebuilds and returns an instance's current derived state. Reads
// are lock-free; the returned state is a point-in-time copy.
func (s *Scheduler) Inspect(ctx context.Context, instanceID string) (*InstanceState, error) {
	st, _, err := s.rebuild(ctx, instanceID)
	return st, err
}

// Enqueue marks an instance runnable. In synchronous mode the advance
// runs inline; otherwise the instance joins the worker queue, with
// duplicate enqueues collapsed.
func (s *Scheduler) Enqueue(instanceID string) {
	if s.opts.Synchronous {
		_ = s.AdvanceInstance(context.Background(), instanceID)
		return
	}

	s.mu.Lock()
	if s.queued[instanceID] {
		s.mu.Unlock()
		return
	}
	s.queued[instanceID] = true
	s.mu.Unlock()

	select {
	case s.queue <- instanceID:
	default:
		// Queue full. Drop the mark; a timer poll or redelivery will
		// re-enqueue.
		s.mu.Lock()
		delete(s.queued, instanceID)
		s.mu.Unlock()
		s.opts.Emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "enqueue_dropped"})
	}
}

// Start launches the worker pool and the timer loop, then re-enqueues
// every non-terminal instance from the index. Suspended instances re-park
// immediately; instances that were runnable when the previous process
// died resume without waiting for a timer or a redelivery.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.timerLoop()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recoverInstances(s.runCtx)
	}()
}

// recoverInstances scans the instance index and enqueues everything
// non-terminal. An instance mid-advance at crash time has no timer row
// and no pending message, so nothing else would ever wake it.
func (s *Scheduler) recoverInstances(ctx context.Context) {
	const page = 256
	for offset := 0; ; offset += page {
		rows, err := s.store.ListInstances(ctx, store.Filter{Limit: page, Offset: offset})
		if err != nil {
			s.opts.Emitter.Emit(emit.Event{Msg: "recovery_error", Meta: map[string]interface{}{
				"error": err.Error(),
			}})
			return
		}
		for _, row := range rows {
			if Status(row.Status).Terminal() {
				continue
			}
			s.Enqueue(row.ID)
		}
		if len(rows) < page {
			return
		}
	}
}

// Stop halts workers and the timer loop, waiting for in-flight advances
// to finish. Suspended instances resume after the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case id := <-s.queue:
			s.mu.Lock()
			delete(s.queued, id)
			s.mu.Unlock()
			if err := s.AdvanceInstance(s.runCtx, id); err != nil && !errors.Is(err, context.Canceled) {
				s.opts.Emitter.Emit(emit.Event{InstanceID: id, Msg: "advance_error", Meta: map[string]interface{}{
					"error": err.Error(),
				}})
			}
		}
	}
}

func (s *Scheduler) timerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.TimerPollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			_ = s.PollTimersOnce(s.runCtx)
			polls++
			if polls%120 == 0 {
				cutoff := s.opts.Clock.Now().Add(-s.opts.MailboxRetention)
				_, _ = s.store.PurgeBefore(s.runCtx, cutoff)
			}
		}
	}
}

// PollTimersOnce scans for due wakeups and enqueues their instances. Due
// timers are not removed here; the advance that resolves the suspension
// cancels them, so a crash between poll and advance re-delivers.
func (s *Scheduler) PollTimersOnce(ctx context.Context) error {
	due, err := s.store.DueTimers(ctx, s.opts.Clock.Now(), 128)
	if err != nil {
		return err
	}
	for _, t := range due {
		s.Enqueue(t.InstanceID)
	}
	return nil
}

// AdvanceInstance runs one full advance: rebuild, then loop the machine's
// actions until the instance suspends, finalizes, or exhausts the action
// budget. Safe to call for instances that have nothing to do.
func (s *Scheduler) AdvanceInstance(ctx context.Context, instanceID string) error {
	if err := s.locks.Acquire(ctx, instanceID); err != nil {
		return err
	}
	defer s.locks.Release(instanceID)

	s.opts.Metrics.advanceStarted()
	defer s.opts.Metrics.advanceFinished()
	wallStart := time.Now()

	st, snapVer, err := s.rebuild(ctx, instanceID)
	if err != nil {
		return err
	}
	defer func() {
		s.opts.Metrics.observeAdvance(st.Kind, time.Since(wallStart))
	}()
	if st.Status.Terminal() {
		return nil
	}

	machine, err := s.reg.Machine(st.Kind)
	if err != nil {
		return err
	}
	def, err := s.reg.Definition(st.Kind)
	if err != nil {
		return err
	}

	var pending *Action
	for actions := 0; ; actions++ {
		if err := ctx.Err(); err != nil {
			return s.finishAdvance(ctx, st, &snapVer, err)
		}
		if st.Status.Terminal() {
			break
		}

		if actions >= s.opts.MaxActionsPerAdvance {
			if err := s.failAndCompensate(ctx, st, machine, ErrMaxActionsExceeded.Error()); err != nil {
				if st, snapVer, err = s.handleConflict(ctx, st, snapVer, err); err != nil {
					return err
				}
			}
			continue
		}

		if st.Aborting {
			reason := "cancelled"
			if st.AbortReason != "" {
				reason = "cancelled: " + st.AbortReason
			}
			if err := s.failAndCompensate(ctx, st, machine, reason); err != nil {
				if st, snapVer, err = s.handleConflict(ctx, st, snapVer, err); err != nil {
					return err
				}
			}
			continue
		}

		var act Action
		if pending != nil {
			act, pending = *pending, nil
		} else {
			act, err = machine.Next(ctx, st)
			if err != nil {
				if err := s.failAndCompensate(ctx, st, machine, fmt.Sprintf("machine error: %v", err)); err != nil {
					if st, snapVer, err = s.handleConflict(ctx, st, snapVer, err); err != nil {
						return err
					}
				}
				continue
			}
		}

		switch act.Type {
		case ActionStep:
			err := s.runStep(ctx, st, act)
			if err == nil {
				break
			}
			if errors.Is(err, store.ErrVersionConflict) {
				if st, snapVer, err = s.handleConflict(ctx, st, snapVer, err); err != nil {
					return err
				}
				break
			}
			if next, ok := machine.OnStepError(ctx, st, act.StepName, err); ok && !IsFatal(err) {
				pending = &next
				break
			}
			ferr := s.failAndCompensate(ctx, st, machine, fmt.Sprintf("step %s failed: %v", act.StepName, err))
			if ferr != nil {
				if st, snapVer, ferr = s.handleConflict(ctx, st, snapVer, ferr); ferr != nil {
					return ferr
				}
			}

		case ActionWait, ActionSleep:
			suspended, err := s.stepSuspend(ctx, st, act)
			if err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					if st, snapVer, err = s.handleConflict(ctx, st, snapVer, err); err != nil {
						return err
					}
					break
				}
				if IsFatal(err) {
					ferr := s.failAndCompensate(ctx, st, machine, err.Error())
					if ferr != nil {
						if st, snapVer, ferr = s.handleConflict(ctx, st, snapVer, ferr); ferr != nil {
							return ferr
						}
					}
					break
				}
				return s.finishAdvance(ctx, st, &snapVer, err)
			}
			if suspended {
				return s.finishAdvance(ctx, st, &snapVer, nil)
			}

		case ActionTransition:
			err := s.applyTransition(ctx, st, def, act)
			if err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					if st, snapVer, err = s.handleConflict(ctx, st, snapVer, err); err != nil {
						return err
					}
					break
				}
				// Illegal transitions and guard vetoes out of the machine's
				// own decision are machine bugs; halt via compensation.
				ferr := s.failAndCompensate(ctx, st, machine, fmt.Sprintf("transition %s: %v", act.Event, err))
				if ferr != nil {
					if st, snapVer, ferr = s.handleConflict(ctx, st, snapVer, ferr); ferr != nil {
						return ferr
					}
				}
				break
			}
			if def.IsTerminal(st.State) {
				if err := s.finalizeTerminal(ctx, st, def, machine, act.Event); err != nil {
					if st, snapVer, err = s.handleConflict(ctx, st, snapVer, err); err != nil {
						return err
					}
				}
			}

		case ActionFinish:
			if def.IsSuccess(st.State) {
				if err := s.appendCompleted(ctx, st, act.Reason); err != nil {
					if st, snapVer, err = s.handleConflict(ctx, st, snapVer, err); err != nil {
						return err
					}
				}
				break
			}
			ferr := s.failAndCompensate(ctx, st, machine, act.Reason)
			if ferr != nil {
				if st, snapVer, ferr = s.handleConflict(ctx, st, snapVer, ferr); ferr != nil {
					return ferr
				}
			}

		case ActionFail:
			ferr := s.failAndCompensate(ctx, st, machine, act.Reason)
			if ferr != nil {
				if st, snapVer, ferr = s.handleConflict(ctx, st, snapVer, ferr); ferr != nil {
					return ferr
				}
			}

		default:
			ferr := s.failAndCompensate(ctx, st, machine, fmt.Sprintf("unknown action type %q", act.Type))
			if ferr != nil {
				if st, snapVer, ferr = s.handleConflict(ctx, st, snapVer, ferr); ferr != nil {
					return ferr
				}
			}
		}

		if err := s.maybeSnapshot(ctx, st, &snapVer); err != nil {
			return err
		}
	}

	return s.finishAdvance(ctx, st, &snapVer, nil)
}

// finishAdvance persists the instance row and a final snapshot check,
// then cleans up any stale timer for non-suspended instances.
func (s *Scheduler) finishAdvance(ctx context.Context, st *InstanceState, snapVer *int64, cause error) error {
	// Use a fresh context for the bookkeeping writes: the advance's own
	// context may already be cancelled and the row must not go stale.
	wctx := ctx
	if wctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := s.maybeSnapshot(wctx, st, snapVer); err != nil && cause == nil {
		cause = err
	}
	if st.Wait == nil {
		_ = s.store.CancelWake(wctx, st.InstanceID)
	}
	if err := s.syncIndex(wctx, st); err != nil && cause == nil {
		cause = err
	}
	return cause
}

// handleConflict rebuilds state after an optimistic append conflict.
func (s *Scheduler) handleConflict(ctx context.Context, st *InstanceState, snapVer int64, cause error) (*InstanceState, int64, error) {
	if !errors.Is(cause, store.ErrVersionConflict) {
		return st, snapVer, cause
	}
	s.opts.Metrics.versionConflict()
	fresh, ver, err := s.rebuild(ctx, st.InstanceID)
	if err != nil {
		return st, snapVer, err
	}
	return fresh, ver, nil
}

// stepSuspend drives a wait or sleep action. Returns suspended=true when
// the instance should stay parked until an external event or timer.
func (s *Scheduler) stepSuspend(ctx context.Context, st *InstanceState, act Action) (bool, error) {
	now := s.opts.Clock.Now()

	if st.Wait == nil {
		var e entry
		var deadline time.Time
		var status Status
		if act.Type == ActionSleep {
			deadline = now.Add(act.SleepFor)
			status = StatusSleeping
			e = entry{
				kind:    EventSleepStarted,
				payload: SleepStartedPayload{Name: act.WaitName, Until: deadline},
				meta:    map[string]interface{}{"sleep": act.WaitName, "until": deadline.Format(time.RFC3339)},
			}
		} else {
			deadline = now.Add(act.WaitTimeout)
			status = StatusWaiting
			e = entry{
				kind:    EventWaitStarted,
				payload: WaitStartedPayload{Name: act.WaitName, Deadline: deadline},
				meta:    map[string]interface{}{"event": act.WaitName, "deadline": deadline.Format(time.RFC3339)},
			}
		}
		if err := s.append(ctx, st, e); err != nil {
			return false, err
		}
		if err := s.store.ScheduleWake(ctx, store.Timer{InstanceID: st.InstanceID, FireAt: deadline}); err != nil {
			return false, err
		}
		s.opts.Metrics.suspendedDelta(status, 1)
	}

	// Replay divergence: the machine must re-request the same suspension
	// the log recorded.
	if act.Type == ActionSleep && (!st.Wait.Sleep || st.Wait.Name != act.WaitName) {
		return false, Fatal("REPLAY_DIVERGENCE", "machine asked for sleep %q but log records %q", act.WaitName, st.Wait.Name)
	}
	if act.Type == ActionWait && (st.Wait.Sleep || st.Wait.Name != act.WaitName) {
		return false, Fatal("REPLAY_DIVERGENCE", "machine awaits %q but log records wait %q", act.WaitName, st.Wait.Name)
	}

	if act.Type == ActionSleep {
		if now.Before(st.Wait.Deadline) {
			return true, nil
		}
		if err := s.append(ctx, st, entry{
			kind:    EventSleepFired,
			payload: SleepFiredPayload{Name: st.Wait.Name},
			meta:    map[string]interface{}{"sleep": st.Wait.Name},
		}); err != nil {
			return false, err
		}
		s.opts.Metrics.suspendedDelta(StatusSleeping, -1)
		_ = s.store.CancelWake(ctx, st.InstanceID)
		return false, nil
	}

	msg, ok, err := s.store.Take(ctx, st.InstanceID, st.Wait.Name, act.WaitFilter)
	if err != nil {
		return false, err
	}
	if ok {
		err := s.append(ctx, st,
			entry{
				kind:    EventExternalEvent,
				payload: ExternalEventPayload{Name: msg.Name, Payload: msg.Payload, ReceivedAt: msg.ReceivedAt},
				meta:    map[string]interface{}{"event": msg.Name},
			},
			entry{
				kind:    EventWaitFulfilled,
				payload: WaitFulfilledPayload{Name: msg.Name, Payload: msg.Payload},
				meta:    map[string]interface{}{"event": msg.Name},
			},
		)
		if err != nil {
			return false, err
		}
		s.opts.Metrics.suspendedDelta(StatusWaiting, -1)
		_ = s.store.CancelWake(ctx, st.InstanceID)
		return false, nil
	}

	if !now.Before(st.Wait.Deadline) {
		err := s.append(ctx, st, entry{
			kind:    EventWaitFulfilled,
			payload: WaitFulfilledPayload{Name: st.Wait.Name, Timeout: true},
			meta:    map[string]interface{}{"event": st.Wait.Name, "timeout": true},
		})
		if err != nil {
			return false, err
		}
		s.opts.Metrics.suspendedDelta(StatusWaiting, -1)
		_ = s.store.CancelWake(ctx, st.InstanceID)
		return false, nil
	}

	return true, nil
}

// applyTransition resolves and appends one legal domain transition.
func (s *Scheduler) applyTransition(ctx context.Context, st *InstanceState, def *Definition, act Action) error {
	to, err := def.Target(st.State, act.Event)
	if err != nil {
		return err
	}
	if g := def.guard(act.Event); g != nil {
		if err := g(st); err != nil {
			return err
		}
	}
	return s.append(ctx, st, entry{
		kind: EventTransitionApplied,
		payload: TransitionPayload{
			From:  st.State,
			To:    to,
			Cause: act.Event,
			Vars:  encodeVars(act.Vars),
		},
		meta: map[string]interface{}{"from": st.State, "to": to, "event": act.Event},
	})
}

// finalizeTerminal ends the instance after it transitioned into a
// terminal domain state: Completed for success states, compensation then
// Failed for failure states.
func (s *Scheduler) finalizeTerminal(ctx context.Context, st *InstanceState, def *Definition, machine Machine, cause string) error {
	if def.IsSuccess(st.State) {
		return s.appendCompleted(ctx, st, cause)
	}
	return s.failAndCompensate(ctx, st, machine, cause)
}

func (s *Scheduler) appendCompleted(ctx context.Context, st *InstanceState, reason string) error {
	return s.append(ctx, st, entry{
		kind:    EventInstanceCompleted,
		payload: struct{}{},
		meta:    map[string]interface{}{"reason": reason, "state": st.State},
	})
}

// failAndCompensate drains the compensation stack newest-first, recording
// one EventCompensationApplied per entry, then finalizes the instance as
// Failed. A compensator error is recorded and the drain continues; the
// log keeps rollback auditable even when a rollback step itself fails.
func (s *Scheduler) failAndCompensate(ctx context.Context, st *InstanceState, machine Machine, reason string) error {
	for {
		name := st.PendingCompensation()
		if name == "" {
			break
		}

		var cerr error
		comp, ok := machine.Compensator(name)
		if !ok {
			cerr = fmt.Errorf("%w: no compensator registered for step %q", ErrUnknownStep, name)
		} else {
			cerr = s.runStep(ctx, st, Action{
				Type:     ActionStep,
				StepName: "compensate:" + name,
				StepBody: comp,
			})
			if errors.Is(cerr, store.ErrVersionConflict) {
				return cerr
			}
		}

		msg := ""
		if cerr != nil {
			msg = cerr.Error()
		}
		s.opts.Metrics.compensated(cerr == nil)
		if err := s.append(ctx, st, entry{
			kind:    EventCompensationApplied,
			payload: CompensationPayload{Step: name, Error: msg},
			step:    name,
			meta:    map[string]interface{}{"step": name, "ok": cerr == nil},
		}); err != nil {
			return err
		}
	}

	return s.append(ctx, st, entry{
		kind: EventInstanceFailed,
		payload: FailedPayload{
			Reason:   reason,
			LastStep: st.FailedStep,
			Outcomes: st.Outcomes,
		},
		meta: map[string]interface{}{"reason": reason},
	})
}

// entry is one event to append, with its observability metadata.
type entry struct {
	kind    EventKind
	payload any
	step    string
	meta    map[string]interface{}
}

// append atomically appends entries at the instance's current version,
// folds them into st, and emits one observability event per entry.
// Returns store.ErrVersionConflict when another writer advanced the log.
func (s *Scheduler) append(ctx context.Context, st *InstanceState, entries ...entry) error {
	now := s.opts.Clock.Now()
	events := make([]store.Event, len(entries))
	for i, e := range entries {
		events[i] = newEvent(st.InstanceID, st.Version+int64(i)+1, e.kind, e.payload, now)
	}
	if _, err := s.store.Append(ctx, st.InstanceID, st.Version, events); err != nil {
		return err
	}
	for i, ev := range events {
		if err := st.Apply(ev); err != nil {
			return err
		}
		s.opts.Emitter.Emit(emit.Event{
			InstanceID: st.InstanceID,
			Version:    ev.Version,
			Step:       entries[i].step,
			Msg:        string(entries[i].kind),
			Meta:       entries[i].meta,
		})
	}
	return nil
}

// maybeSnapshot writes a snapshot once enough events accumulated since
// the last one. Snapshot failures are non-fatal; the log is authoritative.
func (s *Scheduler) maybeSnapshot(ctx context.Context, st *InstanceState, snapVer *int64) error {
	if st.Version-*snapVer < int64(s.opts.SnapshotEvery) && !st.Status.Terminal() {
		return nil
	}
	if st.Version == *snapVer {
		return nil
	}
	snap, err := st.EncodeSnapshot(s.opts.Clock.Now())
	if err != nil {
		return err
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		s.opts.Emitter.Emit(emit.Event{InstanceID: st.InstanceID, Version: st.Version, Msg: "snapshot_error", Meta: map[string]interface{}{
			"error": err.Error(),
		}})
		return nil
	}
	*snapVer = st.Version
	return nil
}

// rebuild loads the latest snapshot (if any) and folds the event tail on
// top. Returns the derived state and the snapshot's version.
func (s *Scheduler) rebuild(ctx context.Context, instanceID string) (*InstanceState, int64, error) {
	var base *InstanceState
	var snapVer int64

	snap, err := s.store.LatestSnapshot(ctx, instanceID)
	switch {
	case err == nil:
		base, err = DecodeSnapshot(snap)
		if err != nil {
			// Corrupt snapshot: fall back to a full replay.
			base = nil
		} else {
			snapVer = snap.Version
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, 0, err
	}

	events, err := s.store.ReadRange(ctx, instanceID, snapVer, 0)
	if err != nil {
		return nil, 0, err
	}
	st, err := Fold(instanceID, base, events)
	if err != nil {
		return nil, 0, err
	}
	if st.Version == 0 {
		return nil, 0, fmt.Errorf("instance %s: %w", instanceID, store.ErrNotFound)
	}
	return st, snapVer, nil
}

// syncIndex refreshes the instance's index row from derived state.
func (s *Scheduler) syncIndex(ctx context.Context, st *InstanceState) error {
	row, err := s.store.GetInstance(ctx, st.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		row = store.Instance{
			ID:        st.InstanceID,
			Kind:      string(st.Kind),
			Token:     st.Token,
			CreatedAt: st.CreatedAt,
		}
	} else if err != nil {
		return err
	}

	row.Status = string(st.Status)
	row.State = st.State
	row.Version = st.Version
	row.LastError = st.LastError
	row.LastAdvancedAt = s.opts.Clock.Now()
	return s.store.PutInstance(ctx, row)
}

// encodeVars marshals a machine's variable patch for a transition event.
func encodeVars(vars map[string]any) map[string]json.RawMessage {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(vars))
	for k, v := range vars {
		out[k] = mustJSON(v)
	}
	return out
}
