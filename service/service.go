// Package service is the application facade over the workflow runtime:
// idempotent starts, external event ingress, provider webhook resolution,
// and instance queries. HTTP or RPC surfaces sit on top of this package;
// it owns no transport.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reelworks/dealflow-go/deal"
	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
	"github.com/reelworks/dealflow-go/workflow/store"
)

// ErrUnknownRef is returned when a provider webhook reference resolves to
// no known instance.
var ErrUnknownRef = errors.New("unknown provider reference")

// Service wires the workflow scheduler, its store, and the entity store
// into the operations the API layer exposes.
type Service struct {
	store    store.Store
	sched    *workflow.Scheduler
	entities provider.EntityStore
}

// New assembles a Service.
func New(st store.Store, sched *workflow.Scheduler, entities provider.EntityStore) *Service {
	return &Service{store: st, sched: sched, entities: entities}
}

// StartResult reports the outcome of StartWorkflow.
type StartResult struct {
	InstanceID string `json:"instanceId"`

	// Existing is true when the idempotency token matched a previous
	// start and no new instance was created.
	Existing bool `json:"existing,omitempty"`
}

// StartWorkflow validates the start parameters for the given kind and
// creates a workflow instance. A token that matched an earlier start
// returns that instance's ID with Existing set; no duplicate instance is
// created.
func (s *Service) StartWorkflow(ctx context.Context, kind workflow.Kind, token string, params json.RawMessage) (StartResult, error) {
	if token != "" {
		id, ok, err := s.store.LookupToken(ctx, token)
		if err != nil {
			return StartResult{}, fmt.Errorf("failed to look up start token: %w", err)
		}
		if ok {
			return StartResult{InstanceID: id, Existing: true}, nil
		}
	}

	spec, err := deal.PrepareStart(ctx, kind, params, s.entities)
	if err != nil {
		return StartResult{}, err
	}

	id, err := s.sched.StartInstance(ctx, workflow.StartRequest{
		Kind:    spec.Kind,
		Params:  spec.Params,
		Token:   token,
		PitchID: spec.PitchID,
		Parties: spec.Parties,
	})
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{InstanceID: id}, nil
}

// DeliverEvent ingests a named external event for an instance. msgID
// deduplicates at-least-once callers; re-delivery of the same msgID is a
// no-op, and deliveries to terminal instances are dropped.
func (s *Service) DeliverEvent(ctx context.Context, instanceID, name, msgID string, payload json.RawMessage) error {
	return s.sched.Deliver(ctx, instanceID, name, msgID, payload)
}

// Webhook is a normalized provider callback: the provider-side reference
// (payment intent id or signature envelope id), the status it reports,
// and the provider's delivery id when it sends one.
type Webhook struct {
	Ref       string `json:"ref"`
	Status    string `json:"status"`
	WebhookID string `json:"webhookId,omitempty"`
}

// HandleProviderWebhook resolves a provider callback to the instance and
// event name its reference was recorded under and delivers it. Unknown
// references return ErrUnknownRef so the ingress layer can answer 404 and
// stop the provider's retries.
func (s *Service) HandleProviderWebhook(ctx context.Context, wh Webhook) error {
	instanceID, eventName, ok, err := s.store.ResolveProviderRef(ctx, wh.Ref)
	if err != nil {
		return fmt.Errorf("failed to resolve provider ref: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRef, wh.Ref)
	}

	msgID := wh.WebhookID
	if msgID == "" {
		msgID = wh.Ref + ":" + wh.Status
	}
	payload, _ := json.Marshal(map[string]string{"status": wh.Status})
	return s.sched.Deliver(ctx, instanceID, eventName, msgID, payload)
}

// InstanceStatus is the external view of one workflow instance.
type InstanceStatus struct {
	InstanceID string    `json:"instanceId"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	State      string    `json:"state"`
	Version    int64     `json:"version"`
	PitchID    string    `json:"pitchId,omitempty"`
	Parties    []string  `json:"parties,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`

	// Vars carries the domain variables (agreed amounts, risk scores).
	Vars map[string]json.RawMessage `json:"vars,omitempty"`

	// Wait describes the outstanding suspension, if any.
	WaitingOn    string     `json:"waitingOn,omitempty"`
	WaitDeadline *time.Time `json:"waitDeadline,omitempty"`

	// Terminal details, set once the instance finalizes.
	TerminalReason string                         `json:"terminalReason,omitempty"`
	FailedStep     string                         `json:"failedStep,omitempty"`
	Outcomes       []workflow.CompensationOutcome `json:"outcomes,omitempty"`
}

// GetStatus returns the current status of an instance, rebuilt from the
// log so it reflects every recorded event. Returns store.ErrNotFound for
// unknown instances.
func (s *Service) GetStatus(ctx context.Context, instanceID string) (InstanceStatus, error) {
	row, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return InstanceStatus{}, err
	}
	st, err := s.sched.Inspect(ctx, instanceID)
	if err != nil {
		return InstanceStatus{}, err
	}

	out := InstanceStatus{
		InstanceID:     instanceID,
		Kind:           row.Kind,
		Status:         string(st.Status),
		State:          st.State,
		Version:        st.Version,
		PitchID:        row.PitchID,
		Parties:        row.Parties,
		CreatedAt:      row.CreatedAt,
		Vars:           st.Vars,
		TerminalReason: st.TerminalReason,
		FailedStep:     st.FailedStep,
		Outcomes:       st.Outcomes,
	}
	if st.Wait != nil {
		out.WaitingOn = st.Wait.Name
		d := st.Wait.Deadline
		out.WaitDeadline = &d
	}
	return out, nil
}

// ListInstances returns indexed instance rows matching the filter,
// newest first.
func (s *Service) ListInstances(ctx context.Context, f store.Filter) ([]store.Instance, error) {
	return s.store.ListInstances(ctx, f)
}

// Abort requests cancellation of a running instance. Compensation for
// completed compensable steps runs before the instance finalizes as
// Failed. Aborting a terminal instance is an error.
func (s *Service) Abort(ctx context.Context, instanceID, reason string) error {
	return s.sched.Abort(ctx, instanceID, reason)
}
