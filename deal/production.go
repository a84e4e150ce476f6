package deal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
)

// Production deal states.
const (
	ProdInterest    = "interest"
	ProdMeeting     = "meeting"
	ProdProposal    = "proposal"
	ProdNegotiation = "negotiation"
	ProdContract    = "contract"
	ProdProduction  = "production"
	ProdWaitlisted  = "waitlisted"
	ProdCompleted   = "completed"
	ProdRejected    = "rejected"
	ProdExpired     = "expired"
)

const (
	// exclusivityWindow is the hold a deal gains on its pitch when it
	// enters Contract.
	exclusivityWindow = 30 * day

	// maxActiveProjects caps a company's concurrent productions.
	maxActiveProjects = 10

	meetingDeadline    = 14 * day
	proposalDeadline   = 14 * day
	prodTermsDeadline  = 14 * day
	contractDeadline   = 30 * day
	productionDeadline = 365 * day
	waitlistDeadline   = 90 * day
)

// ProductionDefinition returns the production machine's transition table.
func ProductionDefinition() *workflow.Definition {
	return workflow.NewDefinition(workflow.KindProduction, ProdInterest).
		Allow(ProdWaitlisted, "promoted", ProdInterest).
		Allow(ProdWaitlisted, "waitlist-timeout", ProdExpired).
		Allow(ProdInterest, "exclusivity-claimed", ProdWaitlisted).
		Allow(ProdContract, "exclusivity-claimed", ProdWaitlisted).
		Allow(ProdInterest, "capacity-exceeded", ProdRejected).
		Allow(ProdInterest, "meeting-scheduled", ProdMeeting).
		Allow(ProdInterest, "interest-timeout", ProdExpired).
		Allow(ProdMeeting, "meeting-completed", ProdProposal).
		Allow(ProdMeeting, "meeting-timeout", ProdExpired).
		Allow(ProdProposal, "proposal-accepted", ProdNegotiation).
		Allow(ProdProposal, "proposal-rejected", ProdRejected).
		Allow(ProdProposal, "proposal-timeout", ProdExpired).
		Allow(ProdNegotiation, "terms-agreed", ProdContract).
		Allow(ProdNegotiation, "terms-rejected", ProdRejected).
		Allow(ProdNegotiation, "negotiation-timeout", ProdExpired).
		Allow(ProdContract, "contract-signed", ProdProduction).
		Allow(ProdContract, "contract-declined", ProdRejected).
		Allow(ProdContract, "contract-timeout", ProdExpired).
		Allow(ProdProduction, "production-completed", ProdCompleted).
		Allow(ProdProduction, "production-timeout", ProdExpired).
		MarkTerminal(ProdCompleted, ProdRejected, ProdExpired).
		MarkSuccess(ProdCompleted)
}

// ProductionMachine drives a production deal from interest through
// contract to completed production, enforcing per-pitch exclusivity and
// the company-capacity rule.
type ProductionMachine struct {
	Entities   provider.EntityStore
	Docs       provider.DocumentStore
	Signatures provider.SignatureProvider
	Notify     provider.NotificationSink
	Refs       Refs
	Clock      workflow.Clock

	// Engine wakes the next waitlisted deal when this deal's
	// exclusivity releases.
	Engine EventDeliverer
}

// RegisterProduction installs the machine and its transition table.
func RegisterProduction(reg *workflow.Registry, m *ProductionMachine) {
	reg.Register(ProductionDefinition(), m)
}

// Kind implements workflow.Machine.
func (m *ProductionMachine) Kind() workflow.Kind { return workflow.KindProduction }

// Init implements workflow.Machine. A deal starting while another deal
// holds active exclusivity on the pitch begins Waitlisted.
func (m *ProductionMachine) Init(ctx context.Context, raw json.RawMessage) (string, map[string]any, error) {
	var p ProductionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", nil, workflow.Domain("MALFORMED_PARAMS", "malformed production parameters: %v", err)
	}
	excl, err := m.Entities.PitchExclusivity(ctx, p.PitchID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to check pitch exclusivity: %w", err)
	}
	if excl.Active(m.Clock.Now()) {
		return ProdWaitlisted, nil, nil
	}
	return ProdInterest, nil, nil
}

func (m *ProductionMachine) params(st *workflow.InstanceState) (ProductionParams, error) {
	var p ProductionParams
	if err := json.Unmarshal(st.Params, &p); err != nil {
		return p, workflow.Fatal("MALFORMED_PARAMS", "corrupt production parameters: %v", err)
	}
	return p, nil
}

// Next implements workflow.Machine.
func (m *ProductionMachine) Next(ctx context.Context, st *workflow.InstanceState) (workflow.Action, error) {
	switch st.State {
	case ProdWaitlisted:
		// promotionSeen gates stale release results: a deal demoted a
		// second time must re-join the waitlist and wait for a fresh
		// release, not replay the one that promoted it before.
		seen := st.VarInt("promotionSeen")
		join := fmt.Sprintf("join-waitlist:%d", seen)
		if !st.HasMemo(join) {
			return workflow.RunStep(join, m.joinWaitlist), nil
		}
		res, ok := st.WaitOutcome("exclusivity-released")
		if !ok || res.Version <= seen {
			return workflow.AwaitEvent("exclusivity-released", waitlistDeadline), nil
		}
		if res.Timeout {
			return workflow.Apply("waitlist-timeout", nil), nil
		}
		return workflow.Apply("promoted", map[string]any{"promotionSeen": res.Version}), nil

	case ProdInterest:
		p, err := m.params(st)
		if err != nil {
			return workflow.Action{}, err
		}
		excl, err := m.Entities.PitchExclusivity(ctx, p.PitchID)
		if err != nil {
			return workflow.Action{}, fmt.Errorf("failed to check pitch exclusivity: %w", err)
		}
		// A hold granted while this deal sat in Interest demotes it to
		// the waitlist; only the holder advances past Interest.
		if excl.Active(m.Clock.Now()) && excl.InstanceID != st.InstanceID {
			return workflow.Apply("exclusivity-claimed", nil), nil
		}
		if !st.HasMemo("capacity-check") {
			return workflow.RunStep("capacity-check", m.capacityCheck), nil
		}
		if !st.HasMemo("notify-interest") {
			return workflow.RunStep("notify-interest", m.notifyInterest), nil
		}
		return m.awaitOrApply(st, "meeting-scheduled", meetingDeadline, "meeting-scheduled", "interest-timeout", "")

	case ProdMeeting:
		return m.awaitOrApply(st, "meeting-completed", meetingDeadline, "meeting-completed", "meeting-timeout", "")

	case ProdProposal:
		if !st.HasMemo("prepare-proposal") {
			return workflow.RunStep("prepare-proposal", m.prepareProposal), nil
		}
		return m.awaitOrApply(st, "proposal-response", proposalDeadline, "proposal-accepted", "proposal-timeout", "proposal-rejected")

	case ProdNegotiation:
		return m.awaitOrApply(st, "production-terms", prodTermsDeadline, "terms-agreed", "negotiation-timeout", "terms-rejected")

	case ProdContract:
		if !st.HasMemo("grant-exclusivity") {
			return workflow.RunCompensableStep("grant-exclusivity", m.grantExclusivity), nil
		}
		if !st.HasMemo("generate-contract") {
			return workflow.RunStep("generate-contract", m.generateContract), nil
		}
		res, ok := st.WaitOutcome("contract-signature")
		if !ok {
			return workflow.AwaitEventFiltered("contract-signature", contractDeadline, signatureTerminal), nil
		}
		if res.Timeout {
			return workflow.Apply("contract-timeout", nil), nil
		}
		if status(res.Payload) == "completed" {
			return workflow.Apply("contract-signed", nil), nil
		}
		return workflow.Apply("contract-declined", nil), nil

	case ProdProduction:
		res, ok := st.WaitOutcome("production-completed")
		if !ok {
			return workflow.AwaitEvent("production-completed", productionDeadline), nil
		}
		if res.Timeout {
			return workflow.Apply("production-timeout", nil), nil
		}
		return workflow.Apply("production-completed", nil), nil
	}

	return workflow.Action{}, workflow.Fatal("UNKNOWN_STATE", "production machine has no logic for state %q", st.State)
}

// awaitOrApply implements the common wait-then-transition shape: wait
// for an event, map timeout and optional negative responses to their
// transitions, everything else to the positive transition.
func (m *ProductionMachine) awaitOrApply(st *workflow.InstanceState, event string, deadline time.Duration, onOK, onTimeout, onReject string) (workflow.Action, error) {
	res, ok := st.WaitOutcome(event)
	if !ok {
		return workflow.AwaitEvent(event, deadline), nil
	}
	if res.Timeout {
		return workflow.Apply(onTimeout, nil), nil
	}
	if onReject != "" {
		var r struct {
			Response string `json:"response"`
		}
		_ = json.Unmarshal(res.Payload, &r)
		if r.Response == "reject" {
			return workflow.Apply(onReject, nil), nil
		}
	}
	return workflow.Apply(onOK, nil), nil
}

// OnStepError implements workflow.Machine.
func (m *ProductionMachine) OnStepError(_ context.Context, _ *workflow.InstanceState, step string, err error) (workflow.Action, bool) {
	if !workflow.IsDomain(err) {
		return workflow.Action{}, false
	}
	switch step {
	case "capacity-check":
		return workflow.Apply("capacity-exceeded", nil), true
	case "grant-exclusivity":
		// Lost the race for the hold between Interest and Contract;
		// fall back to the waitlist instead of failing the deal.
		return workflow.Apply("exclusivity-claimed", nil), true
	}
	return workflow.Action{}, false
}

// Compensator implements workflow.Machine.
func (m *ProductionMachine) Compensator(step string) (workflow.StepFunc, bool) {
	if step == "grant-exclusivity" {
		return m.releaseExclusivity, true
	}
	return nil, false
}

// Steps.

func (m *ProductionMachine) joinWaitlist(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	if err := m.Entities.EnqueueWaitlist(ctx, p.PitchID, st.InstanceID); err != nil {
		return nil, err
	}
	_ = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "production.waitlisted",
		RecipientID: p.ProductionCompanyID,
		Channels:    []string{"email", "in_app"},
		Priority:    "normal",
		Data:        map[string]string{"instanceId": st.InstanceID, "pitchId": p.PitchID},
	})
	return map[string]string{"pitchId": p.PitchID}, nil
}

func (m *ProductionMachine) capacityCheck(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	n, err := m.Entities.ActiveProjectCount(ctx, p.ProductionCompanyID)
	if err != nil {
		return nil, err
	}
	if n > maxActiveProjects {
		return nil, workflow.Domain("CapacityExceeded", "company %s has %d active projects (limit %d)", p.ProductionCompanyID, n, maxActiveProjects)
	}
	return map[string]int{"activeProjects": n}, nil
}

func (m *ProductionMachine) notifyInterest(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	err = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "production.interest",
		RecipientID: p.CreatorID,
		Channels:    []string{"email", "in_app"},
		Priority:    "high",
		Data: map[string]string{
			"instanceId":   st.InstanceID,
			"companyId":    p.ProductionCompanyID,
			"interestType": p.InterestType,
		},
	})
	return nil, err
}

func (m *ProductionMachine) prepareProposal(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"pitchId":      p.PitchID,
		"companyId":    p.ProductionCompanyID,
		"interestType": p.InterestType,
	}
	blob, _ := json.Marshal(doc)
	key := "proposals/" + st.InstanceID + ".json"
	if err := m.Docs.Put(ctx, key, blob); err != nil {
		return nil, fmt.Errorf("failed to store proposal: %w", err)
	}
	return map[string]string{"document": key}, nil
}

func (m *ProductionMachine) grantExclusivity(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	until := m.Clock.Now().Add(exclusivityWindow)
	if err := m.Entities.GrantExclusivity(ctx, p.PitchID, st.InstanceID, until); err != nil {
		return nil, workflow.Domain("EXCLUSIVITY_HELD", "pitch %s exclusivity unavailable: %v", p.PitchID, err)
	}
	return map[string]any{"expiresAt": until}, nil
}

// releaseExclusivity is the grant-exclusivity compensator: it clears the
// hold and promotes the earliest waitlisted deal on the pitch.
func (m *ProductionMachine) releaseExclusivity(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	if err := m.Entities.ReleaseExclusivity(ctx, p.PitchID, st.InstanceID); err != nil {
		return nil, err
	}

	promoted, ok, err := m.Entities.PopWaitlist(ctx, p.PitchID)
	if err != nil {
		return nil, err
	}
	if ok && m.Engine != nil {
		payload, _ := json.Marshal(map[string]string{"pitchId": p.PitchID, "releasedBy": st.InstanceID})
		msgID := "promote:" + p.PitchID + ":" + promoted
		if err := m.Engine.Deliver(ctx, promoted, "exclusivity-released", msgID, payload); err != nil {
			return nil, err
		}
	}
	return map[string]any{"promoted": promoted}, nil
}

func (m *ProductionMachine) generateContract(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"pitchId":      p.PitchID,
		"companyId":    p.ProductionCompanyID,
		"creatorId":    p.CreatorID,
		"interestType": p.InterestType,
	}
	blob, _ := json.Marshal(doc)
	key := "contracts/" + st.InstanceID + ".json"
	if err := m.Docs.Put(ctx, key, blob); err != nil {
		return nil, fmt.Errorf("failed to store contract: %w", err)
	}

	envelopeID, err := m.Signatures.CreateEnvelope(ctx, "production-contract", []string{p.ProductionCompanyID, p.CreatorID}, map[string]string{
		"instanceId": st.InstanceID,
		"document":   key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create contract envelope: %w", err)
	}
	if err := m.Refs.PutProviderRef(ctx, envelopeID, st.InstanceID, "contract-signature"); err != nil {
		return nil, fmt.Errorf("failed to record envelope ref: %w", err)
	}
	return map[string]string{"envelopeId": envelopeID, "document": key}, nil
}
