package deal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
)

// Investment deal states.
const (
	InvInterest      = "interest"
	InvQualification = "qualification"
	InvNegotiation   = "negotiation"
	InvTermSheet     = "term_sheet"
	InvDueDiligence  = "due_diligence"
	InvCommitment    = "commitment"
	InvEscrow        = "escrow"
	InvClosing       = "closing"
	InvFunded        = "funded"
	InvCompleted     = "completed"
	InvWithdrawn     = "withdrawn"
	InvRejected      = "rejected"
	InvExpired       = "expired"
	InvFailed        = "failed"
)

// Negotiation deadlines.
const (
	creatorDecisionDeadline  = 7 * day
	investorResponseDeadline = 3 * day
	termSheetDeadline        = 5 * day
	commitmentDeadline       = 48 * time.Hour
	escrowDeadline           = 7 * day
	closingDeadline          = 7 * day
)

// maxCounterRounds bounds the counter-offer loop; a counter past the
// limit, or a declined counter at the limit, rejects the deal.
const maxCounterRounds = 2

// InvestmentDefinition returns the investment machine's transition table.
func InvestmentDefinition() *workflow.Definition {
	return workflow.NewDefinition(workflow.KindInvestment, InvInterest).
		Allow(InvInterest, "qualified", InvQualification).
		Allow(InvInterest, "qualification-failed", InvRejected).
		Allow(InvQualification, "accreditation-verified", InvNegotiation).
		Allow(InvQualification, "qualification-failed", InvRejected).
		Allow(InvNegotiation, "terms-agreed", InvTermSheet).
		Allow(InvNegotiation, "counter-offer", InvNegotiation).
		Allow(InvNegotiation, "counter-declined", InvNegotiation).
		Allow(InvNegotiation, "decision-timeout", InvExpired).
		Allow(InvNegotiation, "creator-declined", InvRejected).
		Allow(InvNegotiation, "negotiation-failed", InvRejected).
		Allow(InvTermSheet, "both-signed", InvDueDiligence).
		Allow(InvTermSheet, "signature-declined", InvRejected).
		Allow(InvTermSheet, "deadline-expired", InvExpired).
		Allow(InvDueDiligence, "diligence-complete", InvCommitment).
		Allow(InvDueDiligence, "issues-found", InvFailed).
		Allow(InvCommitment, "escrow-initiated", InvEscrow).
		Allow(InvCommitment, "commitment-timeout", InvExpired).
		Allow(InvCommitment, "commitment-withdrawn", InvWithdrawn).
		Allow(InvEscrow, "payment-succeeded", InvClosing).
		Allow(InvEscrow, "payment-failed", InvFailed).
		Allow(InvEscrow, "escrow-timeout", InvExpired).
		Allow(InvClosing, "documents-executed", InvFunded).
		Allow(InvClosing, "closing-declined", InvFailed).
		Allow(InvClosing, "closing-timeout", InvFailed).
		Allow(InvFunded, "transfer-confirmed", InvCompleted).
		MarkTerminal(InvCompleted, InvWithdrawn, InvRejected, InvExpired, InvFailed).
		MarkSuccess(InvCompleted)
}

// InvestmentMachine drives an investment deal from interest through
// escrow and closing to funding.
type InvestmentMachine struct {
	Entities   provider.EntityStore
	Docs       provider.DocumentStore
	Payments   provider.PaymentProvider
	Signatures provider.SignatureProvider
	Notify     provider.NotificationSink
	Refs       Refs
	Clock      workflow.Clock
}

// RegisterInvestment installs the machine and its transition table.
func RegisterInvestment(reg *workflow.Registry, m *InvestmentMachine) {
	reg.Register(InvestmentDefinition(), m)
}

// Kind implements workflow.Machine.
func (m *InvestmentMachine) Kind() workflow.Kind { return workflow.KindInvestment }

// Init implements workflow.Machine.
func (m *InvestmentMachine) Init(_ context.Context, raw json.RawMessage) (string, map[string]any, error) {
	var p InvestmentParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", nil, workflow.Domain("MALFORMED_PARAMS", "malformed investment parameters: %v", err)
	}
	return InvInterest, map[string]any{
		"proposedAmount": p.ProposedAmount,
		"agreedAmount":   p.ProposedAmount,
		"counterRounds":  0,
	}, nil
}

func (m *InvestmentMachine) params(st *workflow.InstanceState) (InvestmentParams, error) {
	var p InvestmentParams
	if err := json.Unmarshal(st.Params, &p); err != nil {
		return p, workflow.Fatal("MALFORMED_PARAMS", "corrupt investment parameters: %v", err)
	}
	return p, nil
}

// Next implements workflow.Machine.
func (m *InvestmentMachine) Next(_ context.Context, st *workflow.InstanceState) (workflow.Action, error) {
	switch st.State {
	case InvInterest:
		if !st.HasMemo("qualification-check") {
			return workflow.RunStep("qualification-check", m.qualificationCheck), nil
		}
		return workflow.Apply("qualified", nil), nil

	case InvQualification:
		if !st.HasMemo("verify-accreditation") {
			return workflow.RunStep("verify-accreditation", m.verifyAccreditation), nil
		}
		return workflow.Apply("accreditation-verified", nil), nil

	case InvNegotiation:
		return m.nextNegotiation(st)

	case InvTermSheet:
		if !st.HasMemo("generate-term-sheet") {
			return workflow.RunStep("generate-term-sheet", m.generateTermSheet), nil
		}
		res, ok := st.WaitOutcome("term-sheet-signed")
		if !ok {
			return workflow.AwaitEventFiltered("term-sheet-signed", termSheetDeadline, signatureTerminal), nil
		}
		if res.Timeout {
			return workflow.Apply("deadline-expired", nil), nil
		}
		if status(res.Payload) == "completed" {
			return workflow.Apply("both-signed", nil), nil
		}
		return workflow.Apply("signature-declined", nil), nil

	case InvDueDiligence:
		if !st.HasMemo("due-diligence") {
			return workflow.RunStep("due-diligence", m.dueDiligence), nil
		}
		return workflow.Apply("diligence-complete", nil), nil

	case InvCommitment:
		if !st.HasMemo("request-commitment") {
			return workflow.RunStep("request-commitment", m.requestCommitment), nil
		}
		res, ok := st.WaitOutcome("commitment-confirmed")
		if !ok {
			return workflow.AwaitEvent("commitment-confirmed", commitmentDeadline), nil
		}
		if res.Timeout {
			return workflow.Apply("commitment-timeout", nil), nil
		}
		var d struct {
			Decision string `json:"decision"`
		}
		_ = json.Unmarshal(res.Payload, &d)
		if d.Decision == "withdraw" {
			return workflow.Apply("commitment-withdrawn", nil), nil
		}
		return workflow.Apply("escrow-initiated", nil), nil

	case InvEscrow:
		if !st.HasMemo("hold-escrow") {
			return workflow.RunCompensableStep("hold-escrow", m.holdEscrow), nil
		}
		res, ok := st.WaitOutcome("payment-result")
		if !ok {
			return workflow.AwaitEventFiltered("payment-result", escrowDeadline, paymentTerminal), nil
		}
		if res.Timeout {
			return workflow.Apply("escrow-timeout", nil), nil
		}
		if status(res.Payload) == "succeeded" {
			return workflow.Apply("payment-succeeded", nil), nil
		}
		if !st.HasMemo("notify-payment-failed") {
			return workflow.RunStep("notify-payment-failed", m.notifyPaymentFailed), nil
		}
		return workflow.Apply("payment-failed", nil), nil

	case InvClosing:
		if !st.HasMemo("generate-closing-docs") {
			return workflow.RunStep("generate-closing-docs", m.generateClosingDocs), nil
		}
		res, ok := st.WaitOutcome("closing-docs")
		if !ok {
			return workflow.AwaitEventFiltered("closing-docs", closingDeadline, signatureTerminal), nil
		}
		if res.Timeout {
			return workflow.Apply("closing-timeout", nil), nil
		}
		if status(res.Payload) == "completed" {
			return workflow.Apply("documents-executed", nil), nil
		}
		return workflow.Apply("closing-declined", nil), nil

	case InvFunded:
		if !st.HasMemo("release-funds") {
			return workflow.RunStep("release-funds", m.releaseFunds), nil
		}
		if !st.HasMemo("update-funding") {
			return workflow.RunStep("update-funding", m.updateFunding), nil
		}
		if !st.HasMemo("notify-funded") {
			return workflow.RunStep("notify-funded", m.notifyFunded), nil
		}
		return workflow.Apply("transfer-confirmed", nil), nil
	}

	return workflow.Action{}, workflow.Fatal("UNKNOWN_STATE", "investment machine has no logic for state %q", st.State)
}

// nextNegotiation drives the creator-decision / counter-offer loop. Wait
// names carry the round number so each consultation is distinct on
// replay.
func (m *InvestmentMachine) nextNegotiation(st *workflow.InstanceState) (workflow.Action, error) {
	rounds := st.VarInt("counterRounds")

	if st.VarBool("pendingResponse") {
		wname := fmt.Sprintf("investor-response:%d", rounds)
		res, ok := st.WaitOutcome(wname)
		if !ok {
			nstep := fmt.Sprintf("notify-counter:%d", rounds)
			if !st.HasMemo(nstep) {
				return workflow.RunStep(nstep, m.notifyCounter), nil
			}
			return workflow.AwaitEvent(wname, investorResponseDeadline), nil
		}

		accepted := false
		if !res.Timeout {
			var r struct {
				Response string `json:"response"`
			}
			_ = json.Unmarshal(res.Payload, &r)
			accepted = r.Response == "accept"
		}
		if accepted {
			return workflow.Apply("terms-agreed", map[string]any{"pendingResponse": false}), nil
		}
		if rounds >= maxCounterRounds {
			return workflow.Apply("negotiation-failed", map[string]any{"pendingResponse": false}), nil
		}
		return workflow.Apply("counter-declined", map[string]any{"pendingResponse": false}), nil
	}

	wname := fmt.Sprintf("creator-decision:%d", rounds)
	res, ok := st.WaitOutcome(wname)
	if !ok {
		nstep := fmt.Sprintf("notify-creator:%d", rounds)
		if !st.HasMemo(nstep) {
			return workflow.RunStep(nstep, m.notifyCreatorDecision), nil
		}
		return workflow.AwaitEvent(wname, creatorDecisionDeadline), nil
	}
	if res.Timeout {
		return workflow.Apply("decision-timeout", nil), nil
	}

	var d struct {
		Decision      string `json:"decision"`
		CounterAmount int64  `json:"counterAmount"`
	}
	_ = json.Unmarshal(res.Payload, &d)
	switch d.Decision {
	case "approve":
		return workflow.Apply("terms-agreed", nil), nil
	case "counter":
		if rounds >= maxCounterRounds {
			return workflow.Apply("negotiation-failed", nil), nil
		}
		amount := d.CounterAmount
		if amount <= 0 {
			amount = st.VarInt("agreedAmount")
		}
		return workflow.Apply("counter-offer", map[string]any{
			"counterRounds":   rounds + 1,
			"agreedAmount":    amount,
			"pendingResponse": true,
		}), nil
	default:
		return workflow.Apply("creator-declined", nil), nil
	}
}

// OnStepError implements workflow.Machine: domain failures in known
// steps map to reject/failure transitions; everything else escalates.
func (m *InvestmentMachine) OnStepError(_ context.Context, _ *workflow.InstanceState, step string, err error) (workflow.Action, bool) {
	if !workflow.IsDomain(err) {
		return workflow.Action{}, false
	}
	switch step {
	case "qualification-check", "verify-accreditation":
		return workflow.Apply("qualification-failed", nil), true
	case "due-diligence":
		return workflow.Apply("issues-found", nil), true
	case "hold-escrow":
		return workflow.Apply("payment-failed", nil), true
	}
	return workflow.Action{}, false
}

// Compensator implements workflow.Machine.
func (m *InvestmentMachine) Compensator(step string) (workflow.StepFunc, bool) {
	if step == "hold-escrow" {
		return m.refundEscrow, true
	}
	return nil, false
}

// Steps.

func (m *InvestmentMachine) qualificationCheck(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	if !p.NDAAccepted {
		return nil, workflow.Domain("NDA_NOT_ACCEPTED", "investor has not accepted the pitch NDA")
	}
	if p.ProposedAmount < 1000 || p.ProposedAmount > 10000000 {
		return nil, workflow.Domain("AMOUNT_OUT_OF_RANGE", "proposed amount %d outside 1000..10000000", p.ProposedAmount)
	}
	if _, err := m.Entities.GetPitch(ctx, p.PitchID); err != nil {
		return nil, workflow.Domain("UNKNOWN_PITCH", "pitch %s not found", p.PitchID)
	}
	return map[string]any{"qualified": true}, nil
}

func (m *InvestmentMachine) verifyAccreditation(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	investor, err := m.Entities.GetUser(ctx, p.InvestorID)
	if err != nil {
		return nil, workflow.Domain("UNKNOWN_INVESTOR", "investor %s not found", p.InvestorID)
	}
	if !investor.IdentityVerified {
		return nil, workflow.Domain("ACCREDITATION", "investor %s has not completed identity verification", p.InvestorID)
	}
	return map[string]any{"accredited": true}, nil
}

func (m *InvestmentMachine) notifyCreatorDecision(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	err = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "investment.decision_requested",
		RecipientID: p.CreatorID,
		Channels:    []string{"email", "in_app"},
		Priority:    "high",
		Data: map[string]string{
			"instanceId": st.InstanceID,
			"amount":     fmt.Sprintf("%d", st.VarInt("agreedAmount")),
		},
	})
	return nil, err
}

func (m *InvestmentMachine) notifyCounter(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	err = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "investment.counter_offer",
		RecipientID: p.InvestorID,
		Channels:    []string{"email", "push", "in_app"},
		Priority:    "high",
		Data: map[string]string{
			"instanceId":    st.InstanceID,
			"counterAmount": fmt.Sprintf("%d", st.VarInt("agreedAmount")),
		},
	})
	return nil, err
}

func (m *InvestmentMachine) generateTermSheet(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"pitchId":        p.PitchID,
		"investorId":     p.InvestorID,
		"creatorId":      p.CreatorID,
		"agreedAmount":   st.VarInt("agreedAmount"),
		"investmentType": p.InvestmentType,
	}
	blob, _ := json.Marshal(doc)
	key := "term-sheets/" + st.InstanceID + ".json"
	if err := m.Docs.Put(ctx, key, blob); err != nil {
		return nil, fmt.Errorf("failed to store term sheet: %w", err)
	}

	envelopeID, err := m.Signatures.CreateEnvelope(ctx, "term-sheet", []string{p.InvestorID, p.CreatorID}, map[string]string{
		"instanceId": st.InstanceID,
		"document":   key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create term sheet envelope: %w", err)
	}
	if err := m.Refs.PutProviderRef(ctx, envelopeID, st.InstanceID, "term-sheet-signed"); err != nil {
		return nil, fmt.Errorf("failed to record envelope ref: %w", err)
	}
	return map[string]string{"envelopeId": envelopeID, "document": key}, nil
}

func (m *InvestmentMachine) dueDiligence(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	if _, err := m.Entities.GetUser(ctx, p.CreatorID); err != nil {
		return nil, workflow.Domain("DILIGENCE", "creator %s not found", p.CreatorID)
	}
	pitch, err := m.Entities.GetPitch(ctx, p.PitchID)
	if err != nil {
		return nil, workflow.Domain("DILIGENCE", "pitch %s not found", p.PitchID)
	}
	return map[string]any{"pitchTitle": pitch.Title, "cleared": true}, nil
}

func (m *InvestmentMachine) requestCommitment(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	err = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "investment.commitment_requested",
		RecipientID: p.InvestorID,
		Channels:    []string{"email", "push"},
		Priority:    "high",
		Data:        map[string]string{"instanceId": st.InstanceID},
	})
	return nil, err
}

func (m *InvestmentMachine) holdEscrow(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	amount := st.VarInt("agreedAmount")
	intentID, err := m.Payments.HoldFunds(ctx, st.InstanceID+":hold-escrow", amount, map[string]string{
		"instanceId": st.InstanceID,
		"pitchId":    p.PitchID,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Refs.PutProviderRef(ctx, intentID, st.InstanceID, "payment-result"); err != nil {
		return nil, fmt.Errorf("failed to record intent ref: %w", err)
	}
	return map[string]string{"intentId": intentID}, nil
}

func (m *InvestmentMachine) refundEscrow(ctx context.Context, st *workflow.InstanceState) (any, error) {
	var out struct {
		IntentID string `json:"intentId"`
	}
	ok, err := st.MemoOutput("hold-escrow", &out)
	if err != nil {
		return nil, err
	}
	if !ok || out.IntentID == "" {
		// Nothing was held; refund is a no-op.
		return map[string]any{"refunded": false}, nil
	}
	if err := m.Payments.Refund(ctx, out.IntentID); err != nil {
		return nil, err
	}
	p, perr := m.params(st)
	if perr == nil {
		_ = m.Notify.Enqueue(ctx, provider.Notification{
			Type:        "investment.refunded",
			RecipientID: p.InvestorID,
			Channels:    []string{"email", "in_app"},
			Priority:    "high",
			Data:        map[string]string{"instanceId": st.InstanceID, "intentId": out.IntentID},
		})
	}
	return map[string]any{"refunded": true, "intentId": out.IntentID}, nil
}

func (m *InvestmentMachine) notifyPaymentFailed(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	err = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "investment.payment_failed",
		RecipientID: p.InvestorID,
		Channels:    []string{"email", "push", "in_app"},
		Priority:    "urgent",
		Data:        map[string]string{"instanceId": st.InstanceID},
	})
	return nil, err
}

func (m *InvestmentMachine) generateClosingDocs(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"pitchId":      p.PitchID,
		"investorId":   p.InvestorID,
		"agreedAmount": st.VarInt("agreedAmount"),
		"kind":         "closing",
	}
	blob, _ := json.Marshal(doc)
	key := "closing-docs/" + st.InstanceID + ".json"
	if err := m.Docs.Put(ctx, key, blob); err != nil {
		return nil, fmt.Errorf("failed to store closing docs: %w", err)
	}

	envelopeID, err := m.Signatures.CreateEnvelope(ctx, "closing", []string{p.InvestorID, p.CreatorID}, map[string]string{
		"instanceId": st.InstanceID,
		"document":   key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create closing envelope: %w", err)
	}
	if err := m.Refs.PutProviderRef(ctx, envelopeID, st.InstanceID, "closing-docs"); err != nil {
		return nil, fmt.Errorf("failed to record envelope ref: %w", err)
	}
	return map[string]string{"envelopeId": envelopeID, "document": key}, nil
}

func (m *InvestmentMachine) releaseFunds(ctx context.Context, st *workflow.InstanceState) (any, error) {
	var out struct {
		IntentID string `json:"intentId"`
	}
	ok, err := st.MemoOutput("hold-escrow", &out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, workflow.Fatal("NO_INTENT", "escrow funds were never held")
	}
	if err := m.Payments.ReleaseFunds(ctx, out.IntentID); err != nil {
		return nil, err
	}
	return map[string]string{"intentId": out.IntentID}, nil
}

func (m *InvestmentMachine) updateFunding(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	amount := st.VarInt("agreedAmount")
	if err := m.Entities.AddPitchFunding(ctx, p.PitchID, amount); err != nil {
		return nil, err
	}
	return map[string]int64{"added": amount}, nil
}

func (m *InvestmentMachine) notifyFunded(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	for _, rcpt := range []string{p.InvestorID, p.CreatorID} {
		if err := m.Notify.Enqueue(ctx, provider.Notification{
			Type:        "investment.funded",
			RecipientID: rcpt,
			Channels:    []string{"email", "in_app"},
			Priority:    "normal",
			Data: map[string]string{
				"instanceId": st.InstanceID,
				"amount":     fmt.Sprintf("%d", st.VarInt("agreedAmount")),
			},
		}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// status decodes the status field of a webhook payload.
func status(raw json.RawMessage) string {
	var p statusPayload
	_ = json.Unmarshal(raw, &p)
	return p.Status
}
