package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
)

// NDA states.
const (
	NDADraft    = "draft"
	NDAPending  = "pending"
	NDAViewed   = "viewed"
	NDASigned   = "signed"
	NDAActive   = "active"
	NDAExpired  = "expired"
	NDARejected = "rejected"
)

const (
	creatorReviewDeadline = 72 * time.Hour
	legalReviewDeadline   = 48 * time.Hour
	signatureDeadline     = 30 * day
)

// NDADefinition returns the NDA machine's transition table. An NDA that
// runs its full term ends Expired, which counts as success.
func NDADefinition() *workflow.Definition {
	return workflow.NewDefinition(workflow.KindNDA, NDADraft).
		Allow(NDADraft, "auto-approved", NDAPending).
		Allow(NDADraft, "creator-approved", NDAPending).
		Allow(NDADraft, "legal-approved", NDAPending).
		Allow(NDADraft, "review-rejected", NDARejected).
		Allow(NDADraft, "review-timeout", NDARejected).
		Allow(NDAPending, "envelope-delivered", NDAViewed).
		Allow(NDAPending, "envelope-completed", NDASigned).
		Allow(NDAPending, "envelope-declined", NDARejected).
		Allow(NDAPending, "signature-timeout", NDARejected).
		Allow(NDAPending, "signature-noted", NDAPending).
		Allow(NDAViewed, "envelope-completed", NDASigned).
		Allow(NDAViewed, "envelope-declined", NDARejected).
		Allow(NDAViewed, "signature-timeout", NDARejected).
		Allow(NDAViewed, "signature-noted", NDAViewed).
		Allow(NDASigned, "activated", NDAActive).
		Allow(NDAActive, "nda-expired", NDAExpired).
		MarkTerminal(NDAExpired, NDARejected).
		MarkSuccess(NDAExpired)
}

// NDAMachine drives an NDA request through risk assessment, approval
// routing, e-signature, and the active period through natural expiry.
type NDAMachine struct {
	Entities   provider.EntityStore
	Docs       provider.DocumentStore
	Templates  provider.TemplateStore
	Signatures provider.SignatureProvider
	Notify     provider.NotificationSink
	Refs       Refs
	Clock      workflow.Clock
}

// RegisterNDA installs the machine and its transition table.
func RegisterNDA(reg *workflow.Registry, m *NDAMachine) {
	reg.Register(NDADefinition(), m)
}

// Kind implements workflow.Machine.
func (m *NDAMachine) Kind() workflow.Kind { return workflow.KindNDA }

// Init implements workflow.Machine.
func (m *NDAMachine) Init(_ context.Context, raw json.RawMessage) (string, map[string]any, error) {
	var p NDAParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", nil, workflow.Domain("MALFORMED_PARAMS", "malformed nda parameters: %v", err)
	}
	return NDADraft, nil, nil
}

func (m *NDAMachine) params(st *workflow.InstanceState) (NDAParams, error) {
	var p NDAParams
	if err := json.Unmarshal(st.Params, &p); err != nil {
		return p, workflow.Fatal("MALFORMED_PARAMS", "corrupt nda parameters: %v", err)
	}
	return p, nil
}

// Next implements workflow.Machine.
func (m *NDAMachine) Next(_ context.Context, st *workflow.InstanceState) (workflow.Action, error) {
	switch st.State {
	case NDADraft:
		return m.nextDraft(st)
	case NDAPending, NDAViewed:
		return m.nextSignature(st)
	case NDASigned:
		if !st.HasMemo("activate-nda") {
			return workflow.RunCompensableStep("activate-nda", m.activateNDA), nil
		}
		var out struct {
			ExpiresAt time.Time `json:"expiresAt"`
		}
		if _, err := st.MemoOutput("activate-nda", &out); err != nil {
			return workflow.Action{}, err
		}
		return workflow.Apply("activated", map[string]any{"expiresAt": out.ExpiresAt}), nil
	case NDAActive:
		if _, ok := st.WaitOutcome("nda-expiry"); !ok {
			until := st.VarTime("expiresAt")
			d := until.Sub(m.Clock.Now())
			if d < 0 {
				d = 0
			}
			return workflow.Sleep("nda-expiry", d), nil
		}
		if !st.HasMemo("revoke-access") {
			return workflow.RunStep("revoke-access", m.revokeAccess), nil
		}
		return workflow.Apply("nda-expired", nil), nil
	}

	return workflow.Action{}, workflow.Fatal("UNKNOWN_STATE", "nda machine has no logic for state %q", st.State)
}

// nextDraft runs risk assessment and routes the request for approval.
func (m *NDAMachine) nextDraft(st *workflow.InstanceState) (workflow.Action, error) {
	if !st.HasMemo("load-requester") {
		return workflow.RunStep("load-requester", m.loadRequester), nil
	}
	if !st.HasMemo("load-template") {
		return workflow.RunStep("load-template", m.loadTemplate), nil
	}
	if !st.HasMemo("assess-risk") {
		return workflow.RunStep("assess-risk", m.assessRisk), nil
	}

	var risk RiskAssessment
	if _, err := st.MemoOutput("assess-risk", &risk); err != nil {
		return workflow.Action{}, err
	}
	riskVars := map[string]any{
		"riskScore": risk.Score,
		"riskLevel": risk.Level,
		"riskRoute": risk.Route,
	}

	switch risk.Route {
	case RouteAuto:
		return workflow.Apply("auto-approved", riskVars), nil

	case RouteCreator:
		if !st.HasMemo("notify-creator-review") {
			return workflow.RunStep("notify-creator-review", m.notifyCreatorReview), nil
		}
		return m.reviewOutcome(st, "creator-review", creatorReviewDeadline, "creator-approved", riskVars)

	case RouteLegal:
		if !st.HasMemo("notify-legal-review") {
			return workflow.RunStep("notify-legal-review", m.notifyLegalReview), nil
		}
		return m.reviewOutcome(st, "legal-review", legalReviewDeadline, "legal-approved", riskVars)
	}

	return workflow.Action{}, workflow.Fatal("UNKNOWN_ROUTE", "risk assessment produced unknown route %q", risk.Route)
}

func (m *NDAMachine) reviewOutcome(st *workflow.InstanceState, wait string, deadline time.Duration, onApprove string, vars map[string]any) (workflow.Action, error) {
	res, ok := st.WaitOutcome(wait)
	if !ok {
		return workflow.AwaitEvent(wait, deadline), nil
	}
	if res.Timeout {
		return workflow.Apply("review-timeout", vars), nil
	}
	var d struct {
		Decision string `json:"decision"`
	}
	_ = json.Unmarshal(res.Payload, &d)
	if d.Decision == "approve" {
		return workflow.Apply(onApprove, vars), nil
	}
	return workflow.Apply("review-rejected", vars), nil
}

// nextSignature drives the envelope lifecycle shared by Pending and
// Viewed. Progress statuses (sent, delivered when already viewed) are
// consumed through self-loop transitions; the sigSeenVersion var keeps a
// re-entered wait from re-processing an already-handled result.
func (m *NDAMachine) nextSignature(st *workflow.InstanceState) (workflow.Action, error) {
	if !st.HasMemo("send-for-signature") {
		return workflow.RunStep("send-for-signature", m.sendForSignature), nil
	}

	res, ok := st.WaitOutcome("signature-update")
	if !ok || res.Version <= st.VarInt("sigSeenVersion") {
		return workflow.AwaitEvent("signature-update", signatureDeadline), nil
	}
	seen := map[string]any{"sigSeenVersion": res.Version}

	if res.Timeout {
		return workflow.Apply("signature-timeout", seen), nil
	}
	switch status(res.Payload) {
	case "completed":
		return workflow.Apply("envelope-completed", seen), nil
	case "declined", "voided":
		return workflow.Apply("envelope-declined", seen), nil
	case "delivered":
		if st.State == NDAPending {
			return workflow.Apply("envelope-delivered", seen), nil
		}
		return workflow.Apply("signature-noted", seen), nil
	default:
		return workflow.Apply("signature-noted", seen), nil
	}
}

// OnStepError implements workflow.Machine. NDA steps have no domain
// reject paths; failures escalate to compensation.
func (m *NDAMachine) OnStepError(_ context.Context, _ *workflow.InstanceState, _ string, _ error) (workflow.Action, bool) {
	return workflow.Action{}, false
}

// Compensator implements workflow.Machine.
func (m *NDAMachine) Compensator(step string) (workflow.StepFunc, bool) {
	if step == "activate-nda" {
		return m.revokeAccess, true
	}
	return nil, false
}

// Steps.

func (m *NDAMachine) loadRequester(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	u, err := m.Entities.GetUser(ctx, p.RequesterID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, workflow.Domain("UNKNOWN_REQUESTER", "requester %s not found", p.RequesterID)
		}
		return nil, err
	}
	return map[string]any{
		"emailVerified":    u.EmailVerified,
		"phoneVerified":    u.PhoneVerified,
		"identityVerified": u.IdentityVerified,
		"trustScore":       u.TrustScore,
		"createdAt":        u.CreatedAt,
		"ndaBreaches":      u.NDABreaches,
		"ndaDisputes":      u.NDADisputes,
	}, nil
}

// loadTemplate resolves the requested NDA template. A missing template is
// not an error: it is scored as a custom template.
func (m *NDAMachine) loadTemplate(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	tpl, err := m.Templates.GetTemplate(ctx, p.TemplateID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			tpl = provider.Template{ID: p.TemplateID, Type: "custom"}
		} else {
			return nil, err
		}
	}
	return map[string]string{"templateType": tpl.Type}, nil
}

func (m *NDAMachine) assessRisk(_ context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	var requester struct {
		EmailVerified    bool      `json:"emailVerified"`
		PhoneVerified    bool      `json:"phoneVerified"`
		IdentityVerified bool      `json:"identityVerified"`
		TrustScore       float64   `json:"trustScore"`
		CreatedAt        time.Time `json:"createdAt"`
		NDABreaches      int       `json:"ndaBreaches"`
		NDADisputes      int       `json:"ndaDisputes"`
	}
	if _, err := st.MemoOutput("load-requester", &requester); err != nil {
		return nil, err
	}
	var tpl struct {
		TemplateType string `json:"templateType"`
	}
	if _, err := st.MemoOutput("load-template", &tpl); err != nil {
		return nil, err
	}

	return ScoreRisk(RiskInput{
		EmailVerified:           requester.EmailVerified,
		PhoneVerified:           requester.PhoneVerified,
		IdentityVerified:        requester.IdentityVerified,
		AccountAge:              m.Clock.Now().Sub(requester.CreatedAt),
		TrustScore:              requester.TrustScore,
		TemplateType:            tpl.TemplateType,
		CustomTerms:             len(p.CustomTerms),
		DurationMonths:          p.DurationMonths,
		TerritorialRestrictions: len(p.TerritorialRestrictions),
		PriorBreaches:           requester.NDABreaches,
		PriorDisputes:           requester.NDADisputes,
	}), nil
}

func (m *NDAMachine) notifyCreatorReview(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	err = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "nda.review_requested",
		RecipientID: p.CreatorID,
		Channels:    []string{"email", "in_app"},
		Priority:    "high",
		Data: map[string]string{
			"instanceId":  st.InstanceID,
			"requesterId": p.RequesterID,
			"pitchId":     p.PitchID,
		},
	})
	return nil, err
}

func (m *NDAMachine) notifyLegalReview(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	var risk RiskAssessment
	if _, err := st.MemoOutput("assess-risk", &risk); err != nil {
		return nil, err
	}
	err = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "nda.legal_review_requested",
		RecipientID: "legal-team",
		Channels:    []string{"email"},
		Priority:    "urgent",
		Data: map[string]string{
			"instanceId":  st.InstanceID,
			"requesterId": p.RequesterID,
			"pitchId":     p.PitchID,
			"riskScore":   fmt.Sprintf("%d", risk.Score),
		},
	})
	return nil, err
}

func (m *NDAMachine) sendForSignature(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"pitchId":                 p.PitchID,
		"requesterId":             p.RequesterID,
		"requesterEmail":          p.RequesterEmail,
		"templateId":              p.TemplateID,
		"durationMonths":          p.DurationMonths,
		"customTerms":             p.CustomTerms,
		"territorialRestrictions": p.TerritorialRestrictions,
	}
	blob, _ := json.Marshal(doc)
	key := "ndas/" + st.InstanceID + ".json"
	if err := m.Docs.Put(ctx, key, blob); err != nil {
		return nil, fmt.Errorf("failed to store nda document: %w", err)
	}

	envelopeID, err := m.Signatures.CreateEnvelope(ctx, p.TemplateID, []string{p.RequesterEmail}, map[string]string{
		"instanceId": st.InstanceID,
		"document":   key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create nda envelope: %w", err)
	}
	if err := m.Refs.PutProviderRef(ctx, envelopeID, st.InstanceID, "signature-update"); err != nil {
		return nil, fmt.Errorf("failed to record envelope ref: %w", err)
	}
	return map[string]string{"envelopeId": envelopeID, "document": key}, nil
}

// activateNDA grants pitch access for the agreed term and persists the
// executed NDA row. Its compensator revokes the access.
func (m *NDAMachine) activateNDA(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	now := m.Clock.Now()
	expiresAt := now.AddDate(0, p.DurationMonths, 0)

	if err := m.Entities.GrantPitchAccess(ctx, p.RequesterID, p.PitchID, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to grant pitch access: %w", err)
	}
	if err := m.Entities.PutNDA(ctx, provider.NDARecord{
		InstanceID:  st.InstanceID,
		RequesterID: p.RequesterID,
		PitchID:     p.PitchID,
		TemplateID:  p.TemplateID,
		RiskScore:   int(st.VarInt("riskScore")),
		RiskLevel:   st.VarString("riskLevel"),
		SignedAt:    now,
		ExpiresAt:   expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist nda record: %w", err)
	}

	_ = m.Notify.Enqueue(ctx, provider.Notification{
		Type:        "nda.activated",
		RecipientID: p.RequesterID,
		Channels:    []string{"email", "in_app"},
		Priority:    "normal",
		Data:        map[string]string{"instanceId": st.InstanceID, "pitchId": p.PitchID},
	})
	return map[string]any{"expiresAt": expiresAt}, nil
}

func (m *NDAMachine) revokeAccess(ctx context.Context, st *workflow.InstanceState) (any, error) {
	p, err := m.params(st)
	if err != nil {
		return nil, err
	}
	if err := m.Entities.RevokePitchAccess(ctx, p.RequesterID, p.PitchID); err != nil {
		return nil, err
	}
	return map[string]string{"pitchId": p.PitchID}, nil
}
