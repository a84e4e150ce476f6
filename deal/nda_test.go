package deal

import (
	"context"
	"testing"
	"time"

	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
)

func (e *dealEnv) registerNDA() {
	RegisterNDA(e.reg, &NDAMachine{
		Entities:   e.entities,
		Docs:       e.docs,
		Templates:  e.templates,
		Signatures: e.signatures,
		Notify:     e.notify,
		Refs:       e.store,
		Clock:      e.clock,
	})
}

func newNDAEnv(t *testing.T) *dealEnv {
	t.Helper()
	env := newDealEnv(t)
	env.registerNDA()
	// A fully trusted requester routes auto; a fresh unverified one routes
	// for review.
	env.entities.AddUser(provider.User{
		ID:               "trusted-1",
		EmailVerified:    true,
		PhoneVerified:    true,
		IdentityVerified: true,
		TrustScore:       90,
		CreatedAt:        env.clock.Now().Add(-400 * day),
	})
	env.entities.AddUser(provider.User{
		ID:            "newcomer-1",
		EmailVerified: true,
		CreatedAt:     env.clock.Now().Add(-2 * day),
	})
	env.entities.AddUser(provider.User{
		ID:          "flagged-1",
		CreatedAt:   env.clock.Now().Add(-2 * day),
		NDABreaches: 1,
	})
	return env
}

func (e *dealEnv) startNDA(t *testing.T, mutate func(*NDAParams)) string {
	t.Helper()
	spec, err := PrepareStart(context.Background(), workflow.KindNDA, ndaParams(mutate), e.entities)
	if err != nil {
		t.Fatalf("PrepareStart: %v", err)
	}
	id, err := e.sched.StartInstance(context.Background(), workflow.StartRequest{
		Kind:    spec.Kind,
		Params:  spec.Params,
		PitchID: spec.PitchID,
		Parties: spec.Parties,
	})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	return id
}

func TestNDAAutoApproveRoute(t *testing.T) {
	env := newNDAEnv(t)

	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "trusted-1" })
	st := env.requireAt(t, id, NDAPending, workflow.StatusWaiting)

	if st.VarString("riskRoute") != RouteAuto || st.VarString("riskLevel") != RiskLow {
		t.Fatalf("route=%s level=%s", st.VarString("riskRoute"), st.VarString("riskLevel"))
	}
	if !env.docs.Has("ndas/" + id + ".json") {
		t.Fatal("nda document missing")
	}
}

func TestNDACreatorReviewRoute(t *testing.T) {
	env := newNDAEnv(t)

	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "newcomer-1" })
	st := env.requireAt(t, id, NDADraft, workflow.StatusWaiting)
	if st.VarString("riskRoute") != "" {
		t.Fatal("risk vars must not be set before the review transition")
	}

	env.deliver(t, id, "creator-review", `{"decision":"approve"}`)
	st = env.requireAt(t, id, NDAPending, workflow.StatusWaiting)
	if st.VarString("riskRoute") != RouteCreator {
		t.Fatalf("riskRoute = %s", st.VarString("riskRoute"))
	}

	found := false
	for _, ty := range env.notify.SentTypes() {
		if ty == "nda.review_requested" {
			found = true
		}
	}
	if !found {
		t.Error("creator review notification never sent")
	}
}

func TestNDACreatorReviewRejected(t *testing.T) {
	env := newNDAEnv(t)

	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "newcomer-1" })
	env.deliver(t, id, "creator-review", `{"decision":"reject"}`)
	env.requireAt(t, id, NDARejected, workflow.StatusFailed)
}

func TestNDALegalReviewRoute(t *testing.T) {
	env := newNDAEnv(t)

	// A prior breach forces legal review regardless of score.
	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "flagged-1" })
	env.requireAt(t, id, NDADraft, workflow.StatusWaiting)

	found := false
	for _, n := range env.notify.Sent {
		if n.Type == "nda.legal_review_requested" {
			found = true
			if n.RecipientID != "legal-team" || n.Data["riskScore"] == "" {
				t.Fatalf("legal review notification = %+v", n)
			}
		}
	}
	if !found {
		t.Fatal("legal review notification never sent")
	}

	env.deliver(t, id, "legal-review", `{"decision":"approve"}`)
	st := env.requireAt(t, id, NDAPending, workflow.StatusWaiting)
	if st.VarString("riskRoute") != RouteLegal || st.VarString("riskLevel") != RiskHigh {
		t.Fatalf("route=%s level=%s", st.VarString("riskRoute"), st.VarString("riskLevel"))
	}
}

func TestNDAReviewTimeout(t *testing.T) {
	env := newNDAEnv(t)

	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "newcomer-1" })
	env.requireAt(t, id, NDADraft, workflow.StatusWaiting)

	env.clock.Advance(73 * time.Hour)
	if err := env.sched.PollTimersOnce(context.Background()); err != nil {
		t.Fatalf("PollTimersOnce: %v", err)
	}
	env.requireAt(t, id, NDARejected, workflow.StatusFailed)
}

func TestNDASignatureLifecycle(t *testing.T) {
	env := newNDAEnv(t)
	ctx := context.Background()

	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "trusted-1" })
	env.requireAt(t, id, NDAPending, workflow.StatusWaiting)

	// Progress statuses loop through self-transitions and re-arm the wait.
	env.deliver(t, id, "signature-update", `{"status":"sent"}`)
	env.requireAt(t, id, NDAPending, workflow.StatusWaiting)

	env.deliver(t, id, "signature-update", `{"status":"delivered"}`)
	env.requireAt(t, id, NDAViewed, workflow.StatusWaiting)

	// A second delivered ping while viewed is noted, not a transition back.
	env.deliver(t, id, "signature-update", `{"status":"delivered"}`)
	env.requireAt(t, id, NDAViewed, workflow.StatusWaiting)

	env.deliver(t, id, "signature-update", `{"status":"completed"}`)
	st := env.requireAt(t, id, NDAActive, workflow.StatusSleeping)

	// Activation granted pitch access through the agreed term and
	// persisted the executed record.
	until, ok := env.entities.AccessUntil("trusted-1", "pitch-1")
	if !ok {
		t.Fatal("pitch access not granted")
	}
	wantUntil := env.clock.Now().AddDate(0, 12, 0)
	if !until.Equal(wantUntil) {
		t.Fatalf("access until %v, want %v", until, wantUntil)
	}
	if !st.VarTime("expiresAt").Equal(wantUntil) {
		t.Fatalf("expiresAt var = %v", st.VarTime("expiresAt"))
	}

	active, err := env.entities.HasActiveNDA(ctx, "trusted-1", "pitch-1")
	if err != nil || !active {
		t.Fatalf("HasActiveNDA = %v, %v", active, err)
	}
}

func TestNDAExpiryRevokesAccess(t *testing.T) {
	env := newNDAEnv(t)

	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "trusted-1" })
	env.deliver(t, id, "signature-update", `{"status":"completed"}`)
	env.requireAt(t, id, NDAActive, workflow.StatusSleeping)

	// The full 12-month term elapses.
	env.clock.Advance(366 * day)
	if err := env.sched.PollTimersOnce(context.Background()); err != nil {
		t.Fatalf("PollTimersOnce: %v", err)
	}
	env.requireAt(t, id, NDAExpired, workflow.StatusCompleted)

	if _, ok := env.entities.AccessUntil("trusted-1", "pitch-1"); ok {
		t.Fatal("access not revoked at expiry")
	}
}

func TestNDAEnvelopeDeclined(t *testing.T) {
	env := newNDAEnv(t)

	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "trusted-1" })
	env.deliver(t, id, "signature-update", `{"status":"delivered"}`)
	env.deliver(t, id, "signature-update", `{"status":"declined"}`)
	env.requireAt(t, id, NDARejected, workflow.StatusFailed)

	// Nothing was activated, so nothing to roll back.
	if _, ok := env.entities.AccessUntil("trusted-1", "pitch-1"); ok {
		t.Fatal("declined nda granted access")
	}
}

func TestNDASignatureTimeout(t *testing.T) {
	env := newNDAEnv(t)

	id := env.startNDA(t, func(p *NDAParams) { p.RequesterID = "trusted-1" })
	env.requireAt(t, id, NDAPending, workflow.StatusWaiting)

	env.clock.Advance(31 * day)
	if err := env.sched.PollTimersOnce(context.Background()); err != nil {
		t.Fatalf("PollTimersOnce: %v", err)
	}
	env.requireAt(t, id, NDARejected, workflow.StatusFailed)
}

func TestNDAMissingTemplateScoredCustom(t *testing.T) {
	env := newNDAEnv(t)

	// trusted-1 with an unknown template picks up the custom-template
	// weight (20) and lands in the creator band.
	id := env.startNDA(t, func(p *NDAParams) {
		p.RequesterID = "trusted-1"
		p.TemplateID = "bespoke-nda"
		p.CustomTerms = []string{"no-screenshots", "no-sharing"}
	})
	env.requireAt(t, id, NDADraft, workflow.StatusWaiting)

	env.deliver(t, id, "creator-review", `{"decision":"approve"}`)
	st := env.requireAt(t, id, NDAPending, workflow.StatusWaiting)
	if st.VarString("riskRoute") != RouteCreator {
		t.Fatalf("riskRoute = %s, want creator", st.VarString("riskRoute"))
	}
	if st.VarInt("riskScore") != 30 {
		t.Fatalf("riskScore = %d, want 30", st.VarInt("riskScore"))
	}
}
