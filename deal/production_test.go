package deal

import (
	"context"
	"testing"

	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
)

func (e *dealEnv) registerProduction() {
	RegisterProduction(e.reg, &ProductionMachine{
		Entities:   e.entities,
		Docs:       e.docs,
		Signatures: e.signatures,
		Notify:     e.notify,
		Refs:       e.store,
		Clock:      e.clock,
		Engine:     e.sched,
	})
}

func productionParams(mutate func(*ProductionParams)) *ProductionParams {
	p := &ProductionParams{
		ProductionCompanyID: "company-1",
		PitchID:             "pitch-1",
		CreatorID:           "creator-1",
		InterestType:        "option",
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func (e *dealEnv) startProduction(t *testing.T, mutate func(*ProductionParams)) string {
	t.Helper()
	spec, err := PrepareStart(context.Background(), workflow.KindProduction, mustMarshal(productionParams(mutate)), e.entities)
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

func newProductionEnv(t *testing.T) *dealEnv {
	t.Helper()
	env := newDealEnv(t)
	env.registerProduction()
	env.entities.AddUser(provider.User{ID: "company-1", CompanyVerified: true})
	env.entities.AddUser(provider.User{ID: "company-2", CompanyVerified: true})
	return env
}

func TestProductionHappyPath(t *testing.T) {
	env := newProductionEnv(t)
	ctx := context.Background()

	id := env.startProduction(t, nil)
	env.requireAt(t, id, ProdInterest, workflow.StatusWaiting)

	env.deliver(t, id, "meeting-scheduled", `{}`)
	env.requireAt(t, id, ProdMeeting, workflow.StatusWaiting)

	env.deliver(t, id, "meeting-completed", `{}`)
	env.requireAt(t, id, ProdProposal, workflow.StatusWaiting)
	if !env.docs.Has("proposals/" + id + ".json") {
		t.Fatal("proposal document missing")
	}

	env.deliver(t, id, "proposal-response", `{"response":"accept"}`)
	env.requireAt(t, id, ProdNegotiation, workflow.StatusWaiting)

	env.deliver(t, id, "production-terms", `{"response":"accept"}`)
	env.requireAt(t, id, ProdContract, workflow.StatusWaiting)

	// Entering Contract grants the pitch exclusivity hold.
	excl, err := env.entities.PitchExclusivity(ctx, "pitch-1")
	if err != nil {
		t.Fatalf("PitchExclusivity: %v", err)
	}
	if !excl.Active(env.clock.Now()) || excl.InstanceID != id {
		t.Fatalf("exclusivity = %+v", excl)
	}

	env.deliver(t, id, "contract-signature", `{"status":"completed"}`)
	env.requireAt(t, id, ProdProduction, workflow.StatusWaiting)

	env.deliver(t, id, "production-completed", `{}`)
	env.requireAt(t, id, ProdCompleted, workflow.StatusCompleted)

	// A completed deal keeps its hold; it lapses on its own schedule.
	excl, _ = env.entities.PitchExclusivity(ctx, "pitch-1")
	if excl.InstanceID != id {
		t.Fatalf("exclusivity after completion = %+v", excl)
	}
}

func TestProductionCapacityRule(t *testing.T) {
	env := newProductionEnv(t)

	env.entities.SetActiveProjects("company-1", maxActiveProjects+1)
	id := env.startProduction(t, nil)
	env.requireAt(t, id, ProdRejected, workflow.StatusFailed)

	// At the limit the company may still take one more.
	env.entities.SetActiveProjects("company-2", maxActiveProjects)
	id2 := env.startProduction(t, func(p *ProductionParams) { p.ProductionCompanyID = "company-2" })
	env.requireAt(t, id2, ProdInterest, workflow.StatusWaiting)
}

func TestProductionProposalRejected(t *testing.T) {
	env := newProductionEnv(t)

	id := env.startProduction(t, nil)
	env.deliver(t, id, "meeting-scheduled", `{}`)
	env.deliver(t, id, "meeting-completed", `{}`)
	env.deliver(t, id, "proposal-response", `{"response":"reject"}`)
	env.requireAt(t, id, ProdRejected, workflow.StatusFailed)
}

func TestProductionWaitlistAndPromotion(t *testing.T) {
	env := newProductionEnv(t)
	ctx := context.Background()

	// Deal A reaches Contract and holds the pitch.
	a := env.startProduction(t, nil)
	env.deliver(t, a, "meeting-scheduled", `{}`)
	env.deliver(t, a, "meeting-completed", `{}`)
	env.deliver(t, a, "proposal-response", `{"response":"accept"}`)
	env.deliver(t, a, "production-terms", `{"response":"accept"}`)
	env.requireAt(t, a, ProdContract, workflow.StatusWaiting)

	// Deal B on the same pitch starts Waitlisted.
	b := env.startProduction(t, func(p *ProductionParams) { p.ProductionCompanyID = "company-2" })
	env.requireAt(t, b, ProdWaitlisted, workflow.StatusWaiting)
	if env.entities.WaitlistLen("pitch-1") != 1 {
		t.Fatalf("waitlist length = %d", env.entities.WaitlistLen("pitch-1"))
	}

	// A's contract is declined: A rejects, compensation releases the hold
	// and promotes B.
	env.deliver(t, a, "contract-signature", `{"status":"declined"}`)
	stA := env.requireAt(t, a, ProdRejected, workflow.StatusFailed)
	if len(stA.Outcomes) != 1 || stA.Outcomes[0].Step != "grant-exclusivity" || !stA.Outcomes[0].OK {
		t.Fatalf("A's compensation outcomes = %+v", stA.Outcomes)
	}

	excl, _ := env.entities.PitchExclusivity(ctx, "pitch-1")
	if excl.Active(env.clock.Now()) {
		t.Fatalf("exclusivity not released: %+v", excl)
	}
	if env.entities.WaitlistLen("pitch-1") != 0 {
		t.Fatal("waitlist not drained")
	}

	// B resumed at Interest and is now waiting on a meeting.
	env.requireAt(t, b, ProdInterest, workflow.StatusWaiting)
}

func TestProductionWaitlistTimeout(t *testing.T) {
	env := newProductionEnv(t)

	// A completes and keeps its hold; B sits on the waitlist until the
	// waitlist deadline lapses.
	a := env.startProduction(t, nil)
	env.deliver(t, a, "meeting-scheduled", `{}`)
	env.deliver(t, a, "meeting-completed", `{}`)
	env.deliver(t, a, "proposal-response", `{"response":"accept"}`)
	env.deliver(t, a, "production-terms", `{"response":"accept"}`)

	b := env.startProduction(t, func(p *ProductionParams) { p.ProductionCompanyID = "company-2" })
	env.requireAt(t, b, ProdWaitlisted, workflow.StatusWaiting)

	env.deliver(t, a, "contract-signature", `{"status":"completed"}`)
	env.deliver(t, a, "production-completed", `{}`)
	env.requireAt(t, a, ProdCompleted, workflow.StatusCompleted)

	env.clock.Advance(91 * day)
	if err := env.sched.PollTimersOnce(context.Background()); err != nil {
		t.Fatalf("PollTimersOnce: %v", err)
	}
	env.requireAt(t, b, ProdExpired, workflow.StatusFailed)
}

func TestProductionContractTimeoutReleasesHold(t *testing.T) {
	env := newProductionEnv(t)
	ctx := context.Background()

	id := env.startProduction(t, nil)
	env.deliver(t, id, "meeting-scheduled", `{}`)
	env.deliver(t, id, "meeting-completed", `{}`)
	env.deliver(t, id, "proposal-response", `{"response":"accept"}`)
	env.deliver(t, id, "production-terms", `{"response":"accept"}`)
	env.requireAt(t, id, ProdContract, workflow.StatusWaiting)

	env.clock.Advance(31 * day)
	if err := env.sched.PollTimersOnce(ctx); err != nil {
		t.Fatalf("PollTimersOnce: %v", err)
	}
	env.requireAt(t, id, ProdExpired, workflow.StatusFailed)

	excl, _ := env.entities.PitchExclusivity(ctx, "pitch-1")
	if excl.Active(env.clock.Now()) {
		t.Fatalf("expired contract left the hold in place: %+v", excl)
	}
}

func TestProductionExclusivityDemotesParkedInterest(t *testing.T) {
	env := newProductionEnv(t)

	// B expresses interest first and parks waiting on a meeting.
	b := env.startProduction(t, func(p *ProductionParams) { p.ProductionCompanyID = "company-2" })
	env.requireAt(t, b, ProdInterest, workflow.StatusWaiting)

	// A races ahead and takes the pitch hold at Contract.
	a := env.startProduction(t, nil)
	env.deliver(t, a, "meeting-scheduled", `{}`)
	env.deliver(t, a, "meeting-completed", `{}`)
	env.deliver(t, a, "proposal-response", `{"response":"accept"}`)
	env.deliver(t, a, "production-terms", `{"response":"accept"}`)
	env.requireAt(t, a, ProdContract, workflow.StatusWaiting)

	// B's meeting no longer lets it advance: the hold demotes it to the
	// waitlist instead.
	env.deliver(t, b, "meeting-scheduled", `{}`)
	env.requireAt(t, b, ProdWaitlisted, workflow.StatusWaiting)
	if env.entities.WaitlistLen("pitch-1") != 1 {
		t.Fatalf("waitlist length = %d", env.entities.WaitlistLen("pitch-1"))
	}

	// A declines; the release promotes B, which resumes with the meeting
	// it already received.
	env.deliver(t, a, "contract-signature", `{"status":"declined"}`)
	env.requireAt(t, a, ProdRejected, workflow.StatusFailed)
	env.requireAt(t, b, ProdMeeting, workflow.StatusWaiting)
}

func TestProductionPromotedDealRewaitlistsOnNewHold(t *testing.T) {
	env := newProductionEnv(t)

	// A holds the pitch; B starts Waitlisted.
	a := env.startProduction(t, nil)
	env.deliver(t, a, "meeting-scheduled", `{}`)
	env.deliver(t, a, "meeting-completed", `{}`)
	env.deliver(t, a, "proposal-response", `{"response":"accept"}`)
	env.deliver(t, a, "production-terms", `{"response":"accept"}`)

	b := env.startProduction(t, func(p *ProductionParams) { p.ProductionCompanyID = "company-2" })
	env.requireAt(t, b, ProdWaitlisted, workflow.StatusWaiting)

	// A declines; B is promoted into Interest.
	env.deliver(t, a, "contract-signature", `{"status":"declined"}`)
	env.requireAt(t, b, ProdInterest, workflow.StatusWaiting)

	// C takes the hold next. B's meeting demotes it again: it re-joins
	// the waitlist and waits for a fresh release instead of replaying
	// the one that promoted it before.
	c := env.startProduction(t, nil)
	env.deliver(t, c, "meeting-scheduled", `{}`)
	env.deliver(t, c, "meeting-completed", `{}`)
	env.deliver(t, c, "proposal-response", `{"response":"accept"}`)
	env.deliver(t, c, "production-terms", `{"response":"accept"}`)
	env.requireAt(t, c, ProdContract, workflow.StatusWaiting)

	env.deliver(t, b, "meeting-scheduled", `{}`)
	env.requireAt(t, b, ProdWaitlisted, workflow.StatusWaiting)
	if env.entities.WaitlistLen("pitch-1") != 1 {
		t.Fatalf("waitlist length = %d", env.entities.WaitlistLen("pitch-1"))
	}
}

func TestProductionContractRaceFallsBackToWaitlist(t *testing.T) {
	env := newProductionEnv(t)
	ctx := context.Background()

	// B reaches Negotiation before anyone holds the pitch.
	b := env.startProduction(t, func(p *ProductionParams) { p.ProductionCompanyID = "company-2" })
	env.deliver(t, b, "meeting-scheduled", `{}`)
	env.deliver(t, b, "meeting-completed", `{}`)
	env.deliver(t, b, "proposal-response", `{"response":"accept"}`)
	env.requireAt(t, b, ProdNegotiation, workflow.StatusWaiting)

	// A grabs the hold first.
	a := env.startProduction(t, nil)
	env.deliver(t, a, "meeting-scheduled", `{}`)
	env.deliver(t, a, "meeting-completed", `{}`)
	env.deliver(t, a, "proposal-response", `{"response":"accept"}`)
	env.deliver(t, a, "production-terms", `{"response":"accept"}`)
	env.requireAt(t, a, ProdContract, workflow.StatusWaiting)

	// B's accepted terms take it to Contract, but the grant loses the
	// race and B falls back to the waitlist instead of failing.
	env.deliver(t, b, "production-terms", `{"response":"accept"}`)
	env.requireAt(t, b, ProdWaitlisted, workflow.StatusWaiting)

	// A declines; the release promotes B, which replays its memoized
	// progress and takes the hold itself.
	env.deliver(t, a, "contract-signature", `{"status":"declined"}`)
	env.requireAt(t, a, ProdRejected, workflow.StatusFailed)
	env.requireAt(t, b, ProdContract, workflow.StatusWaiting)

	excl, err := env.entities.PitchExclusivity(ctx, "pitch-1")
	if err != nil {
		t.Fatalf("PitchExclusivity: %v", err)
	}
	if excl.InstanceID != b {
		t.Fatalf("hold owner = %q, want %q", excl.InstanceID, b)
	}
}
