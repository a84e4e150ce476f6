package deal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
	"github.com/reelworks/dealflow-go/workflow/store"
)

// dealEnv wires a synchronous scheduler, in-memory store and mock
// providers for machine tests.
type dealEnv struct {
	store      *store.MemStore
	reg        *workflow.Registry
	sched      *workflow.Scheduler
	clock      *workflow.FakeClock
	entities   *provider.MockEntityStore
	docs       *provider.MockDocumentStore
	templates  *provider.MockTemplateStore
	payments   *provider.MockPaymentProvider
	signatures *provider.MockSignatureProvider
	notify     *provider.MockNotificationSink

	msgSeq int
}

func newDealEnv(t *testing.T) *dealEnv {
	t.Helper()
	env := &dealEnv{
		store:      store.NewMemStore(),
		reg:        workflow.NewRegistry(),
		clock:      workflow.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		entities:   provider.NewMockEntityStore(),
		docs:       provider.NewMockDocumentStore(),
		templates:  provider.NewMockTemplateStore(),
		payments:   provider.NewMockPaymentProvider(),
		signatures: provider.NewMockSignatureProvider(),
		notify:     provider.NewMockNotificationSink(),
	}
	env.entities.Now = env.clock.Now
	env.sched = workflow.NewScheduler(env.store, env.reg, workflow.Options{
		Synchronous:  true,
		Clock:        env.clock,
		BackoffSleep: func(context.Context, time.Duration) error { return nil },
	})

	env.entities.AddPitch(provider.Pitch{ID: "pitch-1", CreatorID: "creator-1", Title: "Night Shift"})
	env.entities.AddUser(provider.User{ID: "creator-1", EmailVerified: true})
	env.entities.AddUser(provider.User{ID: "investor-1", EmailVerified: true, IdentityVerified: true})
	return env
}

func (e *dealEnv) registerInvestment() {
	RegisterInvestment(e.reg, &InvestmentMachine{
		Entities:   e.entities,
		Docs:       e.docs,
		Payments:   e.payments,
		Signatures: e.signatures,
		Notify:     e.notify,
		Refs:       e.store,
		Clock:      e.clock,
	})
}

func (e *dealEnv) startInvestment(t *testing.T, mutate func(*InvestmentParams)) string {
	t.Helper()
	spec, err := PrepareStart(context.Background(), workflow.KindInvestment, investmentParams(mutate), e.entities)
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

func (e *dealEnv) deliver(t *testing.T, id, name, payload string) {
	t.Helper()
	e.msgSeq++
	msgID := fmt.Sprintf("msg-%d", e.msgSeq)
	if err := e.sched.Deliver(context.Background(), id, name, msgID, json.RawMessage(payload)); err != nil {
		t.Fatalf("Deliver %s: %v", name, err)
	}
}

func (e *dealEnv) state(t *testing.T, id string) *workflow.InstanceState {
	t.Helper()
	st, err := e.sched.Inspect(context.Background(), id)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	return st
}

func (e *dealEnv) requireAt(t *testing.T, id, state string, status workflow.Status) *workflow.InstanceState {
	t.Helper()
	st := e.state(t, id)
	if st.State != state || st.Status != status {
		t.Fatalf("instance at %s/%s, want %s/%s", st.State, st.Status, state, status)
	}
	return st
}

func TestInvestmentHappyPath(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)
	env.requireAt(t, id, InvNegotiation, workflow.StatusWaiting)

	env.deliver(t, id, "creator-decision:0", `{"decision":"approve"}`)
	env.requireAt(t, id, InvTermSheet, workflow.StatusWaiting)
	if !env.docs.Has("term-sheets/" + id + ".json") {
		t.Fatal("term sheet document missing")
	}

	// Progress pings are filtered, not consumed.
	env.deliver(t, id, "term-sheet-signed", `{"status":"sent"}`)
	env.requireAt(t, id, InvTermSheet, workflow.StatusWaiting)

	env.deliver(t, id, "term-sheet-signed", `{"status":"completed"}`)
	env.requireAt(t, id, InvCommitment, workflow.StatusWaiting)

	env.deliver(t, id, "commitment-confirmed", `{"decision":"confirm"}`)
	env.requireAt(t, id, InvEscrow, workflow.StatusWaiting)
	if len(env.payments.Holds) != 1 {
		t.Fatalf("escrow holds = %d, want 1", len(env.payments.Holds))
	}

	env.deliver(t, id, "payment-result", `{"status":"succeeded"}`)
	env.requireAt(t, id, InvClosing, workflow.StatusWaiting)

	env.deliver(t, id, "closing-docs", `{"status":"completed"}`)
	st := env.requireAt(t, id, InvCompleted, workflow.StatusCompleted)

	if len(env.payments.Released) != 1 {
		t.Fatalf("released = %v, want the escrow intent", env.payments.Released)
	}
	pitch, err := env.entities.GetPitch(context.Background(), "pitch-1")
	if err != nil {
		t.Fatalf("GetPitch: %v", err)
	}
	if pitch.TotalFunded != 50000 {
		t.Fatalf("TotalFunded = %d, want 50000", pitch.TotalFunded)
	}
	if st.VarInt("agreedAmount") != 50000 {
		t.Fatalf("agreedAmount = %d", st.VarInt("agreedAmount"))
	}

	types := env.notify.SentTypes()
	wantTypes := map[string]bool{
		"investment.decision_requested":   false,
		"investment.commitment_requested": false,
		"investment.funded":               false,
	}
	for _, ty := range types {
		if _, ok := wantTypes[ty]; ok {
			wantTypes[ty] = true
		}
	}
	for ty, seen := range wantTypes {
		if !seen {
			t.Errorf("notification %s never sent (got %v)", ty, types)
		}
	}
}

func TestInvestmentCounterOfferAccepted(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)

	env.deliver(t, id, "creator-decision:0", `{"decision":"counter","counterAmount":60000}`)
	st := env.requireAt(t, id, InvNegotiation, workflow.StatusWaiting)
	if st.VarInt("agreedAmount") != 60000 || st.VarInt("counterRounds") != 1 {
		t.Fatalf("after counter: amount=%d rounds=%d", st.VarInt("agreedAmount"), st.VarInt("counterRounds"))
	}

	env.deliver(t, id, "investor-response:1", `{"response":"accept"}`)
	env.requireAt(t, id, InvTermSheet, workflow.StatusWaiting)
}

func TestInvestmentCounterRoundLimit(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)

	// Round 1: creator counters, investor declines, back to the creator.
	env.deliver(t, id, "creator-decision:0", `{"decision":"counter","counterAmount":60000}`)
	env.deliver(t, id, "investor-response:1", `{"response":"decline"}`)
	env.requireAt(t, id, InvNegotiation, workflow.StatusWaiting)

	// Round 2: counter again; a declined counter at the limit rejects.
	env.deliver(t, id, "creator-decision:1", `{"decision":"counter","counterAmount":70000}`)
	st := env.requireAt(t, id, InvNegotiation, workflow.StatusWaiting)
	if st.VarInt("counterRounds") != 2 || st.VarInt("agreedAmount") != 70000 {
		t.Fatalf("round 2 vars: rounds=%d amount=%d", st.VarInt("counterRounds"), st.VarInt("agreedAmount"))
	}

	env.deliver(t, id, "investor-response:2", `{"response":"decline"}`)
	env.requireAt(t, id, InvRejected, workflow.StatusFailed)
}

func TestInvestmentLateDeliveryAfterRejection(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)
	env.deliver(t, id, "creator-decision:0", `{"decision":"reject"}`)
	env.requireAt(t, id, InvRejected, workflow.StatusFailed)

	// A webhook racing the rejection is dropped, not an error.
	env.deliver(t, id, "creator-decision:0", `{"decision":"approve"}`)
	env.requireAt(t, id, InvRejected, workflow.StatusFailed)
}

func TestInvestmentPaymentFailedRefundsEscrow(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)
	env.deliver(t, id, "creator-decision:0", `{"decision":"approve"}`)
	env.deliver(t, id, "term-sheet-signed", `{"status":"completed"}`)
	env.deliver(t, id, "commitment-confirmed", `{"decision":"confirm"}`)
	env.requireAt(t, id, InvEscrow, workflow.StatusWaiting)

	env.deliver(t, id, "payment-result", `{"status":"failed"}`)
	st := env.requireAt(t, id, InvFailed, workflow.StatusFailed)

	if len(env.payments.Refunded) != 1 {
		t.Fatalf("refunded = %v, want the held intent", env.payments.Refunded)
	}
	if len(st.Outcomes) != 1 || st.Outcomes[0].Step != "hold-escrow" || !st.Outcomes[0].OK {
		t.Fatalf("compensation outcomes = %+v", st.Outcomes)
	}

	found := false
	for _, ty := range env.notify.SentTypes() {
		if ty == "investment.payment_failed" {
			found = true
		}
	}
	if !found {
		t.Error("payment failure notification never sent")
	}
}

func TestInvestmentWithdrawAtCommitment(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)
	env.deliver(t, id, "creator-decision:0", `{"decision":"approve"}`)
	env.deliver(t, id, "term-sheet-signed", `{"status":"completed"}`)
	env.requireAt(t, id, InvCommitment, workflow.StatusWaiting)

	env.deliver(t, id, "commitment-confirmed", `{"decision":"withdraw"}`)
	st := env.requireAt(t, id, InvWithdrawn, workflow.StatusFailed)

	// Nothing was held yet, so nothing compensates.
	if len(st.Outcomes) != 0 || len(env.payments.Refunded) != 0 {
		t.Fatalf("unexpected compensation: %+v / %v", st.Outcomes, env.payments.Refunded)
	}
}

func TestInvestmentDecisionTimeout(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)
	env.requireAt(t, id, InvNegotiation, workflow.StatusWaiting)

	env.clock.Advance(8 * day)
	if err := env.sched.PollTimersOnce(context.Background()); err != nil {
		t.Fatalf("PollTimersOnce: %v", err)
	}
	env.requireAt(t, id, InvExpired, workflow.StatusFailed)
}

func TestInvestmentQualificationFailure(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	// NDAAccepted false cannot pass PrepareStart; start directly to hit
	// the machine's own qualification rule.
	id, err := env.sched.StartInstance(context.Background(), workflow.StartRequest{
		Kind:   workflow.KindInvestment,
		Params: investmentParams(func(p *InvestmentParams) { p.NDAAccepted = false }),
	})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	env.requireAt(t, id, InvRejected, workflow.StatusFailed)
}

func TestInvestmentAccreditationFailure(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()
	env.entities.AddUser(provider.User{ID: "investor-2", EmailVerified: true})

	id := env.startInvestment(t, func(p *InvestmentParams) { p.InvestorID = "investor-2" })
	env.requireAt(t, id, InvRejected, workflow.StatusFailed)
}

func TestInvestmentWebhookRefsRecorded(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)
	env.deliver(t, id, "creator-decision:0", `{"decision":"approve"}`)
	env.deliver(t, id, "term-sheet-signed", `{"status":"completed"}`)
	env.deliver(t, id, "commitment-confirmed", `{"decision":"confirm"}`)

	gotID, event, ok, err := env.store.ResolveProviderRef(context.Background(), "pi_0001")
	if err != nil || !ok {
		t.Fatalf("ResolveProviderRef: ok=%v err=%v", ok, err)
	}
	if gotID != id || event != "payment-result" {
		t.Fatalf("intent ref resolved to %s/%s", gotID, event)
	}

	gotID, event, ok, err = env.store.ResolveProviderRef(context.Background(), "env_0001")
	if err != nil || !ok {
		t.Fatalf("ResolveProviderRef envelope: ok=%v err=%v", ok, err)
	}
	if gotID != id || event != "term-sheet-signed" {
		t.Fatalf("envelope ref resolved to %s/%s", gotID, event)
	}
}

func TestInvestmentResumesAcrossRestart(t *testing.T) {
	env := newDealEnv(t)
	env.registerInvestment()

	id := env.startInvestment(t, nil)
	env.deliver(t, id, "creator-decision:0", `{"decision":"approve"}`)
	env.requireAt(t, id, InvTermSheet, workflow.StatusWaiting)

	// A fresh scheduler over the same store stands in for a process
	// restart: only the durable log, mailbox and timers survive.
	reg2 := workflow.NewRegistry()
	env.sched = workflow.NewScheduler(env.store, reg2, workflow.Options{
		Synchronous:  true,
		Clock:        env.clock,
		BackoffSleep: func(context.Context, time.Duration) error { return nil },
	})
	RegisterInvestment(reg2, &InvestmentMachine{
		Entities:   env.entities,
		Docs:       env.docs,
		Payments:   env.payments,
		Signatures: env.signatures,
		Notify:     env.notify,
		Refs:       env.store,
		Clock:      env.clock,
	})

	// The rebuilt state lands exactly where the log left it.
	env.requireAt(t, id, InvTermSheet, workflow.StatusWaiting)

	env.deliver(t, id, "term-sheet-signed", `{"status":"completed"}`)
	env.deliver(t, id, "commitment-confirmed", `{"decision":"confirm"}`)
	env.deliver(t, id, "payment-result", `{"status":"succeeded"}`)
	env.deliver(t, id, "closing-docs", `{"status":"completed"}`)
	env.requireAt(t, id, InvCompleted, workflow.StatusCompleted)

	// Side effects ran exactly once despite the restart.
	if len(env.payments.Holds) != 1 || len(env.payments.Released) != 1 {
		t.Fatalf("holds=%d released=%d, want 1 each", len(env.payments.Holds), len(env.payments.Released))
	}
	pitch, err := env.entities.GetPitch(context.Background(), "pitch-1")
	if err != nil {
		t.Fatalf("GetPitch: %v", err)
	}
	if pitch.TotalFunded != 50000 {
		t.Fatalf("TotalFunded = %d, want 50000", pitch.TotalFunded)
	}
}
