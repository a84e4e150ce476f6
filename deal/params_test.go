package deal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
)

func seedEntities() *provider.MockEntityStore {
	entities := provider.NewMockEntityStore()
	entities.AddPitch(provider.Pitch{ID: "pitch-1", CreatorID: "creator-1", Title: "Night Shift"})
	entities.AddUser(provider.User{ID: "investor-1", EmailVerified: true})
	entities.AddUser(provider.User{ID: "company-1", CompanyVerified: true})
	entities.AddUser(provider.User{ID: "company-unverified"})
	return entities
}

func investmentParams(mutate func(*InvestmentParams)) json.RawMessage {
	p := InvestmentParams{
		InvestorID:     "investor-1",
		CreatorID:      "creator-1",
		PitchID:        "pitch-1",
		ProposedAmount: 50000,
		InvestmentType: "equity",
		NDAAccepted:    true,
	}
	if mutate != nil {
		mutate(&p)
	}
	return mustMarshal(p)
}

func ndaParams(mutate func(*NDAParams)) json.RawMessage {
	p := NDAParams{
		RequesterID:    "investor-1",
		RequesterType:  "investor",
		RequesterEmail: "investor@example.com",
		PitchID:        "pitch-1",
		CreatorID:      "creator-1",
		TemplateID:     "standard",
		DurationMonths: 12,
	}
	if mutate != nil {
		mutate(&p)
	}
	return mustMarshal(p)
}

func TestPrepareStartInvestment(t *testing.T) {
	entities := seedEntities()
	ctx := context.Background()

	spec, err := PrepareStart(ctx, workflow.KindInvestment, investmentParams(nil), entities)
	if err != nil {
		t.Fatalf("PrepareStart: %v", err)
	}
	if spec.Kind != workflow.KindInvestment || spec.PitchID != "pitch-1" {
		t.Fatalf("spec = %+v", spec)
	}
	if len(spec.Parties) != 2 || spec.Parties[0] != "investor-1" || spec.Parties[1] != "creator-1" {
		t.Fatalf("parties = %v", spec.Parties)
	}
}

func TestPrepareStartInvestmentRejections(t *testing.T) {
	entities := seedEntities()
	ctx := context.Background()

	cases := []struct {
		name     string
		params   json.RawMessage
		wantCode string
	}{
		{"malformed json", json.RawMessage(`{`), "MALFORMED_PARAMS"},
		{"amount below floor", investmentParams(func(p *InvestmentParams) { p.ProposedAmount = 500 }), "VALIDATION"},
		{"amount above ceiling", investmentParams(func(p *InvestmentParams) { p.ProposedAmount = 20000000 }), "VALIDATION"},
		{"unknown investment type", investmentParams(func(p *InvestmentParams) { p.InvestmentType = "barter" }), "VALIDATION"},
		{"nda not accepted", investmentParams(func(p *InvestmentParams) { p.NDAAccepted = false }), "VALIDATION"},
		{"missing investor", investmentParams(func(p *InvestmentParams) { p.InvestorID = "" }), "VALIDATION"},
		{"unknown pitch", investmentParams(func(p *InvestmentParams) { p.PitchID = "pitch-missing" }), "UNKNOWN_PITCH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PrepareStart(ctx, workflow.KindInvestment, tc.params, entities)
			if err == nil {
				t.Fatal("expected a rejection")
			}
			if !workflow.IsDomain(err) {
				t.Fatalf("class = %s, want domain: %v", workflow.ClassOf(err), err)
			}
			if workflow.CodeOf(err) != tc.wantCode {
				t.Fatalf("code = %s, want %s: %v", workflow.CodeOf(err), tc.wantCode, err)
			}
		})
	}
}

func TestPrepareStartProduction(t *testing.T) {
	entities := seedEntities()
	ctx := context.Background()

	params := func(companyID string) json.RawMessage {
		return mustMarshal(ProductionParams{
			ProductionCompanyID: companyID,
			PitchID:             "pitch-1",
			CreatorID:           "creator-1",
			InterestType:        "option",
		})
	}

	spec, err := PrepareStart(ctx, workflow.KindProduction, params("company-1"), entities)
	if err != nil {
		t.Fatalf("PrepareStart: %v", err)
	}
	if spec.Parties[0] != "company-1" {
		t.Fatalf("parties = %v", spec.Parties)
	}

	_, err = PrepareStart(ctx, workflow.KindProduction, params("company-unverified"), entities)
	if workflow.CodeOf(err) != "COMPANY_UNVERIFIED" {
		t.Fatalf("unverified company error = %v", err)
	}

	_, err = PrepareStart(ctx, workflow.KindProduction, params("company-missing"), entities)
	if workflow.CodeOf(err) != "UNKNOWN_COMPANY" {
		t.Fatalf("missing company error = %v", err)
	}
}

func TestPrepareStartNDADefaultsDuration(t *testing.T) {
	entities := seedEntities()
	ctx := context.Background()

	spec, err := PrepareStart(ctx, workflow.KindNDA, ndaParams(func(p *NDAParams) { p.DurationMonths = 0 }), entities)
	if err != nil {
		t.Fatalf("PrepareStart: %v", err)
	}

	var p NDAParams
	if err := json.Unmarshal(spec.Params, &p); err != nil {
		t.Fatalf("decode normalized params: %v", err)
	}
	if p.DurationMonths != 24 {
		t.Fatalf("DurationMonths = %d, want default 24", p.DurationMonths)
	}
}

func TestPrepareStartNDARejectsDuplicateActive(t *testing.T) {
	entities := seedEntities()
	ctx := context.Background()

	if err := entities.PutNDA(ctx, provider.NDARecord{
		InstanceID:  "wf-existing",
		RequesterID: "investor-1",
		PitchID:     "pitch-1",
		ExpiresAt:   time.Now().Add(365 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("PutNDA: %v", err)
	}

	_, err := PrepareStart(ctx, workflow.KindNDA, ndaParams(nil), entities)
	if workflow.CodeOf(err) != "DUPLICATE_NDA" {
		t.Fatalf("duplicate NDA error = %v", err)
	}

	// A different pitch is fine.
	entities.AddPitch(provider.Pitch{ID: "pitch-2", CreatorID: "creator-1"})
	if _, err := PrepareStart(ctx, workflow.KindNDA, ndaParams(func(p *NDAParams) { p.PitchID = "pitch-2" }), entities); err != nil {
		t.Fatalf("start on second pitch: %v", err)
	}
}

func TestPrepareStartNDAValidation(t *testing.T) {
	entities := seedEntities()
	ctx := context.Background()

	cases := []struct {
		name     string
		mutate   func(*NDAParams)
		wantCode string
	}{
		{"bad email", func(p *NDAParams) { p.RequesterEmail = "not-an-email" }, "VALIDATION"},
		{"bad requester type", func(p *NDAParams) { p.RequesterType = "lurker" }, "VALIDATION"},
		{"duration above cap", func(p *NDAParams) { p.DurationMonths = 240 }, "VALIDATION"},
		{"missing template", func(p *NDAParams) { p.TemplateID = "" }, "VALIDATION"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PrepareStart(ctx, workflow.KindNDA, ndaParams(tc.mutate), entities)
			if workflow.CodeOf(err) != tc.wantCode {
				t.Fatalf("code = %s, want %s: %v", workflow.CodeOf(err), tc.wantCode, err)
			}
		})
	}
}

func TestPrepareStartUnknownKind(t *testing.T) {
	entities := seedEntities()
	_, err := PrepareStart(context.Background(), workflow.Kind("barter"), json.RawMessage(`{}`), entities)
	if err == nil {
		t.Fatal("unknown kind accepted")
	}
}
