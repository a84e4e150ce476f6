package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/reelworks/dealflow-go/workflow"
	"github.com/reelworks/dealflow-go/workflow/provider"
)

var validate = validator.New()

// InvestmentParams are the immutable creation parameters of an
// investment deal.
type InvestmentParams struct {
	InvestorID     string `json:"investorId" validate:"required"`
	CreatorID      string `json:"creatorId" validate:"required"`
	PitchID        string `json:"pitchId" validate:"required"`
	ProposedAmount int64  `json:"proposedAmount" validate:"required,gte=1000,lte=10000000"`
	InvestmentType string `json:"investmentType" validate:"required,oneof=equity debt convertible revenue_share"`
	NDAAccepted    bool   `json:"ndaAccepted" validate:"required"`
}

// ProductionParams are the immutable creation parameters of a production
// deal.
type ProductionParams struct {
	ProductionCompanyID string `json:"productionCompanyId" validate:"required"`
	PitchID             string `json:"pitchId" validate:"required"`
	CreatorID           string `json:"creatorId" validate:"required"`
	InterestType        string `json:"interestType" validate:"required,oneof=option purchase co_production distribution"`
}

// NDAParams are the immutable creation parameters of an NDA request.
// DurationMonths defaults to 24; values must be whole months (inputs in
// other units are rejected, not converted).
type NDAParams struct {
	RequesterID    string `json:"requesterId" validate:"required"`
	RequesterType  string `json:"requesterType" validate:"required,oneof=investor production partner"`
	RequesterEmail string `json:"requesterEmail" validate:"required,email"`
	PitchID        string `json:"pitchId" validate:"required"`
	CreatorID      string `json:"creatorId" validate:"required"`
	TemplateID     string `json:"templateId" validate:"required"`
	DurationMonths int    `json:"durationMonths" validate:"gte=0,lte=120"`

	// CustomTerms and TerritorialRestrictions feed the risk scorer.
	CustomTerms             []string `json:"customTerms,omitempty"`
	TerritorialRestrictions []string `json:"territorialRestrictions,omitempty"`
}

// StartSpec is a validated, normalized start request ready for the
// scheduler.
type StartSpec struct {
	Kind    workflow.Kind
	Params  json.RawMessage
	PitchID string
	Parties []string
}

// PrepareStart validates kind-specific start parameters, applies
// defaults, and runs the synchronous entity checks (company verified,
// no duplicate active NDA). All failures are Domain errors; callers
// reject the start without creating an instance.
func PrepareStart(ctx context.Context, kind workflow.Kind, raw json.RawMessage, entities provider.EntityStore) (StartSpec, error) {
	switch kind {
	case workflow.KindInvestment:
		var p InvestmentParams
		if err := decodeParams(raw, &p); err != nil {
			return StartSpec{}, err
		}
		if err := validate.Struct(p); err != nil {
			return StartSpec{}, domainValidation(err)
		}
		if _, err := entities.GetPitch(ctx, p.PitchID); err != nil {
			return StartSpec{}, workflow.Domain("UNKNOWN_PITCH", "pitch %s not found", p.PitchID)
		}
		return StartSpec{
			Kind:    kind,
			Params:  mustMarshal(p),
			PitchID: p.PitchID,
			Parties: []string{p.InvestorID, p.CreatorID},
		}, nil

	case workflow.KindProduction:
		var p ProductionParams
		if err := decodeParams(raw, &p); err != nil {
			return StartSpec{}, err
		}
		if err := validate.Struct(p); err != nil {
			return StartSpec{}, domainValidation(err)
		}
		company, err := entities.GetUser(ctx, p.ProductionCompanyID)
		if err != nil {
			return StartSpec{}, workflow.Domain("UNKNOWN_COMPANY", "production company %s not found", p.ProductionCompanyID)
		}
		if !company.CompanyVerified {
			return StartSpec{}, workflow.Domain("COMPANY_UNVERIFIED", "production company %s is not verified", p.ProductionCompanyID)
		}
		if _, err := entities.GetPitch(ctx, p.PitchID); err != nil {
			return StartSpec{}, workflow.Domain("UNKNOWN_PITCH", "pitch %s not found", p.PitchID)
		}
		return StartSpec{
			Kind:    kind,
			Params:  mustMarshal(p),
			PitchID: p.PitchID,
			Parties: []string{p.ProductionCompanyID, p.CreatorID},
		}, nil

	case workflow.KindNDA:
		var p NDAParams
		if err := decodeParams(raw, &p); err != nil {
			return StartSpec{}, err
		}
		if p.DurationMonths == 0 {
			p.DurationMonths = 24
		}
		if err := validate.Struct(p); err != nil {
			return StartSpec{}, domainValidation(err)
		}
		if p.DurationMonths < 1 {
			return StartSpec{}, workflow.Domain("INVALID_DURATION", "durationMonths must be at least 1")
		}
		active, err := entities.HasActiveNDA(ctx, p.RequesterID, p.PitchID)
		if err != nil {
			return StartSpec{}, fmt.Errorf("failed to check active NDAs: %w", err)
		}
		if active {
			return StartSpec{}, workflow.Domain("DUPLICATE_NDA", "requester %s already holds an active NDA on pitch %s", p.RequesterID, p.PitchID)
		}
		if _, err := entities.GetPitch(ctx, p.PitchID); err != nil {
			return StartSpec{}, workflow.Domain("UNKNOWN_PITCH", "pitch %s not found", p.PitchID)
		}
		return StartSpec{
			Kind:    kind,
			Params:  mustMarshal(p),
			PitchID: p.PitchID,
			Parties: []string{p.RequesterID, p.CreatorID},
		}, nil

	default:
		return StartSpec{}, fmt.Errorf("%w: %q", workflow.ErrUnknownKind, kind)
	}
}

func decodeParams(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return workflow.Domain("MALFORMED_PARAMS", "malformed start parameters: %v", err)
	}
	return nil
}

// domainValidation converts validator errors into one Domain error
// naming the first offending field.
func domainValidation(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return workflow.Domain("VALIDATION", "field %s failed rule %s", fe.Field(), fe.Tag())
	}
	return workflow.Domain("VALIDATION", "invalid start parameters: %v", err)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("deal: unmarshalable params %T: %v", v, err))
	}
	return data
}
