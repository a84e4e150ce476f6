package deal

import "time"

// Risk routing destinations.
const (
	RouteAuto    = "auto"
	RouteCreator = "creator"
	RouteLegal   = "legal"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// RiskInput is the factor set the NDA risk scorer consumes.
type RiskInput struct {
	EmailVerified    bool
	PhoneVerified    bool
	IdentityVerified bool

	// AccountAge is requester account age at assessment time.
	AccountAge time.Duration

	TrustScore float64

	// TemplateType is "standard", "enhanced", or anything else (scored
	// as custom).
	TemplateType string

	CustomTerms             int
	DurationMonths          int
	TerritorialRestrictions int

	PriorBreaches int
	PriorDisputes int
}

// RiskAssessment is the scorer's output: the weighted score, the level,
// whether human legal review is mandatory, and the approval route.
type RiskAssessment struct {
	Score          int    `json:"score"`
	Level          string `json:"level"`
	RequiresReview bool   `json:"requiresReview"`
	Route          string `json:"route"`
}

// Per-factor contributions. Repeating factors (custom terms,
// territorial restrictions) are capped at their listed maxima so the
// score stays monotone and bounded under degenerate inputs.
const (
	weightUnverifiedEmail    = 10
	weightUnverifiedPhone    = 5
	weightUnverifiedIdentity = 15
	weightAccountUnderWeek   = 10
	weightAccountUnderMonth  = 5
	weightLowTrust           = 10
	weightCustomTemplate     = 20
	weightEnhancedTemplate   = 10
	weightPerCustomTerm      = 5
	maxCustomTermsScore      = 20
	weightLongDuration       = 10
	weightShortDuration      = 5
	weightPerTerritory       = 3
	maxTerritoryScore        = 15
	weightPriorBreach        = 30
	weightPriorDispute       = 15
)

// Review-forcing thresholds for repeating factors.
const (
	reviewCustomTermsAbove = 3
	reviewTerritoriesAbove = 5
)

// ScoreRisk computes the deterministic NDA risk assessment. The score is
// monotone: increasing any factor never lowers it.
func ScoreRisk(in RiskInput) RiskAssessment {
	score := 0
	requiresReview := false

	if !in.EmailVerified {
		score += weightUnverifiedEmail
	}
	if !in.PhoneVerified {
		score += weightUnverifiedPhone
	}
	if !in.IdentityVerified {
		score += weightUnverifiedIdentity
	}

	switch {
	case in.AccountAge < 7*day:
		score += weightAccountUnderWeek
	case in.AccountAge < 30*day:
		score += weightAccountUnderMonth
	}

	if in.TrustScore < 50 {
		score += weightLowTrust
	}

	switch in.TemplateType {
	case "standard":
	case "enhanced":
		score += weightEnhancedTemplate
	default:
		score += weightCustomTemplate
	}

	if in.CustomTerms > 0 {
		c := in.CustomTerms * weightPerCustomTerm
		if c > maxCustomTermsScore {
			c = maxCustomTermsScore
		}
		score += c
		if in.CustomTerms > reviewCustomTermsAbove {
			requiresReview = true
		}
	}

	switch {
	case in.DurationMonths > 36:
		score += weightLongDuration
	case in.DurationMonths < 12:
		score += weightShortDuration
	}

	if in.TerritorialRestrictions > 0 {
		c := in.TerritorialRestrictions * weightPerTerritory
		if c > maxTerritoryScore {
			c = maxTerritoryScore
		}
		score += c
		if in.TerritorialRestrictions > reviewTerritoriesAbove {
			requiresReview = true
		}
	}

	switch {
	case in.PriorBreaches > 0:
		score += weightPriorBreach
		requiresReview = true
	case in.PriorDisputes > 0:
		score += weightPriorDispute
	}

	level := RiskLow
	switch {
	case requiresReview || score >= 80:
		level = RiskHigh
	case score >= 40:
		level = RiskMedium
	}

	route := RouteAuto
	switch {
	case requiresReview || score >= 70:
		route = RouteLegal
	case score >= 30:
		route = RouteCreator
	}

	return RiskAssessment{
		Score:          score,
		Level:          level,
		RequiresReview: requiresReview,
		Route:          route,
	}
}
