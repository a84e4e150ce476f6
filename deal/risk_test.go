package deal

import (
	"testing"
	"time"
)

// trustedRequester scores zero: fully verified, old account, high trust,
// standard template, no custom terms, default duration, no history.
func trustedRequester() RiskInput {
	return RiskInput{
		EmailVerified:    true,
		PhoneVerified:    true,
		IdentityVerified: true,
		AccountAge:       400 * 24 * time.Hour,
		TrustScore:       90,
		TemplateType:     "standard",
		DurationMonths:   24,
	}
}

func TestScoreRiskFactorWeights(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RiskInput)
		want   int
	}{
		{"baseline", func(*RiskInput) {}, 0},
		{"unverified email", func(in *RiskInput) { in.EmailVerified = false }, 10},
		{"unverified phone", func(in *RiskInput) { in.PhoneVerified = false }, 5},
		{"unverified identity", func(in *RiskInput) { in.IdentityVerified = false }, 15},
		{"account under a week", func(in *RiskInput) { in.AccountAge = 3 * 24 * time.Hour }, 10},
		{"account under a month", func(in *RiskInput) { in.AccountAge = 20 * 24 * time.Hour }, 5},
		{"low trust", func(in *RiskInput) { in.TrustScore = 30 }, 10},
		{"enhanced template", func(in *RiskInput) { in.TemplateType = "enhanced" }, 10},
		{"custom template", func(in *RiskInput) { in.TemplateType = "custom" }, 20},
		{"unknown template scored as custom", func(in *RiskInput) { in.TemplateType = "" }, 20},
		{"two custom terms", func(in *RiskInput) { in.CustomTerms = 2 }, 10},
		{"custom terms capped", func(in *RiskInput) { in.CustomTerms = 10 }, 20},
		{"long duration", func(in *RiskInput) { in.DurationMonths = 48 }, 10},
		{"short duration", func(in *RiskInput) { in.DurationMonths = 6 }, 5},
		{"two territories", func(in *RiskInput) { in.TerritorialRestrictions = 2 }, 6},
		{"territories capped", func(in *RiskInput) { in.TerritorialRestrictions = 20 }, 15},
		{"prior breach", func(in *RiskInput) { in.PriorBreaches = 1 }, 30},
		{"prior dispute", func(in *RiskInput) { in.PriorDisputes = 2 }, 15},
		{"breach shadows disputes", func(in *RiskInput) {
			in.PriorBreaches = 1
			in.PriorDisputes = 3
		}, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := trustedRequester()
			tc.mutate(&in)
			if got := ScoreRisk(in).Score; got != tc.want {
				t.Fatalf("Score = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestScoreRiskReviewTriggers(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RiskInput)
		want   bool
	}{
		{"three custom terms allowed", func(in *RiskInput) { in.CustomTerms = 3 }, false},
		{"four custom terms force review", func(in *RiskInput) { in.CustomTerms = 4 }, true},
		{"five territories allowed", func(in *RiskInput) { in.TerritorialRestrictions = 5 }, false},
		{"six territories force review", func(in *RiskInput) { in.TerritorialRestrictions = 6 }, true},
		{"any prior breach forces review", func(in *RiskInput) { in.PriorBreaches = 1 }, true},
		{"disputes alone do not", func(in *RiskInput) { in.PriorDisputes = 4 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := trustedRequester()
			tc.mutate(&in)
			got := ScoreRisk(in)
			if got.RequiresReview != tc.want {
				t.Fatalf("RequiresReview = %v, want %v (score %d)", got.RequiresReview, tc.want, got.Score)
			}
			if tc.want && got.Route != RouteLegal {
				t.Fatalf("mandatory review must route legal, got %s", got.Route)
			}
			if tc.want && got.Level != RiskHigh {
				t.Fatalf("mandatory review must be high risk, got %s", got.Level)
			}
		})
	}
}

func TestScoreRiskLevelAndRouteThresholds(t *testing.T) {
	// Build score bands without tripping any review trigger.
	cases := []struct {
		name      string
		mutate    func(*RiskInput)
		wantLevel string
		wantRoute string
	}{
		{"zero score auto", func(*RiskInput) {}, RiskLow, RouteAuto},
		{
			"just below creator band",
			func(in *RiskInput) { in.EmailVerified = false; in.PhoneVerified = false }, // 15
			RiskLow, RouteAuto,
		},
		{
			"creator band at 30",
			func(in *RiskInput) { in.EmailVerified = false; in.TemplateType = "custom" }, // 30
			RiskLow, RouteCreator,
		},
		{
			"medium at 40",
			func(in *RiskInput) {
				in.EmailVerified = false
				in.TemplateType = "custom"
				in.TrustScore = 10
			}, // 40
			RiskMedium, RouteCreator,
		},
		{
			"legal at 70",
			func(in *RiskInput) {
				in.EmailVerified = false
				in.PhoneVerified = false
				in.IdentityVerified = false
				in.TemplateType = "custom"
				in.TrustScore = 10
				in.AccountAge = time.Hour
			}, // 70
			RiskMedium, RouteLegal,
		},
		{
			"high at 80",
			func(in *RiskInput) {
				in.EmailVerified = false
				in.PhoneVerified = false
				in.IdentityVerified = false
				in.TemplateType = "custom"
				in.TrustScore = 10
				in.AccountAge = time.Hour
				in.DurationMonths = 48
			}, // 80
			RiskHigh, RouteLegal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := trustedRequester()
			tc.mutate(&in)
			got := ScoreRisk(in)
			if got.Level != tc.wantLevel || got.Route != tc.wantRoute {
				t.Fatalf("score %d: level=%s route=%s, want %s/%s", got.Score, got.Level, got.Route, tc.wantLevel, tc.wantRoute)
			}
			if got.RequiresReview {
				t.Fatalf("threshold case tripped a review trigger (score %d)", got.Score)
			}
		})
	}
}

func TestScoreRiskMonotone(t *testing.T) {
	base := trustedRequester()
	baseScore := ScoreRisk(base).Score

	worsen := []func(*RiskInput){
		func(in *RiskInput) { in.EmailVerified = false },
		func(in *RiskInput) { in.PhoneVerified = false },
		func(in *RiskInput) { in.IdentityVerified = false },
		func(in *RiskInput) { in.AccountAge = time.Hour },
		func(in *RiskInput) { in.TrustScore = 0 },
		func(in *RiskInput) { in.TemplateType = "custom" },
		func(in *RiskInput) { in.CustomTerms = 6 },
		func(in *RiskInput) { in.DurationMonths = 60 },
		func(in *RiskInput) { in.TerritorialRestrictions = 8 },
		func(in *RiskInput) { in.PriorBreaches = 2 },
	}

	in := base
	prev := baseScore
	for i, w := range worsen {
		w(&in)
		got := ScoreRisk(in).Score
		if got < prev {
			t.Fatalf("worsening factor %d lowered the score: %d -> %d", i, prev, got)
		}
		prev = got
	}
}
