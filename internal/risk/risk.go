// Package risk scores transactions deterministically and maps the resulting
// level to the approval policy applied around transactions and refunds.
package risk

import (
	"strings"

	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
)

// Amount tiers are expressed in minor units (cents); 10_000 is 100.00.
const (
	tierLow    = 10_000
	tierMedium = 50_000
	tierHigh   = 100_000
)

// Points awarded per factor.
const (
	PointsAmountLow        = 10
	PointsAmountMedium     = 20
	PointsAmountHigh       = 30
	PointsNoVerification   = 25
	PointsUnknownBrand     = 20
	PointsNoHistory        = 15
	PointsHighFailureRatio = 20
)

const (
	MinScore = 0
	MaxScore = 100

	mediumThreshold   = 30
	highThreshold     = 60
	veryHighThreshold = 80
)

var knownBrands = map[string]bool{
	BrandVisa:       true,
	BrandMastercard: true,
	BrandAmex:       true,
	BrandDiscover:   true,
	BrandJCB:        true,
	BrandDiners:     true,
}

// Score maps transaction attributes to a clamped score and level.
// It has no side effects; identical inputs always produce identical output.
func Score(in model.RiskInput) model.RiskAssessment {
	score := amountPoints(in.AmountMinorUnits)

	if !in.VerificationCodeProvided {
		score += PointsNoVerification
	}

	if !IsKnownBrand(in.CardBrand) {
		score += PointsUnknownBrand
	}

	h := in.CustomerHistory
	if h.Total == 0 {
		score += PointsNoHistory
	} else if h.Total > 0 && h.Failed*2 > h.Total {
		score += PointsHighFailureRatio
	}

	score = clamp(score)
	return model.RiskAssessment{
		Score: score,
		Level: LevelFor(score),
	}
}

// LevelFor classifies a clamped score.
func LevelFor(score int) model.RiskLevel {
	switch {
	case score >= veryHighThreshold:
		return model.RiskVeryHigh
	case score >= highThreshold:
		return model.RiskHigh
	case score >= mediumThreshold:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// IsKnownBrand reports whether brand is one of the recognized card networks.
func IsKnownBrand(brand string) bool {
	return knownBrands[strings.ToLower(strings.TrimSpace(brand))]
}

func amountPoints(amount int64) int {
	switch {
	case amount >= tierHigh:
		return PointsAmountHigh
	case amount >= tierMedium:
		return PointsAmountMedium
	case amount >= tierLow:
		return PointsAmountLow
	default:
		return 0
	}
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
