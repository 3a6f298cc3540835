// Package rank orders root-cause hypotheses by a weighted final score.
package rank

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// categoryWeights bias scoring toward categories that historically turn
// out to be the real cause.
var categoryWeights = map[string]float64{
	models.CategoryResourceExhaustion: 1.2,
	models.CategoryBadDeployment:      1.15,
	models.CategoryConfigurationError: 1.1,
	models.CategoryInfrastructure:     1.05,
	models.CategoryDependencyFailure:  1.0,
	models.CategoryNetworkIssue:       0.95,
	models.CategoryScalingIssue:       0.9,
	models.CategorySecurityIssue:      0.85,
	models.CategoryExternalDependency: 0.8,
	models.CategoryDataIssue:          0.75,
	models.CategoryUnknown:            0.5,
}

const maxSupportBoost = 5

// Rank computes final scores and assigns contiguous 1-based ranks. Ties
// keep their input order.
func Rank(hypotheses []models.Hypothesis) []models.Hypothesis {
	if len(hypotheses) == 0 {
		return hypotheses
	}

	ranked := make([]models.Hypothesis, len(hypotheses))
	copy(ranked, hypotheses)

	for i := range ranked {
		ranked[i].FinalScore = finalScore(&ranked[i])
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].FinalScore > ranked[j].FinalScore
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	log.Info().
		Int("count", len(ranked)).
		Str("top_category", ranked[0].Category).
		Float64("top_score", ranked[0].FinalScore).
		Msg("Hypotheses ranked")
	return ranked
}

func finalScore(h *models.Hypothesis) float64 {
	score := h.Confidence

	weight, ok := categoryWeights[h.Category]
	if !ok {
		weight = 1.0
	}
	score *= weight

	if h.SupportCount > 0 {
		support := h.SupportCount
		if support > maxSupportBoost {
			support = maxSupportBoost
		}
		score *= 1 + float64(support)*0.05
	}

	score *= 1 + h.SignalStrength*0.2

	return math.Round(score*10000) / 10000
}
