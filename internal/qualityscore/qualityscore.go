// Package qualityscore computes the deterministic quality-metadata score
// attached to every stored step. The spec pins only the output shape and
// monotonicity under attestation (§9 Open), not the exact weights; this
// implementation fixes one concrete, deterministic scoring function.
package qualityscore

import (
	"strings"

	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
)

const (
	baseScore     = 0.5
	taskBonus     = 0.15
	typeBonus     = 0.1
	tagBonus      = 0.03
	labelLenBonus = 0.1
	maxScore      = 1.0
)

// Score computes {step_quality_score, step_quality} from a step's
// classification fields. Domain is accepted for forward compatibility with
// a future per-domain weighting table; the current function ignores it.
func Score(label, domain, task, typ string, tags []string) kmodel.QualityMetadata {
	score := baseScore

	if task != kmodel.TaskGeneral {
		score += taskBonus
	}
	if typ == kmodel.TypePattern || typ == kmodel.TypeRule {
		score += typeBonus
	}
	score += float64(min(len(tags), 8)) * tagBonus

	words := len(strings.Fields(label))
	if words >= 2 {
		score += labelLenBonus
	}

	if score > maxScore {
		score = maxScore
	}

	return kmodel.QualityMetadata{
		StepQualityScore: round2(score),
		StepQuality:      tier(score),
	}
}

// Bump applies a successful attestation's quality_bonus monotonically: the
// score only ever increases, clamped at 1.0.
func Bump(current kmodel.QualityMetadata, bonus float64) kmodel.QualityMetadata {
	if bonus <= 0 {
		return current
	}
	score := current.StepQualityScore + bonus
	if score > maxScore {
		score = maxScore
	}
	return kmodel.QualityMetadata{
		StepQualityScore: round2(score),
		StepQuality:      tier(score),
	}
}

func tier(score float64) string {
	switch {
	case score >= 0.9:
		return "excellent"
	case score >= 0.75:
		return "high"
	case score >= 0.6:
		return "standard"
	default:
		return "basic"
	}
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
