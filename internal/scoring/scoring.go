// Package scoring turns triggered rule results into a composite risk score.
package scoring

import (
	"github.com/opensource-finance/merlin/internal/domain"
)

const (
	MinScore = 0
	MaxScore = 100
)

// WeightTable maps a rule label to its score contribution.
type WeightTable map[domain.Label]int

// WeightsFor builds the weight table for cfg, built-in and custom rules alike.
func WeightsFor(cfg domain.DetectionConfig) WeightTable {
	table := make(WeightTable, len(cfg.Weights)+len(cfg.CustomRules))
	for label, w := range cfg.Weights {
		table[label] = w
	}
	for _, r := range cfg.CustomRules {
		table[r.Label] = r.Weight
	}
	return table
}

// Score sums the weights of triggered results and clamps the total to
// [0,100]. Labels keep the order of results. Unknown labels weigh 0.
// Signals are additive with no interaction terms.
func Score(results []domain.RuleResult, weights WeightTable) domain.ScoreResult {
	score := domain.ScoreResult{
		Labels:    []domain.Label{},
		Breakdown: make(map[domain.Label]int),
	}

	total := 0
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		w := weights[r.Label]
		if w < 0 {
			w = 0
		}
		total += w
		score.Labels = append(score.Labels, r.Label)
		score.Breakdown[r.Label] = w
	}

	score.Total = clamp(total)
	return score
}

// Reasons returns the explanation of every triggered result, in order.
func Reasons(results []domain.RuleResult) []string {
	var reasons []string
	for _, r := range results {
		if r.Triggered && r.Reason != "" {
			reasons = append(reasons, string(r.Label)+": "+r.Reason)
		}
	}
	return reasons
}

func clamp(total int) int {
	if total < MinScore {
		return MinScore
	}
	if total > MaxScore {
		return MaxScore
	}
	return total
}
