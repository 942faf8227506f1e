package scoring

import (
	"testing"

	"github.com/opensource-finance/merlin/internal/domain"
)

func results(labels ...domain.Label) []domain.RuleResult {
	var out []domain.RuleResult
	for _, l := range domain.BuiltinLabels {
		triggered := false
		for _, want := range labels {
			if want == l {
				triggered = true
			}
		}
		out = append(out, domain.RuleResult{Label: l, Triggered: triggered})
	}
	return out
}

func TestScore(t *testing.T) {
	weights := WeightsFor(domain.DefaultDetectionConfig())

	tests := []struct {
		name   string
		labels []domain.Label
		want   int
	}{
		{"nothing triggered", nil, 0},
		{"velocity only", []domain.Label{domain.LabelVelocity}, 30},
		{"velocity geo declines", []domain.Label{domain.LabelVelocity, domain.LabelGeographicMismatch, domain.LabelMultipleDeclines}, 75},
		{"everything clamps", domain.BuiltinLabels, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(results(tt.labels...), weights)
			if got.Total != tt.want {
				t.Errorf("Score = %d, want %d", got.Total, tt.want)
			}
			if len(got.Labels) != len(tt.labels) {
				t.Errorf("expected %d labels, got %v", len(tt.labels), got.Labels)
			}
		})
	}
}

func TestScoreKeepsResultOrder(t *testing.T) {
	got := Score(results(domain.LabelMultipleDeclines, domain.LabelVelocity, domain.LabelGeographicMismatch), WeightsFor(domain.DefaultDetectionConfig()))

	want := []domain.Label{domain.LabelVelocity, domain.LabelGeographicMismatch, domain.LabelMultipleDeclines}
	for i, l := range want {
		if got.Labels[i] != l {
			t.Errorf("position %d: expected %s, got %s", i, l, got.Labels[i])
		}
	}
	if got.Breakdown[domain.LabelMultipleDeclines] != 25 {
		t.Errorf("expected breakdown 25 for declines, got %d", got.Breakdown[domain.LabelMultipleDeclines])
	}
}

func TestScoreUnknownLabel(t *testing.T) {
	got := Score([]domain.RuleResult{{Label: "NOT_CONFIGURED", Triggered: true}}, WeightTable{})
	if got.Total != 0 {
		t.Errorf("expected unknown label to weigh 0, got %d", got.Total)
	}
}

func TestScoreMonotonic(t *testing.T) {
	weights := WeightsFor(domain.DefaultDetectionConfig())

	// Every subset of the built-in labels, by bitmask.
	n := len(domain.BuiltinLabels)
	for mask := 0; mask < 1<<n; mask++ {
		var labels []domain.Label
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				labels = append(labels, domain.BuiltinLabels[i])
			}
		}
		base := Score(results(labels...), weights).Total
		if base < MinScore || base > MaxScore {
			t.Fatalf("score %d out of range for %v", base, labels)
		}

		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				continue
			}
			more := Score(results(append(labels, domain.BuiltinLabels[i])...), weights).Total
			if more < base {
				t.Errorf("adding %s decreased score %d -> %d", domain.BuiltinLabels[i], base, more)
			}
		}
	}
}

func TestWeightsForCustomRules(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.CustomRules = []domain.CustomRule{{Label: "CRYPTO_BULK", Expression: "true", Weight: 12}}

	weights := WeightsFor(cfg)
	if weights["CRYPTO_BULK"] != 12 {
		t.Errorf("expected custom weight 12, got %d", weights["CRYPTO_BULK"])
	}
	if weights[domain.LabelVelocity] != 30 {
		t.Errorf("expected velocity weight 30, got %d", weights[domain.LabelVelocity])
	}
}

func TestFlagged(t *testing.T) {
	s := domain.ScoreResult{Total: 70}
	if !s.Flagged(70) {
		t.Error("score equal to threshold must flag")
	}
	if s.Flagged(71) {
		t.Error("score below threshold must not flag")
	}
}
