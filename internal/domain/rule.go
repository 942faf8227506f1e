package domain

// Label is the canonical tag of a fraud rule.
type Label string

// Built-in rule labels.
const (
	LabelVelocity               Label = "VELOCITY"
	LabelHighValueFirstPurchase Label = "HIGH_VALUE_FIRST_PURCHASE"
	LabelGeographicMismatch     Label = "GEOGRAPHIC_MISMATCH"
	LabelMultipleDeclines       Label = "MULTIPLE_DECLINES"
	LabelUnusualQuantity        Label = "UNUSUAL_QUANTITY"
)

// BuiltinLabels is the canonical evaluation and reporting order of the
// built-in rules. Custom rules follow in configuration order.
var BuiltinLabels = []Label{
	LabelVelocity,
	LabelHighValueFirstPurchase,
	LabelGeographicMismatch,
	LabelMultipleDeclines,
	LabelUnusualQuantity,
}

// IsBuiltin reports whether l names one of the built-in rules.
func (l Label) IsBuiltin() bool {
	for _, b := range BuiltinLabels {
		if b == l {
			return true
		}
	}
	return false
}

// RuleResult is the immutable output of one rule predicate.
type RuleResult struct {
	Label     Label  `json:"label"`
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
}

// ScoreResult is the composite risk score derived from a set of rule results.
type ScoreResult struct {
	Total     int           `json:"score"`
	Labels    []Label       `json:"triggeredLabels"`
	Breakdown map[Label]int `json:"breakdown,omitempty"`
}

// Flagged reports whether the score reaches the alert threshold.
func (s ScoreResult) Flagged(threshold int) bool {
	return s.Total >= threshold
}

// CustomRule is an operator-defined CEL predicate evaluated after the
// built-in rules. The expression must return bool.
type CustomRule struct {
	Label       Label  `json:"label" yaml:"label"`
	Description string `json:"description,omitempty" yaml:"description"`
	Expression  string `json:"expression" yaml:"expression"`
	Weight      int    `json:"weight" yaml:"weight"`
}
