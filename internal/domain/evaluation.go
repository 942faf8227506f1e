package domain

import (
	"time"
)

// Evaluation is the persisted score snapshot of a committed transaction.
// It is written in the same unit as the transaction row.
type Evaluation struct {
	TransactionID string    `json:"transactionId"`
	Score         int       `json:"score"`
	Labels        []Label   `json:"triggeredLabels"`
	Flagged       bool      `json:"flagged"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

// OutcomeStatus distinguishes a fresh evaluation from a repeat submission.
type OutcomeStatus string

const (
	OutcomeAccepted  OutcomeStatus = "accepted"
	OutcomeDuplicate OutcomeStatus = "duplicate"
)

// EvaluationOutcome is the result of evaluating one transaction. For a
// duplicate, Score and Labels reflect the original evaluation when known.
type EvaluationOutcome struct {
	Status        OutcomeStatus `json:"status"`
	TransactionID string        `json:"transactionId"`
	Score         int           `json:"score"`
	Labels        []Label       `json:"triggeredLabels"`
	Results       []RuleResult  `json:"ruleResults,omitempty"`
	Alert         *FraudAlert   `json:"alert,omitempty"`

	// AlertCreated is false when the alert already existed.
	AlertCreated bool  `json:"alertCreated"`
	DurationMs   int64 `json:"durationMs"`
}

// Flagged reports whether the outcome carries an alert.
func (o *EvaluationOutcome) Flagged() bool {
	return o.Alert != nil
}
