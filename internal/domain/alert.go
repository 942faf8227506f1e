package domain

import (
	"time"
)

// AlertStatus is the analyst review state of a fraud alert.
type AlertStatus string

const (
	AlertNeedsReview    AlertStatus = "NEEDS_REVIEW"
	AlertInvestigated   AlertStatus = "INVESTIGATED"
	AlertConfirmedFraud AlertStatus = "CONFIRMED_FRAUD"
	AlertCleared        AlertStatus = "CLEARED"
)

// AlertStatuses lists every valid review status.
var AlertStatuses = []AlertStatus{AlertNeedsReview, AlertInvestigated, AlertConfirmedFraud, AlertCleared}

// Valid reports whether s is a known review status.
func (s AlertStatus) Valid() bool {
	for _, v := range AlertStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// FraudAlert is the ledger record for a transaction whose score crossed the
// alert threshold. At most one exists per transaction.
type FraudAlert struct {
	ID            string      `json:"alertId"`
	TransactionID string      `json:"transactionId"`
	Score         int         `json:"riskScore"`
	Labels        []Label     `json:"triggeredRules"`
	Status        AlertStatus `json:"alertStatus"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`

	// Populated by read paths that join the transaction.
	Transaction *Transaction `json:"transaction,omitempty"`
}

// Notification builds the fan-out payload for a newly created alert.
func (a *FraudAlert) Notification() AlertNotification {
	return AlertNotification{
		AlertID:       a.ID,
		TransactionID: a.TransactionID,
		Score:         a.Score,
		Labels:        a.Labels,
		CreatedAt:     a.CreatedAt,
	}
}

// AlertNotification is published once per created alert for external
// real-time broadcast.
type AlertNotification struct {
	AlertID       string    `json:"alertId"`
	TransactionID string    `json:"transactionId"`
	Score         int       `json:"riskScore"`
	Labels        []Label   `json:"triggeredRules"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Status   AlertStatus
	MinScore int
	Since    time.Time
	Limit    int
}
