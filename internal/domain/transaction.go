package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the payment outcome reported by the upstream system.
type TransactionStatus string

const (
	StatusApproved     TransactionStatus = "APPROVED"
	StatusSoftDeclined TransactionStatus = "SOFT_DECLINED"
	StatusHardDeclined TransactionStatus = "HARD_DECLINED"
	StatusPending      TransactionStatus = "PENDING"
	StatusTimedOut     TransactionStatus = "TIMED_OUT"
)

// Valid reports whether s is one of the known outcome statuses.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusApproved, StatusSoftDeclined, StatusHardDeclined, StatusPending, StatusTimedOut:
		return true
	}
	return false
}

// Declined reports whether s counts as a decline for the multiple-declines rule.
// Pending and timed-out outcomes are not declines.
func (s TransactionStatus) Declined() bool {
	return s == StatusSoftDeclined || s == StatusHardDeclined
}

// DeclinedStatuses lists the statuses counted by decline history queries.
var DeclinedStatuses = []TransactionStatus{StatusSoftDeclined, StatusHardDeclined}

// Transaction is an immutable commerce transaction once committed.
type Transaction struct {
	// Core identifiers
	ID        string    `json:"transactionId"`
	Timestamp time.Time `json:"timestamp"`

	// Identity key used to correlate history
	Email string `json:"customerEmail"`

	// Secondary keys (optional)
	IP                string `json:"customerIp,omitempty"`
	CardBIN           string `json:"cardBin,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`

	// Financial details
	Amount        decimal.Decimal   `json:"amountUsd"`
	PaymentMethod string            `json:"paymentMethod"`
	Status        TransactionStatus `json:"status"`

	// Geography (ISO 3166-1 alpha-2)
	BillingCountry  string `json:"billingCountry"`
	ShippingCountry string `json:"shippingCountry"`

	// Line item
	ProductCategory string          `json:"productCategory"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`

	// Supplied by the caller, never derived from history
	FirstPurchase bool `json:"isFirstPurchase"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Normalize canonicalizes free-form fields in place: country codes, category,
// payment method and status are trimmed and uppercased, email is trimmed and
// lowercased, and the timestamp is converted to UTC.
func (t *Transaction) Normalize() {
	t.ID = strings.TrimSpace(t.ID)
	t.Email = strings.ToLower(strings.TrimSpace(t.Email))
	t.IP = strings.TrimSpace(t.IP)
	t.CardBIN = strings.TrimSpace(t.CardBIN)
	t.DeviceFingerprint = strings.TrimSpace(t.DeviceFingerprint)
	t.BillingCountry = NormalizeCountry(t.BillingCountry)
	t.ShippingCountry = NormalizeCountry(t.ShippingCountry)
	t.ProductCategory = strings.ToUpper(strings.TrimSpace(t.ProductCategory))
	t.PaymentMethod = strings.ToUpper(strings.TrimSpace(t.PaymentMethod))
	t.Status = TransactionStatus(strings.ToUpper(strings.TrimSpace(string(t.Status))))
	t.Timestamp = t.Timestamp.UTC()
}

// NormalizeCountry uppercases and trims a country code.
func NormalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks field-level constraints. It expects a normalized transaction.
func (t *Transaction) Validate() error {
	switch {
	case t.ID == "":
		return NewValidationError("transactionId", "is required")
	case t.Timestamp.IsZero():
		return NewValidationError("timestamp", "is required")
	case t.Email == "":
		return NewValidationError("customerEmail", "is required")
	case !isCountryCode(t.BillingCountry):
		return NewValidationError("billingCountry", "must be a 2-letter country code")
	case !isCountryCode(t.ShippingCountry):
		return NewValidationError("shippingCountry", "must be a 2-letter country code")
	case t.Amount.IsNegative():
		return NewValidationError("amountUsd", "must be non-negative")
	case t.UnitPrice.IsNegative():
		return NewValidationError("unitPrice", "must be non-negative")
	case t.Quantity <= 0:
		return NewValidationError("quantity", "must be a positive integer")
	case !t.Status.Valid():
		return NewValidationError("status", "must be one of APPROVED, SOFT_DECLINED, HARD_DECLINED, PENDING, TIMED_OUT")
	case t.ProductCategory == "":
		return NewValidationError("productCategory", "is required")
	case t.PaymentMethod == "":
		return NewValidationError("paymentMethod", "is required")
	}
	return nil
}

func isCountryCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}
