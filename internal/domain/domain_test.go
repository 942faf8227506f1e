package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validTx() *Transaction {
	return &Transaction{
		ID:              " tx-1 ",
		Timestamp:       time.Date(2025, 3, 1, 20, 0, 0, 0, time.FixedZone("SGT", 8*3600)),
		Email:           "  Buyer@Example.COM ",
		Amount:          decimal.RequireFromString("99.90"),
		PaymentMethod:   "credit_card",
		Status:          "approved",
		BillingCountry:  " sg",
		ShippingCountry: "id ",
		ProductCategory: "laptop",
		Quantity:        1,
		UnitPrice:       decimal.RequireFromString("99.90"),
	}
}

func TestTransactionNormalize(t *testing.T) {
	tx := validTx()
	tx.Normalize()

	if tx.ID != "tx-1" || tx.Email != "buyer@example.com" {
		t.Errorf("unexpected identifiers %q / %q", tx.ID, tx.Email)
	}
	if tx.BillingCountry != "SG" || tx.ShippingCountry != "ID" {
		t.Errorf("unexpected countries %q / %q", tx.BillingCountry, tx.ShippingCountry)
	}
	if tx.ProductCategory != "LAPTOP" || tx.PaymentMethod != "CREDIT_CARD" || tx.Status != StatusApproved {
		t.Errorf("unexpected uppercased fields %q / %q / %q", tx.ProductCategory, tx.PaymentMethod, tx.Status)
	}
	if tx.Timestamp.Location() != time.UTC || tx.Timestamp.Hour() != 12 {
		t.Errorf("expected UTC timestamp, got %v", tx.Timestamp)
	}
	if err := tx.Validate(); err != nil {
		t.Errorf("expected normalized transaction to validate: %v", err)
	}
}

func TestTransactionValidate(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Transaction)
	}{
		{"transactionId", func(tx *Transaction) { tx.ID = "" }},
		{"timestamp", func(tx *Transaction) { tx.Timestamp = time.Time{} }},
		{"customerEmail", func(tx *Transaction) { tx.Email = "" }},
		{"billingCountry", func(tx *Transaction) { tx.BillingCountry = "S1" }},
		{"shippingCountry", func(tx *Transaction) { tx.ShippingCountry = "IDN" }},
		{"amountUsd", func(tx *Transaction) { tx.Amount = decimal.NewFromInt(-5) }},
		{"unitPrice", func(tx *Transaction) { tx.UnitPrice = decimal.NewFromInt(-1) }},
		{"quantity", func(tx *Transaction) { tx.Quantity = 0 }},
		{"status", func(tx *Transaction) { tx.Status = "REFUNDED" }},
		{"productCategory", func(tx *Transaction) { tx.ProductCategory = "" }},
		{"paymentMethod", func(tx *Transaction) { tx.PaymentMethod = " " }},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			tx := validTx()
			tt.mutate(tx)
			tx.Normalize()

			err := tx.Validate()
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, vErr.Field)
			}
			if IsRetryable(err) {
				t.Error("validation errors are never retryable")
			}
		})
	}

	t.Run("ZeroAmountAllowed", func(t *testing.T) {
		tx := validTx()
		tx.Amount = decimal.Zero
		tx.Normalize()
		if err := tx.Validate(); err != nil {
			t.Errorf("zero amount should be valid: %v", err)
		}
	})
}

func TestTransactionStatus(t *testing.T) {
	for _, s := range []TransactionStatus{StatusSoftDeclined, StatusHardDeclined} {
		if !s.Declined() {
			t.Errorf("%s should count as a decline", s)
		}
	}
	for _, s := range []TransactionStatus{StatusApproved, StatusPending, StatusTimedOut} {
		if s.Declined() {
			t.Errorf("%s should not count as a decline", s)
		}
	}
}

func TestDetectionConfigValidate(t *testing.T) {
	if err := DefaultDetectionConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	tests := []struct {
		name   string
		option string
		mutate func(*DetectionConfig)
	}{
		{"ZeroVelocityWindow", "velocity_window_minutes", func(c *DetectionConfig) { c.VelocityWindow = 0 }},
		{"NegativeVelocityMax", "velocity_max_transactions", func(c *DetectionConfig) { c.VelocityMaxTransactions = -1 }},
		{"ZeroDeclineWindow", "decline_window_hours", func(c *DetectionConfig) { c.DeclineWindow = 0 }},
		{"ZeroDeclineCount", "decline_min_count", func(c *DetectionConfig) { c.DeclineMinCount = 0 }},
		{"NegativeHighValue", "high_value_threshold", func(c *DetectionConfig) { c.HighValueThreshold = decimal.NewFromInt(-1) }},
		{"NegativeQuantity", "unusual_quantity_threshold", func(c *DetectionConfig) { c.UnusualQuantityThreshold = -1 }},
		{"ThresholdTooHigh", "alert_score_threshold", func(c *DetectionConfig) { c.AlertThreshold = 101 }},
		{"EmptyCategory", "monitored_categories", func(c *DetectionConfig) { c.MonitoredCategories = []string{"LAPTOP", ""} }},
		{"LowercaseCategory", "monitored_categories", func(c *DetectionConfig) { c.MonitoredCategories = []string{"LAPTOP", "camera"} }},
		{"UntrimmedCategory", "monitored_categories", func(c *DetectionConfig) { c.MonitoredCategories = []string{" LAPTOP"} }},
		{"MissingWeight", "rule_weights", func(c *DetectionConfig) { delete(c.Weights, LabelVelocity) }},
		{"ZeroWeight", "rule_weights", func(c *DetectionConfig) { c.Weights[LabelUnusualQuantity] = 0 }},
		{"UnknownWeight", "rule_weights", func(c *DetectionConfig) { c.Weights["BOGUS"] = 5 }},
		{"CustomShadowsBuiltin", "custom_rules", func(c *DetectionConfig) {
			c.CustomRules = []CustomRule{{Label: LabelVelocity, Expression: "true", Weight: 1}}
		}},
		{"CustomMissingExpression", "custom_rules", func(c *DetectionConfig) {
			c.CustomRules = []CustomRule{{Label: "NIGHT_OWL", Weight: 1}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDetectionConfig()
			tt.mutate(&cfg)

			var cErr *ConfigurationError
			if err := cfg.Validate(); !errors.As(err, &cErr) || cErr.Option != tt.option {
				t.Errorf("expected %s ConfigurationError, got %v", tt.option, err)
			}
		})
	}
}

func TestDetectionConfigWeight(t *testing.T) {
	cfg := DefaultDetectionConfig()
	cfg.CustomRules = []CustomRule{{Label: "NIGHT_OWL", Expression: "true", Weight: 12}}

	if got := cfg.Weight(LabelMultipleDeclines); got != 25 {
		t.Errorf("expected 25, got %d", got)
	}
	if got := cfg.Weight("NIGHT_OWL"); got != 12 {
		t.Errorf("expected custom weight 12, got %d", got)
	}
	if got := cfg.Weight("UNKNOWN"); got != 0 {
		t.Errorf("expected 0 for unknown label, got %d", got)
	}
	if !cfg.Monitored("CAMERA") || cfg.Monitored("camera") {
		t.Error("Monitored compares normalized categories exactly")
	}
}

func TestRetryable(t *testing.T) {
	wrapped := fmt.Errorf("count: %w", ErrHistoryUnavailable)
	if !IsRetryable(wrapped) {
		t.Error("wrapped ErrHistoryUnavailable should be retryable")
	}
	if IsRetryable(ErrNotFound) {
		t.Error("ErrNotFound is not retryable")
	}
}
