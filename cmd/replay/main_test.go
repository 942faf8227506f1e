package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

const generatorFile = `[
  {
    "transaction_id": "TXN-00000001",
    "timestamp": "2025-03-01T10:15:00",
    "customer_email": "Alice@Example.com",
    "customer_ip": "203.0.113.7",
    "billing_country": "sg",
    "shipping_country": "SG",
    "card_bin": "411111",
    "payment_method": "credit_card",
    "amount_usd": 1299.99,
    "status": "approved",
    "product_category": "laptop",
    "quantity": 1,
    "unit_price": 1299.99,
    "device_fingerprint": "fp-1",
    "is_first_purchase": true
  },
  {
    "transactionId": "TXN-00000002",
    "timestamp": "2025-03-01T18:15:00+08:00",
    "customerEmail": "bob@example.com",
    "billingCountry": "US",
    "shippingCountry": "US",
    "paymentMethod": "PAYPAL",
    "amountUsd": "25.00",
    "status": "PENDING",
    "productCategory": "BOOKS",
    "quantity": 2,
    "unitPrice": "12.50"
  },
  {
    "transaction_id": "TXN-00000003",
    "timestamp": "yesterday",
    "customer_email": "carol@example.com"
  }
]`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transactions.json")
	if err := os.WriteFile(path, []byte(generatorFile), 0o600); err != nil {
		t.Fatal(err)
	}

	txs, rejects, err := loadFile(path)
	if err != nil {
		t.Fatalf("loadFile failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if len(rejects) != 1 {
		t.Fatalf("expected 1 reject, got %v", rejects)
	}

	t.Run("SnakeCase", func(t *testing.T) {
		tx := txs[0]
		if tx.ID != "TXN-00000001" || tx.Email != "alice@example.com" {
			t.Errorf("unexpected identifiers %q / %q", tx.ID, tx.Email)
		}
		if !tx.Timestamp.Equal(time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)) {
			t.Errorf("zone-less timestamp should be UTC, got %v", tx.Timestamp)
		}
		if tx.Amount.String() != "1299.99" || !tx.FirstPurchase {
			t.Errorf("unexpected amount %s / first purchase %v", tx.Amount, tx.FirstPurchase)
		}
		if tx.BillingCountry != "SG" || tx.ProductCategory != "LAPTOP" || tx.Status != domain.StatusApproved {
			t.Errorf("expected normalized fields, got %+v", tx)
		}
		if tx.CardBIN != "411111" || tx.DeviceFingerprint != "fp-1" {
			t.Errorf("secondary keys not mapped: %+v", tx)
		}
	})

	t.Run("CamelCase", func(t *testing.T) {
		tx := txs[1]
		if tx.ID != "TXN-00000002" || tx.Status != domain.StatusPending {
			t.Errorf("unexpected transaction %+v", tx)
		}
		if !tx.Timestamp.Equal(time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)) {
			t.Errorf("offset timestamp should convert to UTC, got %v", tx.Timestamp)
		}
		if tx.UnitPrice.String() != "12.5" {
			t.Errorf("unexpected unit price %s", tx.UnitPrice)
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		var vErr *domain.ValidationError
		if !errors.As(rejects[0], &vErr) || vErr.Field != "timestamp" {
			t.Errorf("expected timestamp validation error, got %v", rejects[0])
		}
	})
}

func TestLoadFileErrors(t *testing.T) {
	if _, _, err := loadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "object.json")
	if err := os.WriteFile(path, []byte(`{"transaction_id":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadFile(path); err == nil {
		t.Error("expected error for a non-array document")
	}
}

func TestAsyncRequiresNATS(t *testing.T) {
	t.Run("ChannelBusRejected", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		txs := []*domain.Transaction{{ID: "TXN-1"}}

		err := publish(context.Background(), cfg, txs, 0)
		if !errors.Is(err, errAsyncNeedsNATS) {
			t.Fatalf("expected errAsyncNeedsNATS, got %v", err)
		}
	})

	t.Run("NATSAccepted", func(t *testing.T) {
		if err := checkAsync(domain.ClusterConfig().EventBus); err != nil {
			t.Errorf("nats bus should allow -async, got %v", err)
		}
	})
}
