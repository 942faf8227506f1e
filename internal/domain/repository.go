// Package domain defines the core interfaces and types for Merlin.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. It is both the
// history source for rule evaluation and the alert ledger.
type Repository interface {
	// History queries. Windows are half-open [from, to).
	TransactionExists(ctx context.Context, txID string) (bool, error)
	CountByEmail(ctx context.Context, q HistoryQuery) (int, error)

	// Commit writes the transaction, its evaluation and, when present, its
	// alert as one unit.
	Commit(ctx context.Context, req CommitRequest) (*CommitResult, error)

	// Transaction reads
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetEvaluationByTransaction(ctx context.Context, txID string) (*Evaluation, error)
	RelatedTransactions(ctx context.Context, txID string, limit int) (*RelatedTransactions, error)

	// Alert ledger
	GetAlert(ctx context.Context, alertID string) (*FraudAlert, error)
	GetAlertByTransaction(ctx context.Context, txID string) (*FraudAlert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*FraudAlert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status AlertStatus, at time.Time) (*FraudAlert, error)

	// Reporting
	AlertsSince(ctx context.Context, cutoff time.Time) ([]*FraudAlert, error)
	CountTransactions(ctx context.Context) (int, error)
	CountAlerts(ctx context.Context) (int, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// HistoryQuery selects prior transactions for one identity key.
type HistoryQuery struct {
	Email     string
	From      time.Time
	To        time.Time
	ExcludeID string

	// Statuses restricts the count when non-empty.
	Statuses []TransactionStatus
}

// CommitRequest carries everything written for one evaluated transaction.
type CommitRequest struct {
	Transaction *Transaction
	Evaluation  *Evaluation

	// Alert is nil when the score stayed below the threshold.
	Alert *FraudAlert
}

// CommitResult reports what the commit actually wrote.
type CommitResult struct {
	// Duplicate is true when the transaction id already existed; nothing
	// was written.
	Duplicate bool

	// Alert is the alert bound to the transaction, created or pre-existing.
	Alert *FraudAlert

	// AlertCreated is false when the alert row already existed.
	AlertCreated bool
}

// RelatedTransactions groups other transactions sharing a key with the
// subject transaction.
type RelatedTransactions struct {
	ByEmail []*Transaction `json:"byEmail"`
	ByIP    []*Transaction `json:"byIp"`
	ByBIN   []*Transaction `json:"byBin"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
