// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else if cfg.Driver == "sqlite" {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY on lock upgrade.
		db.SetMaxOpenConns(1)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const transactionColumns = `
	t.id, t.email, t.ip, t.card_bin, t.device_fingerprint,
	t.amount, t.payment_method, t.status,
	t.billing_country, t.shipping_country,
	t.product_category, t.quantity, t.unit_price, t.first_purchase,
	t.timestamp_ns, t.created_at_ns`

func scanTransaction(row rowScanner, extra ...any) (*domain.Transaction, error) {
	var tx domain.Transaction
	var status string
	var firstPurchase int
	var tsNs, createdNs int64

	dest := []any{
		&tx.ID, &tx.Email, &tx.IP, &tx.CardBIN, &tx.DeviceFingerprint,
		&tx.Amount, &tx.PaymentMethod, &status,
		&tx.BillingCountry, &tx.ShippingCountry,
		&tx.ProductCategory, &tx.Quantity, &tx.UnitPrice, &firstPurchase,
		&tsNs, &createdNs,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	tx.Status = domain.TransactionStatus(status)
	tx.FirstPurchase = firstPurchase == 1
	tx.Timestamp = fromNanos(tsNs)
	tx.CreatedAt = fromNanos(createdNs)
	return &tx, nil
}

// TransactionExists reports whether a transaction id has been committed.
func (r *SQLRepository) TransactionExists(ctx context.Context, txID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM transactions WHERE id = ?`), txID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountByEmail counts committed transactions for an email whose timestamp
// lies in [q.From, q.To), excluding q.ExcludeID.
func (r *SQLRepository) CountByEmail(ctx context.Context, q domain.HistoryQuery) (int, error) {
	if q.Email == "" {
		return 0, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT COUNT(*)
		FROM transactions
		WHERE email = ?
		  AND timestamp_ns >= ?
		  AND timestamp_ns < ?
		  AND id <> ?`)
	args := []any{q.Email, toNanos(q.From), toNanos(q.To), q.ExcludeID}

	if len(q.Statuses) > 0 {
		sb.WriteString(" AND status IN (")
		for i, s := range q.Statuses {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, string(s))
		}
		sb.WriteString(")")
	}

	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(sb.String()), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Commit writes a transaction, its evaluation and an optional alert in one
// SQL transaction. A transaction id that already exists writes nothing and
// reports Duplicate. An alert conflict on transaction_id resolves to the
// existing alert.
func (r *SQLRepository) Commit(ctx context.Context, req domain.CommitRequest) (*domain.CommitResult, error) {
	if req.Transaction == nil || req.Evaluation == nil {
		return nil, fmt.Errorf("%w: transaction and evaluation are required", ErrInvalidInput)
	}
	if req.Evaluation.TransactionID != req.Transaction.ID {
		return nil, fmt.Errorf("%w: evaluation does not belong to transaction %s", ErrInvalidInput, req.Transaction.ID)
	}

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin commit: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := req.Transaction
	firstPurchase := 0
	if tx.FirstPurchase {
		firstPurchase = 1
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := sqlTx.ExecContext(ctx, r.rebind(`
		INSERT INTO transactions (
			id, email, ip, card_bin, device_fingerprint,
			amount, payment_method, status,
			billing_country, shipping_country,
			product_category, quantity, unit_price, first_purchase,
			timestamp_ns, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`),
		tx.ID, tx.Email, tx.IP, tx.CardBIN, tx.DeviceFingerprint,
		tx.Amount.String(), tx.PaymentMethod, string(tx.Status),
		tx.BillingCountry, tx.ShippingCountry,
		tx.ProductCategory, tx.Quantity, tx.UnitPrice.String(), firstPurchase,
		toNanos(tx.Timestamp), toNanos(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 0 {
		return &domain.CommitResult{Duplicate: true}, nil
	}

	eval := req.Evaluation
	labels, err := encodeLabels(eval.Labels)
	if err != nil {
		return nil, err
	}
	flagged := 0
	if eval.Flagged {
		flagged = 1
	}
	if _, err := sqlTx.ExecContext(ctx, r.rebind(`
		INSERT INTO evaluations (transaction_id, score, labels, flagged, evaluated_at_ns)
		VALUES (?, ?, ?, ?, ?)
	`), eval.TransactionID, eval.Score, labels, flagged, toNanos(eval.EvaluatedAt)); err != nil {
		return nil, fmt.Errorf("failed to insert evaluation: %w", err)
	}

	result := &domain.CommitResult{}
	if req.Alert != nil {
		alert, created, err := r.insertAlert(ctx, sqlTx, req.Alert)
		if err != nil {
			return nil, err
		}
		result.Alert = alert
		result.AlertCreated = created
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return result, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetEvaluationByTransaction retrieves the stored evaluation of a transaction.
func (r *SQLRepository) GetEvaluationByTransaction(ctx context.Context, txID string) (*domain.Evaluation, error) {
	query := `
		SELECT transaction_id, score, labels, flagged, evaluated_at_ns
		FROM evaluations
		WHERE transaction_id = ?
	`

	var eval domain.Evaluation
	var labels string
	var flagged int
	var evaluatedNs int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&eval.TransactionID, &eval.Score, &labels, &flagged, &evaluatedNs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if eval.Labels, err = decodeLabels(labels); err != nil {
		return nil, err
	}
	eval.Flagged = flagged == 1
	eval.EvaluatedAt = fromNanos(evaluatedNs)
	return &eval, nil
}

// RelatedTransactions returns other transactions sharing the email, IP or
// card BIN of txID, newest first, at most limit per key.
func (r *SQLRepository) RelatedTransactions(ctx context.Context, txID string, limit int) (*domain.RelatedTransactions, error) {
	subject, err := r.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	related := &domain.RelatedTransactions{
		ByEmail: []*domain.Transaction{},
		ByIP:    []*domain.Transaction{},
		ByBIN:   []*domain.Transaction{},
	}

	if related.ByEmail, err = r.relatedBy(ctx, "email", subject.Email, txID, limit); err != nil {
		return nil, err
	}
	if subject.IP != "" {
		if related.ByIP, err = r.relatedBy(ctx, "ip", subject.IP, txID, limit); err != nil {
			return nil, err
		}
	}
	if subject.CardBIN != "" {
		if related.ByBIN, err = r.relatedBy(ctx, "card_bin", subject.CardBIN, txID, limit); err != nil {
			return nil, err
		}
	}
	return related, nil
}

// relatedBy queries on a fixed column name; column is never caller input.
func (r *SQLRepository) relatedBy(ctx context.Context, column, value, excludeID string, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		WHERE t.` + column + ` = ? AND t.id <> ?
		ORDER BY t.timestamp_ns DESC, t.id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), value, excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []*domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// CountTransactions returns the number of committed transactions.
func (r *SQLRepository) CountTransactions(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (r *SQLRepository) Stats() sql.DBStats {
	return r.db.Stats()
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
