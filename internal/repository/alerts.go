package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

const defaultAlertLimit = 200

const alertSelect = `
	SELECT ` + transactionColumns + `,
		a.id, a.transaction_id, a.score, a.labels, a.status, a.created_at_ns, a.updated_at_ns
	FROM fraud_alerts a
	JOIN transactions t ON t.id = a.transaction_id`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAlert(row rowScanner) (*domain.FraudAlert, error) {
	var alert domain.FraudAlert
	var labels, status string
	var createdNs, updatedNs int64

	tx, err := scanTransaction(row,
		&alert.ID, &alert.TransactionID, &alert.Score, &labels, &status, &createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	if alert.Labels, err = decodeLabels(labels); err != nil {
		return nil, err
	}
	alert.Status = domain.AlertStatus(status)
	alert.CreatedAt = fromNanos(createdNs)
	alert.UpdatedAt = fromNanos(updatedNs)
	alert.Transaction = tx
	return &alert, nil
}

// insertAlert writes an alert inside an open commit. On a transaction_id
// conflict it returns the existing row with created=false.
func (r *SQLRepository) insertAlert(ctx context.Context, sqlTx *sql.Tx, alert *domain.FraudAlert) (*domain.FraudAlert, bool, error) {
	labels, err := encodeLabels(alert.Labels)
	if err != nil {
		return nil, false, err
	}
	status := alert.Status
	if status == "" {
		status = domain.AlertNeedsReview
	}
	if !status.Valid() {
		return nil, false, domain.ErrInvalidStatus
	}
	updatedAt := alert.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = alert.CreatedAt
	}

	res, err := sqlTx.ExecContext(ctx, r.rebind(`
		INSERT INTO fraud_alerts (id, transaction_id, score, labels, status, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`), alert.ID, alert.TransactionID, alert.Score, labels, string(status),
		toNanos(alert.CreatedAt), toNanos(updatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	existing, err := r.alertBy(ctx, sqlTx, "transaction_id", alert.TransactionID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read alert for %s: %w", alert.TransactionID, err)
	}
	return existing, n == 1, nil
}

func (r *SQLRepository) alertBy(ctx context.Context, q querier, column, value string) (*domain.FraudAlert, error) {
	query := alertSelect + ` WHERE a.` + column + ` = ?`

	alert, err := scanAlert(q.QueryRowContext(ctx, r.rebind(query), value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// GetAlert retrieves an alert by ID, joined with its transaction.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.FraudAlert, error) {
	return r.alertBy(ctx, r.db, "id", alertID)
}

// GetAlertByTransaction retrieves the alert bound to a transaction.
func (r *SQLRepository) GetAlertByTransaction(ctx context.Context, txID string) (*domain.FraudAlert, error) {
	return r.alertBy(ctx, r.db, "transaction_id", txID)
}

// ListAlerts returns alerts matching filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.FraudAlert, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, domain.ErrInvalidStatus
		}
		where = append(where, "a.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MinScore > 0 {
		where = append(where, "a.score >= ?")
		args = append(args, filter.MinScore)
	}
	if !filter.Since.IsZero() {
		where = append(where, "a.created_at_ns >= ?")
		args = append(args, toNanos(filter.Since))
	}

	limit := filter.Limit
	if limit <= 0 || limit > defaultAlertLimit {
		limit = defaultAlertLimit
	}

	query := alertSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.created_at_ns DESC, a.id LIMIT ?"
	args = append(args, limit)

	return r.queryAlerts(ctx, query, args...)
}

// AlertsSince returns every alert created at or after cutoff, oldest first.
func (r *SQLRepository) AlertsSince(ctx context.Context, cutoff time.Time) ([]*domain.FraudAlert, error) {
	query := alertSelect + ` WHERE a.created_at_ns >= ? ORDER BY a.created_at_ns, a.id`
	return r.queryAlerts(ctx, query, toNanos(cutoff))
}

func (r *SQLRepository) queryAlerts(ctx context.Context, query string, args ...any) ([]*domain.FraudAlert, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []*domain.FraudAlert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// UpdateAlertStatus applies a reviewer status transition.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus, at time.Time) (*domain.FraudAlert, error) {
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE fraud_alerts
		SET status = ?, updated_at_ns = ?
		WHERE id = ?
	`), string(status), toNanos(at), alertID)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return r.GetAlert(ctx, alertID)
}

// CountAlerts returns the number of alerts in the ledger.
func (r *SQLRepository) CountAlerts(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fraud_alerts`).Scan(&n)
	return n, err
}

func encodeLabels(labels []domain.Label) (string, error) {
	if labels == nil {
		labels = []domain.Label{}
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("failed to encode labels: %w", err)
	}
	return string(b), nil
}

func decodeLabels(s string) ([]domain.Label, error) {
	labels := []domain.Label{}
	if s == "" {
		return labels, nil
	}
	if err := json.Unmarshal([]byte(s), &labels); err != nil {
		return nil, fmt.Errorf("failed to parse labels: %w", err)
	}
	return labels, nil
}
