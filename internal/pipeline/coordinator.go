// Package pipeline sequences history snapshot, rule evaluation, scoring and
// the ledger commit for each transaction.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/history"
	"github.com/opensource-finance/merlin/internal/metrics"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/scoring"
)

var tracer = otel.Tracer("merlin-pipeline")

// processedTTL bounds how long duplicate hints live in the cache.
const processedTTL = 24 * time.Hour

// Store is the repository surface the coordinator needs.
type Store interface {
	history.Source
	TransactionExists(ctx context.Context, txID string) (bool, error)
	GetEvaluationByTransaction(ctx context.Context, txID string) (*domain.Evaluation, error)
	GetAlertByTransaction(ctx context.Context, txID string) (*domain.FraudAlert, error)
	Commit(ctx context.Context, req domain.CommitRequest) (*domain.CommitResult, error)
}

// Coordinator evaluates transactions one logical unit at a time.
type Coordinator struct {
	store   Store
	history *history.Store
	engine  *rules.Engine
	weights scoring.WeightTable
	cache   domain.Cache
	bus     domain.EventBus
	locks   *keyLock
	clock   func() time.Time

	maxWorkers int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCache sets the processed-id hint cache.
func WithCache(c domain.Cache) Option {
	return func(co *Coordinator) { co.cache = c }
}

// WithEventBus sets the bus alert notifications are published on.
func WithEventBus(b domain.EventBus) Option {
	return func(co *Coordinator) { co.bus = b }
}

// WithClock overrides the wall clock used for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(co *Coordinator) { co.clock = clock }
}

// WithMaxWorkers bounds concurrent groups in EvaluateBatch.
func WithMaxWorkers(n int) Option {
	return func(co *Coordinator) {
		if n > 0 {
			co.maxWorkers = n
		}
	}
}

// NewCoordinator creates a new evaluation coordinator.
func NewCoordinator(store Store, engine *rules.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		history:    history.NewStore(store),
		engine:     engine,
		weights:    scoring.WeightsFor(engine.Config()),
		locks:      newKeyLock(),
		clock:      time.Now,
		maxWorkers: 10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate runs the full pipeline for one validated, normalized transaction.
// A transaction id that was already committed is reported as a duplicate
// without re-evaluation. Store failures are returned wrapped in
// domain.ErrHistoryUnavailable and leave nothing half-written.
func (c *Coordinator) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.EvaluationOutcome, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.Evaluate",
		trace.WithAttributes(attribute.String("tx.id", tx.ID)),
	)
	defer span.End()

	outcome, err := c.evaluate(ctx, tx)
	elapsed := time.Since(start)
	metrics.EvaluationDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("evaluation failed",
			"tx_id", tx.ID,
			"retryable", domain.IsRetryable(err),
			"error", err,
		)
		return nil, err
	}

	outcome.DurationMs = elapsed.Milliseconds()
	metrics.EvaluationsTotal.WithLabelValues(string(outcome.Status)).Inc()
	span.SetAttributes(
		attribute.String("outcome", string(outcome.Status)),
		attribute.Int("score", outcome.Score),
	)
	return outcome, nil
}

func (c *Coordinator) evaluate(ctx context.Context, tx *domain.Transaction) (*domain.EvaluationOutcome, error) {
	unlock, err := c.locks.lock(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if out, err := c.checkDuplicate(ctx, tx.ID); err != nil || out != nil {
		return out, err
	}

	// The view is frozen on tx.Timestamp and never sees tx itself.
	view := c.history.View(tx)
	results, err := c.engine.Evaluate(ctx, tx, view)
	if err != nil {
		return nil, err
	}
	score := scoring.Score(results, c.weights)
	cfg := c.engine.Config()
	flagged := score.Flagged(cfg.AlertThreshold)

	now := c.clock().UTC()
	committed := *tx
	committed.CreatedAt = now

	req := domain.CommitRequest{
		Transaction: &committed,
		Evaluation: &domain.Evaluation{
			TransactionID: tx.ID,
			Score:         score.Total,
			Labels:        score.Labels,
			Flagged:       flagged,
			EvaluatedAt:   now,
		},
	}
	if flagged {
		req.Alert = &domain.FraudAlert{
			ID:            uuid.New().String(),
			TransactionID: tx.ID,
			Score:         score.Total,
			Labels:        score.Labels,
			Status:        domain.AlertNeedsReview,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	res, err := c.store.Commit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: commit %s: %w", domain.ErrHistoryUnavailable, tx.ID, err)
	}
	if res.Duplicate {
		// Another process committed the same id first.
		return c.duplicateOutcome(ctx, tx.ID)
	}

	c.markProcessed(ctx, tx.ID)

	for _, label := range score.Labels {
		metrics.RuleTriggersTotal.WithLabelValues(string(label)).Inc()
	}

	outcome := &domain.EvaluationOutcome{
		Status:        domain.OutcomeAccepted,
		TransactionID: tx.ID,
		Score:         score.Total,
		Labels:        score.Labels,
		Results:       results,
		Alert:         res.Alert,
		AlertCreated:  res.AlertCreated,
	}

	if res.AlertCreated {
		metrics.AlertsCreatedTotal.Inc()
		slog.Info("alert created",
			"alert_id", res.Alert.ID,
			"tx_id", tx.ID,
			"score", res.Alert.Score,
		)
		c.publishAlert(ctx, res.Alert)
	}

	slog.Info("transaction evaluated",
		"tx_id", tx.ID,
		"score", score.Total,
		"labels", score.Labels,
		"flagged", flagged,
	)
	return outcome, nil
}

// checkDuplicate returns a duplicate outcome when txID was already
// committed, or nil to proceed. A cache hit is confirmed against the store.
func (c *Coordinator) checkDuplicate(ctx context.Context, txID string) (*domain.EvaluationOutcome, error) {
	if c.cache != nil {
		hit, err := c.cache.IsProcessed(ctx, txID)
		if err != nil {
			slog.Warn("processed cache lookup failed", "tx_id", txID, "error", err)
		}
		if hit {
			out, err := c.duplicateOutcome(ctx, txID)
			if err == nil {
				return out, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
			slog.Warn("stale processed hint", "tx_id", txID)
		}
	}

	exists, err := c.store.TransactionExists(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("%w: duplicate check %s: %w", domain.ErrHistoryUnavailable, txID, err)
	}
	if !exists {
		return nil, nil
	}

	out, err := c.duplicateOutcome(ctx, txID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.EvaluationOutcome{Status: domain.OutcomeDuplicate, TransactionID: txID, Labels: []domain.Label{}}, nil
	}
	return out, err
}

// duplicateOutcome reports the stored evaluation and alert of txID.
func (c *Coordinator) duplicateOutcome(ctx context.Context, txID string) (*domain.EvaluationOutcome, error) {
	eval, err := c.store.GetEvaluationByTransaction(ctx, txID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load evaluation %s: %w", domain.ErrHistoryUnavailable, txID, err)
	}

	out := &domain.EvaluationOutcome{
		Status:        domain.OutcomeDuplicate,
		TransactionID: txID,
		Score:         eval.Score,
		Labels:        eval.Labels,
	}

	if eval.Flagged {
		alert, err := c.store.GetAlertByTransaction(ctx, txID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("%w: load alert %s: %w", domain.ErrHistoryUnavailable, txID, err)
		default:
			out.Alert = alert
		}
	}

	c.markProcessed(ctx, txID)
	slog.Debug("duplicate transaction skipped", "tx_id", txID)
	return out, nil
}

func (c *Coordinator) markProcessed(ctx context.Context, txID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.MarkProcessed(ctx, txID, processedTTL); err != nil {
		slog.Warn("failed to mark transaction processed", "tx_id", txID, "error", err)
	}
}

// publishAlert emits the notification for a newly created alert. Delivery
// failures never affect the committed outcome.
func (c *Coordinator) publishAlert(ctx context.Context, alert *domain.FraudAlert) {
	if c.bus == nil || alert == nil {
		return
	}

	payload, err := json.Marshal(alert.Notification())
	if err != nil {
		slog.Error("failed to encode alert notification", "alert_id", alert.ID, "error", err)
		return
	}

	if err := c.bus.Publish(ctx, domain.TopicAlertCreated, payload); err != nil {
		metrics.AlertPublishFailuresTotal.Inc()
		slog.Warn("failed to publish alert notification",
			"alert_id", alert.ID,
			"tx_id", alert.TransactionID,
			"error", err,
		)
	}
}
