// Package worker consumes ingested transactions from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/domain"
)

// QueueGroup is the queue group workers join on load-balancing buses.
const QueueGroup = "merlin-workers"

// Evaluator runs one transaction through the evaluation pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.EvaluationOutcome, error)
}

// Worker evaluates transactions published on the ingestion topic.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a new async worker.
func NewWorker(b domain.EventBus, evaluator Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       b,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingestion topic. Buses that support queue groups
// share the topic across every worker in the cluster.
func (w *Worker) Start() error {
	var (
		sub domain.Subscription
		err error
	)
	if qs, ok := w.bus.(bus.QueueSubscriber); ok {
		sub, err = qs.QueueSubscribe(w.ctx, domain.TopicTransactionIngested, QueueGroup, w.handleMessage)
	} else {
		sub, err = w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicTransactionIngested,
		"queue", QueueGroup,
	)
	return nil
}

// handleMessage decodes, validates and evaluates one message. A malformed
// message is rejected and never affects other messages.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	tx, err := Decode(msg.Payload)
	if err != nil {
		w.rejected.Add(1)
		slog.Warn("rejected transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	outcome, err := w.evaluator.Evaluate(ctx, tx)
	if err != nil {
		w.failed.Add(1)
		slog.Error("transaction evaluation failed",
			"message_id", msg.ID,
			"tx_id", tx.ID,
			"retryable", domain.IsRetryable(err),
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	slog.Info("transaction processed",
		"message_id", msg.ID,
		"tx_id", tx.ID,
		"status", outcome.Status,
		"score", outcome.Score,
		"alert_created", outcome.AlertCreated,
		"duration_ms", outcome.DurationMs,
	)
	return nil
}

// Decode parses, normalizes and validates a transaction payload.
func Decode(payload []byte) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, domain.NewValidationError("payload", err.Error())
	}
	tx.Normalize()
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Enqueue publishes tx on the ingestion topic.
func Enqueue(ctx context.Context, b domain.EventBus, tx *domain.Transaction) error {
	if tx == nil {
		return errors.New("nil transaction")
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}
	return b.Publish(ctx, domain.TopicTransactionIngested, payload)
}

// Stop unsubscribes and waits for in-flight messages.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats holds worker counters.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
