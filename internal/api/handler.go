package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/pipeline"
	"github.com/opensource-finance/merlin/internal/reporting"
)

const (
	// MaxBatchSize bounds POST /transactions/batch.
	MaxBatchSize = 1000

	defaultRelatedLimit = 20
	maxRelatedLimit     = 100
)

// Evaluator runs transactions through the evaluation pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.EvaluationOutcome, error)
	EvaluateBatch(ctx context.Context, txs []*domain.Transaction) []pipeline.BatchItem
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	evaluator Evaluator
	reports   *reporting.Service
	version   string

	components map[string]func() any
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, evaluator Evaluator, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		evaluator: evaluator,
		reports:   reporting.NewService(repo),
		version:   version,

		components: make(map[string]func() any),
	}
}

// RegisterComponent adds a background component whose counters GET /health
// reports under name. Register before the server starts.
func (h *Handler) RegisterComponent(name string, stats func() any) {
	h.components[name] = stats
}

// ResponseMetadata is attached to evaluation responses.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// EvaluateResponse is the response for POST /transactions.
type EvaluateResponse struct {
	*domain.EvaluationOutcome
	Metadata ResponseMetadata `json:"metadata"`
}

// BatchResult is one entry of a batch response.
type BatchResult struct {
	Index         int                       `json:"index"`
	TransactionID string                    `json:"transactionId"`
	Outcome       *domain.EvaluationOutcome `json:"outcome,omitempty"`
	Error         string                    `json:"error,omitempty"`
	Field         string                    `json:"field,omitempty"`
	Retryable     bool                      `json:"retryable,omitempty"`
}

// BatchResponse is the response for POST /transactions/batch.
type BatchResponse struct {
	Summary  pipeline.BatchSummary `json:"summary"`
	Results  []BatchResult         `json:"results"`
	Metadata ResponseMetadata      `json:"metadata"`
}

// TransactionResponse is the response for GET /transactions/{id}.
type TransactionResponse struct {
	Transaction *domain.Transaction `json:"transaction"`
	Evaluation  *domain.Evaluation  `json:"evaluation,omitempty"`
	Alert       *domain.FraudAlert  `json:"alert,omitempty"`
}

// UpdateAlertRequest is the request body for PATCH /alerts/{id}.
type UpdateAlertRequest struct {
	Status domain.AlertStatus `json:"alertStatus"`
}

// StatsResponse is the response for GET /stats.
type StatsResponse struct {
	*reporting.Dashboard
	*reporting.Totals
}

// EvaluateTransaction handles POST /transactions.
func (h *Handler) EvaluateTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var tx domain.Transaction
	if !decodeBody(w, r, &tx, "invalid JSON request body") {
		return
	}

	tx.Normalize()
	if err := tx.Validate(); err != nil {
		writeError(w, err)
		return
	}

	outcome, err := h.evaluator.Evaluate(ctx, &tx)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if outcome.Status == domain.OutcomeDuplicate {
		status = http.StatusOK
	}

	writeJSON(w, status, EvaluateResponse{
		EvaluationOutcome: outcome,
		Metadata:          h.metadata(ctx, start),
	})
}

// EvaluateBatch handles POST /transactions/batch. The body is a JSON array
// of transactions; each entry is validated and reported on its own.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var raw []json.RawMessage
	if !decodeBody(w, r, &raw, "request body must be a JSON array of transactions") {
		return
	}
	if len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "batch is empty",
		})
		return
	}
	if len(raw) > MaxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("batch exceeds %d transactions", MaxBatchSize),
		})
		return
	}

	results := make([]BatchResult, len(raw))
	var valid []*domain.Transaction
	var positions []int

	for i, msg := range raw {
		results[i].Index = i

		var tx domain.Transaction
		if err := json.Unmarshal(msg, &tx); err != nil {
			results[i].Error = "invalid transaction JSON"
			continue
		}
		tx.Normalize()
		results[i].TransactionID = tx.ID
		if err := tx.Validate(); err != nil {
			var vErr *domain.ValidationError
			if errors.As(err, &vErr) {
				results[i].Field = vErr.Field
			}
			results[i].Error = err.Error()
			continue
		}
		valid = append(valid, &tx)
		positions = append(positions, i)
	}

	items := h.evaluator.EvaluateBatch(ctx, valid)
	for j, item := range items {
		res := &results[positions[j]]
		res.Outcome = item.Outcome
		if item.Err != nil {
			res.Error = item.Err.Error()
			res.Retryable = domain.IsRetryable(item.Err)
		}
	}

	summary := pipeline.Summarize(items)
	summary.Total = len(raw)
	summary.Failed += len(raw) - len(valid)

	writeJSON(w, http.StatusOK, BatchResponse{
		Summary:  summary,
		Results:  results,
		Metadata: h.metadata(ctx, start),
	})
}

// GetTransaction retrieves a transaction with its evaluation and alert.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := TransactionResponse{Transaction: tx}
	if resp.Evaluation, err = h.repo.GetEvaluationByTransaction(ctx, txID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		writeError(w, err)
		return
	}
	if resp.Evaluation != nil && resp.Evaluation.Flagged {
		if resp.Alert, err = h.repo.GetAlertByTransaction(ctx, txID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// RelatedTransactions returns transactions sharing the email, IP or card BIN
// of the given transaction.
func (h *Handler) RelatedTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultRelatedLimit, 1, maxRelatedLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	related, err := h.repo.RelatedTransactions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, related)
}

// ListAlerts handles GET /alerts with optional status, min_risk, hours and
// limit filters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	var filter domain.AlertFilter

	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = domain.AlertStatus(strings.ToUpper(strings.TrimSpace(s)))
		if !filter.Status.Valid() {
			writeError(w, domain.ErrInvalidStatus)
			return
		}
	}

	var err error
	if filter.MinScore, err = intParam(r, "min_risk", 0, 0, 100); err != nil {
		writeError(w, err)
		return
	}
	hours, err := intParam(r, "hours", 0, 1, reporting.MaxHours)
	if err != nil {
		writeError(w, err)
		return
	}
	if hours > 0 {
		filter.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	if filter.Limit, err = intParam(r, "limit", 0, 1, 1000); err != nil {
		writeError(w, err)
		return
	}

	alerts, err := h.repo.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.FraudAlert{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.repo.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlert moves an alert to a new review status.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req UpdateAlertRequest
	if !decodeBody(w, r, &req, "invalid JSON request body") {
		return
	}

	status := domain.AlertStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	if !status.Valid() {
		writeError(w, domain.ErrInvalidStatus)
		return
	}

	alertID := chi.URLParam(r, "id")
	alert, err := h.repo.UpdateAlertStatus(r.Context(), alertID, status, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("alert status updated", "alert_id", alertID, "status", status)
	writeJSON(w, http.StatusOK, alert)
}

// Stats returns the dashboard aggregates and ledger totals.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hours, err := intParam(r, "hours", reporting.DefaultHours, 1, reporting.MaxHours)
	if err != nil {
		writeError(w, err)
		return
	}

	dashboard, err := h.reports.Dashboard(ctx, hours)
	if err != nil {
		writeError(w, err)
		return
	}
	totals, err := h.reports.Totals(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{Dashboard: dashboard, Totals: totals})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if len(h.checkDependencies(r.Context())) > 0 {
		status = "degraded"
	}

	resp := map[string]interface{}{
		"status":  status,
		"version": h.version,
	}
	if len(h.components) > 0 {
		components := make(map[string]any, len(h.components))
		for name, stats := range h.components {
			components[name] = stats()
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready returns 503 until every configured dependency answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	failed := h.checkDependencies(r.Context())
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"failed": failed,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready": true,
	})
}

func (h *Handler) checkDependencies(ctx context.Context) []string {
	var failed []string
	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Warn("repository ping failed", "error", err)
			failed = append(failed, "repository")
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			slog.Warn("cache ping failed", "error", err)
			failed = append(failed, "cache")
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			slog.Warn("event bus ping failed", "error", err)
			failed = append(failed, "eventBus")
		}
	}
	return failed
}

func (h *Handler) metadata(ctx context.Context, start time.Time) ResponseMetadata {
	return ResponseMetadata{
		TraceID: GetTraceID(ctx),
		TotalMs: time.Since(start).Milliseconds(),
		Version: h.version,
	}
}

// intParam parses an optional integer query parameter within [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, domain.NewValidationError(name, fmt.Sprintf("must be an integer between %d and %d", lo, hi))
	}
	return n, nil
}

// decodeBody decodes the JSON body into v. On failure it writes 413 when the
// body exceeded the server limit and 400 with msg otherwise.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, msg string) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return false
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
	return false
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
			"field": vErr.Field,
		})
	case errors.Is(err, domain.ErrInvalidStatus):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
			"field": "alertStatus",
		})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "not found",
		})
	case domain.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "temporarily unavailable, retry later",
		})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
