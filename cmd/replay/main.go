// Replay tool for loading recorded transactions into Merlin.
//
// Usage:
//
//	go run ./cmd/replay -file data/transactions.json [-delay 10ms] [-async]
//
// This tool:
//  1. Reads a JSON array of transactions (camelCase API fields or the
//     snake_case fields written by the data generator)
//  2. Evaluates them in-process through the pipeline, or publishes them to
//     the event bus for running workers when -async is set
//  3. Prints a summary of processed, flagged and failed transactions
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/config"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/pipeline"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/worker"
)

// record accepts both field spellings. Snake_case wins when both are set.
type record struct {
	domain.Transaction

	TransactionID     string           `json:"transaction_id"`
	RawTimestamp      json.RawMessage  `json:"timestamp"`
	CustomerEmail     string           `json:"customer_email"`
	CustomerIP        string           `json:"customer_ip"`
	CardBIN           string           `json:"card_bin"`
	DeviceFingerprint string           `json:"device_fingerprint"`
	AmountUSD         *decimal.Decimal `json:"amount_usd"`
	PaymentMethod     string           `json:"payment_method"`
	BillingCountry    string           `json:"billing_country"`
	ShippingCountry   string           `json:"shipping_country"`
	ProductCategory   string           `json:"product_category"`
	UnitPrice         *decimal.Decimal `json:"unit_price"`
	IsFirstPurchase   *bool            `json:"is_first_purchase"`
}

// timestampLayouts are tried in order; zone-less values are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (r *record) toTransaction() (*domain.Transaction, error) {
	tx := r.Transaction

	setString(&tx.ID, r.TransactionID)
	setString(&tx.Email, r.CustomerEmail)
	setString(&tx.IP, r.CustomerIP)
	setString(&tx.CardBIN, r.CardBIN)
	setString(&tx.DeviceFingerprint, r.DeviceFingerprint)
	setString(&tx.PaymentMethod, r.PaymentMethod)
	setString(&tx.BillingCountry, r.BillingCountry)
	setString(&tx.ShippingCountry, r.ShippingCountry)
	setString(&tx.ProductCategory, r.ProductCategory)
	if r.AmountUSD != nil {
		tx.Amount = *r.AmountUSD
	}
	if r.UnitPrice != nil {
		tx.UnitPrice = *r.UnitPrice
	}
	if r.IsFirstPurchase != nil {
		tx.FirstPurchase = *r.IsFirstPurchase
	}

	ts, err := parseTimestamp(r.RawTimestamp)
	if err != nil {
		return nil, err
	}
	tx.Timestamp = ts

	tx.Normalize()
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil || s == "" {
		return time.Time{}, domain.NewValidationError("timestamp", "is required")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, domain.NewValidationError("timestamp", "must be ISO 8601")
}

// loadFile decodes the file at path. Records that fail validation are
// returned as rejects and never evaluated.
func loadFile(path string) ([]*domain.Transaction, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}

	txs := make([]*domain.Transaction, 0, len(records))
	var rejects []error
	for i := range records {
		tx, err := records[i].toTransaction()
		if err != nil {
			rejects = append(rejects, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		txs = append(txs, tx)
	}
	return txs, rejects, nil
}

func main() {
	file := flag.String("file", "data/transactions.json", "Path to a JSON array of transactions")
	delay := flag.Duration("delay", 0, "Delay between transactions; 0 replays as one batch")
	async := flag.Bool("async", false, "Publish to the event bus instead of evaluating in-process")
	verbose := flag.Bool("verbose", false, "Print each flagged transaction")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("ERROR: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *async {
		if err := checkAsync(cfg.EventBus); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("=== Merlin Transaction Replay ===")
	fmt.Printf("Loading transactions from %s...\n", *file)

	txs, rejects, err := loadFile(*file)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	for _, r := range rejects {
		fmt.Printf("  rejected %v\n", r)
	}

	start := time.Now()
	if *async {
		if err := publish(ctx, cfg, txs, *delay); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nPublished %d transactions to %s in %.2fs\n",
			len(txs), domain.TopicTransactionIngested, time.Since(start).Seconds())
		return
	}

	items, err := evaluate(ctx, cfg, txs, *delay)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	summary := pipeline.Summarize(items)
	summary.Total += len(rejects)
	summary.Failed += len(rejects)

	if *verbose {
		for _, item := range items {
			if item.Outcome != nil && item.Outcome.AlertCreated {
				fmt.Printf("  FLAGGED %s score=%d labels=%v\n", item.TransactionID, item.Outcome.Score, item.Outcome.Labels)
			}
		}
	}

	pct := 0.0
	if summary.Total > 0 {
		pct = float64(summary.Flagged) / float64(summary.Total) * 100
	}

	fmt.Println("\n=== Replay Summary ===")
	fmt.Printf("Total Transactions: %d\n", summary.Total)
	fmt.Printf("Flagged as Fraud:   %d (%.1f%%)\n", summary.Flagged, pct)
	fmt.Printf("Duplicates:         %d\n", summary.Duplicates)
	fmt.Printf("Failed:             %d\n", summary.Failed)
	fmt.Printf("Processing Time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("\nDatabase: %s (%s)\n", storageName(cfg.Repository), cfg.Repository.Driver)
}

func evaluate(ctx context.Context, cfg *domain.Config, txs []*domain.Transaction, delay time.Duration) ([]pipeline.BatchItem, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer cacheImpl.Close()

	engine, err := rules.NewEngine(cfg.Detection, cfg.Worker.RuleConcurrency)
	if err != nil {
		return nil, err
	}
	coordinator := pipeline.NewCoordinator(repo, engine,
		pipeline.WithCache(cacheImpl),
		pipeline.WithMaxWorkers(cfg.Worker.BatchConcurrency),
	)

	if delay <= 0 {
		return coordinator.EvaluateBatch(ctx, txs), nil
	}

	// Paced replay simulates live arrival one transaction at a time.
	items := make([]pipeline.BatchItem, len(txs))
	for i, tx := range txs {
		items[i] = pipeline.BatchItem{Index: i, TransactionID: tx.ID}
		items[i].Outcome, items[i].Err = coordinator.Evaluate(ctx, tx)

		select {
		case <-ctx.Done():
			for j := i + 1; j < len(txs); j++ {
				items[j] = pipeline.BatchItem{Index: j, TransactionID: txs[j].ID, Err: ctx.Err()}
			}
			return items, nil
		case <-time.After(delay):
		}
	}
	return items, nil
}

// errAsyncNeedsNATS is returned for -async on an in-process bus, whose
// messages would be dropped when the replay process exits.
var errAsyncNeedsNATS = errors.New("-async requires MERLIN_BUS=nats; the channel bus has no consumer outside this process")

func checkAsync(cfg domain.EventBusConfig) error {
	if cfg.Type != "nats" {
		return fmt.Errorf("%w (configured: %s)", errAsyncNeedsNATS, cfg.Type)
	}
	return nil
}

func publish(ctx context.Context, cfg *domain.Config, txs []*domain.Transaction, delay time.Duration) error {
	if err := checkAsync(cfg.EventBus); err != nil {
		return err
	}

	b, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("open event bus: %w", err)
	}
	defer b.Close()

	var failed int
	for _, tx := range txs {
		if err := worker.Enqueue(ctx, b, tx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			slog.Warn("failed to enqueue transaction", "tx_id", tx.ID, "error", err)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transactions could not be published", failed, len(txs))
	}
	return nil
}

func storageName(cfg domain.RepositoryConfig) string {
	if cfg.Driver == "postgres" {
		return fmt.Sprintf("%s@%s:%d", cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort)
	}
	return cfg.SQLitePath
}
