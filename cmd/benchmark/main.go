// Benchmark tool for load testing a running Merlin server.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -count 10000 -workers 10
//
// This tool:
//  1. Generates synthetic commerce transactions, injecting a known share of
//     suspicious patterns (high value first purchase, geographic mismatch,
//     bulk orders of monitored categories)
//  2. Sends each transaction to POST /transactions
//  3. Compares Merlin's verdict (alert or not) with the injected label
//  4. Reports precision, recall, confusion matrix and latency percentiles
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionRequest is the Merlin API request format
type TransactionRequest struct {
	TransactionID   string          `json:"transactionId"`
	Timestamp       time.Time       `json:"timestamp"`
	CustomerEmail   string          `json:"customerEmail"`
	CustomerIP      string          `json:"customerIp"`
	CardBIN         string          `json:"cardBin"`
	AmountUSD       decimal.Decimal `json:"amountUsd"`
	PaymentMethod   string          `json:"paymentMethod"`
	Status          string          `json:"status"`
	BillingCountry  string          `json:"billingCountry"`
	ShippingCountry string          `json:"shippingCountry"`
	ProductCategory string          `json:"productCategory"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	IsFirstPurchase bool            `json:"isFirstPurchase"`
}

// EvaluateResponse is the Merlin API response format
type EvaluateResponse struct {
	Status          string   `json:"status"` // "accepted" or "duplicate"
	Score           int      `json:"score"`
	TriggeredLabels []string `json:"triggeredLabels"`
	AlertCreated    bool     `json:"alertCreated"`
}

// sample pairs a request with the pattern injected into it.
type sample struct {
	tx         TransactionRequest
	suspicious bool
	pattern    string
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Injected pattern raised an alert
	FalsePositives int64 // Clean transaction raised an alert
	TrueNegatives  int64 // Clean transaction passed
	FalseNegatives int64 // Injected pattern passed (missed!)

	TotalProcessed  int64
	TotalSuspicious int64
	TotalClean      int64
	TotalErrors     int64
	TotalDuplicates int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

var (
	countries  = []string{"US", "GB", "DE", "FR", "SG", "AU", "CA", "JP", "BR", "NG"}
	categories = []string{"BOOKS", "CLOTHING", "HOME", "TOYS", "LAPTOP", "SMARTPHONE", "CAMERA"}
	methods    = []string{"CREDIT_CARD", "DEBIT_CARD", "PAYPAL", "APPLE_PAY"}
	bins       = []string{"411111", "424242", "510510", "555555", "378282"}
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Merlin base URL")
	count := flag.Int("count", 10000, "Number of transactions to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	suspiciousRate := flag.Float64("suspicious", 0.05, "Share of transactions with an injected pattern (0.0-1.0)")
	seed := flag.Uint64("seed", 42, "Random seed for the generator")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *count <= 0 || *workers <= 0 || *suspiciousRate < 0 || *suspiciousRate > 1 {
		fmt.Println("Usage: benchmark [-url http://localhost:8080] [-count 10000] [-workers 10]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("=== Merlin Benchmark ===")
	fmt.Printf("\nMerlin URL:  %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Count:       %d\n", *count)
	fmt.Printf("Suspicious:  %.2f\n", *suspiciousRate)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Merlin not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Merlin is running:")
		fmt.Println("  go run ./cmd/merlin")
		os.Exit(1)
	}
	fmt.Println("✓ Merlin is healthy")

	samples := generate(*count, *suspiciousRate, *seed)
	fmt.Printf("✓ Generated %d transactions\n", len(samples))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(samples, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generate builds count samples. Every sample uses its own customer email so
// history rules stay quiet and each verdict depends on the sample alone.
func generate(count int, suspiciousRate float64, seed uint64) []sample {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	run := uuid.NewString()[:8]
	now := time.Now().UTC()

	samples := make([]sample, count)
	for i := range samples {
		country := countries[rng.IntN(len(countries))]
		qty := 1 + rng.IntN(3)
		unit := decimal.NewFromFloat(5 + rng.Float64()*195).Round(2)

		tx := TransactionRequest{
			TransactionID:   fmt.Sprintf("bench-%s-%07d", run, i),
			Timestamp:       now.Add(-time.Duration(count-i) * time.Second),
			CustomerEmail:   fmt.Sprintf("bench-%s-%07d@merlin.test", run, i),
			CustomerIP:      fmt.Sprintf("10.%d.%d.%d", rng.IntN(256), rng.IntN(256), 1+rng.IntN(254)),
			CardBIN:         bins[rng.IntN(len(bins))],
			PaymentMethod:   methods[rng.IntN(len(methods))],
			Status:          "APPROVED",
			BillingCountry:  country,
			ShippingCountry: country,
			ProductCategory: categories[rng.IntN(len(categories))],
			Quantity:        qty,
			UnitPrice:       unit,
			IsFirstPurchase: rng.Float64() < 0.3,
		}

		s := sample{tx: tx}
		if rng.Float64() < suspiciousRate {
			s.suspicious = true
			switch rng.IntN(3) {
			case 0:
				s.pattern = "HIGH_VALUE_FIRST_PURCHASE"
				s.tx.IsFirstPurchase = true
				s.tx.Quantity = 1
				s.tx.UnitPrice = decimal.NewFromInt(int64(1000 + rng.IntN(4000)))
			case 1:
				s.pattern = "GEOGRAPHIC_MISMATCH"
				s.tx.ShippingCountry = otherCountry(rng, s.tx.BillingCountry)
			default:
				// Bulk quantity alone scores below the default threshold.
				s.pattern = "UNUSUAL_QUANTITY+GEOGRAPHIC_MISMATCH"
				s.tx.ProductCategory = []string{"LAPTOP", "SMARTPHONE", "CAMERA"}[rng.IntN(3)]
				s.tx.Quantity = 6 + rng.IntN(10)
				s.tx.UnitPrice = decimal.NewFromInt(int64(20 + rng.IntN(30)))
				s.tx.IsFirstPurchase = false
				s.tx.ShippingCountry = otherCountry(rng, s.tx.BillingCountry)
			}
		}
		s.tx.AmountUSD = s.tx.UnitPrice.Mul(decimal.NewFromInt(int64(s.tx.Quantity)))
		samples[i] = s
	}
	return samples
}

func otherCountry(rng *rand.Rand, not string) string {
	for {
		if c := countries[rng.IntN(len(countries))]; c != not {
			return c
		}
	}
}

func runBenchmark(samples []sample, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{latencies: make([]time.Duration, 0, len(samples))}

	work := make(chan sample, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := evaluateTransaction(client, baseURL, s.tx)
				metrics.observe(time.Since(start))
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.tx.TransactionID, err)
					}
					continue
				}
				if result.Status == "duplicate" {
					atomic.AddInt64(&metrics.TotalDuplicates, 1)
				}

				if s.suspicious {
					atomic.AddInt64(&metrics.TotalSuspicious, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				predicted := result.AlertCreated
				switch {
				case predicted && s.suspicious:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !s.suspicious:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != s.suspicious {
						status = "✗"
					}
					fmt.Printf("%s %s | Amount: $%10s | Injected: %-36s | Score: %3d %v\n",
						status,
						s.tx.TransactionID,
						s.tx.AmountUSD.StringFixed(2),
						s.pattern,
						result.Score,
						result.TriggeredLabels,
					)
				}
			}
		}()
	}

	for _, s := range samples {
		work <- s
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateTransaction(client *http.Client, baseURL string, tx TransactionRequest) (*EvaluateResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n=== Benchmark Results ===")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Suspicious:       %d\n", m.TotalSuspicious)
	fmt.Printf("   Clean:            %d\n", m.TotalClean)
	fmt.Printf("   Duplicates:       %d\n", m.TotalDuplicates)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    ALERT       PASS")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  S  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	m.mu.Lock()
	latencies := slices.Clone(m.latencies)
	m.mu.Unlock()
	slices.Sort(latencies)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
		fmt.Printf("   Latency p50:      %v\n", percentile(latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   Latency p95:      %v\n", percentile(latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   Latency p99:      %v\n", percentile(latencies, 0.99).Round(time.Microsecond))
	}

	fmt.Println()
}
