// Package reporting derives dashboard metrics from the alert ledger.
// Every figure is recomputed from the store on request.
package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

const (
	// DefaultHours is the default dashboard lookback.
	DefaultHours = 24

	// MaxHours bounds the dashboard lookback.
	MaxHours = 24 * 30

	// HighRiskScore is the lower bound of a high-risk alert.
	HighRiskScore = 80

	topRules    = 10
	topEntities = 5
)

var bucketLabels = [10]string{
	"0-9", "10-19", "20-29", "30-39", "40-49",
	"50-59", "60-69", "70-79", "80-89", "90-100",
}

// Source is the ledger surface reporting reads from.
type Source interface {
	AlertsSince(ctx context.Context, cutoff time.Time) ([]*domain.FraudAlert, error)
	CountTransactions(ctx context.Context) (int, error)
	CountAlerts(ctx context.Context) (int, error)
}

// HourCount is the alert count of one UTC hour.
type HourCount struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// BucketCount is the alert count of one score band.
type BucketCount struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
}

// KeyCount is an alert count grouped by key.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Dashboard holds the aggregated dashboard view.
type Dashboard struct {
	Hours                 int           `json:"hours"`
	HourlyAlertVolume     []HourCount   `json:"hourlyAlertVolume"`
	RiskScoreDistribution []BucketCount `json:"riskScoreDistribution"`
	TopTriggeredRules     []KeyCount    `json:"topTriggeredRules"`
	TopSuspiciousEmails   []KeyCount    `json:"topSuspiciousEmails"`
	TopSuspiciousIPs      []KeyCount    `json:"topSuspiciousIps"`
	TopSuspiciousBINs     []KeyCount    `json:"topSuspiciousBins"`
	TotalAlerts24h        int           `json:"totalAlerts24h"`
	HighRiskAlerts        int           `json:"highRiskAlerts"`
	GeneratedAt           time.Time     `json:"generatedAt"`
}

// Totals holds ledger-wide counts.
type Totals struct {
	TransactionsProcessed int     `json:"transactionsProcessed"`
	AlertsTotal           int     `json:"alertsTotal"`
	FlagRate              float64 `json:"flagRate"`
}

// Service computes reports.
type Service struct {
	src   Source
	clock func() time.Time
}

// NewService creates a reporting service.
func NewService(src Source) *Service {
	return &Service{src: src, clock: time.Now}
}

// Dashboard aggregates alerts created in the last hours.
func (s *Service) Dashboard(ctx context.Context, hours int) (*Dashboard, error) {
	if hours < 1 || hours > MaxHours {
		return nil, domain.NewValidationError("hours", fmt.Sprintf("must be between 1 and %d", MaxHours))
	}

	now := s.clock().UTC()
	cutoff := now.Add(-time.Duration(hours) * time.Hour)
	cutoff24h := now.Add(-24 * time.Hour)

	from := cutoff
	if cutoff24h.Before(from) {
		from = cutoff24h
	}

	alerts, err := s.src.AlertsSince(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}

	var window []*domain.FraudAlert
	d := &Dashboard{Hours: hours, GeneratedAt: now}
	for _, a := range alerts {
		if !a.CreatedAt.Before(cutoff24h) {
			d.TotalAlerts24h++
		}
		if !a.CreatedAt.Before(cutoff) {
			window = append(window, a)
		}
	}

	d.HourlyAlertVolume = hourlyVolume(window, now, hours)
	d.RiskScoreDistribution = riskBuckets(window)
	d.TopTriggeredRules = topRulesOf(window)

	emails, ips, bins := counter{}, counter{}, counter{}
	for _, a := range window {
		if a.Score >= HighRiskScore {
			d.HighRiskAlerts++
		}
		if tx := a.Transaction; tx != nil {
			emails.add(tx.Email)
			ips.add(tx.IP)
			bins.add(tx.CardBIN)
		}
	}
	d.TopSuspiciousEmails = emails.top(topEntities)
	d.TopSuspiciousIPs = ips.top(topEntities)
	d.TopSuspiciousBINs = bins.top(topEntities)

	return d, nil
}

// Totals returns processed and flagged totals from COUNT queries.
func (s *Service) Totals(ctx context.Context) (*Totals, error) {
	txs, err := s.src.CountTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	alerts, err := s.src.CountAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}

	t := &Totals{TransactionsProcessed: txs, AlertsTotal: alerts}
	if txs > 0 {
		t.FlagRate = float64(alerts) / float64(txs)
	}
	return t, nil
}

// hourlyVolume returns one entry per UTC hour, oldest first, ending with
// the hour containing now. Empty hours are zero-filled.
func hourlyVolume(alerts []*domain.FraudAlert, now time.Time, hours int) []HourCount {
	counts := counter{}
	for _, a := range alerts {
		counts.add(hourKey(a.CreatedAt))
	}

	current := now.Truncate(time.Hour)
	out := make([]HourCount, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		key := hourKey(current.Add(-time.Duration(i) * time.Hour))
		out = append(out, HourCount{Hour: key, Count: counts[key]})
	}
	return out
}

func hourKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15:00:00Z")
}

// riskBuckets counts alerts per 10-point band; 90 through 100 share a band.
func riskBuckets(alerts []*domain.FraudAlert) []BucketCount {
	var counts [len(bucketLabels)]int
	for _, a := range alerts {
		idx := a.Score / 10
		if idx >= len(bucketLabels) {
			idx = len(bucketLabels) - 1
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}

	out := make([]BucketCount, len(bucketLabels))
	for i, label := range bucketLabels {
		out[i] = BucketCount{Bucket: label, Count: counts[i]}
	}
	return out
}

func topRulesOf(alerts []*domain.FraudAlert) []KeyCount {
	counts := counter{}
	for _, a := range alerts {
		for _, l := range a.Labels {
			counts.add(string(l))
		}
	}
	return counts.top(topRules)
}

type counter map[string]int

func (c counter) add(key string) {
	if key != "" {
		c[key]++
	}
}

// top returns the n largest counts, ties broken by key.
func (c counter) top(n int) []KeyCount {
	out := make([]KeyCount, 0, len(c))
	for k, v := range c {
		out = append(out, KeyCount{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
