package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/rules"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "merlin-pipeline-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestCoordinator(t *testing.T, store Store, cfg domain.DetectionConfig, opts ...Option) *Coordinator {
	t.Helper()

	engine, err := rules.NewEngine(cfg, 5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	opts = append([]Option{WithClock(func() time.Time { return baseTime })}, opts...)
	return NewCoordinator(store, engine, opts...)
}

func testTx(id, email string, offset time.Duration) *domain.Transaction {
	return &domain.Transaction{
		ID:              id,
		Timestamp:       baseTime.Add(offset),
		Email:           email,
		IP:              "10.0.0.1",
		CardBIN:         "411111",
		Amount:          decimal.RequireFromString("120.00"),
		PaymentMethod:   "CREDIT_CARD",
		Status:          domain.StatusApproved,
		BillingCountry:  "SG",
		ShippingCountry: "SG",
		ProductCategory: "LAPTOP",
		Quantity:        1,
		UnitPrice:       decimal.RequireFromString("120.00"),
	}
}

func mustEvaluate(t *testing.T, c *Coordinator, tx *domain.Transaction) *domain.EvaluationOutcome {
	t.Helper()
	out, err := c.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("Evaluate(%s) failed: %v", tx.ID, err)
	}
	return out
}

func hasLabel(labels []domain.Label, want domain.Label) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func TestScenarios(t *testing.T) {
	t.Run("VelocityAfterMaxExceeded", func(t *testing.T) {
		c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig())

		var last *domain.EvaluationOutcome
		for i := 0; i < 4; i++ {
			last = mustEvaluate(t, c, testTx(fmt.Sprintf("v-%d", i), "x@y.com", time.Duration(i*2)*time.Minute))
		}
		if hasLabel(last.Labels, domain.LabelVelocity) {
			t.Error("3 prior transactions do not exceed a maximum of 3")
		}

		fifth := mustEvaluate(t, c, testTx("v-4", "x@y.com", 8*time.Minute))
		if !hasLabel(fifth.Labels, domain.LabelVelocity) || fifth.Score != 30 {
			t.Errorf("expected VELOCITY with score 30, got %v / %d", fifth.Labels, fifth.Score)
		}
	})

	t.Run("VelocityFourthWithLowerMax", func(t *testing.T) {
		cfg := domain.DefaultDetectionConfig()
		cfg.VelocityMaxTransactions = 2
		c := newTestCoordinator(t, newTestRepo(t), cfg)

		var last *domain.EvaluationOutcome
		for i := 0; i < 4; i++ {
			last = mustEvaluate(t, c, testTx(fmt.Sprintf("v-%d", i), "x@y.com", time.Duration(i*2)*time.Minute))
		}
		if !hasLabel(last.Labels, domain.LabelVelocity) {
			t.Errorf("expected 4th transaction to trigger VELOCITY, got %v", last.Labels)
		}
	})

	t.Run("VelocityWindowIsHalfOpen", func(t *testing.T) {
		cfg := domain.DefaultDetectionConfig()
		cfg.VelocityMaxTransactions = 0
		c := newTestCoordinator(t, newTestRepo(t), cfg)

		mustEvaluate(t, c, testTx("w-0", "edge@y.com", 0))
		out := mustEvaluate(t, c, testTx("w-1", "edge@y.com", 10*time.Minute))
		if !hasLabel(out.Labels, domain.LabelVelocity) {
			t.Error("a transaction exactly one window earlier is inside the window")
		}

		mustEvaluate(t, c, testTx("s-0", "same@y.com", 0))
		out = mustEvaluate(t, c, testTx("s-1", "same@y.com", 0))
		if hasLabel(out.Labels, domain.LabelVelocity) {
			t.Error("a transaction at the evaluation instant is outside the window")
		}
	})

	t.Run("HighValueFirstPurchase", func(t *testing.T) {
		c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig())

		first := testTx("hv-1", "hv1@y.com", 0)
		first.Amount = decimal.NewFromInt(1500)
		first.FirstPurchase = true
		out := mustEvaluate(t, c, first)
		if !hasLabel(out.Labels, domain.LabelHighValueFirstPurchase) {
			t.Errorf("expected HIGH_VALUE_FIRST_PURCHASE, got %v", out.Labels)
		}

		repeat := testTx("hv-2", "hv2@y.com", 0)
		repeat.Amount = decimal.NewFromInt(1500)
		out = mustEvaluate(t, c, repeat)
		if hasLabel(out.Labels, domain.LabelHighValueFirstPurchase) {
			t.Error("returning customer must not trigger HIGH_VALUE_FIRST_PURCHASE")
		}
	})

	t.Run("GeographicMismatch", func(t *testing.T) {
		c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig())

		mismatch := testTx("g-1", "g1@y.com", 0)
		mismatch.ShippingCountry = "ID"
		out := mustEvaluate(t, c, mismatch)
		if !hasLabel(out.Labels, domain.LabelGeographicMismatch) {
			t.Errorf("expected GEOGRAPHIC_MISMATCH, got %v", out.Labels)
		}

		match := testTx("g-2", "g2@y.com", 0)
		match.BillingCountry, match.ShippingCountry = "ID", "ID"
		out = mustEvaluate(t, c, match)
		if len(out.Labels) != 0 {
			t.Errorf("expected no labels, got %v", out.Labels)
		}
	})

	t.Run("MultipleDeclines", func(t *testing.T) {
		c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig())

		for i := 0; i < 3; i++ {
			tx := testTx(fmt.Sprintf("d-%d", i), "d@y.com", time.Duration(i*15)*time.Minute)
			tx.Status = domain.StatusHardDeclined
			mustEvaluate(t, c, tx)
		}

		pending := testTx("d-pending", "d@y.com", 50*time.Minute)
		pending.Status = domain.StatusPending
		out := mustEvaluate(t, c, pending)
		if hasLabel(out.Labels, domain.LabelMultipleDeclines) {
			t.Error("a pending transaction must not trigger MULTIPLE_DECLINES")
		}

		approved := testTx("d-approved", "d@y.com", 55*time.Minute)
		out = mustEvaluate(t, c, approved)
		if !hasLabel(out.Labels, domain.LabelMultipleDeclines) {
			t.Errorf("expected MULTIPLE_DECLINES, got %v", out.Labels)
		}
	})

	t.Run("CombinedScoreCreatesOneAlert", func(t *testing.T) {
		cfg := domain.DefaultDetectionConfig()
		cfg.AlertThreshold = 70
		repo := newTestRepo(t)
		c := newTestCoordinator(t, repo, cfg)

		for i := 0; i < 4; i++ {
			tx := testTx(fmt.Sprintf("e-%d", i), "e@y.com", time.Duration(i)*time.Minute)
			tx.Status = domain.StatusHardDeclined
			mustEvaluate(t, c, tx)
		}

		tx := testTx("e-final", "e@y.com", 5*time.Minute)
		tx.ShippingCountry = "ID"
		out := mustEvaluate(t, c, tx)

		want := []domain.Label{domain.LabelVelocity, domain.LabelGeographicMismatch, domain.LabelMultipleDeclines}
		if fmt.Sprint(out.Labels) != fmt.Sprint(want) {
			t.Errorf("expected labels %v, got %v", want, out.Labels)
		}
		if out.Score != 75 || !out.AlertCreated {
			t.Fatalf("expected created alert with score 75, got %d / %v", out.Score, out.AlertCreated)
		}

		n, err := repo.CountAlerts(context.Background())
		if err != nil || n != 1 {
			t.Errorf("expected exactly one alert, got %d (%v)", n, err)
		}
		if fmt.Sprint(out.Alert.Labels) != fmt.Sprint(want) || out.Alert.Status != domain.AlertNeedsReview {
			t.Errorf("unexpected alert %+v", out.Alert)
		}
	})
}

func TestIdempotence(t *testing.T) {
	t.Run("SequentialResubmission", func(t *testing.T) {
		repo := newTestRepo(t)
		c := newTestCoordinator(t, repo, domain.DefaultDetectionConfig())

		tx := testTx("dup-1", "dup@y.com", 0)
		tx.ShippingCountry = "ID"

		first := mustEvaluate(t, c, tx)
		second := mustEvaluate(t, c, tx)

		if first.Status != domain.OutcomeAccepted || second.Status != domain.OutcomeDuplicate {
			t.Fatalf("unexpected statuses %s / %s", first.Status, second.Status)
		}
		if second.Score != first.Score || second.AlertCreated || second.Alert == nil || second.Alert.ID != first.Alert.ID {
			t.Errorf("duplicate should report the original evaluation, got %+v", second)
		}

		n, _ := repo.CountTransactions(context.Background())
		if n != 1 {
			t.Errorf("expected 1 stored transaction, got %d", n)
		}
	})

	t.Run("ConcurrentSubmissions", func(t *testing.T) {
		repo := newTestRepo(t)
		c := newTestCoordinator(t, repo, domain.DefaultDetectionConfig())

		tx := testTx("dup-c", "race@y.com", 0)
		tx.ShippingCountry = "ID"

		var accepted, duplicates, created atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				candidate := *tx
				out, err := c.Evaluate(context.Background(), &candidate)
				if err != nil {
					t.Errorf("Evaluate failed: %v", err)
					return
				}
				switch out.Status {
				case domain.OutcomeAccepted:
					accepted.Add(1)
				case domain.OutcomeDuplicate:
					duplicates.Add(1)
				}
				if out.AlertCreated {
					created.Add(1)
				}
			}()
		}
		wg.Wait()

		if accepted.Load() != 1 || duplicates.Load() != 19 || created.Load() != 1 {
			t.Errorf("expected 1/19/1, got %d/%d/%d", accepted.Load(), duplicates.Load(), created.Load())
		}
		if n, _ := repo.CountAlerts(context.Background()); n != 1 {
			t.Errorf("expected 1 alert, got %d", n)
		}
	})

	t.Run("SharedStoreAcrossCoordinators", func(t *testing.T) {
		repo := newTestRepo(t)
		a := newTestCoordinator(t, repo, domain.DefaultDetectionConfig())
		b := newTestCoordinator(t, repo, domain.DefaultDetectionConfig())

		tx := testTx("dup-x", "x-proc@y.com", 0)
		mustEvaluate(t, a, tx)
		if out := mustEvaluate(t, b, tx); out.Status != domain.OutcomeDuplicate {
			t.Errorf("expected duplicate from second process, got %s", out.Status)
		}
	})
}

func TestDeterminism(t *testing.T) {
	run := func() []string {
		c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig())
		var got []string
		for i := 0; i < 6; i++ {
			tx := testTx(fmt.Sprintf("det-%d", i), "det@y.com", time.Duration(i)*time.Minute)
			if i%2 == 0 {
				tx.Status = domain.StatusSoftDeclined
			}
			if i == 5 {
				tx.ShippingCountry = "MY"
				tx.Quantity = 9
			}
			out := mustEvaluate(t, c, tx)
			got = append(got, fmt.Sprintf("%d:%v", out.Score, out.Labels))
		}
		return got
	}

	first, second := run(), run()
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("evaluation is not deterministic:\n%v\n%v", first, second)
	}
}

// failingStore wraps a real store and fails selected operations.
type failingStore struct {
	Store
	failHistory bool
	failCommit  bool
}

var errStoreDown = errors.New("connection refused")

func (f *failingStore) CountByEmail(ctx context.Context, q domain.HistoryQuery) (int, error) {
	if f.failHistory {
		return 0, errStoreDown
	}
	return f.Store.CountByEmail(ctx, q)
}

func (f *failingStore) Commit(ctx context.Context, req domain.CommitRequest) (*domain.CommitResult, error) {
	if f.failCommit {
		return nil, errStoreDown
	}
	return f.Store.Commit(ctx, req)
}

func TestStoreFailures(t *testing.T) {
	for _, tt := range []struct {
		name  string
		store func(Store) *failingStore
	}{
		{"History", func(s Store) *failingStore { return &failingStore{Store: s, failHistory: true} }},
		{"Commit", func(s Store) *failingStore { return &failingStore{Store: s, failCommit: true} }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			repo := newTestRepo(t)
			c := newTestCoordinator(t, tt.store(repo), domain.DefaultDetectionConfig())

			_, err := c.Evaluate(context.Background(), testTx("down-1", "down@y.com", 0))
			if !errors.Is(err, domain.ErrHistoryUnavailable) || !domain.IsRetryable(err) {
				t.Fatalf("expected retryable ErrHistoryUnavailable, got %v", err)
			}
			if !errors.Is(err, errStoreDown) {
				t.Errorf("expected cause to be preserved, got %v", err)
			}

			exists, _ := repo.TransactionExists(context.Background(), "down-1")
			if exists {
				t.Error("failed evaluation must not persist the transaction")
			}

			healthy := newTestCoordinator(t, repo, domain.DefaultDetectionConfig())
			if out := mustEvaluate(t, healthy, testTx("down-1", "down@y.com", 0)); out.Status != domain.OutcomeAccepted {
				t.Errorf("retry should be accepted, got %s", out.Status)
			}
		})
	}
}

func TestProcessedCache(t *testing.T) {
	t.Run("HitIsConfirmed", func(t *testing.T) {
		lru := cache.NewLRUCache(100)
		c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig(), WithCache(lru))

		tx := testTx("c-1", "cache@y.com", 0)
		mustEvaluate(t, c, tx)

		if hit, _ := lru.IsProcessed(context.Background(), "c-1"); !hit {
			t.Fatal("expected committed id to be marked processed")
		}
		if out := mustEvaluate(t, c, tx); out.Status != domain.OutcomeDuplicate {
			t.Errorf("expected duplicate, got %s", out.Status)
		}
	})

	t.Run("StaleHintIsIgnored", func(t *testing.T) {
		lru := cache.NewLRUCache(100)
		_ = lru.MarkProcessed(context.Background(), "c-stale", time.Hour)
		c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig(), WithCache(lru))

		if out := mustEvaluate(t, c, testTx("c-stale", "stale@y.com", 0)); out.Status != domain.OutcomeAccepted {
			t.Errorf("stale hint must not suppress evaluation, got %s", out.Status)
		}
	})
}

func TestAlertPublishing(t *testing.T) {
	b := bus.NewChannelBus(16)
	defer b.Close()

	var received atomic.Int32
	sub, err := b.Subscribe(context.Background(), domain.TopicAlertCreated, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig(), WithEventBus(b))

	flagged := testTx("p-1", "pub@y.com", 0)
	flagged.ShippingCountry = "ID"
	mustEvaluate(t, c, flagged)
	mustEvaluate(t, c, flagged)
	mustEvaluate(t, c, testTx("p-2", "quiet@y.com", 0))

	deadline := time.Now().Add(time.Second)
	for received.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := received.Load(); got != 1 {
		t.Errorf("expected exactly one notification, got %d", got)
	}
}

func TestPublishFailureKeepsOutcome(t *testing.T) {
	b := bus.NewChannelBus(1)
	b.Close()

	c := newTestCoordinator(t, newTestRepo(t), domain.DefaultDetectionConfig(), WithEventBus(b))

	tx := testTx("pf-1", "pf@y.com", 0)
	tx.ShippingCountry = "ID"
	out := mustEvaluate(t, c, tx)
	if !out.AlertCreated {
		t.Error("alert must be created even when the notification cannot be published")
	}
}
