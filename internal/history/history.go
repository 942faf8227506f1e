// Package history provides frozen, per-evaluation views over committed
// transactions.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Source is the repository surface history reads need.
type Source interface {
	CountByEmail(ctx context.Context, q domain.HistoryQuery) (int, error)
}

// Store hands out history views for candidate transactions.
type Store struct {
	src Source
}

// NewStore creates a new history store.
func NewStore(src Source) *Store {
	return &Store{src: src}
}

// View returns a snapshot for tx. The evaluation instant is tx.Timestamp and
// tx itself is never counted.
func (s *Store) View(tx *domain.Transaction) *View {
	return &View{
		src:    s.src,
		email:  tx.Email,
		txID:   tx.ID,
		status: tx.Status,
		now:    tx.Timestamp.UTC(),
		memo:   make(map[memoKey]*memoEntry),
	}
}

type queryKind int

const (
	queryRecent queryKind = iota
	queryDeclines
)

type memoKey struct {
	kind   queryKind
	window time.Duration
}

type memoEntry struct {
	once sync.Once
	n    int
	err  error
}

// View is safe for concurrent use. Each (query, window) pair hits the store
// once; later callers get the same answer.
type View struct {
	src    Source
	email  string
	txID   string
	status domain.TransactionStatus
	now    time.Time

	mu   sync.Mutex
	memo map[memoKey]*memoEntry
}

// Now returns the fixed evaluation instant.
func (v *View) Now() time.Time {
	return v.now
}

// CountRecent counts prior transactions for the email in [now-window, now).
func (v *View) CountRecent(ctx context.Context, window time.Duration) (int, error) {
	return v.count(ctx, memoKey{kind: queryRecent, window: window}, nil)
}

// CountDeclines counts prior soft- and hard-declined transactions for the
// email in [now-window, now).
func (v *View) CountDeclines(ctx context.Context, window time.Duration) (int, error) {
	return v.count(ctx, memoKey{kind: queryDeclines, window: window}, domain.DeclinedStatuses)
}

// DeclinedThenApproved reports whether the candidate is approved and at
// least minCount declines precede it within window.
func (v *View) DeclinedThenApproved(ctx context.Context, minCount int, window time.Duration) (bool, error) {
	if v.status != domain.StatusApproved {
		return false, nil
	}
	n, err := v.CountDeclines(ctx, window)
	if err != nil {
		return false, err
	}
	return n >= minCount, nil
}

func (v *View) count(ctx context.Context, key memoKey, statuses []domain.TransactionStatus) (int, error) {
	v.mu.Lock()
	entry, ok := v.memo[key]
	if !ok {
		entry = &memoEntry{}
		v.memo[key] = entry
	}
	v.mu.Unlock()

	entry.once.Do(func() {
		n, err := v.src.CountByEmail(ctx, domain.HistoryQuery{
			Email:     v.email,
			From:      v.now.Add(-key.window),
			To:        v.now,
			ExcludeID: v.txID,
			Statuses:  statuses,
		})
		if err != nil {
			entry.err = fmt.Errorf("%w: %w", domain.ErrHistoryUnavailable, err)
			return
		}
		entry.n = n
	})
	return entry.n, entry.err
}
