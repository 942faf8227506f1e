package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opensource-finance/merlin/internal/domain"
)

// BatchItem is the individually reported result of one batch entry.
type BatchItem struct {
	Index         int                       `json:"index"`
	TransactionID string                    `json:"transactionId"`
	Outcome       *domain.EvaluationOutcome `json:"outcome,omitempty"`
	Err           error                     `json:"-"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Total      int `json:"total"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Flagged    int `json:"flagged"`
	Failed     int `json:"failed"`
}

// EvaluateBatch evaluates txs and returns one item per input, in input order.
// Transactions sharing an email run sequentially in input order so each sees
// its predecessors as history; different emails run concurrently. A failure
// never stops sibling evaluations.
func (c *Coordinator) EvaluateBatch(ctx context.Context, txs []*domain.Transaction) []BatchItem {
	items := make([]BatchItem, len(txs))

	var order []string
	groups := make(map[string][]int)
	for i, tx := range txs {
		items[i] = BatchItem{Index: i, TransactionID: tx.ID}
		if _, ok := groups[tx.Email]; !ok {
			order = append(order, tx.Email)
		}
		groups[tx.Email] = append(groups[tx.Email], i)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.maxWorkers)

	for _, email := range order {
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			for _, i := range indexes {
				if err := ctx.Err(); err != nil {
					items[i].Err = err
					continue
				}
				items[i].Outcome, items[i].Err = c.Evaluate(ctx, txs[i])
			}
		}(groups[email])
	}

	wg.Wait()

	summary := Summarize(items)
	slog.Info("batch evaluated",
		"total", summary.Total,
		"accepted", summary.Accepted,
		"duplicates", summary.Duplicates,
		"flagged", summary.Flagged,
		"failed", summary.Failed,
	)
	return items
}

// Summarize counts outcomes across items.
func Summarize(items []BatchItem) BatchSummary {
	s := BatchSummary{Total: len(items)}
	for _, item := range items {
		switch {
		case item.Err != nil:
			s.Failed++
		case item.Outcome.Status == domain.OutcomeDuplicate:
			s.Duplicates++
		default:
			s.Accepted++
			if item.Outcome.AlertCreated {
				s.Flagged++
			}
		}
	}
	return s
}
