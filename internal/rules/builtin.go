package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// History is the frozen history view predicates consult. Every call within
// one evaluation must see the same evaluation instant.
type History interface {
	CountRecent(ctx context.Context, window time.Duration) (int, error)
	CountDeclines(ctx context.Context, window time.Duration) (int, error)
	DeclinedThenApproved(ctx context.Context, minCount int, window time.Duration) (bool, error)
}

// Predicate evaluates one rule against a candidate transaction. It must not
// mutate tx or cfg.
type Predicate func(ctx context.Context, tx *domain.Transaction, h History, cfg domain.DetectionConfig) (domain.RuleResult, error)

// Rule binds a label to its predicate.
type Rule struct {
	Label     domain.Label
	Predicate Predicate
}

// Builtins returns the built-in rules in canonical order.
func Builtins() []Rule {
	return []Rule{
		{Label: domain.LabelVelocity, Predicate: Velocity},
		{Label: domain.LabelHighValueFirstPurchase, Predicate: HighValueFirstPurchase},
		{Label: domain.LabelGeographicMismatch, Predicate: GeographicMismatch},
		{Label: domain.LabelMultipleDeclines, Predicate: MultipleDeclines},
		{Label: domain.LabelUnusualQuantity, Predicate: UnusualQuantity},
	}
}

// Velocity triggers when more than VelocityMaxTransactions other
// transactions from the same email fall inside the velocity window.
func Velocity(ctx context.Context, tx *domain.Transaction, h History, cfg domain.DetectionConfig) (domain.RuleResult, error) {
	count, err := h.CountRecent(ctx, cfg.VelocityWindow)
	if err != nil {
		return domain.RuleResult{}, err
	}

	return domain.RuleResult{
		Label:     domain.LabelVelocity,
		Triggered: count > cfg.VelocityMaxTransactions,
		Reason: fmt.Sprintf("found %d prior transactions from %s in the last %s (max %d)",
			count, tx.Email, cfg.VelocityWindow, cfg.VelocityMaxTransactions),
	}, nil
}

// HighValueFirstPurchase triggers for a first purchase at or above the
// high-value threshold. Amount is not reconciled against unit price times
// quantity.
func HighValueFirstPurchase(_ context.Context, tx *domain.Transaction, _ History, cfg domain.DetectionConfig) (domain.RuleResult, error) {
	over := tx.Amount.GreaterThanOrEqual(cfg.HighValueThreshold)

	cmp := "below"
	if over {
		cmp = "at or above"
	}
	return domain.RuleResult{
		Label:     domain.LabelHighValueFirstPurchase,
		Triggered: tx.FirstPurchase && over,
		Reason: fmt.Sprintf("amount %s %s threshold %s, first_purchase=%t",
			tx.Amount.StringFixed(2), cmp, cfg.HighValueThreshold.StringFixed(2), tx.FirstPurchase),
	}, nil
}

// GeographicMismatch triggers when billing and shipping countries differ.
// Codes are compared as given; normalization happens at ingestion.
func GeographicMismatch(_ context.Context, tx *domain.Transaction, _ History, _ domain.DetectionConfig) (domain.RuleResult, error) {
	mismatch := tx.BillingCountry != tx.ShippingCountry

	op := "=="
	if mismatch {
		op = "!="
	}
	return domain.RuleResult{
		Label:     domain.LabelGeographicMismatch,
		Triggered: mismatch,
		Reason:    fmt.Sprintf("billing country (%s) %s shipping country (%s)", tx.BillingCountry, op, tx.ShippingCountry),
	}, nil
}

// MultipleDeclines triggers for an approved transaction preceded by at least
// DeclineMinCount soft or hard declines inside the decline window. Pending
// and timed-out outcomes are not counted.
func MultipleDeclines(ctx context.Context, tx *domain.Transaction, h History, cfg domain.DetectionConfig) (domain.RuleResult, error) {
	if tx.Status != domain.StatusApproved {
		return domain.RuleResult{
			Label:  domain.LabelMultipleDeclines,
			Reason: fmt.Sprintf("transaction status is %s, rule only applies to APPROVED", tx.Status),
		}, nil
	}

	triggered, err := h.DeclinedThenApproved(ctx, cfg.DeclineMinCount, cfg.DeclineWindow)
	if err != nil {
		return domain.RuleResult{}, err
	}
	declines, err := h.CountDeclines(ctx, cfg.DeclineWindow)
	if err != nil {
		return domain.RuleResult{}, err
	}

	return domain.RuleResult{
		Label:     domain.LabelMultipleDeclines,
		Triggered: triggered,
		Reason: fmt.Sprintf("found %d declined transactions from %s in the last %s (min %d)",
			declines, tx.Email, cfg.DeclineWindow, cfg.DeclineMinCount),
	}, nil
}

// UnusualQuantity triggers when quantity exceeds the threshold for a
// monitored category.
func UnusualQuantity(_ context.Context, tx *domain.Transaction, _ History, cfg domain.DetectionConfig) (domain.RuleResult, error) {
	over := tx.Quantity > cfg.UnusualQuantityThreshold
	monitored := cfg.Monitored(tx.ProductCategory)

	cmp := "within"
	if over {
		cmp = "exceeds"
	}
	in := "not in"
	if monitored {
		in = "in"
	}
	return domain.RuleResult{
		Label:     domain.LabelUnusualQuantity,
		Triggered: over && monitored,
		Reason: fmt.Sprintf("quantity %d of %s %s threshold %d, category %s monitored set",
			tx.Quantity, tx.ProductCategory, cmp, cfg.UnusualQuantityThreshold, in),
	}, nil
}
