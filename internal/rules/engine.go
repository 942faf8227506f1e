// Package rules provides fraud rule predicates and the evaluation engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Engine evaluates the built-in rules plus operator-defined CEL rules.
// It is immutable after construction and safe for concurrent use.
type Engine struct {
	cfg        domain.DetectionConfig
	env        *cel.Env
	rules      []Rule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.CustomRule
	Program cel.Program
}

// NewEngine creates a rule engine for cfg. Custom rules are compiled here;
// any invalid rule fails construction with a *domain.ConfigurationError.
func NewEngine(cfg domain.DetectionConfig, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create CEL environment with transaction variables
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("unit_price", cel.DoubleType),
		cel.Variable("first_purchase", cel.BoolType),
		cel.Variable("billing_country", cel.StringType),
		cel.Variable("shipping_country", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("product_category", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("email", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("card_bin", cel.StringType),
		cel.Variable("device_fingerprint", cel.StringType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("decline_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		env:        env,
		rules:      Builtins(),
		maxWorkers: maxWorkers,
	}

	for _, custom := range cfg.CustomRules {
		compiled, err := e.compileRule(custom)
		if err != nil {
			return nil, &domain.ConfigurationError{Option: "custom_rules", Reason: err.Error()}
		}
		e.rules = append(e.rules, Rule{Label: custom.Label, Predicate: compiled.evaluate})
	}

	return e, nil
}

// Config returns the detection config the engine was built with.
func (e *Engine) Config() domain.DetectionConfig {
	return e.cfg
}

// Labels returns every rule label in canonical order.
func (e *Engine) Labels() []domain.Label {
	labels := make([]domain.Label, len(e.rules))
	for i, r := range e.rules {
		labels[i] = r.Label
	}
	return labels
}

// Evaluate runs every rule against tx in parallel and returns one result per
// rule in canonical order. Any history failure fails the whole evaluation.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, h History) ([]domain.RuleResult, error) {
	results := make([]domain.RuleResult, len(e.rules))
	errs := make([]error, len(e.rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range e.rules {
		wg.Add(1)
		go func(idx int, r Rule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			result, err := r.Predicate(ctx, tx, h, e.cfg)
			if err != nil {
				errs[idx] = fmt.Errorf("rule %s: %w", r.Label, err)
				return
			}
			result.Label = r.Label
			results[idx] = result
		}(i, rule)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Triggered filters results down to the ones that fired, preserving order.
func Triggered(results []domain.RuleResult) []domain.RuleResult {
	out := make([]domain.RuleResult, 0, len(results))
	for _, r := range results {
		if r.Triggered {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) compileRule(cfg domain.CustomRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.Label, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.Label, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.Label, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

// evaluate adapts a compiled CEL rule to the Predicate signature.
// History counts come from the same frozen view as the built-ins.
func (c *CompiledRule) evaluate(ctx context.Context, tx *domain.Transaction, h History, cfg domain.DetectionConfig) (domain.RuleResult, error) {
	velocity, err := h.CountRecent(ctx, cfg.VelocityWindow)
	if err != nil {
		return domain.RuleResult{}, err
	}
	declines, err := h.CountDeclines(ctx, cfg.DeclineWindow)
	if err != nil {
		return domain.RuleResult{}, err
	}

	activation := map[string]any{
		"amount":             tx.Amount.InexactFloat64(),
		"quantity":           int64(tx.Quantity),
		"unit_price":         tx.UnitPrice.InexactFloat64(),
		"first_purchase":     tx.FirstPurchase,
		"billing_country":    tx.BillingCountry,
		"shipping_country":   tx.ShippingCountry,
		"payment_method":     tx.PaymentMethod,
		"product_category":   tx.ProductCategory,
		"status":             string(tx.Status),
		"email":              tx.Email,
		"ip":                 tx.IP,
		"card_bin":           tx.CardBIN,
		"device_fingerprint": tx.DeviceFingerprint,
		"velocity_count":     int64(velocity),
		"decline_count":      int64(declines),
	}

	result := domain.RuleResult{Label: c.Config.Label}

	out, _, err := c.Program.Eval(activation)
	if err != nil {
		slog.Warn("custom rule evaluation failed",
			"rule", c.Config.Label,
			"tx_id", tx.ID,
			"error", err,
		)
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		return result, nil
	}

	if v, ok := out.(types.Bool); ok && bool(v) {
		result.Triggered = true
	}
	result.Reason = fmt.Sprintf("%s => %t", c.Config.Expression, result.Triggered)
	if c.Config.Description != "" {
		result.Reason = c.Config.Description + ": " + result.Reason
	}
	return result, nil
}
