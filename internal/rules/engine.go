// Package rules evaluates benefit rules against a purchase.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/berryselect/berrypick/internal/domain"
	"github.com/berryselect/berrypick/internal/usage"
)

// RuleSource supplies the active rules of a product.
type RuleSource interface {
	FindActiveRulesForProduct(ctx context.Context, productID string) ([]*domain.BenefitRule, error)
}

// Evaluator computes the savings a product's rules grant for a purchase.
type Evaluator struct {
	rules      RuleSource
	usage      *usage.Service
	conditions *Conditions
}

// NewEvaluator creates a new rule evaluator.
func NewEvaluator(rules RuleSource, usage *usage.Service, conditions *Conditions) *Evaluator {
	return &Evaluator{
		rules:      rules,
		usage:      usage,
		conditions: conditions,
	}
}

// EvaluateInput holds the purchase a product's rules are evaluated for.
type EvaluateInput struct {
	UserID    string
	ProductID string
	Amount    int64
	Context   domain.PurchaseContext
}

// Saving is one rule's contribution to a purchase.
type Saving struct {
	Rule        *domain.BenefitRule
	Applied     int64
	Description string
}

// Evaluate returns every applicable saving, highest priority first. Rules
// that cannot be interpreted are skipped and logged; only store failures
// are returned as errors.
func (e *Evaluator) Evaluate(ctx context.Context, in EvaluateInput) ([]Saving, error) {
	if in.Amount <= 0 {
		return nil, nil
	}

	rules, err := e.rules.FindActiveRulesForProduct(ctx, in.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for product %s: %w", in.ProductID, err)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	var savings []Saving
	for _, rule := range rules {
		applied, err := e.apply(ctx, rule, in)
		if err != nil {
			return nil, err
		}
		if applied <= 0 {
			continue
		}
		savings = append(savings, Saving{
			Rule:        rule,
			Applied:     applied,
			Description: describe(rule),
		})
	}
	return savings, nil
}

// apply runs one rule through its gates and returns the saving it grants,
// zero when it does not apply.
func (e *Evaluator) apply(ctx context.Context, rule *domain.BenefitRule, in EvaluateInput) (int64, error) {
	at := in.Context.At

	if rule.Anomaly != "" || rule.Value == nil {
		slog.Warn("skipping malformed benefit rule", "rule_id", rule.ID, "anomaly", rule.Anomaly)
		return 0, nil
	}
	if !rule.Active {
		return 0, nil
	}
	if !rule.ValidOn(at) {
		return 0, nil
	}
	if rule.MinAmount != nil && in.Amount < *rule.MinAmount {
		return 0, nil
	}

	value := rule.Value.Base(in.Amount)
	if rule.MaxBenefit != nil && value > *rule.MaxBenefit {
		value = *rule.MaxBenefit
	}
	if value <= 0 {
		return 0, nil
	}

	if !inScope(rule, in.Context) {
		return 0, nil
	}

	if rule.Condition != "" && e.conditions != nil {
		ok, err := e.conditions.Check(rule.Condition, in.Amount, in.Context)
		if err != nil {
			slog.Warn("skipping benefit rule with broken condition", "rule_id", rule.ID, "anomaly", err.Error())
			return 0, nil
		}
		if !ok {
			return 0, nil
		}
	}

	if e.usage != nil && len(rule.Limits) > 0 {
		allowance, err := e.usage.Allowance(ctx, in.UserID, rule, at)
		if err != nil {
			return 0, err
		}
		value = allowance.Clamp(value)
	}

	return value, nil
}

// inScope reports whether any scope matches. A rule without scopes applies
// everywhere.
func inScope(rule *domain.BenefitRule, pc domain.PurchaseContext) bool {
	if len(rule.Scopes) == 0 {
		return true
	}
	for _, s := range rule.Scopes {
		if s.Matches(pc) {
			return true
		}
	}
	return false
}

func describe(rule *domain.BenefitRule) string {
	if rule.Description != "" {
		return rule.Description
	}
	switch v := rule.Value.(type) {
	case domain.RateValue:
		if v.Rate.LessThan(domain.RateStep) {
			return fmt.Sprintf("%s %s%%", rule.Kind, v.Rate.Shift(2).String())
		}
		return fmt.Sprintf("%s %s per 1000", rule.Kind, v.Rate.Truncate(0).String())
	case domain.FixedValue:
		return fmt.Sprintf("%s %d", rule.Kind, v.Amount)
	}
	return string(rule.Kind)
}
