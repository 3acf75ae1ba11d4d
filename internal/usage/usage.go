// Package usage computes usage-limit period keys, remaining allowances and
// the counter increments a settlement applies.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/berryselect/berrypick/internal/domain"
)

// PeriodKey labels the counter a limit is tracked under. Per-transaction
// limits have no counter and yield "".
func PeriodKey(period domain.LimitPeriod, at time.Time) string {
	switch period {
	case domain.PeriodMonthly:
		return at.Format("2006-01")
	case domain.PeriodPerTransaction:
		return ""
	default:
		return at.Format("2006-01-02")
	}
}

// Allowance is the binding remainder across all limits of a rule.
type Allowance struct {
	// Limited is false when no limit bounds the amount.
	Limited bool
	// Remaining is the amount that may still be applied when Limited.
	Remaining int64
	// Exhausted is true when any limit leaves nothing to apply.
	Exhausted bool
}

// Clamp bounds a candidate saving by the allowance.
func (a Allowance) Clamp(value int64) int64 {
	if a.Exhausted {
		return 0
	}
	if a.Limited && value > a.Remaining {
		return a.Remaining
	}
	return value
}

// Service reads usage counters.
type Service struct {
	counters domain.CounterStore
}

// NewService creates a new usage service.
func NewService(counters domain.CounterStore) *Service {
	return &Service{counters: counters}
}

// Allowance computes the remaining allowance of a rule for a user at a
// point in time. Every limit must be satisfied, so the smallest remainder
// binds.
func (s *Service) Allowance(ctx context.Context, userID string, rule *domain.BenefitRule, at time.Time) (Allowance, error) {
	var a Allowance
	if len(rule.Limits) == 0 {
		return a, nil
	}

	seen := make(map[string]*domain.UsageCounter)
	for _, limit := range rule.Limits {
		var used, count int64

		if key := PeriodKey(limit.Period, at); key != "" {
			counter, ok := seen[key]
			if !ok {
				c, err := s.counters.FindCounter(ctx, userID, rule.ID, key)
				if err != nil {
					return a, fmt.Errorf("failed to read usage counter for rule %s: %w", rule.ID, err)
				}
				seen[key] = c
				counter = c
			}
			if counter != nil {
				used, count = counter.AmountUsed, counter.CountUsed
			}
		}

		if limit.CountCeiling != nil && count+1 > *limit.CountCeiling {
			a.Exhausted = true
		}

		if limit.AmountCeiling != nil {
			remaining := *limit.AmountCeiling - used
			if !a.Limited || remaining < a.Remaining {
				a.Remaining = remaining
			}
			a.Limited = true
		}
	}

	if a.Limited && a.Remaining <= 0 {
		a.Exhausted = true
	}
	return a, nil
}

// Increments returns the guarded counter updates for applying a saving of
// the given amount under a rule. Limits sharing a period key collapse into
// one update guarded by the tightest ceilings.
func Increments(rule *domain.BenefitRule, applied int64, at time.Time) []domain.CounterIncrement {
	var incs []domain.CounterIncrement
	index := make(map[string]int)

	for _, limit := range rule.Limits {
		key := PeriodKey(limit.Period, at)
		if key == "" {
			continue
		}

		i, ok := index[key]
		if !ok {
			index[key] = len(incs)
			incs = append(incs, domain.CounterIncrement{
				RuleID:    rule.ID,
				PeriodKey: key,
				Amount:    applied,
				Count:     1,
			})
			i = len(incs) - 1
		}

		inc := &incs[i]
		inc.AmountCeiling = tighter(inc.AmountCeiling, limit.AmountCeiling)
		inc.CountCeiling = tighter(inc.CountCeiling, limit.CountCeiling)
	}
	return incs
}

// Merge combines increments that target the same counter.
func Merge(incs []domain.CounterIncrement) []domain.CounterIncrement {
	var out []domain.CounterIncrement
	index := make(map[string]int)

	for _, inc := range incs {
		k := inc.RuleID + "\x00" + inc.PeriodKey
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, inc)
			continue
		}
		out[i].Amount += inc.Amount
		out[i].Count += inc.Count
		out[i].AmountCeiling = tighter(out[i].AmountCeiling, inc.AmountCeiling)
		out[i].CountCeiling = tighter(out[i].CountCeiling, inc.CountCeiling)
	}
	return out
}

func tighter(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b < *a:
		return b
	default:
		return a
	}
}
