package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/berryselect/berrypick/internal/domain"
	"github.com/berryselect/berrypick/internal/usage"
)

type staticRules map[string][]*domain.BenefitRule

func (s staticRules) FindActiveRulesForProduct(_ context.Context, productID string) ([]*domain.BenefitRule, error) {
	return s[productID], nil
}

type failingRules struct{}

func (failingRules) FindActiveRulesForProduct(context.Context, string) ([]*domain.BenefitRule, error) {
	return nil, errors.New("connection refused")
}

type counterMap map[string]*domain.UsageCounter

func (m counterMap) FindCounter(_ context.Context, userID, ruleID, periodKey string) (*domain.UsageCounter, error) {
	return m[userID+"/"+ruleID+"/"+periodKey], nil
}

func ptr(v int64) *int64 { return &v }

func rate(s string) domain.Value {
	return domain.RateValue{Rate: decimal.RequireFromString(s)}
}

// Saturday, 12:30.
var purchaseTime = time.Date(2025, 3, 8, 12, 30, 0, 0, time.UTC)

func newTestEvaluator(t *testing.T, rules RuleSource, counters domain.CounterStore) *Evaluator {
	t.Helper()
	conds, err := NewConditions()
	if err != nil {
		t.Fatalf("failed to create conditions: %v", err)
	}
	return NewEvaluator(rules, usage.NewService(counters), conds)
}

func evaluateOne(t *testing.T, rule *domain.BenefitRule, amount int64, pc domain.PurchaseContext, counters counterMap) []Saving {
	t.Helper()
	rule.ProductID = "card-a"
	rule.Active = true
	e := newTestEvaluator(t, staticRules{"card-a": {rule}}, counters)

	if pc.At.IsZero() {
		pc.At = purchaseTime
	}
	savings, err := e.Evaluate(context.Background(), EvaluateInput{
		UserID:    "user-1",
		ProductID: "card-a",
		Amount:    amount,
		Context:   pc,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return savings
}

func TestEvaluateValues(t *testing.T) {
	tests := []struct {
		name   string
		rule   *domain.BenefitRule
		amount int64
		want   int64
	}{
		{"Percentage", &domain.BenefitRule{ID: "r1", Value: rate("0.1")}, 10000, 1000},
		{"PercentageFloors", &domain.BenefitRule{ID: "r1", Value: rate("0.015")}, 9999, 149},
		{"StepRate", &domain.BenefitRule{ID: "r1", Value: rate("100")}, 5000, 500},
		{"StepRateIgnoresRemainder", &domain.BenefitRule{ID: "r1", Value: rate("100")}, 5999, 500},
		{"StepRateBelowOneStep", &domain.BenefitRule{ID: "r1", Value: rate("100")}, 999, 0},
		{"Fixed", &domain.BenefitRule{ID: "r1", Value: domain.FixedValue{Amount: 2000}}, 15000, 2000},
		{"Capped", &domain.BenefitRule{ID: "r1", Value: rate("0.1"), MaxBenefit: ptr(300)}, 10000, 300},
		{"BelowMinimum", &domain.BenefitRule{ID: "r1", Value: rate("0.1"), MinAmount: ptr(20000)}, 10000, 0},
		{"AtMinimum", &domain.BenefitRule{ID: "r1", Value: rate("0.1"), MinAmount: ptr(10000)}, 10000, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			savings := evaluateOne(t, tt.rule, tt.amount, domain.PurchaseContext{}, nil)

			var got int64
			if len(savings) > 0 {
				got = savings[0].Applied
			}
			if got != tt.want {
				t.Errorf("expected saving %d, got %d", tt.want, got)
			}
			if tt.want == 0 && len(savings) != 0 {
				t.Errorf("expected no savings, got %d", len(savings))
			}
		})
	}
}

func TestEvaluateScopes(t *testing.T) {
	rule := func() *domain.BenefitRule {
		return &domain.BenefitRule{
			ID:    "r1",
			Value: rate("0.1"),
			Scopes: []domain.Scope{
				domain.CategoryScope{CategoryID: "cafe"},
				domain.BrandScope{BrandID: "brand-x"},
			},
		}
	}

	t.Run("AnyScopeMatches", func(t *testing.T) {
		pc := domain.PurchaseContext{CategoryID: "grocery", BrandID: "brand-x"}
		if savings := evaluateOne(t, rule(), 10000, pc, nil); len(savings) != 1 {
			t.Errorf("expected brand scope to match, got %d savings", len(savings))
		}
	})

	t.Run("NoScopeMatches", func(t *testing.T) {
		pc := domain.PurchaseContext{CategoryID: "grocery", BrandID: "brand-y"}
		if savings := evaluateOne(t, rule(), 10000, pc, nil); len(savings) != 0 {
			t.Errorf("expected no savings outside scope, got %d", len(savings))
		}
	})

	t.Run("MissingMerchant", func(t *testing.T) {
		if savings := evaluateOne(t, rule(), 10000, domain.PurchaseContext{}, nil); len(savings) != 0 {
			t.Errorf("expected category scope not to match without merchant, got %d", len(savings))
		}
	})

	t.Run("DayOfWeek", func(t *testing.T) {
		r := &domain.BenefitRule{ID: "r1", Value: rate("0.1"), Scopes: []domain.Scope{
			domain.DayOfWeekScope{Days: []time.Weekday{time.Saturday, time.Sunday}},
		}}
		if savings := evaluateOne(t, r, 10000, domain.PurchaseContext{}, nil); len(savings) != 1 {
			t.Errorf("expected weekend scope to match Saturday, got %d", len(savings))
		}

		monday := domain.PurchaseContext{At: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
		r = &domain.BenefitRule{ID: "r1", Value: rate("0.1"), Scopes: []domain.Scope{
			domain.DayOfWeekScope{Days: []time.Weekday{time.Saturday, time.Sunday}},
		}}
		if savings := evaluateOne(t, r, 10000, monday, nil); len(savings) != 0 {
			t.Errorf("expected weekend scope not to match Monday, got %d", len(savings))
		}
	})

	t.Run("TimeOfDayWraps", func(t *testing.T) {
		night := domain.TimeOfDayScope{StartMinute: 22 * 60, EndMinute: 2 * 60}

		late := domain.PurchaseContext{At: time.Date(2025, 3, 8, 1, 15, 0, 0, time.UTC)}
		r := &domain.BenefitRule{ID: "r1", Value: rate("0.1"), Scopes: []domain.Scope{night}}
		if savings := evaluateOne(t, r, 10000, late, nil); len(savings) != 1 {
			t.Errorf("expected 01:15 inside 22:00-02:00, got %d savings", len(savings))
		}

		r = &domain.BenefitRule{ID: "r1", Value: rate("0.1"), Scopes: []domain.Scope{night}}
		if savings := evaluateOne(t, r, 10000, domain.PurchaseContext{}, nil); len(savings) != 0 {
			t.Errorf("expected 12:30 outside 22:00-02:00, got %d savings", len(savings))
		}
	})
}

func TestEvaluateLimits(t *testing.T) {
	counters := counterMap{
		"user-1/r1/2025-03": {AmountUsed: 900, CountUsed: 3},
	}

	t.Run("RemainingClamps", func(t *testing.T) {
		r := &domain.BenefitRule{ID: "r1", Value: rate("0.05"), Limits: []domain.Limit{
			{Period: domain.PeriodMonthly, AmountCeiling: ptr(1000)},
		}}
		savings := evaluateOne(t, r, 10000, domain.PurchaseContext{}, counters)
		if len(savings) != 1 || savings[0].Applied != 100 {
			t.Fatalf("expected saving clamped to 100, got %+v", savings)
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		r := &domain.BenefitRule{ID: "r1", Value: rate("0.05"), Limits: []domain.Limit{
			{Period: domain.PeriodMonthly, AmountCeiling: ptr(900)},
		}}
		if savings := evaluateOne(t, r, 10000, domain.PurchaseContext{}, counters); len(savings) != 0 {
			t.Errorf("expected exhausted rule to be skipped, got %+v", savings)
		}
	})

	t.Run("CountCeiling", func(t *testing.T) {
		r := &domain.BenefitRule{ID: "r1", Value: rate("0.05"), Limits: []domain.Limit{
			{Period: domain.PeriodMonthly, CountCeiling: ptr(3)},
		}}
		if savings := evaluateOne(t, r, 10000, domain.PurchaseContext{}, counters); len(savings) != 0 {
			t.Errorf("expected rule used 3 of 3 times to be skipped, got %+v", savings)
		}
	})

	t.Run("OtherUser", func(t *testing.T) {
		r := &domain.BenefitRule{ID: "r2", Value: rate("0.05"), Limits: []domain.Limit{
			{Period: domain.PeriodMonthly, AmountCeiling: ptr(1000)},
		}}
		savings := evaluateOne(t, r, 10000, domain.PurchaseContext{}, counters)
		if len(savings) != 1 || savings[0].Applied != 500 {
			t.Errorf("expected unused rule to apply fully, got %+v", savings)
		}
	})
}

func TestEvaluateSkipsRules(t *testing.T) {
	past := purchaseTime.Add(-48 * time.Hour)
	future := purchaseTime.Add(48 * time.Hour)

	tests := []struct {
		name string
		rule *domain.BenefitRule
	}{
		{"Malformed", &domain.BenefitRule{ID: "r1", Value: rate("0.1"), Anomaly: "unknown scope type \"ZIP\""}},
		{"MissingValue", &domain.BenefitRule{ID: "r1"}},
		{"NotYetValid", &domain.BenefitRule{ID: "r1", Value: rate("0.1"), ValidFrom: &future}},
		{"Expired", &domain.BenefitRule{ID: "r1", Value: rate("0.1"), ValidTo: &past}},
		{"ConditionFalse", &domain.BenefitRule{ID: "r1", Value: rate("0.1"), Condition: "amount >= 50000"}},
		{"ConditionBroken", &domain.BenefitRule{ID: "r1", Value: rate("0.1"), Condition: "amount >="}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if savings := evaluateOne(t, tt.rule, 10000, domain.PurchaseContext{}, nil); len(savings) != 0 {
				t.Errorf("expected rule to be skipped, got %+v", savings)
			}
		})
	}

	t.Run("InsideValidity", func(t *testing.T) {
		r := &domain.BenefitRule{ID: "r1", Value: rate("0.1"), ValidFrom: &past, ValidTo: &future}
		if savings := evaluateOne(t, r, 10000, domain.PurchaseContext{}, nil); len(savings) != 1 {
			t.Errorf("expected rule inside validity window to apply, got %d", len(savings))
		}
	})

	t.Run("LastValidDay", func(t *testing.T) {
		lastDay := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
		seoul := time.FixedZone("KST", 9*60*60)

		cases := []struct {
			name  string
			at    time.Time
			apply bool
		}{
			{"Midnight", lastDay, true},
			{"Noon", time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC), true},
			{"LastMinuteLocal", time.Date(2025, 3, 31, 23, 59, 0, 0, seoul), true},
			{"NextDayLocal", time.Date(2025, 4, 1, 0, 30, 0, 0, seoul), false},
		}
		for _, c := range cases {
			r := &domain.BenefitRule{ID: "r1", Value: rate("0.1"), ValidTo: &lastDay}
			savings := evaluateOne(t, r, 10000, domain.PurchaseContext{At: c.at}, nil)
			if got := len(savings) == 1; got != c.apply {
				t.Errorf("%s: expected applies=%v, got %+v", c.name, c.apply, savings)
			}
		}
	})

	t.Run("FirstValidDay", func(t *testing.T) {
		firstDay := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
		r := &domain.BenefitRule{ID: "r1", Value: rate("0.1"), ValidFrom: &firstDay}
		at := time.Date(2025, 3, 8, 0, 0, 1, 0, time.UTC)
		if savings := evaluateOne(t, r, 10000, domain.PurchaseContext{At: at}, nil); len(savings) != 1 {
			t.Errorf("expected rule to apply on its first day, got %d", len(savings))
		}
	})

	t.Run("ConditionTrue", func(t *testing.T) {
		r := &domain.BenefitRule{ID: "r1", Value: rate("0.1"), Condition: `weekday == "SAT" && minute_of_day >= 720`}
		if savings := evaluateOne(t, r, 10000, domain.PurchaseContext{}, nil); len(savings) != 1 {
			t.Errorf("expected condition to hold on Saturday afternoon, got %d", len(savings))
		}
	})
}

func TestEvaluateOrdering(t *testing.T) {
	rules := staticRules{"card-a": {
		{ID: "r-b", ProductID: "card-a", Active: true, Priority: 1, Value: rate("0.01")},
		{ID: "r-c", ProductID: "card-a", Active: true, Priority: 5, Value: rate("0.02")},
		{ID: "r-a", ProductID: "card-a", Active: true, Priority: 1, Value: rate("0.03")},
		{ID: "r-bad", ProductID: "card-a", Active: true, Priority: 9, Anomaly: "invalid rate"},
	}}
	e := newTestEvaluator(t, rules, counterMap{})

	savings, err := e.Evaluate(context.Background(), EvaluateInput{
		UserID: "user-1", ProductID: "card-a", Amount: 10000,
		Context: domain.PurchaseContext{At: purchaseTime},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"r-c", "r-a", "r-b"}
	if len(savings) != len(want) {
		t.Fatalf("expected %d savings, got %d", len(want), len(savings))
	}
	for i, id := range want {
		if savings[i].Rule.ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, savings[i].Rule.ID)
		}
	}
}

func TestEvaluateErrors(t *testing.T) {
	e := newTestEvaluator(t, failingRules{}, counterMap{})

	_, err := e.Evaluate(context.Background(), EvaluateInput{
		UserID: "user-1", ProductID: "card-a", Amount: 10000,
		Context: domain.PurchaseContext{At: purchaseTime},
	})
	if err == nil {
		t.Fatal("expected store error to propagate")
	}

	savings, err := e.Evaluate(context.Background(), EvaluateInput{ProductID: "card-a", Amount: 0})
	if err != nil || savings != nil {
		t.Errorf("expected no savings for zero amount, got %v, %v", savings, err)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		rule *domain.BenefitRule
		want string
	}{
		{&domain.BenefitRule{Kind: domain.BenefitDiscount, Value: rate("0.1"), Description: "10% off coffee"}, "10% off coffee"},
		{&domain.BenefitRule{Kind: domain.BenefitDiscount, Value: rate("0.1")}, "DISCOUNT 10%"},
		{&domain.BenefitRule{Kind: domain.BenefitPoint, Value: rate("100")}, "POINT 100 per 1000"},
		{&domain.BenefitRule{Kind: domain.BenefitCashback, Value: domain.FixedValue{Amount: 500}}, "CASHBACK 500"},
	}

	for _, tt := range tests {
		if got := describe(tt.rule); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}
