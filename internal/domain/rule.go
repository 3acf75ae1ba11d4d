package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BenefitKind is the kind of reward a rule grants.
type BenefitKind string

const (
	BenefitDiscount BenefitKind = "DISCOUNT"
	BenefitCashback BenefitKind = "CASHBACK"
	BenefitPoint    BenefitKind = "POINT"
)

// Value kinds as persisted.
const (
	ValueKindRate   = "RATE"
	ValueKindAmount = "AMOUNT"
)

// BenefitRule is a discount, cashback or point rule attached to a product.
// Scopes and limits are owned by the rule and always loaded with it.
type BenefitRule struct {
	ID          string
	ProductID   string
	Kind        BenefitKind
	Value       Value
	MinAmount   *int64
	MaxBenefit  *int64
	Priority    int
	Active      bool
	Exclusive   bool
	Description string

	// ValidFrom and ValidTo are calendar dates, both inclusive, held as
	// midnight UTC. See ValidOn.
	ValidFrom *time.Time
	ValidTo   *time.Time

	// Condition is an optional CEL expression that must evaluate to true
	// for the rule to apply.
	Condition string

	Scopes []Scope
	Limits []Limit

	// Anomaly is set when the persisted rule could not be decoded.
	// Such rules never contribute a saving.
	Anomaly string
}

// ValidOn reports whether the purchase instant falls inside the validity
// window. The instant is read as a date in its own location, so a rule
// valid to March 31 applies until midnight of that day in the service
// time zone.
func (r *BenefitRule) ValidOn(at time.Time) bool {
	day := dayNumber(at.Date())
	if r.ValidFrom != nil && day < dayNumber(r.ValidFrom.UTC().Date()) {
		return false
	}
	if r.ValidTo != nil && day > dayNumber(r.ValidTo.UTC().Date()) {
		return false
	}
	return true
}

// CalendarDate keeps only the date of t as written by the caller, as
// midnight UTC.
func CalendarDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &date
}

func dayNumber(y int, m time.Month, d int) int {
	return y*10000 + int(m)*100 + d
}

// Value is the base benefit formula of a rule: RateValue or FixedValue.
type Value interface {
	Base(amount int64) int64
	isValue()
}

// RateStep separates percentage rates from per-1000 step rates.
var RateStep = decimal.NewFromInt(1)

// RateValue below 1 is a percentage of the amount. At or above 1 it is a
// fixed reward per 1000 currency units spent.
type RateValue struct {
	Rate decimal.Decimal
}

func (v RateValue) Base(amount int64) int64 {
	if v.Rate.LessThan(RateStep) {
		return decimal.NewFromInt(amount).Mul(v.Rate).Floor().IntPart()
	}
	return (amount / 1000) * v.Rate.IntPart()
}

func (RateValue) isValue() {}

// FixedValue grants the same amount regardless of purchase size.
type FixedValue struct {
	Amount int64
}

func (v FixedValue) Base(int64) int64 { return v.Amount }

func (FixedValue) isValue() {}

// Scope is one applicability predicate of a rule. A rule applies when any
// of its scopes matches.
type Scope interface {
	Matches(pc PurchaseContext) bool
	isScope()
}

// Scope types as persisted.
const (
	ScopeCategory  = "CATEGORY"
	ScopeBrand     = "BRAND"
	ScopeMerchant  = "MERCHANT"
	ScopeDayOfWeek = "DAY_OF_WEEK"
	ScopeTime      = "TIME"
)

type CategoryScope struct{ CategoryID string }
type BrandScope struct{ BrandID string }
type MerchantScope struct{ MerchantID string }

// DayOfWeekScope matches on the weekday of the purchase.
type DayOfWeekScope struct{ Days []time.Weekday }

// TimeOfDayScope matches minutes since midnight in [StartMinute, EndMinute].
// A range with StartMinute > EndMinute wraps past midnight.
type TimeOfDayScope struct{ StartMinute, EndMinute int }

func (s CategoryScope) Matches(pc PurchaseContext) bool {
	return pc.CategoryID != "" && s.CategoryID == pc.CategoryID
}

func (s BrandScope) Matches(pc PurchaseContext) bool {
	return pc.BrandID != "" && s.BrandID == pc.BrandID
}

func (s MerchantScope) Matches(pc PurchaseContext) bool {
	return pc.MerchantID != "" && s.MerchantID == pc.MerchantID
}

func (s DayOfWeekScope) Matches(pc PurchaseContext) bool {
	wd := pc.At.Weekday()
	for _, d := range s.Days {
		if d == wd {
			return true
		}
	}
	return false
}

func (s TimeOfDayScope) Matches(pc PurchaseContext) bool {
	m := pc.At.Hour()*60 + pc.At.Minute()
	if s.StartMinute <= s.EndMinute {
		return m >= s.StartMinute && m <= s.EndMinute
	}
	return m >= s.StartMinute || m <= s.EndMinute
}

func (CategoryScope) isScope()  {}
func (BrandScope) isScope()     {}
func (MerchantScope) isScope()  {}
func (DayOfWeekScope) isScope() {}
func (TimeOfDayScope) isScope() {}

// LimitPeriod is the window a usage limit is counted over.
type LimitPeriod string

const (
	PeriodDaily          LimitPeriod = "DAILY"
	PeriodMonthly        LimitPeriod = "MONTHLY"
	PeriodPerTransaction LimitPeriod = "PER_TX"
)

// Limit is one usage ceiling of a rule. A nil ceiling is unbounded.
type Limit struct {
	Period        LimitPeriod `json:"period" validate:"required,oneof=DAILY MONTHLY PER_TX"`
	AmountCeiling *int64      `json:"amountCeiling,omitempty" validate:"omitempty,gte=0"`
	CountCeiling  *int64      `json:"countCeiling,omitempty" validate:"omitempty,gte=0"`
}

// ScopeSpec is the flat persisted and wire form of a Scope.
type ScopeSpec struct {
	Type        string `json:"type" validate:"required"`
	CategoryID  string `json:"categoryId,omitempty"`
	BrandID     string `json:"brandId,omitempty"`
	MerchantID  string `json:"merchantId,omitempty"`
	DayOfWeek   string `json:"dayOfWeek,omitempty"`
	StartMinute *int   `json:"startMinute,omitempty"`
	EndMinute   *int   `json:"endMinute,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday,
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
}

// Decode converts the flat form into its Scope variant.
func (s ScopeSpec) Decode() (Scope, error) {
	switch s.Type {
	case ScopeCategory:
		if s.CategoryID == "" {
			return nil, fmt.Errorf("category scope without category id")
		}
		return CategoryScope{CategoryID: s.CategoryID}, nil
	case ScopeBrand:
		if s.BrandID == "" {
			return nil, fmt.Errorf("brand scope without brand id")
		}
		return BrandScope{BrandID: s.BrandID}, nil
	case ScopeMerchant:
		if s.MerchantID == "" {
			return nil, fmt.Errorf("merchant scope without merchant id")
		}
		return MerchantScope{MerchantID: s.MerchantID}, nil
	case ScopeDayOfWeek:
		var days []time.Weekday
		for _, part := range strings.Split(s.DayOfWeek, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			d, ok := weekdays[part]
			if !ok {
				return nil, fmt.Errorf("unknown day %q", part)
			}
			days = append(days, d)
		}
		if len(days) == 0 {
			return nil, fmt.Errorf("day-of-week scope without days")
		}
		return DayOfWeekScope{Days: days}, nil
	case ScopeTime:
		if s.StartMinute == nil || s.EndMinute == nil {
			return nil, fmt.Errorf("time scope without minute range")
		}
		start, end := *s.StartMinute, *s.EndMinute
		if start < 0 || start >= 1440 || end < 0 || end >= 1440 {
			return nil, fmt.Errorf("time scope out of range: %d-%d", start, end)
		}
		return TimeOfDayScope{StartMinute: start, EndMinute: end}, nil
	default:
		return nil, fmt.Errorf("unknown scope type %q", s.Type)
	}
}

// EncodeScope converts a Scope variant into its flat form.
func EncodeScope(s Scope) ScopeSpec {
	switch v := s.(type) {
	case CategoryScope:
		return ScopeSpec{Type: ScopeCategory, CategoryID: v.CategoryID}
	case BrandScope:
		return ScopeSpec{Type: ScopeBrand, BrandID: v.BrandID}
	case MerchantScope:
		return ScopeSpec{Type: ScopeMerchant, MerchantID: v.MerchantID}
	case DayOfWeekScope:
		names := make([]string, 0, len(v.Days))
		for _, d := range v.Days {
			names = append(names, strings.ToUpper(d.String()[:3]))
		}
		return ScopeSpec{Type: ScopeDayOfWeek, DayOfWeek: strings.Join(names, ",")}
	case TimeOfDayScope:
		start, end := v.StartMinute, v.EndMinute
		return ScopeSpec{Type: ScopeTime, StartMinute: &start, EndMinute: &end}
	}
	return ScopeSpec{}
}

// DecodeValue builds a Value from its persisted columns.
func DecodeValue(kind string, rate string, amount *int64) (Value, error) {
	switch kind {
	case ValueKindRate:
		if rate == "" {
			return nil, fmt.Errorf("rate rule without rate")
		}
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q: %w", rate, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("negative rate %s", rate)
		}
		return RateValue{Rate: d}, nil
	case ValueKindAmount:
		if amount == nil {
			return nil, fmt.Errorf("amount rule without amount")
		}
		return FixedValue{Amount: *amount}, nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", kind)
	}
}

// EncodeValue returns the persisted columns of a Value.
func EncodeValue(v Value) (kind string, rate string, amount *int64) {
	switch x := v.(type) {
	case RateValue:
		return ValueKindRate, x.Rate.String(), nil
	case FixedValue:
		a := x.Amount
		return ValueKindAmount, "", &a
	}
	return "", "", nil
}

// RuleSpec is the JSON form of a BenefitRule, used on the wire and in caches.
type RuleSpec struct {
	ID          string      `json:"id" validate:"required"`
	ProductID   string      `json:"productId" validate:"required"`
	Kind        BenefitKind `json:"benefitType" validate:"required,oneof=DISCOUNT CASHBACK POINT"`
	ValueKind   string      `json:"valueType" validate:"required,oneof=RATE AMOUNT"`
	Rate        string      `json:"rate,omitempty"`
	Amount      *int64      `json:"amount,omitempty"`
	MinAmount   *int64      `json:"minAmount,omitempty" validate:"omitempty,gte=0"`
	MaxBenefit  *int64      `json:"maxBenefitAmount,omitempty" validate:"omitempty,gte=0"`
	Priority    int         `json:"priority"`
	Active      bool        `json:"active"`
	ValidFrom   *time.Time  `json:"validFrom,omitempty"`
	ValidTo     *time.Time  `json:"validTo,omitempty"`
	Exclusive   bool        `json:"exclusive"`
	Description string      `json:"description"`
	Condition   string      `json:"condition,omitempty"`
	Scopes      []ScopeSpec `json:"scopes,omitempty" validate:"dive"`
	Limits      []Limit     `json:"limits,omitempty" validate:"dive"`
	Anomaly     string      `json:"anomaly,omitempty"`
}

// Spec returns the flat form of the rule.
func (r *BenefitRule) Spec() RuleSpec {
	kind, rate, amount := EncodeValue(r.Value)
	spec := RuleSpec{
		ID:          r.ID,
		ProductID:   r.ProductID,
		Kind:        r.Kind,
		ValueKind:   kind,
		Rate:        rate,
		Amount:      amount,
		MinAmount:   r.MinAmount,
		MaxBenefit:  r.MaxBenefit,
		Priority:    r.Priority,
		Active:      r.Active,
		ValidFrom:   r.ValidFrom,
		ValidTo:     r.ValidTo,
		Exclusive:   r.Exclusive,
		Description: r.Description,
		Condition:   r.Condition,
		Limits:      r.Limits,
		Anomaly:     r.Anomaly,
	}
	for _, s := range r.Scopes {
		spec.Scopes = append(spec.Scopes, EncodeScope(s))
	}
	return spec
}

// Rule decodes the flat form. Decoding problems do not fail; they are
// recorded on the returned rule's Anomaly field.
func (s RuleSpec) Rule() *BenefitRule {
	r := &BenefitRule{
		ID:          s.ID,
		ProductID:   s.ProductID,
		Kind:        s.Kind,
		MinAmount:   s.MinAmount,
		MaxBenefit:  s.MaxBenefit,
		Priority:    s.Priority,
		Active:      s.Active,
		ValidFrom:   CalendarDate(s.ValidFrom),
		ValidTo:     CalendarDate(s.ValidTo),
		Exclusive:   s.Exclusive,
		Description: s.Description,
		Condition:   s.Condition,
		Limits:      s.Limits,
		Anomaly:     s.Anomaly,
	}

	v, err := DecodeValue(s.ValueKind, s.Rate, s.Amount)
	if err != nil && r.Anomaly == "" {
		r.Anomaly = err.Error()
	}
	r.Value = v

	for _, spec := range s.Scopes {
		scope, err := spec.Decode()
		if err != nil {
			r.Anomaly = err.Error()
			continue
		}
		r.Scopes = append(r.Scopes, scope)
	}
	return r
}

// MarshalJSON encodes the rule in its flat form.
func (r *BenefitRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Spec())
}

// UnmarshalJSON decodes the flat form into the rule.
func (r *BenefitRule) UnmarshalJSON(data []byte) error {
	var spec RuleSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	*r = *spec.Rule()
	return nil
}
