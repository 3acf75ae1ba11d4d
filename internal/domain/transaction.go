package domain

import (
	"time"
)

// Transaction is an immutable settled purchase created from a chosen option.
type Transaction struct {
	ID             string           `json:"transactionId"`
	UserID         string           `json:"userId"`
	MerchantID     string           `json:"merchantId,omitempty"`
	CategoryID     string           `json:"categoryId,omitempty"`
	PaidAmount     int64            `json:"paidAmount"`
	Currency       string           `json:"currency"`
	PaymentAssetID string           `json:"paymentAssetId,omitempty"`
	SessionID      string           `json:"sessionId"`
	OptionID       string           `json:"optionId"`
	TxTime         time.Time        `json:"txTime"`
	CreatedAt      time.Time        `json:"createdAt"`
	Benefits       []AppliedBenefit `json:"appliedBenefits"`
}

// Saved is the total saving recorded on the transaction.
func (t *Transaction) Saved() int64 {
	var total int64
	for _, b := range t.Benefits {
		total += b.AppliedValue
	}
	return total
}

// AppliedBenefit is one rule application on a settled transaction.
type AppliedBenefit struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"-"`
	RuleID        string         `json:"ruleId"`
	SourceType    InstrumentKind `json:"sourceType"`
	SourceRefID   string         `json:"sourceRefId"`
	AppliedValue  int64          `json:"appliedValue"`
}

// UsageCounter is the running usage of a rule by a user within a period.
type UsageCounter struct {
	UserID     string    `json:"userId"`
	RuleID     string    `json:"ruleId"`
	PeriodKey  string    `json:"periodKey"`
	AmountUsed int64     `json:"amountUsed"`
	CountUsed  int64     `json:"countUsed"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CounterIncrement is one guarded counter update applied during settlement.
// The update fails when it would push usage past a non-nil ceiling.
type CounterIncrement struct {
	RuleID        string
	PeriodKey     string
	Amount        int64
	Count         int64
	AmountCeiling *int64
	CountCeiling  *int64
}

// MonthlyCategorySummary aggregates a user's spending per month and category.
type MonthlyCategorySummary struct {
	UserID      string    `json:"userId"`
	YearMonth   string    `json:"yearMonth"`
	CategoryID  string    `json:"categoryId"`
	AmountSpent int64     `json:"amountSpent"`
	AmountSaved int64     `json:"amountSaved"`
	TxCount     int64     `json:"txCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Settlement is everything written atomically when a transaction settles.
// The monthly summary is skipped when the transaction has no category.
type Settlement struct {
	Transaction *Transaction
	Increments  []CounterIncrement
	YearMonth   string
}

// TransactionFilter narrows a transaction listing.
type TransactionFilter struct {
	YearMonth  string
	CategoryID string
	Limit      int
	Offset     int
}
