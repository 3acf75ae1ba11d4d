package domain

import "time"

// Session is one recommendation request and its ranked options.
type Session struct {
	ID             string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	Amount         int64     `json:"amount"`
	UseVoucher     bool      `json:"useGifticon"`
	MerchantID     string    `json:"merchantId,omitempty"`
	ChosenOptionID string    `json:"chosenOptionId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Options        []Option  `json:"options"`
}

// Option returns the session's option with the given id.
func (s *Session) Option(id string) (*Option, bool) {
	for i := range s.Options {
		if s.Options[i].ID == id {
			return &s.Options[i], true
		}
	}
	return nil, false
}

// Option is one ranked instrument combination.
type Option struct {
	ID           string       `json:"optionId"`
	SessionID    string       `json:"-"`
	Rank         int          `json:"rankOrder"`
	ExpectedPay  int64        `json:"expectedPay"`
	ExpectedSave int64        `json:"expectedSave"`
	Items        []OptionItem `json:"items"`
}

// OptionItem is one instrument's contribution inside an option. RuleID is
// empty when no rule applied to the instrument.
type OptionItem struct {
	ID             string         `json:"itemId"`
	OptionID       string         `json:"-"`
	ComponentType  InstrumentKind `json:"componentType"`
	ComponentRefID string         `json:"componentRefId"`
	RuleID         string         `json:"ruleId,omitempty"`
	Title          string         `json:"title"`
	Subtitle       string         `json:"subtitle"`
	AppliedValue   int64          `json:"appliedValue"`
	SortOrder      int            `json:"sortOrder"`
}
