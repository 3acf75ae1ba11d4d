package domain

import "time"

// InstrumentKind is the kind of payment instrument a user holds.
type InstrumentKind string

const (
	KindCard       InstrumentKind = "CARD"
	KindMembership InstrumentKind = "MEMBERSHIP"
	KindGifticon   InstrumentKind = "GIFTICON"
)

// Product is a card, membership or voucher definition. Benefit rules
// attach to products, not to the instruments users hold.
type Product struct {
	ID     string         `json:"id"`
	Kind   InstrumentKind `json:"kind"`
	Name   string         `json:"name"`
	Issuer string         `json:"issuer,omitempty"`
}

// Instrument is a user-owned card, membership or voucher.
type Instrument struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	ProductID   string         `json:"productId"`
	ProductName string         `json:"productName"`
	Kind        InstrumentKind `json:"kind"`
	DisplayName string         `json:"displayName"`
	Balance     *int64         `json:"balance,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Title is the label shown for the instrument in a recommendation.
func (i Instrument) Title() string {
	if i.ProductName != "" {
		return i.ProductName
	}
	return i.DisplayName
}

// Merchant is a place of purchase.
type Merchant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BrandID    string `json:"brandId,omitempty"`
	CategoryID string `json:"categoryId,omitempty"`
}

// PurchaseContext is where and when a purchase happens. At is expressed in
// the service time zone.
type PurchaseContext struct {
	MerchantID string
	CategoryID string
	BrandID    string
	At         time.Time
}

// ContextFor builds the purchase context for a merchant. A nil merchant
// yields a context that only time-based scopes can match.
func ContextFor(m *Merchant, at time.Time) PurchaseContext {
	pc := PurchaseContext{At: at}
	if m != nil {
		pc.MerchantID = m.ID
		pc.CategoryID = m.CategoryID
		pc.BrandID = m.BrandID
	}
	return pc
}
