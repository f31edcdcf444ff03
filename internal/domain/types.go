package domain

import (
	"strings"
	"time"
)

// DeliveryType selects how the order reaches the customer.
type DeliveryType string

const (
	// DeliveryTypePickup indicates the customer collects the order themselves.
	DeliveryTypePickup DeliveryType = "pickup"
	// DeliveryTypeDelivery indicates a courier delivers the order to an address.
	DeliveryTypeDelivery DeliveryType = "delivery"
)

// ParseDeliveryType normalises the supplied value into a DeliveryType.
func ParseDeliveryType(value string) (DeliveryType, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(DeliveryTypePickup):
		return DeliveryTypePickup, true
	case string(DeliveryTypeDelivery):
		return DeliveryTypeDelivery, true
	default:
		return "", false
	}
}

// CartItem is a single cart line. The cart subsystem owns these records; the
// checkout core reads them and never mutates them.
type CartItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
}

// CartSnapshot is the read-only view of the cart at a point in time.
type CartSnapshot struct {
	ID        string
	UserID    string
	Currency  string
	Items     []CartItem
	UpdatedAt time.Time
}

// Subtotal sums the line totals in minor units. Lines with non-positive
// quantity or price are skipped the same way the cart subsystem skips them.
func (c CartSnapshot) Subtotal() int64 {
	var total int64
	for _, item := range c.Items {
		if item.Quantity <= 0 || item.UnitPrice <= 0 {
			continue
		}
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// Empty reports whether the snapshot has no purchasable lines.
func (c CartSnapshot) Empty() bool {
	for _, item := range c.Items {
		if item.Quantity > 0 && item.UnitPrice > 0 {
			return false
		}
	}
	return true
}

// Address is a shipping address as entered on the checkout form.
type Address struct {
	Street string
	Unit   string
	City   string
	State  string
	Zip    string
}

// Complete reports whether the fields required for a delivery quote are set.
// Unit is optional.
func (a Address) Complete() bool {
	return strings.TrimSpace(a.Street) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.State) != "" &&
		strings.TrimSpace(a.Zip) != ""
}

// CustomerInfo carries the contact details collected during checkout. On the
// wallet path these come from the wallet sheet rather than the form.
type CustomerInfo struct {
	Name  string
	Email string
	Phone string
}

// DeliveryQuote is a price/time estimate issued by the delivery provider for
// one specific address fingerprint. It is immutable once issued; a changed
// address invalidates the quote rather than updating it.
type DeliveryQuote struct {
	QuoteID            string
	FeeMinorUnits      int64
	ETAMinutes         int
	AddressFingerprint string
	CreatedAt          time.Time
}

// QuoteLockState is the quote manager's state machine position.
type QuoteLockState string

const (
	// QuoteUnlocked means no quote is bound and edits are free.
	QuoteUnlocked QuoteLockState = "unlocked"
	// QuoteQuoting means a provider request is in flight.
	QuoteQuoting QuoteLockState = "quoting"
	// QuoteLocked means a quote is bound to the current address fingerprint.
	QuoteLocked QuoteLockState = "locked"
)

// PaymentSession is the amount-bound processor handle the client confirms
// against. Sessions are replaced wholesale whenever the delivery context
// fingerprint changes; they are never mutated in place.
type PaymentSession struct {
	SessionID          string
	ClientSecret       string
	AmountMinorUnits   int64
	Currency           string
	ContextFingerprint string
	CreatedAt          time.Time
}

// OrderIntent is the in-flight checkout attempt prior to payment success.
type OrderIntent struct {
	CheckoutID   string
	UserID       string
	Cart         CartSnapshot
	DeliveryType DeliveryType
	Address      *Address
	Customer     CustomerInfo
	Quote        *DeliveryQuote
	DiscountCode string
	Breakdown    PriceBreakdown
}

// Order is the persisted result of exactly one succeeded payment.
type Order struct {
	ID               string
	UserID           string
	PaymentReference string
	DeliveryType     DeliveryType
	Address          *Address
	Customer         CustomerInfo
	QuoteID          string
	DeliveryFee      int64
	DiscountCode     string
	Breakdown        PriceBreakdown
	TrackingURL      string
	CreatedAt        time.Time
}
