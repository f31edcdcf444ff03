package domain

import (
	"errors"
	"fmt"
)

// ErrBreakdownInvalid indicates a price breakdown violates its arithmetic
// invariant or carries a negative component.
var ErrBreakdownInvalid = errors.New("pricing: invalid breakdown")

// PriceBreakdown is the authoritative server-computed price decomposition for
// a checkout. All amounts are minor units (cents); decimal rendering is a
// presentation concern.
type PriceBreakdown struct {
	Currency     string
	Subtotal     int64
	Discount     int64
	DiscountCode string
	Tax          int64
	DeliveryFee  int64
	Total        int64
	// Estimated marks a locally computed fallback produced while the totals
	// service was unreachable. Estimated breakdowns are display-only and must
	// never back a payment session.
	Estimated bool
}

// Validate checks the breakdown arithmetic: every component is non-negative
// and total == subtotal - discount + tax + delivery fee.
func (b PriceBreakdown) Validate() error {
	for name, v := range map[string]int64{
		"subtotal":     b.Subtotal,
		"discount":     b.Discount,
		"tax":          b.Tax,
		"delivery_fee": b.DeliveryFee,
		"total":        b.Total,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s is negative", ErrBreakdownInvalid, name)
		}
	}
	if want := b.Subtotal - b.Discount + b.Tax + b.DeliveryFee; b.Total != want {
		return fmt.Errorf("%w: total %d != %d", ErrBreakdownInvalid, b.Total, want)
	}
	return nil
}
