package totals

import (
	domain "github.com/pantryline/checkout-api/internal/domain"
)

// FallbackEstimate produces a display-only breakdown while the totals service
// is unreachable. The subtotal and delivery fee are recomputed locally; the
// discount amount and effective tax rate are carried forward from the last
// server breakdown when one exists. The result is marked Estimated and must
// never back a payment session.
func FallbackEstimate(cart domain.CartSnapshot, deliveryType domain.DeliveryType, quote *domain.DeliveryQuote, last *domain.PriceBreakdown) domain.PriceBreakdown {
	subtotal := cart.Subtotal()

	var discount int64
	discountCode := ""
	var tax int64
	if last != nil {
		discount = last.Discount
		discountCode = last.DiscountCode
		if discount > subtotal {
			discount = subtotal
		}
		if taxed := last.Subtotal - last.Discount; taxed > 0 && last.Tax > 0 {
			// Scale the last effective tax to the current discounted subtotal,
			// truncating toward zero.
			tax = (subtotal - discount) * last.Tax / taxed
		}
	}

	var fee int64
	if deliveryType == domain.DeliveryTypeDelivery && quote != nil {
		fee = quote.FeeMinorUnits
	}

	currency := cart.Currency
	if currency == "" && last != nil {
		currency = last.Currency
	}

	return domain.PriceBreakdown{
		Currency:     currency,
		Subtotal:     subtotal,
		Discount:     discount,
		DiscountCode: discountCode,
		Tax:          tax,
		DeliveryFee:  fee,
		Total:        subtotal - discount + tax + fee,
		Estimated:    true,
	}
}
