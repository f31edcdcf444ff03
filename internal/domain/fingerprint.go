package domain

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AddressFingerprint derives the normalised identity key for an address.
// Case, surrounding whitespace, interior whitespace runs, and unicode
// composition differences do not change the fingerprint; any other change to
// street, city, state, or zip does. Unit is intentionally excluded: a unit
// number does not move the drop-off point enough to change a courier quote.
func AddressFingerprint(a Address) string {
	parts := []string{
		normalizeField(a.Street),
		normalizeField(a.City),
		normalizeField(a.State),
		normalizeField(a.Zip),
	}
	return strings.Join(parts, "|")
}

// DeliveryContextFingerprint identifies the pricing context a payment session
// was created for: the delivery type plus the bound quote, or its absence.
func DeliveryContextFingerprint(deliveryType DeliveryType, quote *DeliveryQuote) string {
	if quote == nil {
		return string(deliveryType) + "|none"
	}
	return string(deliveryType) + "|" + quote.QuoteID
}

func normalizeField(value string) string {
	value = norm.NFKC.String(value)
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.Join(strings.Fields(value), " ")
}
