package quotes

import (
	"context"
	"errors"

	domain "github.com/pantryline/checkout-api/internal/domain"
)

var (
	// ErrQuoteInvalidInput indicates the address is missing required fields.
	ErrQuoteInvalidInput = errors.New("quotes: invalid input")
	// ErrQuoteOutOfRange indicates the address is outside the provider's service radius.
	ErrQuoteOutOfRange = errors.New("quotes: address out of service range")
	// ErrQuoteUnavailable indicates the provider could not be reached or timed out.
	ErrQuoteUnavailable = errors.New("quotes: provider unavailable")
)

// QuoteRequest carries the normalised address submitted to the provider.
type QuoteRequest struct {
	ExternalID string
	Address    domain.Address
}

// Provider fetches a delivery price/time estimate from the external
// delivery-quote service.
type Provider interface {
	FetchQuote(ctx context.Context, req QuoteRequest) (domain.DeliveryQuote, error)
}
