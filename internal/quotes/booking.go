package quotes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	domain "github.com/pantryline/checkout-api/internal/domain"
)

// ErrBookingFailed indicates the courier network rejected or could not take the booking.
var ErrBookingFailed = errors.New("quotes: delivery booking failed")

// BookingRequest schedules a courier against a previously issued quote. A
// quote may be booked at most once; the partner rejects reuse.
type BookingRequest struct {
	OrderID  string
	QuoteID  string
	Address  domain.Address
	Customer domain.CustomerInfo
}

// BookingConfirmation is the courier's acknowledgement of a booking.
type BookingConfirmation struct {
	TrackingURL string
	ETAMinutes  int
}

type bookingRequestPayload struct {
	OrderID      string `json:"orderId"`
	QuoteID      string `json:"quoteId"`
	Street       string `json:"street"`
	Unit         string `json:"unit,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	Zip          string `json:"zip"`
	ContactName  string `json:"contactName,omitempty"`
	ContactPhone string `json:"contactPhone,omitempty"`
	ContactEmail string `json:"contactEmail,omitempty"`
}

type bookingResponsePayload struct {
	TrackingURL string `json:"trackingUrl"`
	ETAMinutes  int    `json:"etaMinutes"`
	Error       string `json:"error"`
}

// BookDelivery schedules the quote with the delivery partner and returns the
// tracking handle for the order record.
func (p *HTTPProvider) BookDelivery(ctx context.Context, req BookingRequest) (BookingConfirmation, error) {
	if p == nil {
		return BookingConfirmation{}, ErrBookingFailed
	}
	if strings.TrimSpace(req.QuoteID) == "" || strings.TrimSpace(req.OrderID) == "" {
		return BookingConfirmation{}, fmt.Errorf("%w: order and quote ids are required", ErrBookingFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload := bookingRequestPayload{
		OrderID:      strings.TrimSpace(req.OrderID),
		QuoteID:      strings.TrimSpace(req.QuoteID),
		Street:       strings.TrimSpace(req.Address.Street),
		Unit:         strings.TrimSpace(req.Address.Unit),
		City:         strings.TrimSpace(req.Address.City),
		State:        strings.TrimSpace(req.Address.State),
		Zip:          strings.TrimSpace(req.Address.Zip),
		ContactName:  strings.TrimSpace(req.Customer.Name),
		ContactPhone: strings.TrimSpace(req.Customer.Phone),
		ContactEmail: strings.TrimSpace(req.Customer.Email),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return BookingConfirmation{}, fmt.Errorf("quotes: marshal booking: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/bookings", bytes.NewReader(body))
	if err != nil {
		return BookingConfirmation{}, fmt.Errorf("quotes: build booking request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger(ctx, "quotes.booking_unreachable", map[string]any{"error": err.Error()})
		return BookingConfirmation{}, fmt.Errorf("%w: %v", ErrBookingFailed, err)
	}
	defer resp.Body.Close()

	var decoded bookingResponsePayload
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode == http.StatusOK {
		return BookingConfirmation{}, fmt.Errorf("%w: decode response: %v", ErrBookingFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return BookingConfirmation{}, fmt.Errorf("%w: status %d %s", ErrBookingFailed, resp.StatusCode, decoded.Error)
	}
	if strings.TrimSpace(decoded.TrackingURL) == "" {
		return BookingConfirmation{}, fmt.Errorf("%w: missing tracking url", ErrBookingFailed)
	}

	p.logger(ctx, "quotes.booked", map[string]any{
		"orderId":  payload.OrderID,
		"quoteId":  payload.QuoteID,
		"tracking": decoded.TrackingURL,
	})
	return BookingConfirmation{
		TrackingURL: decoded.TrackingURL,
		ETAMinutes:  decoded.ETAMinutes,
	}, nil
}
