package totals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	domain "github.com/pantryline/checkout-api/internal/domain"
)

const defaultComputeTimeout = 5 * time.Second

var (
	// ErrTotalsUnavailable indicates the totals service could not be reached.
	ErrTotalsUnavailable = errors.New("totals: service unavailable")
	// ErrTotalsInvalid indicates the service returned a breakdown that fails validation.
	ErrTotalsInvalid = errors.New("totals: invalid breakdown")
)

// ComputeRequest carries everything the totals service prices against.
type ComputeRequest struct {
	Cart         domain.CartSnapshot
	DeliveryType domain.DeliveryType
	Quote        *domain.DeliveryQuote
	DiscountCode string
}

// Service computes the authoritative price breakdown. The checkout core never
// displays a total it did not just receive from this boundary.
type Service interface {
	ComputeTotals(ctx context.Context, req ComputeRequest) (domain.PriceBreakdown, error)
}

// HTTPClientConfig configures the totals service HTTP client.
type HTTPClientConfig struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

// HTTPClient implements Service against the totals endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewHTTPClient constructs an HTTPClient validating required configuration.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("totals: base url is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultComputeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &HTTPClient{baseURL: baseURL, client: client, timeout: timeout, logger: logger}, nil
}

type computeRequestPayload struct {
	CartID       string `json:"cartId"`
	DeliveryType string `json:"deliveryType"`
	QuoteID      string `json:"quoteId,omitempty"`
	QuoteFee     *int64 `json:"quoteFee,omitempty"`
	DiscountCode string `json:"discountCode,omitempty"`
}

// The endpoint reports decimal major-unit strings for display plus exact
// minor-unit integers; the client trusts the minor units and checks the
// arithmetic invariant before accepting the breakdown.
type computeResponsePayload struct {
	Currency     string `json:"currency"`
	Subtotal     int64  `json:"subtotalMinor"`
	Discount     int64  `json:"discountMinor"`
	DiscountCode string `json:"discountCode"`
	Tax          int64  `json:"taxMinor"`
	DeliveryFee  int64  `json:"deliveryFeeMinor"`
	Total        int64  `json:"totalMinor"`
}

// ComputeTotals posts the pricing context and returns the validated breakdown.
func (c *HTTPClient) ComputeTotals(ctx context.Context, req ComputeRequest) (domain.PriceBreakdown, error) {
	if c == nil {
		return domain.PriceBreakdown{}, ErrTotalsUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := computeRequestPayload{
		CartID:       req.Cart.ID,
		DeliveryType: string(req.DeliveryType),
		DiscountCode: strings.TrimSpace(req.DiscountCode),
	}
	if req.Quote != nil {
		payload.QuoteID = req.Quote.QuoteID
		fee := req.Quote.FeeMinorUnits
		payload.QuoteFee = &fee
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("totals: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/totals", bytes.NewReader(body))
	if err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("totals: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger(ctx, "totals.unreachable", map[string]any{"error": err.Error()})
		return domain.PriceBreakdown{}, fmt.Errorf("%w: %v", ErrTotalsUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: status %d", ErrTotalsUnavailable, resp.StatusCode)
	}

	var decoded computeResponsePayload
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: decode response: %v", ErrTotalsUnavailable, err)
	}

	breakdown := domain.PriceBreakdown{
		Currency:     strings.ToUpper(strings.TrimSpace(decoded.Currency)),
		Subtotal:     decoded.Subtotal,
		Discount:     decoded.Discount,
		DiscountCode: strings.TrimSpace(decoded.DiscountCode),
		Tax:          decoded.Tax,
		DeliveryFee:  decoded.DeliveryFee,
		Total:        decoded.Total,
	}
	if err := breakdown.Validate(); err != nil {
		c.logger(ctx, "totals.invalid_breakdown", map[string]any{"error": err.Error()})
		return domain.PriceBreakdown{}, fmt.Errorf("%w: %v", ErrTotalsInvalid, err)
	}
	return breakdown, nil
}
