package quotes

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

const defaultProviderTimeout = 5 * time.Second

// HTTPProviderConfig configures the delivery-quote HTTP client.
type HTTPProviderConfig struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Timeout time.Duration
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

// HTTPProvider implements Provider against the delivery partner's quote API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	clock   func() time.Time
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewHTTPProvider constructs an HTTPProvider validating required configuration.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("quotes: base url is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  client,
		timeout: timeout,
		clock:   func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

type quoteRequestPayload struct {
	ExternalID string `json:"externalId,omitempty"`
	Street     string `json:"street"`
	Unit       string `json:"unit,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	Zip        string `json:"zip"`
}

type quoteResponsePayload struct {
	QuoteID    string `json:"quoteId"`
	Fee        int64  `json:"fee"`
	ETAMinutes int    `json:"etaMinutes"`
	Error      string `json:"error"`
}

// FetchQuote requests a quote for the supplied address with a bounded timeout.
func (p *HTTPProvider) FetchQuote(ctx context.Context, req QuoteRequest) (domain.DeliveryQuote, error) {
	if p == nil {
		return domain.DeliveryQuote{}, ErrQuoteUnavailable
	}
	if !req.Address.Complete() {
		return domain.DeliveryQuote{}, ErrQuoteInvalidInput
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload := quoteRequestPayload{
		ExternalID: strings.TrimSpace(req.ExternalID),
		Street:     strings.TrimSpace(req.Address.Street),
		Unit:       strings.TrimSpace(req.Address.Unit),
		City:       strings.TrimSpace(req.Address.City),
		State:      strings.TrimSpace(req.Address.State),
		Zip:        strings.TrimSpace(req.Address.Zip),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryQuote{}, fmt.Errorf("quotes: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/quotes", bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryQuote{}, fmt.Errorf("quotes: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger(ctx, "quotes.provider_unreachable", map[string]any{"error": err.Error()})
		return domain.DeliveryQuote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	var decoded quoteResponsePayload
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode == http.StatusOK {
		return domain.DeliveryQuote{}, fmt.Errorf("%w: decode response: %v", ErrQuoteUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return domain.DeliveryQuote{}, fmt.Errorf("%w: %s", ErrQuoteOutOfRange, decoded.Error)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.DeliveryQuote{}, fmt.Errorf("%w: status %d", ErrQuoteInvalidInput, resp.StatusCode)
	default:
		return domain.DeliveryQuote{}, fmt.Errorf("%w: status %d", ErrQuoteUnavailable, resp.StatusCode)
	}

	if strings.TrimSpace(decoded.QuoteID) == "" || decoded.Fee < 0 {
		return domain.DeliveryQuote{}, fmt.Errorf("%w: malformed quote", ErrQuoteUnavailable)
	}

	quote := domain.DeliveryQuote{
		QuoteID:            decoded.QuoteID,
		FeeMinorUnits:      decoded.Fee,
		ETAMinutes:         decoded.ETAMinutes,
		AddressFingerprint: domain.AddressFingerprint(req.Address),
		CreatedAt:          p.clock(),
	}
	p.logger(ctx, "quotes.fetched", map[string]any{
		"quoteId": quote.QuoteID,
		"fee":     quote.FeeMinorUnits,
		"etaMin":  quote.ETAMinutes,
	})
	return quote, nil
}
