package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Intents   stripePaymentIntentAPI
}

// StripeProvider implements the Provider interface on Stripe Payment Intents.
// A Session maps one-to-one onto a payment intent: the intent id doubles as
// the session id and later as the order idempotency reference.
type StripeProvider struct {
	intents stripePaymentIntentAPI
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateSession opens a payment intent bound to the supplied amount.
func (p *StripeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if p == nil {
		return Session{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Session{}, errors.New("stripe: session amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.Metadata = make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if fp := strings.TrimSpace(req.ContextFingerprint); fp != "" {
		params.Metadata["delivery_context"] = fp
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return p.session(intent), nil
}

// UpdateSessionAmount moves an open intent to the latest authoritative total.
func (p *StripeProvider) UpdateSessionAmount(ctx context.Context, req UpdateAmountRequest) (Session, error) {
	if p == nil {
		return Session{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Session{}, errors.New("stripe: session amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount: stripe.Int64(req.Amount),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	intent, err := p.intents.Update(req.SessionID, params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: update payment intent amount: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.amount_updated", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
	})

	return p.session(intent), nil
}

// Confirm submits the payment method against the intent. Billing details are
// always forwarded when present: receipt email on the intent itself, the full
// payer contact in metadata. Dropping them silently produces declines that
// masquerade as downstream server errors, so their absence is treated as a
// caller bug upstream, not smoothed over here.
func (p *StripeProvider) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	if p == nil {
		return ConfirmResult{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return ConfirmResult{}, errors.New("stripe: payment method is required")
	}

	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(req.PaymentMethodID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if url := strings.TrimSpace(req.ReturnURL); url != "" {
		params.ReturnURL = stripe.String(url)
	}
	if email := strings.TrimSpace(req.Billing.Email); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	params.Metadata = make(map[string]string, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	setMetadata(params.Metadata, "billing_name", req.Billing.Name)
	setMetadata(params.Metadata, "billing_email", req.Billing.Email)
	setMetadata(params.Metadata, "billing_phone", req.Billing.Phone)

	intent, err := p.intents.Confirm(req.SessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			p.logger(ctx, "payments.stripe.intent.declined", map[string]any{
				"paymentIntent": req.SessionID,
				"code":          stripeErr.Code,
			})
			return ConfirmResult{
				Status:           StatusFailed,
				PaymentReference: req.SessionID,
				DeclineMessage:   stripeErr.Msg,
			}, nil
		}
		return ConfirmResult{}, fmt.Errorf("stripe: confirm payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return stripeConfirmResult(intent), nil
}

// CancelSession abandons an intent that is being replaced.
func (p *StripeProvider) CancelSession(ctx context.Context, req CancelRequest) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if _, err := p.intents.Cancel(req.SessionID, params); err != nil {
		return fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.session.cancelled", map[string]any{
		"paymentIntent": req.SessionID,
	})
	return nil
}

// LookupSession retrieves the intent's current confirmation state.
func (p *StripeProvider) LookupSession(ctx context.Context, sessionID string) (ConfirmResult, error) {
	if p == nil {
		return ConfirmResult{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.intents.Get(sessionID, params)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripeConfirmResult(intent), nil
}

func (p *StripeProvider) session(intent *stripe.PaymentIntent) Session {
	return Session{
		ID:           intent.ID,
		Provider:     "stripe",
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		CreatedAt:    p.clock(),
		Raw:          rawIntent(intent),
	}
}

func stripeConfirmResult(intent *stripe.PaymentIntent) ConfirmResult {
	if intent == nil {
		return ConfirmResult{Status: StatusFailed}
	}

	status := StatusFailed
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusProcessing:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		status = StatusRequiresAction
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	message := ""
	if intent.LastPaymentError != nil {
		message = intent.LastPaymentError.Msg
	}

	return ConfirmResult{
		Status:           status,
		PaymentReference: intent.ID,
		DeclineMessage:   message,
		Raw:              rawIntent(intent),
	}
}

func rawIntent(intent *stripe.PaymentIntent) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}
	return raw
}

func setMetadata(meta map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		meta[key] = v
	}
}
