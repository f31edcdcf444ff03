package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	newFunc     func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	updateFunc  func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	confirmFunc func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	cancelFunc  func(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	getFunc     func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.newFunc(params)
}

func (s *stubIntentAPI) Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.updateFunc(id, params)
}

func (s *stubIntentAPI) Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return s.confirmFunc(id, params)
}

func (s *stubIntentAPI) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return s.cancelFunc(id, params)
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.getFunc(id, params)
}

func newTestStripeProvider(t *testing.T, api *stubIntentAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		Intents: api,
		Clock:   func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return provider
}

func TestStripeProviderCreateSession(t *testing.T) {
	var gotParams *stripe.PaymentIntentParams
	api := &stubIntentAPI{
		newFunc: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			gotParams = params
			return &stripe.PaymentIntent{
				ID:           "pi_123",
				ClientSecret: "pi_123_secret",
				Amount:       5367,
				Currency:     "usd",
				Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
			}, nil
		},
	}
	provider := newTestStripeProvider(t, api)

	session, err := provider.CreateSession(context.Background(), SessionRequest{
		Amount:             5367,
		Currency:           "USD",
		ContextFingerprint: "delivery|dq_1",
		IdempotencyKey:     "chk_1|delivery|dq_1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if session.ID != "pi_123" || session.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected session %#v", session)
	}
	if session.Amount != 5367 || session.Currency != "USD" {
		t.Fatalf("unexpected amount/currency %d %s", session.Amount, session.Currency)
	}
	if gotParams == nil || *gotParams.Amount != 5367 {
		t.Fatalf("expected amount forwarded to stripe")
	}
	if *gotParams.Currency != "usd" {
		t.Fatalf("expected lowercase currency, got %s", *gotParams.Currency)
	}
	if gotParams.Metadata["delivery_context"] != "delivery|dq_1" {
		t.Fatalf("expected delivery context in metadata, got %#v", gotParams.Metadata)
	}
}

func TestStripeProviderConfirmCarriesBillingDetails(t *testing.T) {
	var gotParams *stripe.PaymentIntentConfirmParams
	api := &stubIntentAPI{
		confirmFunc: func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			gotParams = params
			return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded}, nil
		},
	}
	provider := newTestStripeProvider(t, api)

	result, err := provider.Confirm(context.Background(), ConfirmRequest{
		SessionID:       "pi_123",
		PaymentMethodID: "pm_wallet",
		Billing: BillingDetails{
			Name:  "Ada Lovelace",
			Email: "ada@example.com",
			Phone: "+15551234567",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != StatusSucceeded || result.PaymentReference != "pi_123" {
		t.Fatalf("unexpected result %#v", result)
	}
	if *gotParams.PaymentMethod != "pm_wallet" {
		t.Fatalf("expected wallet payment method forwarded")
	}
	if gotParams.ReceiptEmail == nil || *gotParams.ReceiptEmail != "ada@example.com" {
		t.Fatalf("expected receipt email set from billing details")
	}
	if gotParams.Metadata["billing_name"] != "Ada Lovelace" || gotParams.Metadata["billing_phone"] != "+15551234567" {
		t.Fatalf("expected billing details in metadata, got %#v", gotParams.Metadata)
	}
}

func TestStripeProviderConfirmMapsRequiresAction(t *testing.T) {
	api := &stubIntentAPI{
		confirmFunc: func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusRequiresAction}, nil
		},
	}
	provider := newTestStripeProvider(t, api)

	result, err := provider.Confirm(context.Background(), ConfirmRequest{SessionID: "pi_123", PaymentMethodID: "pm_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusRequiresAction {
		t.Fatalf("expected requires_action, got %s", result.Status)
	}
}

func TestStripeProviderConfirmCardDecline(t *testing.T) {
	api := &stubIntentAPI{
		confirmFunc: func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			return nil, &stripe.Error{
				Type: stripe.ErrorTypeCard,
				Code: stripe.ErrorCodeCardDeclined,
				Msg:  "Your card was declined.",
			}
		},
	}
	provider := newTestStripeProvider(t, api)

	result, err := provider.Confirm(context.Background(), ConfirmRequest{SessionID: "pi_123", PaymentMethodID: "pm_1"})
	if err != nil {
		t.Fatalf("expected decline to be a normal result, got error %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if result.DeclineMessage == "" {
		t.Fatalf("expected decline message surfaced")
	}
}

func TestStripeProviderUpdateSessionAmount(t *testing.T) {
	var gotAmount int64
	api := &stubIntentAPI{
		updateFunc: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			gotAmount = *params.Amount
			return &stripe.PaymentIntent{ID: id, Amount: *params.Amount, Currency: "usd"}, nil
		},
	}
	provider := newTestStripeProvider(t, api)

	session, err := provider.UpdateSessionAmount(context.Background(), UpdateAmountRequest{SessionID: "pi_123", Amount: 3690})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAmount != 3690 || session.Amount != 3690 {
		t.Fatalf("expected amount 3690 forwarded, got %d/%d", gotAmount, session.Amount)
	}
}
