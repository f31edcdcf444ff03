package services

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/payments"
	"github.com/pantryline/checkout-api/internal/platform/pagination"
	"github.com/pantryline/checkout-api/internal/quotes"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutNotFound indicates no checkout exists for the supplied identifier.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrCheckoutCartEmpty indicates the cart has nothing purchasable.
	ErrCheckoutCartEmpty = errors.New("checkout: cart is empty")
	// ErrQuotePending indicates a delivery quote fetch is still in flight.
	ErrQuotePending = errors.New("checkout: delivery quote pending")
	// ErrQuoteRequired indicates delivery was selected but no quote is locked yet.
	ErrQuoteRequired = errors.New("checkout: delivery quote required")
	// ErrSessionNotFound indicates no payment session exists for the checkout.
	ErrSessionNotFound = errors.New("checkout: payment session not found")
	// ErrBillingDetailsMissing indicates a wallet confirmation arrived without payer contact details.
	ErrBillingDetailsMissing = errors.New("checkout: billing details missing")
	// ErrOrderNotFound indicates the order lookup matched nothing.
	ErrOrderNotFound = errors.New("checkout: order not found")
)

// FinalizationError reports an order that could not be recorded after the
// payment already settled. It must never be folded into a generic payment
// failure: the customer was charged and support needs the payment reference.
type FinalizationError struct {
	PaymentReference string
	Err              error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("checkout: order finalization failed for payment %s: %v", e.PaymentReference, e.Err)
}

func (e *FinalizationError) Unwrap() error {
	return e.Err
}

// StartCheckoutCommand opens a checkout attempt over the user's current cart.
type StartCheckoutCommand struct {
	UserID string
}

// SetAddressCommand records the address form contents after an edit.
type SetAddressCommand struct {
	CheckoutID string
	Address    domain.Address
}

// SetDeliveryTypeCommand switches the checkout between pickup and delivery.
type SetDeliveryTypeCommand struct {
	CheckoutID   string
	DeliveryType domain.DeliveryType
}

// ApplyDiscountCommand applies or clears a discount code.
type ApplyDiscountCommand struct {
	CheckoutID   string
	DiscountCode string
}

// SetCustomerInfoCommand records the contact details from the checkout form.
type SetCustomerInfoCommand struct {
	CheckoutID string
	Customer   domain.CustomerInfo
}

// ConfirmGuidedCommand confirms via the in-form card flow. Billing details
// come from the customer info already captured on the checkout.
type ConfirmGuidedCommand struct {
	CheckoutID      string
	PaymentMethodID string
	ReturnURL       string
}

// ConfirmWalletCommand confirms via an express wallet sheet. The wallet is the
// source of truth for payer contact details, so they arrive on the command and
// are forwarded to the processor verbatim.
type ConfirmWalletCommand struct {
	CheckoutID      string
	PaymentMethodID string
	Billing         payments.BillingDetails
}

// ConfirmationResult is the normalised outcome both confirmation paths
// converge on before it reaches the transport layer.
type ConfirmationResult struct {
	Status           payments.Status
	OrderID          string
	TrackingURL      string
	PaymentReference string
	DeclineMessage   string
	// RedirectToGuided is set when a wallet confirmation needs a step-up
	// challenge the sheet cannot host; the client should fail the sheet and
	// steer the user to the guided form.
	RedirectToGuided bool
}

// CheckoutState is the read model returned to clients polling the checkout.
type CheckoutState struct {
	CheckoutID   string
	UserID       string
	Cart         domain.CartSnapshot
	DeliveryType domain.DeliveryType
	Address      *domain.Address
	Customer     domain.CustomerInfo
	DiscountCode string
	QuoteState   domain.QuoteLockState
	Quote        *domain.DeliveryQuote
	QuoteError   string
	Breakdown    *domain.PriceBreakdown
	Session      *domain.PaymentSession
	OrderID      string
}

// CheckoutService orchestrates pricing, quote locking, payment sessions, and
// order finalization for one checkout attempt at a time per checkout id.
type CheckoutService interface {
	StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutState, error)
	SetAddress(ctx context.Context, cmd SetAddressCommand) (CheckoutState, error)
	RefocusAddressField(ctx context.Context, checkoutID string) (CheckoutState, error)
	SetDeliveryType(ctx context.Context, cmd SetDeliveryTypeCommand) (CheckoutState, error)
	ApplyDiscount(ctx context.Context, cmd ApplyDiscountCommand) (CheckoutState, error)
	SetCustomerInfo(ctx context.Context, cmd SetCustomerInfoCommand) (CheckoutState, error)
	Totals(ctx context.Context, checkoutID string) (domain.PriceBreakdown, error)
	EnsureSession(ctx context.Context, checkoutID string) (domain.PaymentSession, error)
	SyncSessionAmount(ctx context.Context, checkoutID string) (domain.PaymentSession, error)
	ConfirmGuided(ctx context.Context, cmd ConfirmGuidedCommand) (ConfirmationResult, error)
	ConfirmWallet(ctx context.Context, cmd ConfirmWalletCommand) (ConfirmationResult, error)
	State(ctx context.Context, checkoutID string) (CheckoutState, error)
	Order(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, userID string, params pagination.Params) ([]domain.Order, string, error)

	// HandleQuoteEvent receives lock transitions from the quote manager.
	HandleQuoteEvent(ctx context.Context, ev quotes.Event)
}
