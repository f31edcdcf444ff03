package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/quotes"
	"github.com/pantryline/checkout-api/internal/repositories"
)

const orderIDPrefix = "ord_"

// DeliveryBooker schedules courier deliveries against previously locked quotes.
type DeliveryBooker interface {
	BookDelivery(ctx context.Context, req quotes.BookingRequest) (quotes.BookingConfirmation, error)
}

// OrderEventsPublisher announces placed orders to downstream consumers.
type OrderEventsPublisher interface {
	PublishOrderPlaced(ctx context.Context, order domain.Order) error
}

// OrderFinalizerDeps wires the dependencies required by the order finalizer.
type OrderFinalizerDeps struct {
	Orders    repositories.OrderRepository
	Carts     repositories.CartRepository
	Booker    DeliveryBooker
	Publisher OrderEventsPublisher
	IDGen     func() string
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// OrderFinalizer turns a succeeded payment into exactly one order record. The
// payment reference is the idempotency key: replays of the same confirmation
// return the order created the first time.
type OrderFinalizer struct {
	orders    repositories.OrderRepository
	carts     repositories.CartRepository
	booker    DeliveryBooker
	publisher OrderEventsPublisher
	idGen     func() string
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewOrderFinalizer constructs an OrderFinalizer validating required dependencies.
func NewOrderFinalizer(deps OrderFinalizerDeps) (*OrderFinalizer, error) {
	if deps.Orders == nil {
		return nil, errors.New("order finalizer: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order finalizer: cart repository is required")
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return orderIDPrefix + ulid.Make().String() }
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OrderFinalizer{
		orders:    deps.Orders,
		carts:     deps.Carts,
		booker:    deps.Booker,
		publisher: deps.Publisher,
		idGen:     idGen,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Finalize records the order for a settled payment. Failures here are wrapped
// in FinalizationError so callers never report them as payment declines.
func (f *OrderFinalizer) Finalize(ctx context.Context, intent domain.OrderIntent, paymentReference string) (domain.Order, error) {
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return domain.Order{}, ErrCheckoutInvalidInput
	}

	if existing, err := f.orders.FindByPaymentReference(ctx, paymentReference); err == nil {
		f.logger(ctx, "checkout.finalize.replayed", map[string]any{
			"orderId":          existing.ID,
			"paymentReference": paymentReference,
		})
		return existing, nil
	} else if !isNotFound(err) {
		return domain.Order{}, &FinalizationError{PaymentReference: paymentReference, Err: err}
	}

	order := domain.Order{
		ID:               f.idGen(),
		UserID:           intent.UserID,
		PaymentReference: paymentReference,
		DeliveryType:     intent.DeliveryType,
		Address:          intent.Address,
		Customer:         intent.Customer,
		DiscountCode:     intent.DiscountCode,
		Breakdown:        intent.Breakdown,
		CreatedAt:        f.now(),
	}
	if intent.Quote != nil {
		order.QuoteID = intent.Quote.QuoteID
		order.DeliveryFee = intent.Quote.FeeMinorUnits
	}

	// Booking failures do not block the order record: the payment settled and
	// the quote stays bookable, so dispatch retries against the stored quote id.
	if f.booker != nil && intent.DeliveryType == domain.DeliveryTypeDelivery && intent.Quote != nil && intent.Address != nil {
		confirmation, err := f.booker.BookDelivery(ctx, quotes.BookingRequest{
			OrderID:  order.ID,
			QuoteID:  intent.Quote.QuoteID,
			Address:  *intent.Address,
			Customer: intent.Customer,
		})
		if err != nil {
			f.logger(ctx, "checkout.finalize.booking_failed", map[string]any{
				"orderId": order.ID,
				"quoteId": intent.Quote.QuoteID,
				"error":   err.Error(),
			})
		} else {
			order.TrackingURL = confirmation.TrackingURL
		}
	}

	saved, created, err := f.orders.CreateIfAbsent(ctx, order)
	if err != nil {
		return domain.Order{}, &FinalizationError{PaymentReference: paymentReference, Err: err}
	}
	if !created {
		f.logger(ctx, "checkout.finalize.lost_race", map[string]any{
			"orderId":          saved.ID,
			"paymentReference": paymentReference,
		})
		return saved, nil
	}

	f.logger(ctx, "checkout.finalize.order_created", map[string]any{
		"orderId":          saved.ID,
		"paymentReference": paymentReference,
		"total":            saved.Breakdown.Total,
	})

	if f.publisher != nil {
		if err := f.publisher.PublishOrderPlaced(ctx, saved); err != nil {
			f.logger(ctx, "checkout.finalize.publish_failed", map[string]any{
				"orderId": saved.ID,
				"error":   err.Error(),
			})
		}
	}

	// Best effort: an unemptied cart is an annoyance, not a correctness issue.
	if err := f.carts.ClearCart(ctx, intent.UserID); err != nil {
		f.logger(ctx, "checkout.finalize.cart_clear_failed", map[string]any{
			"orderId": saved.ID,
			"userId":  intent.UserID,
			"error":   err.Error(),
		})
	}

	return saved, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
