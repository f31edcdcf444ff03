package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/quotes"
)

type stubBooker struct {
	bookings []quotes.BookingRequest
	err      error
}

func (b *stubBooker) BookDelivery(ctx context.Context, req quotes.BookingRequest) (quotes.BookingConfirmation, error) {
	b.bookings = append(b.bookings, req)
	if b.err != nil {
		return quotes.BookingConfirmation{}, b.err
	}
	return quotes.BookingConfirmation{TrackingURL: "https://track.example.com/" + req.QuoteID, ETAMinutes: 35}, nil
}

type stubPublisher struct {
	published []domain.Order
	err       error
}

func (p *stubPublisher) PublishOrderPlaced(ctx context.Context, order domain.Order) error {
	p.published = append(p.published, order)
	return p.err
}

type failingOrderRepo struct {
	stubOrderRepo
}

func (r *failingOrderRepo) CreateIfAbsent(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	return domain.Order{}, false, fmt.Errorf("firestore write failed")
}

func deliveryIntent() domain.OrderIntent {
	addr := domain.Address{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704"}
	return domain.OrderIntent{
		CheckoutID:   "chk_1",
		UserID:       "user-1",
		DeliveryType: domain.DeliveryTypeDelivery,
		Address:      &addr,
		Customer:     domain.CustomerInfo{Name: "Ada Lovelace", Email: "ada@example.com"},
		Quote:        &domain.DeliveryQuote{QuoteID: "dq_1", FeeMinorUnits: 799},
		Breakdown: domain.PriceBreakdown{
			Currency:    "USD",
			Subtotal:    4200,
			Tax:         368,
			DeliveryFee: 799,
			Total:       5367,
		},
	}
}

func newTestFinalizer(t *testing.T, orders *stubOrderRepo, carts *stubCartRepo, booker *stubBooker, publisher *stubPublisher) *OrderFinalizer {
	t.Helper()
	f, err := NewOrderFinalizer(OrderFinalizerDeps{
		Orders:    orders,
		Carts:     carts,
		Booker:    booker,
		Publisher: publisher,
	})
	if err != nil {
		t.Fatalf("new order finalizer: %v", err)
	}
	return f
}

func TestFinalizeCreatesOrderBooksDeliveryAndClearsCart(t *testing.T) {
	orders := &stubOrderRepo{}
	carts := &stubCartRepo{}
	booker := &stubBooker{}
	publisher := &stubPublisher{}
	finalizer := newTestFinalizer(t, orders, carts, booker, publisher)

	order, err := finalizer.Finalize(context.Background(), deliveryIntent(), "pi_123")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if order.ID == "" || order.PaymentReference != "pi_123" {
		t.Fatalf("unexpected order %#v", order)
	}
	if order.QuoteID != "dq_1" || order.DeliveryFee != 799 {
		t.Fatalf("expected quote carried onto the order, got %#v", order)
	}
	if order.TrackingURL != "https://track.example.com/dq_1" {
		t.Fatalf("expected tracking url from booking, got %q", order.TrackingURL)
	}
	if len(booker.bookings) != 1 || booker.bookings[0].QuoteID != "dq_1" {
		t.Fatalf("expected delivery booked against locked quote, got %v", booker.bookings)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected order placed event published")
	}
	if len(carts.cleared) != 1 || carts.cleared[0] != "user-1" {
		t.Fatalf("expected cart cleared for user, got %v", carts.cleared)
	}
}

func TestFinalizeIsIdempotentPerPaymentReference(t *testing.T) {
	orders := &stubOrderRepo{}
	carts := &stubCartRepo{}
	booker := &stubBooker{}
	finalizer := newTestFinalizer(t, orders, carts, booker, &stubPublisher{})
	ctx := context.Background()

	first, err := finalizer.Finalize(ctx, deliveryIntent(), "pi_123")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	second, err := finalizer.Finalize(ctx, deliveryIntent(), "pi_123")
	if err != nil {
		t.Fatalf("finalize replay: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("replay created a second order: %s vs %s", first.ID, second.ID)
	}
	if len(orders.orders) != 1 {
		t.Fatalf("expected exactly one order record, got %d", len(orders.orders))
	}
	if len(booker.bookings) != 1 {
		t.Fatalf("replay must not re-book the delivery, got %d bookings", len(booker.bookings))
	}
}

func TestFinalizeBookingFailureStillRecordsOrder(t *testing.T) {
	orders := &stubOrderRepo{}
	booker := &stubBooker{err: fmt.Errorf("courier api timeout")}
	finalizer := newTestFinalizer(t, orders, &stubCartRepo{}, booker, &stubPublisher{})

	order, err := finalizer.Finalize(context.Background(), deliveryIntent(), "pi_123")
	if err != nil {
		t.Fatalf("booking failure must not block the order: %v", err)
	}
	if order.TrackingURL != "" {
		t.Fatalf("expected empty tracking url after failed booking")
	}
	if len(orders.orders) != 1 {
		t.Fatalf("expected order recorded despite booking failure")
	}
}

func TestFinalizePersistFailureIsFinalizationError(t *testing.T) {
	failing, err := NewOrderFinalizer(OrderFinalizerDeps{
		Orders: &failingOrderRepo{},
		Carts:  &stubCartRepo{},
	})
	if err != nil {
		t.Fatalf("new order finalizer: %v", err)
	}

	_, err = failing.Finalize(context.Background(), deliveryIntent(), "pi_123")
	var finalErr *FinalizationError
	if !errors.As(err, &finalErr) {
		t.Fatalf("expected finalization error, got %v", err)
	}
	if finalErr.PaymentReference != "pi_123" {
		t.Fatalf("expected payment reference preserved, got %q", finalErr.PaymentReference)
	}
}

func TestFinalizePickupSkipsBooking(t *testing.T) {
	booker := &stubBooker{}
	finalizer := newTestFinalizer(t, &stubOrderRepo{}, &stubCartRepo{}, booker, &stubPublisher{})

	intent := deliveryIntent()
	intent.DeliveryType = domain.DeliveryTypePickup
	intent.Quote = nil
	intent.Breakdown = domain.PriceBreakdown{Currency: "USD", Subtotal: 4200, Tax: 330, Total: 4530}

	order, err := finalizer.Finalize(context.Background(), intent, "pi_456")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(booker.bookings) != 0 {
		t.Fatalf("pickup must not book a delivery")
	}
	if order.QuoteID != "" || order.DeliveryFee != 0 {
		t.Fatalf("pickup order must carry no quote, got %#v", order)
	}
}
