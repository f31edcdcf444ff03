package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/payments"
	"github.com/pantryline/checkout-api/internal/platform/pagination"
	"github.com/pantryline/checkout-api/internal/quotes"
	"github.com/pantryline/checkout-api/internal/totals"
)

type notFoundError struct{ msg string }

func (e notFoundError) Error() string       { return e.msg }
func (e notFoundError) IsNotFound() bool    { return true }
func (e notFoundError) IsConflict() bool    { return false }
func (e notFoundError) IsUnavailable() bool { return false }

type stubCartRepo struct {
	cart    domain.CartSnapshot
	err     error
	cleared []string
}

func (r *stubCartRepo) GetCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	if r.err != nil {
		return domain.CartSnapshot{}, r.err
	}
	return r.cart, nil
}

func (r *stubCartRepo) ClearCart(ctx context.Context, userID string) error {
	r.cleared = append(r.cleared, userID)
	return nil
}

type stubOrderRepo struct {
	orders map[string]domain.Order
}

func (r *stubOrderRepo) CreateIfAbsent(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	if r.orders == nil {
		r.orders = make(map[string]domain.Order)
	}
	if existing, ok := r.orders[order.PaymentReference]; ok {
		return existing, false, nil
	}
	r.orders[order.PaymentReference] = order
	return order, true, nil
}

func (r *stubOrderRepo) FindByPaymentReference(ctx context.Context, ref string) (domain.Order, error) {
	if order, ok := r.orders[ref]; ok {
		return order, nil
	}
	return domain.Order{}, notFoundError{msg: "order not found"}
}

func (r *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	for _, order := range r.orders {
		if order.ID == orderID {
			return order, nil
		}
	}
	return domain.Order{}, notFoundError{msg: "order not found"}
}

func (r *stubOrderRepo) ListByUser(ctx context.Context, userID string, params pagination.Params) ([]domain.Order, string, error) {
	var out []domain.Order
	for _, order := range r.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	return out, "", nil
}

type stubQuotes struct {
	snapshotFunc func() quotes.Snapshot
	revisionFunc func() uint64
	addressEdits int
	refocuses    int
	typeChanges  []domain.DeliveryType
	resets       int
}

func (q *stubQuotes) AddressEdited(ctx context.Context, checkoutID string, addr domain.Address) {
	q.addressEdits++
}

func (q *stubQuotes) FieldRefocused(ctx context.Context, checkoutID string) {
	q.refocuses++
}

func (q *stubQuotes) DeliveryTypeChanged(ctx context.Context, checkoutID string, dt domain.DeliveryType) {
	q.typeChanges = append(q.typeChanges, dt)
}

func (q *stubQuotes) Snapshot(checkoutID string) quotes.Snapshot {
	if q.snapshotFunc != nil {
		return q.snapshotFunc()
	}
	return quotes.Snapshot{State: domain.QuoteUnlocked}
}

func (q *stubQuotes) Revision(checkoutID string) uint64 {
	if q.revisionFunc != nil {
		return q.revisionFunc()
	}
	return q.Snapshot(checkoutID).Revision
}

func (q *stubQuotes) Reset(checkoutID string) { q.resets++ }

type stubTotals struct {
	breakdown domain.PriceBreakdown
	err       error
	requests  []totals.ComputeRequest
}

func (t *stubTotals) ComputeTotals(ctx context.Context, req totals.ComputeRequest) (domain.PriceBreakdown, error) {
	t.requests = append(t.requests, req)
	if t.err != nil {
		return domain.PriceBreakdown{}, t.err
	}
	breakdown := t.breakdown
	if req.Quote != nil {
		breakdown.DeliveryFee = req.Quote.FeeMinorUnits
		breakdown.Total = breakdown.Subtotal - breakdown.Discount + breakdown.Tax + breakdown.DeliveryFee
	}
	return breakdown, nil
}

type stubSessions struct {
	specs   []SessionSpec
	current *domain.PaymentSession
	synced  []int64
	dropped int
	err     error
}

func (s *stubSessions) Ensure(ctx context.Context, spec SessionSpec) (domain.PaymentSession, error) {
	if s.err != nil {
		return domain.PaymentSession{}, s.err
	}
	s.specs = append(s.specs, spec)
	session := domain.PaymentSession{
		SessionID:          "pi_test",
		ClientSecret:       "pi_test_secret",
		AmountMinorUnits:   spec.Amount,
		Currency:           spec.Currency,
		ContextFingerprint: spec.ContextFingerprint,
	}
	s.current = &session
	return session, nil
}

func (s *stubSessions) SyncAmount(ctx context.Context, checkoutID string, amount int64) (domain.PaymentSession, error) {
	if s.current == nil {
		return domain.PaymentSession{}, ErrSessionNotFound
	}
	s.synced = append(s.synced, amount)
	s.current.AmountMinorUnits = amount
	return *s.current, nil
}

func (s *stubSessions) Current(checkoutID string) (domain.PaymentSession, bool) {
	if s.current == nil {
		return domain.PaymentSession{}, false
	}
	return *s.current, true
}

func (s *stubSessions) Drop(checkoutID string) { s.dropped++ }

type stubConfirmer struct {
	result   payments.ConfirmResult
	err      error
	requests []payments.ConfirmRequest
}

func (c *stubConfirmer) Confirm(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ConfirmRequest) (payments.ConfirmResult, error) {
	c.requests = append(c.requests, req)
	return c.result, c.err
}

type stubFinalizer struct {
	order   domain.Order
	err     error
	intents []domain.OrderIntent
	refs    []string
}

func (f *stubFinalizer) Finalize(ctx context.Context, intent domain.OrderIntent, ref string) (domain.Order, error) {
	f.intents = append(f.intents, intent)
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return domain.Order{}, f.err
	}
	order := f.order
	if order.ID == "" {
		order.ID = "ord_test"
	}
	order.PaymentReference = ref
	return order, nil
}

type checkoutFixture struct {
	service   CheckoutService
	carts     *stubCartRepo
	orders    *stubOrderRepo
	quotes    *stubQuotes
	totals    *stubTotals
	sessions  *stubSessions
	confirmer *stubConfirmer
	finalizer *stubFinalizer
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		carts: &stubCartRepo{cart: domain.CartSnapshot{
			ID:       "cart-1",
			UserID:   "user-1",
			Currency: "USD",
			Items: []domain.CartItem{
				{ProductID: "prod-1", Name: "Sourdough loaf", UnitPrice: 1400, Quantity: 3},
			},
		}},
		orders: &stubOrderRepo{},
		quotes: &stubQuotes{},
		totals: &stubTotals{breakdown: domain.PriceBreakdown{
			Currency: "USD",
			Subtotal: 4200,
			Discount: 420,
			Tax:      330,
			Total:    4110,
		}},
		sessions:  &stubSessions{},
		confirmer: &stubConfirmer{},
		finalizer: &stubFinalizer{},
	}

	service, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:     f.carts,
		Orders:    f.orders,
		Quotes:    f.quotes,
		Totals:    f.totals,
		Sessions:  f.sessions,
		Payments:  f.confirmer,
		Finalizer: f.finalizer,
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	f.service = service
	return f
}

func (f *checkoutFixture) start(t *testing.T) string {
	t.Helper()
	state, err := f.service.StartCheckout(context.Background(), StartCheckoutCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	return state.CheckoutID
}

func lockedQuote() *domain.DeliveryQuote {
	return &domain.DeliveryQuote{QuoteID: "dq_1", FeeMinorUnits: 799, ETAMinutes: 35}
}

func TestStartCheckoutSnapshotsCart(t *testing.T) {
	f := newCheckoutFixture(t)

	state, err := f.service.StartCheckout(context.Background(), StartCheckoutCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	if state.CheckoutID == "" {
		t.Fatalf("expected checkout id assigned")
	}
	if state.DeliveryType != domain.DeliveryTypePickup {
		t.Fatalf("expected pickup default, got %s", state.DeliveryType)
	}
	if state.Cart.Subtotal() != 4200 {
		t.Fatalf("unexpected cart subtotal %d", state.Cart.Subtotal())
	}
}

func TestStartCheckoutRejectsEmptyCart(t *testing.T) {
	f := newCheckoutFixture(t)
	f.carts.cart = domain.CartSnapshot{ID: "cart-1", UserID: "user-1"}

	_, err := f.service.StartCheckout(context.Background(), StartCheckoutCommand{UserID: "user-1"})
	if !errors.Is(err, ErrCheckoutCartEmpty) {
		t.Fatalf("expected empty cart error, got %v", err)
	}
}

func TestSetAddressDrivesQuoteMachineOnlyForDelivery(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)

	addr := domain.Address{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704"}
	if _, err := f.service.SetAddress(ctx, SetAddressCommand{CheckoutID: id, Address: addr}); err != nil {
		t.Fatalf("set address: %v", err)
	}
	if f.quotes.addressEdits != 0 {
		t.Fatalf("pickup address edit must not hit the quote machine")
	}

	if _, err := f.service.SetDeliveryType(ctx, SetDeliveryTypeCommand{CheckoutID: id, DeliveryType: domain.DeliveryTypeDelivery}); err != nil {
		t.Fatalf("set delivery type: %v", err)
	}
	if f.quotes.addressEdits != 1 {
		t.Fatalf("switching to delivery with a complete address should schedule a fetch, got %d edits", f.quotes.addressEdits)
	}

	if _, err := f.service.SetAddress(ctx, SetAddressCommand{CheckoutID: id, Address: addr}); err != nil {
		t.Fatalf("set address: %v", err)
	}
	if f.quotes.addressEdits != 2 {
		t.Fatalf("delivery address edit should hit the quote machine")
	}
}

func TestEnsureSessionRequiresSettledQuote(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	if _, err := f.service.SetDeliveryType(ctx, SetDeliveryTypeCommand{CheckoutID: id, DeliveryType: domain.DeliveryTypeDelivery}); err != nil {
		t.Fatalf("set delivery type: %v", err)
	}

	_, err := f.service.EnsureSession(ctx, id)
	if !errors.Is(err, ErrQuoteRequired) {
		t.Fatalf("expected quote required, got %v", err)
	}

	f.quotes.snapshotFunc = func() quotes.Snapshot {
		return quotes.Snapshot{State: domain.QuoteQuoting, Revision: 1}
	}
	_, err = f.service.EnsureSession(ctx, id)
	if !errors.Is(err, ErrQuotePending) {
		t.Fatalf("expected quote pending, got %v", err)
	}
}

func TestEnsureSessionBindsDeliveryContext(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	if _, err := f.service.SetDeliveryType(ctx, SetDeliveryTypeCommand{CheckoutID: id, DeliveryType: domain.DeliveryTypeDelivery}); err != nil {
		t.Fatalf("set delivery type: %v", err)
	}
	f.quotes.snapshotFunc = func() quotes.Snapshot {
		return quotes.Snapshot{State: domain.QuoteLocked, Quote: lockedQuote(), Revision: 2}
	}

	session, err := f.service.EnsureSession(ctx, id)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if session.ContextFingerprint != "delivery|dq_1" {
		t.Fatalf("unexpected fingerprint %q", session.ContextFingerprint)
	}
	if session.AmountMinorUnits != 4909 {
		t.Fatalf("expected total with delivery fee 4909, got %d", session.AmountMinorUnits)
	}
}

func TestEnsureSessionRecomputesWhenLockMoves(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	if _, err := f.service.SetDeliveryType(ctx, SetDeliveryTypeCommand{CheckoutID: id, DeliveryType: domain.DeliveryTypeDelivery}); err != nil {
		t.Fatalf("set delivery type: %v", err)
	}

	// The first pricing pass runs against revision 2; by the time it finishes
	// the lock has moved to revision 4 with a different quote, so the session
	// must bind to the later context.
	firstQuote := lockedQuote()
	secondQuote := &domain.DeliveryQuote{QuoteID: "dq_2", FeeMinorUnits: 1099}
	snapshots := []quotes.Snapshot{
		{State: domain.QuoteLocked, Quote: firstQuote, Revision: 2},
		{State: domain.QuoteLocked, Quote: secondQuote, Revision: 4},
	}
	f.quotes.snapshotFunc = func() quotes.Snapshot {
		snap := snapshots[0]
		if len(snapshots) > 1 {
			snapshots = snapshots[1:]
		}
		return snap
	}
	f.quotes.revisionFunc = func() uint64 { return 4 }

	session, err := f.service.EnsureSession(ctx, id)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if session.ContextFingerprint != "delivery|dq_2" {
		t.Fatalf("session bound to stale context: %q", session.ContextFingerprint)
	}
	if session.AmountMinorUnits != 4200-420+330+1099 {
		t.Fatalf("unexpected amount %d", session.AmountMinorUnits)
	}
}

func TestTotalsMarksEstimateWhileQuotePending(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	if _, err := f.service.SetDeliveryType(ctx, SetDeliveryTypeCommand{CheckoutID: id, DeliveryType: domain.DeliveryTypeDelivery}); err != nil {
		t.Fatalf("set delivery type: %v", err)
	}
	f.quotes.snapshotFunc = func() quotes.Snapshot {
		return quotes.Snapshot{State: domain.QuoteQuoting, Revision: 1}
	}

	breakdown, err := f.service.Totals(ctx, id)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !breakdown.Estimated {
		t.Fatalf("totals during quoting must be flagged as estimate")
	}
}

func TestTotalsFallsBackWhenServiceDown(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	f.totals.err = totals.ErrTotalsUnavailable

	breakdown, err := f.service.Totals(ctx, id)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !breakdown.Estimated {
		t.Fatalf("fallback breakdown must be flagged as estimate")
	}
	if breakdown.Subtotal != 4200 {
		t.Fatalf("expected locally recomputed subtotal, got %d", breakdown.Subtotal)
	}
}

func TestConfirmGuidedSuccessFinalizesOrder(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	if _, err := f.service.SetCustomerInfo(ctx, SetCustomerInfoCommand{
		CheckoutID: id,
		Customer:   domain.CustomerInfo{Name: "Ada Lovelace", Email: "ada@example.com", Phone: "+15551234567"},
	}); err != nil {
		t.Fatalf("set customer info: %v", err)
	}
	f.confirmer.result = payments.ConfirmResult{Status: payments.StatusSucceeded, PaymentReference: "pi_test"}
	f.finalizer.order = domain.Order{ID: "ord_1", TrackingURL: ""}

	result, err := f.service.ConfirmGuided(ctx, ConfirmGuidedCommand{CheckoutID: id, PaymentMethodID: "pm_card"})
	if err != nil {
		t.Fatalf("confirm guided: %v", err)
	}
	if result.Status != payments.StatusSucceeded || result.OrderID != "ord_1" {
		t.Fatalf("unexpected result %#v", result)
	}
	if len(f.finalizer.refs) != 1 || f.finalizer.refs[0] != "pi_test" {
		t.Fatalf("expected finalize keyed by payment reference, got %v", f.finalizer.refs)
	}
	if got := f.confirmer.requests[0].Billing.Email; got != "ada@example.com" {
		t.Fatalf("expected form contact forwarded as billing, got %q", got)
	}
	if f.sessions.dropped != 1 || f.quotes.resets != 1 {
		t.Fatalf("expected session dropped and quote state reset")
	}
}

func TestConfirmGuidedDeclineIsNormalOutcome(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	f.confirmer.result = payments.ConfirmResult{
		Status:           payments.StatusFailed,
		PaymentReference: "pi_test",
		DeclineMessage:   "Your card was declined.",
	}

	result, err := f.service.ConfirmGuided(ctx, ConfirmGuidedCommand{CheckoutID: id, PaymentMethodID: "pm_card"})
	if err != nil {
		t.Fatalf("decline must not be an error: %v", err)
	}
	if result.Status != payments.StatusFailed || result.DeclineMessage == "" {
		t.Fatalf("unexpected result %#v", result)
	}
	if len(f.finalizer.refs) != 0 {
		t.Fatalf("declined payment must not finalize an order")
	}
	if f.sessions.dropped != 0 {
		t.Fatalf("session must survive a decline for retry")
	}
}

func TestConfirmRetryWithNewInstrumentUsesFreshIdempotencyKey(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	f.confirmer.result = payments.ConfirmResult{
		Status:           payments.StatusFailed,
		PaymentReference: "pi_test",
		DeclineMessage:   "Your card was declined.",
	}

	if _, err := f.service.ConfirmGuided(ctx, ConfirmGuidedCommand{CheckoutID: id, PaymentMethodID: "pm_declined"}); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	f.confirmer.result = payments.ConfirmResult{Status: payments.StatusSucceeded, PaymentReference: "pi_test"}
	if _, err := f.service.ConfirmGuided(ctx, ConfirmGuidedCommand{CheckoutID: id, PaymentMethodID: "pm_other_card"}); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}

	if len(f.confirmer.requests) != 2 {
		t.Fatalf("expected two processor calls, got %d", len(f.confirmer.requests))
	}
	first, second := f.confirmer.requests[0], f.confirmer.requests[1]
	if first.SessionID != second.SessionID {
		t.Fatalf("retry after decline must reuse the session, got %q then %q", first.SessionID, second.SessionID)
	}
	if first.IdempotencyKey == second.IdempotencyKey {
		t.Fatalf("retry with a new instrument must not replay the declined attempt, key %q reused", first.IdempotencyKey)
	}
}

func TestConfirmRepeatWithSameInstrumentKeepsIdempotencyKey(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	f.confirmer.result = payments.ConfirmResult{
		Status:           payments.StatusFailed,
		PaymentReference: "pi_test",
		DeclineMessage:   "Your card was declined.",
	}

	// A double-submit of the same instrument on the surviving session must
	// hit the processor with the same key so it dedupes server-side.
	for i := 0; i < 2; i++ {
		if _, err := f.service.ConfirmGuided(ctx, ConfirmGuidedCommand{CheckoutID: id, PaymentMethodID: "pm_card"}); err != nil {
			t.Fatalf("confirm %d: %v", i+1, err)
		}
	}

	if len(f.confirmer.requests) != 2 {
		t.Fatalf("expected two processor calls, got %d", len(f.confirmer.requests))
	}
	if f.confirmer.requests[0].IdempotencyKey != f.confirmer.requests[1].IdempotencyKey {
		t.Fatalf("same session and instrument must reuse the idempotency key")
	}
}

func TestConfirmWalletRequiresBillingDetails(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)

	_, err := f.service.ConfirmWallet(ctx, ConfirmWalletCommand{CheckoutID: id, PaymentMethodID: "pm_wallet"})
	if !errors.Is(err, ErrBillingDetailsMissing) {
		t.Fatalf("expected billing details error, got %v", err)
	}
	if len(f.confirmer.requests) != 0 {
		t.Fatalf("confirmation must not reach the processor without billing details")
	}
}

func TestConfirmWalletForwardsSheetContact(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	f.confirmer.result = payments.ConfirmResult{Status: payments.StatusSucceeded, PaymentReference: "pi_test"}

	billing := payments.BillingDetails{Name: "Grace Hopper", Email: "grace@example.com", Phone: "+15550001111"}
	result, err := f.service.ConfirmWallet(ctx, ConfirmWalletCommand{
		CheckoutID:      id,
		PaymentMethodID: "pm_wallet",
		Billing:         billing,
	})
	if err != nil {
		t.Fatalf("confirm wallet: %v", err)
	}
	if result.Status != payments.StatusSucceeded {
		t.Fatalf("unexpected status %s", result.Status)
	}
	if got := f.confirmer.requests[0].Billing; got != billing {
		t.Fatalf("wallet billing not forwarded verbatim: %#v", got)
	}
	if got := f.finalizer.intents[0].Customer.Email; got != "grace@example.com" {
		t.Fatalf("wallet contact must become the order contact, got %q", got)
	}
}

func TestConfirmWalletStepUpRedirectsToGuided(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	f.confirmer.result = payments.ConfirmResult{Status: payments.StatusRequiresAction, PaymentReference: "pi_test"}

	result, err := f.service.ConfirmWallet(ctx, ConfirmWalletCommand{
		CheckoutID:      id,
		PaymentMethodID: "pm_wallet",
		Billing:         payments.BillingDetails{Email: "grace@example.com"},
	})
	if err != nil {
		t.Fatalf("confirm wallet: %v", err)
	}
	if result.Status != payments.StatusRequiresAction || !result.RedirectToGuided {
		t.Fatalf("expected redirect to guided path, got %#v", result)
	}
	if len(f.finalizer.refs) != 0 {
		t.Fatalf("step-up must not finalize an order")
	}
	if f.sessions.dropped != 0 {
		t.Fatalf("session must survive for the guided retry")
	}
}

func TestConfirmGuidedFinalizationFailureIsDistinct(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)
	f.confirmer.result = payments.ConfirmResult{Status: payments.StatusSucceeded, PaymentReference: "pi_test"}
	f.finalizer.err = &FinalizationError{PaymentReference: "pi_test", Err: fmt.Errorf("firestore write failed")}

	result, err := f.service.ConfirmGuided(ctx, ConfirmGuidedCommand{CheckoutID: id, PaymentMethodID: "pm_card"})
	var finalErr *FinalizationError
	if !errors.As(err, &finalErr) {
		t.Fatalf("expected finalization error, got %v", err)
	}
	if result.Status != payments.StatusSucceeded || result.PaymentReference != "pi_test" {
		t.Fatalf("payment success must stay visible alongside the failure, got %#v", result)
	}
}

func TestStateReflectsQuoteFailure(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	id := f.start(t)

	f.service.HandleQuoteEvent(ctx, quotes.Event{
		CheckoutID: id,
		Type:       quotes.EventFailed,
		Err:        fmt.Errorf("address outside delivery range"),
	})

	state, err := f.service.State(ctx, id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.QuoteError == "" {
		t.Fatalf("expected quote failure surfaced on state")
	}

	f.service.HandleQuoteEvent(ctx, quotes.Event{CheckoutID: id, Type: quotes.EventLocked})
	state, err = f.service.State(ctx, id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.QuoteError != "" {
		t.Fatalf("expected quote failure cleared after lock")
	}
}

func TestOrderLookupNotFound(t *testing.T) {
	f := newCheckoutFixture(t)

	_, err := f.service.Order(context.Background(), "ord_missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}
