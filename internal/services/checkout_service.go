package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/payments"
	"github.com/pantryline/checkout-api/internal/platform/pagination"
	"github.com/pantryline/checkout-api/internal/quotes"
	"github.com/pantryline/checkout-api/internal/repositories"
	"github.com/pantryline/checkout-api/internal/totals"
)

const (
	checkoutIDPrefix = "chk_"
	// maxPricingAttempts bounds the recompute loop when the quote lock keeps
	// moving underneath an in-flight totals call.
	maxPricingAttempts = 3
)

// quoteLocker abstracts quotes.Manager for easier testing.
type quoteLocker interface {
	AddressEdited(ctx context.Context, checkoutID string, addr domain.Address)
	FieldRefocused(ctx context.Context, checkoutID string)
	DeliveryTypeChanged(ctx context.Context, checkoutID string, deliveryType domain.DeliveryType)
	Snapshot(checkoutID string) quotes.Snapshot
	Revision(checkoutID string) uint64
	Reset(checkoutID string)
}

// sessionStore abstracts SessionManager for easier testing.
type sessionStore interface {
	Ensure(ctx context.Context, spec SessionSpec) (domain.PaymentSession, error)
	SyncAmount(ctx context.Context, checkoutID string, amount int64) (domain.PaymentSession, error)
	Current(checkoutID string) (domain.PaymentSession, bool)
	Drop(checkoutID string)
}

// paymentConfirmer abstracts payments.Manager's confirmation surface.
type paymentConfirmer interface {
	Confirm(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ConfirmRequest) (payments.ConfirmResult, error)
}

// orderRecorder abstracts OrderFinalizer for easier testing.
type orderRecorder interface {
	Finalize(ctx context.Context, intent domain.OrderIntent, paymentReference string) (domain.Order, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts     repositories.CartRepository
	Orders    repositories.OrderRepository
	Quotes    quoteLocker
	Totals    totals.Service
	Sessions  sessionStore
	Payments  paymentConfirmer
	Finalizer orderRecorder
	IDGen     func() string
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type checkoutState struct {
	userID       string
	cart         domain.CartSnapshot
	deliveryType domain.DeliveryType
	address      *domain.Address
	customer     domain.CustomerInfo
	discountCode string
	quoteErr     string
	lastServer   *domain.PriceBreakdown
	orderID      string
}

type checkoutService struct {
	carts     repositories.CartRepository
	orders    repositories.OrderRepository
	quotes    quoteLocker
	totals    totals.Service
	sessions  sessionStore
	payments  paymentConfirmer
	finalizer orderRecorder
	idGen     func() string
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)

	mu     sync.Mutex
	states map[string]*checkoutState
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Quotes == nil {
		return nil, errors.New("checkout service: quote manager is required")
	}
	if deps.Totals == nil {
		return nil, errors.New("checkout service: totals service is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("checkout service: session manager is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	if deps.Finalizer == nil {
		return nil, errors.New("checkout service: order finalizer is required")
	}

	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return checkoutIDPrefix + ulid.Make().String() }
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		carts:     deps.Carts,
		orders:    deps.Orders,
		quotes:    deps.Quotes,
		totals:    deps.Totals,
		sessions:  deps.Sessions,
		payments:  deps.Payments,
		finalizer: deps.Finalizer,
		idGen:     idGen,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		states: make(map[string]*checkoutState),
	}, nil
}

// StartCheckout snapshots the user's cart and opens a checkout attempt.
func (s *checkoutService) StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutState, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutState{}, ErrCheckoutInvalidInput
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return CheckoutState{}, s.translateCartError(err)
	}
	if cart.Empty() {
		return CheckoutState{}, ErrCheckoutCartEmpty
	}

	checkoutID := s.idGen()
	s.mu.Lock()
	s.states[checkoutID] = &checkoutState{
		userID:       userID,
		cart:         cart,
		deliveryType: domain.DeliveryTypePickup,
	}
	s.mu.Unlock()

	s.logger(ctx, "checkout.started", map[string]any{
		"checkoutId": checkoutID,
		"userId":     userID,
		"cartId":     cart.ID,
	})
	return s.stateView(ctx, checkoutID)
}

// SetAddress records an address edit and drives the quote lock machine.
func (s *checkoutService) SetAddress(ctx context.Context, cmd SetAddressCommand) (CheckoutState, error) {
	st, err := s.get(cmd.CheckoutID)
	if err != nil {
		return CheckoutState{}, err
	}

	addr := cmd.Address
	s.mu.Lock()
	st.address = &addr
	deliveryType := st.deliveryType
	st.quoteErr = ""
	s.mu.Unlock()

	if deliveryType == domain.DeliveryTypeDelivery {
		s.quotes.AddressEdited(ctx, cmd.CheckoutID, addr)
	}
	return s.stateView(ctx, cmd.CheckoutID)
}

// RefocusAddressField releases a held quote when the user re-opens the form.
func (s *checkoutService) RefocusAddressField(ctx context.Context, checkoutID string) (CheckoutState, error) {
	st, err := s.get(checkoutID)
	if err != nil {
		return CheckoutState{}, err
	}

	s.mu.Lock()
	deliveryType := st.deliveryType
	s.mu.Unlock()

	if deliveryType == domain.DeliveryTypeDelivery {
		s.quotes.FieldRefocused(ctx, checkoutID)
	}
	return s.stateView(ctx, checkoutID)
}

// SetDeliveryType switches the checkout between pickup and delivery.
func (s *checkoutService) SetDeliveryType(ctx context.Context, cmd SetDeliveryTypeCommand) (CheckoutState, error) {
	if cmd.DeliveryType != domain.DeliveryTypePickup && cmd.DeliveryType != domain.DeliveryTypeDelivery {
		return CheckoutState{}, ErrCheckoutInvalidInput
	}
	st, err := s.get(cmd.CheckoutID)
	if err != nil {
		return CheckoutState{}, err
	}

	s.mu.Lock()
	previous := st.deliveryType
	st.deliveryType = cmd.DeliveryType
	st.quoteErr = ""
	var addr *domain.Address
	if st.address != nil {
		copied := *st.address
		addr = &copied
	}
	s.mu.Unlock()

	if previous == cmd.DeliveryType {
		return s.stateView(ctx, cmd.CheckoutID)
	}

	s.quotes.DeliveryTypeChanged(ctx, cmd.CheckoutID, cmd.DeliveryType)
	if cmd.DeliveryType == domain.DeliveryTypeDelivery && addr != nil && addr.Complete() {
		// Entering delivery with an address already on file schedules the
		// first fetch without waiting for another keystroke.
		s.quotes.AddressEdited(ctx, cmd.CheckoutID, *addr)
	}
	return s.stateView(ctx, cmd.CheckoutID)
}

// ApplyDiscount applies or clears the discount code for the checkout.
func (s *checkoutService) ApplyDiscount(ctx context.Context, cmd ApplyDiscountCommand) (CheckoutState, error) {
	st, err := s.get(cmd.CheckoutID)
	if err != nil {
		return CheckoutState{}, err
	}

	s.mu.Lock()
	st.discountCode = strings.TrimSpace(cmd.DiscountCode)
	s.mu.Unlock()
	return s.stateView(ctx, cmd.CheckoutID)
}

// SetCustomerInfo records the contact details from the checkout form.
func (s *checkoutService) SetCustomerInfo(ctx context.Context, cmd SetCustomerInfoCommand) (CheckoutState, error) {
	st, err := s.get(cmd.CheckoutID)
	if err != nil {
		return CheckoutState{}, err
	}

	s.mu.Lock()
	st.customer = cmd.Customer
	s.mu.Unlock()
	return s.stateView(ctx, cmd.CheckoutID)
}

// Totals returns the current price breakdown. While a delivery quote is
// pending or the totals service is down, the breakdown is flagged as an
// estimate; estimates are display-only and never reach the processor.
func (s *checkoutService) Totals(ctx context.Context, checkoutID string) (domain.PriceBreakdown, error) {
	st, err := s.get(checkoutID)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	snap := s.quotes.Snapshot(checkoutID)
	return s.computeDisplayTotals(ctx, checkoutID, st, snap)
}

// EnsureSession returns a payment session bound to the current authoritative
// total. It refuses to open one while the pricing context is unsettled, and
// re-runs pricing when the quote lock moves mid-computation so the session can
// never bind to a context that no longer exists.
func (s *checkoutService) EnsureSession(ctx context.Context, checkoutID string) (domain.PaymentSession, error) {
	st, err := s.get(checkoutID)
	if err != nil {
		return domain.PaymentSession{}, err
	}

	for attempt := 0; attempt < maxPricingAttempts; attempt++ {
		snap, breakdown, err := s.authoritativePricing(ctx, checkoutID, st)
		if err != nil {
			return domain.PaymentSession{}, err
		}
		if s.quotes.Revision(checkoutID) != snap.Revision {
			continue
		}

		s.mu.Lock()
		deliveryType := st.deliveryType
		currency := s.currency(st)
		s.mu.Unlock()

		return s.sessions.Ensure(ctx, SessionSpec{
			CheckoutID:         checkoutID,
			Amount:             breakdown.Total,
			Currency:           currency,
			ContextFingerprint: domain.DeliveryContextFingerprint(deliveryType, snap.Quote),
		})
	}
	return domain.PaymentSession{}, ErrQuotePending
}

// SyncSessionAmount pushes the latest authoritative total to the open session.
func (s *checkoutService) SyncSessionAmount(ctx context.Context, checkoutID string) (domain.PaymentSession, error) {
	st, err := s.get(checkoutID)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	_, breakdown, err := s.authoritativePricing(ctx, checkoutID, st)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	return s.sessions.SyncAmount(ctx, checkoutID, breakdown.Total)
}

// confirmIdempotencyKey dedupes processor calls per session and instrument.
// The instrument is part of the key so a retry with a new card after a decline
// is a fresh request rather than a replay of the saved failure.
func confirmIdempotencyKey(sessionID, paymentMethodID string) string {
	return sessionID + "|confirm|" + paymentMethodID
}

// ConfirmGuided runs the in-form confirmation path. Billing details come from
// the customer info captured on the checkout.
func (s *checkoutService) ConfirmGuided(ctx context.Context, cmd ConfirmGuidedCommand) (ConfirmationResult, error) {
	st, err := s.get(cmd.CheckoutID)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if strings.TrimSpace(cmd.PaymentMethodID) == "" {
		return ConfirmationResult{}, ErrCheckoutInvalidInput
	}

	session, err := s.EnsureSession(ctx, cmd.CheckoutID)
	if err != nil {
		return ConfirmationResult{}, err
	}

	s.mu.Lock()
	customer := st.customer
	currency := s.currency(st)
	s.mu.Unlock()

	result, err := s.payments.Confirm(ctx, payments.PaymentContext{Currency: currency}, payments.ConfirmRequest{
		SessionID:       session.SessionID,
		PaymentMethodID: cmd.PaymentMethodID,
		Billing: payments.BillingDetails{
			Name:  customer.Name,
			Email: customer.Email,
			Phone: customer.Phone,
		},
		ReturnURL:      cmd.ReturnURL,
		IdempotencyKey: confirmIdempotencyKey(session.SessionID, cmd.PaymentMethodID),
	})
	if err != nil {
		return ConfirmationResult{}, err
	}

	return s.settle(ctx, cmd.CheckoutID, st, result, false)
}

// ConfirmWallet runs the express wallet confirmation path. The wallet sheet
// owns the payer contact details; a confirmation arriving without them is a
// client defect surfaced immediately instead of a downstream decline.
func (s *checkoutService) ConfirmWallet(ctx context.Context, cmd ConfirmWalletCommand) (ConfirmationResult, error) {
	st, err := s.get(cmd.CheckoutID)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if strings.TrimSpace(cmd.PaymentMethodID) == "" {
		return ConfirmationResult{}, ErrCheckoutInvalidInput
	}
	if cmd.Billing.Empty() {
		return ConfirmationResult{}, ErrBillingDetailsMissing
	}

	// The sheet may have been open across pricing changes; re-anchor the
	// session to the authoritative total before confirming.
	session, err := s.EnsureSession(ctx, cmd.CheckoutID)
	if err != nil {
		return ConfirmationResult{}, err
	}

	s.mu.Lock()
	// Wallet contact details become the order contact.
	st.customer = domain.CustomerInfo{
		Name:  cmd.Billing.Name,
		Email: cmd.Billing.Email,
		Phone: cmd.Billing.Phone,
	}
	currency := s.currency(st)
	s.mu.Unlock()

	result, err := s.payments.Confirm(ctx, payments.PaymentContext{Currency: currency}, payments.ConfirmRequest{
		SessionID:       session.SessionID,
		PaymentMethodID: cmd.PaymentMethodID,
		Billing:         cmd.Billing,
		IdempotencyKey:  confirmIdempotencyKey(session.SessionID, cmd.PaymentMethodID),
	})
	if err != nil {
		return ConfirmationResult{}, err
	}

	return s.settle(ctx, cmd.CheckoutID, st, result, true)
}

// State returns the read model for the checkout.
func (s *checkoutService) State(ctx context.Context, checkoutID string) (CheckoutState, error) {
	if _, err := s.get(checkoutID); err != nil {
		return CheckoutState{}, err
	}
	return s.stateView(ctx, checkoutID)
}

// Order returns a finalised order by id.
func (s *checkoutService) Order(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, ErrCheckoutInvalidInput
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return domain.Order{}, ErrOrderNotFound
		}
		return domain.Order{}, s.translateCartError(err)
	}
	return order, nil
}

// ListOrders returns the user's order history, newest first.
func (s *checkoutService) ListOrders(ctx context.Context, userID string, params pagination.Params) ([]domain.Order, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, "", ErrCheckoutInvalidInput
	}
	orders, nextToken, err := s.orders.ListByUser(ctx, userID, params)
	if err != nil {
		return nil, "", s.translateCartError(err)
	}
	return orders, nextToken, nil
}

// HandleQuoteEvent receives quote lock transitions from the quote manager.
// Failures are surfaced on the state read model; the totals recompute happens
// on demand when the client polls.
func (s *checkoutService) HandleQuoteEvent(ctx context.Context, ev quotes.Event) {
	st, err := s.get(ev.CheckoutID)
	if err != nil {
		return
	}

	s.mu.Lock()
	switch ev.Type {
	case quotes.EventFailed:
		if ev.Err != nil {
			st.quoteErr = ev.Err.Error()
		} else {
			st.quoteErr = "delivery quote unavailable"
		}
	case quotes.EventLocked, quotes.EventReleased:
		st.quoteErr = ""
	}
	s.mu.Unlock()

	s.logger(ctx, "checkout.quote_event", map[string]any{
		"checkoutId": ev.CheckoutID,
		"type":       string(ev.Type),
		"revision":   ev.Revision,
	})
}

// settle converts a processor confirmation into the normalised outcome and,
// on success, finalizes the order.
func (s *checkoutService) settle(ctx context.Context, checkoutID string, st *checkoutState, result payments.ConfirmResult, wallet bool) (ConfirmationResult, error) {
	switch result.Status {
	case payments.StatusRequiresAction:
		if wallet {
			// The sheet cannot host a step-up challenge: the client fails
			// the sheet and steers the user to the guided form. The session
			// survives for the retry.
			return ConfirmationResult{
				Status:           payments.StatusRequiresAction,
				PaymentReference: result.PaymentReference,
				RedirectToGuided: true,
			}, nil
		}
		return ConfirmationResult{
			Status:           payments.StatusRequiresAction,
			PaymentReference: result.PaymentReference,
		}, nil

	case payments.StatusFailed:
		return ConfirmationResult{
			Status:           payments.StatusFailed,
			PaymentReference: result.PaymentReference,
			DeclineMessage:   result.DeclineMessage,
		}, nil

	case payments.StatusSucceeded:
		intent := s.orderIntent(checkoutID, st)
		order, err := s.finalizer.Finalize(ctx, intent, result.PaymentReference)
		if err != nil {
			// The payment settled; this must never read as a decline.
			return ConfirmationResult{
				Status:           payments.StatusSucceeded,
				PaymentReference: result.PaymentReference,
			}, err
		}

		s.mu.Lock()
		st.orderID = order.ID
		s.mu.Unlock()
		s.sessions.Drop(checkoutID)
		s.quotes.Reset(checkoutID)

		return ConfirmationResult{
			Status:           payments.StatusSucceeded,
			OrderID:          order.ID,
			TrackingURL:      order.TrackingURL,
			PaymentReference: result.PaymentReference,
		}, nil

	default:
		return ConfirmationResult{}, ErrCheckoutUnavailable
	}
}

func (s *checkoutService) orderIntent(checkoutID string, st *checkoutState) domain.OrderIntent {
	snap := s.quotes.Snapshot(checkoutID)

	s.mu.Lock()
	defer s.mu.Unlock()

	intent := domain.OrderIntent{
		CheckoutID:   checkoutID,
		UserID:       st.userID,
		Cart:         st.cart,
		DeliveryType: st.deliveryType,
		Customer:     st.customer,
		DiscountCode: st.discountCode,
	}
	if st.address != nil {
		copied := *st.address
		intent.Address = &copied
	}
	if st.deliveryType == domain.DeliveryTypeDelivery && snap.State == domain.QuoteLocked {
		intent.Quote = snap.Quote
	}
	if st.lastServer != nil {
		intent.Breakdown = *st.lastServer
	}
	return intent
}

// authoritativePricing computes a server breakdown that is safe to bind money
// to. Delivery without a locked quote cannot be priced authoritatively.
func (s *checkoutService) authoritativePricing(ctx context.Context, checkoutID string, st *checkoutState) (quotes.Snapshot, domain.PriceBreakdown, error) {
	snap := s.quotes.Snapshot(checkoutID)

	s.mu.Lock()
	deliveryType := st.deliveryType
	cart := st.cart
	discountCode := st.discountCode
	s.mu.Unlock()

	var quote *domain.DeliveryQuote
	if deliveryType == domain.DeliveryTypeDelivery {
		switch snap.State {
		case domain.QuoteLocked:
			quote = snap.Quote
		case domain.QuoteQuoting:
			return snap, domain.PriceBreakdown{}, ErrQuotePending
		default:
			return snap, domain.PriceBreakdown{}, ErrQuoteRequired
		}
	}

	breakdown, err := s.totals.ComputeTotals(ctx, totals.ComputeRequest{
		Cart:         cart,
		DeliveryType: deliveryType,
		Quote:        quote,
		DiscountCode: discountCode,
	})
	if err != nil {
		return snap, domain.PriceBreakdown{}, err
	}

	s.mu.Lock()
	st.lastServer = &breakdown
	s.mu.Unlock()
	return snap, breakdown, nil
}

// computeDisplayTotals is the lenient sibling of authoritativePricing: it
// degrades to estimates instead of failing so the summary never goes blank.
func (s *checkoutService) computeDisplayTotals(ctx context.Context, checkoutID string, st *checkoutState, snap quotes.Snapshot) (domain.PriceBreakdown, error) {
	s.mu.Lock()
	deliveryType := st.deliveryType
	cart := st.cart
	discountCode := st.discountCode
	lastServer := st.lastServer
	s.mu.Unlock()

	var quote *domain.DeliveryQuote
	feeSettled := true
	if deliveryType == domain.DeliveryTypeDelivery {
		if snap.State == domain.QuoteLocked {
			quote = snap.Quote
		} else {
			feeSettled = false
		}
	}

	breakdown, err := s.totals.ComputeTotals(ctx, totals.ComputeRequest{
		Cart:         cart,
		DeliveryType: deliveryType,
		Quote:        quote,
		DiscountCode: discountCode,
	})
	if err != nil {
		s.logger(ctx, "checkout.totals.fallback", map[string]any{
			"checkoutId": checkoutID,
			"error":      err.Error(),
		})
		return totals.FallbackEstimate(cart, deliveryType, quote, lastServer), nil
	}

	if !feeSettled {
		// The delivery fee line is not final until the quote locks.
		breakdown.Estimated = true
	} else {
		s.mu.Lock()
		st.lastServer = &breakdown
		s.mu.Unlock()
	}
	return breakdown, nil
}

func (s *checkoutService) stateView(ctx context.Context, checkoutID string) (CheckoutState, error) {
	st, err := s.get(checkoutID)
	if err != nil {
		return CheckoutState{}, err
	}
	snap := s.quotes.Snapshot(checkoutID)

	s.mu.Lock()
	defer s.mu.Unlock()

	view := CheckoutState{
		CheckoutID:   checkoutID,
		UserID:       st.userID,
		Cart:         st.cart,
		DeliveryType: st.deliveryType,
		Customer:     st.customer,
		DiscountCode: st.discountCode,
		QuoteState:   snap.State,
		QuoteError:   st.quoteErr,
		Breakdown:    st.lastServer,
		OrderID:      st.orderID,
	}
	if st.address != nil {
		copied := *st.address
		view.Address = &copied
	}
	if snap.State == domain.QuoteLocked {
		view.Quote = snap.Quote
	}
	if session, ok := s.sessions.Current(checkoutID); ok {
		view.Session = &session
	}
	return view, nil
}

func (s *checkoutService) currency(st *checkoutState) string {
	if currency := strings.TrimSpace(st.cart.Currency); currency != "" {
		return strings.ToUpper(currency)
	}
	return "USD"
}

func (s *checkoutService) get(checkoutID string) (*checkoutState, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return nil, ErrCheckoutInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[checkoutID]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	return st, nil
}

func (s *checkoutService) translateCartError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCheckoutCartEmpty
		case repoErr.IsUnavailable():
			return ErrCheckoutUnavailable
		}
	}
	return err
}
