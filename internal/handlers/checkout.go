package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/payments"
	"github.com/pantryline/checkout-api/internal/platform/httpx"
	"github.com/pantryline/checkout-api/internal/quotes"
	"github.com/pantryline/checkout-api/internal/services"
	"github.com/pantryline/checkout-api/internal/totals"
)

const (
	maxCheckoutRequestBody = 8 * 1024
	confirmRateLimit       = 10
	confirmRateWindow      = time.Minute
)

// CheckoutHandlers exposes the checkout orchestration endpoints.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	confirms rateLimiter
}

// CheckoutOption customises the checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithConfirmRateLimiter overrides the limiter guarding the confirm endpoints.
func WithConfirmRateLimiter(limiter rateLimiter) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.confirms = limiter
	}
}

// WithConfirmRateLimit guards the confirm endpoints with a per-minute limit.
// Non-positive values keep the default limiter.
func WithConfirmRateLimit(perMinute int) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if perMinute > 0 {
			h.confirms = newSimpleRateLimiter(perMinute, time.Minute, nil)
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		checkout: checkout,
		confirms: newSimpleRateLimiter(confirmRateLimit, confirmRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.startCheckout)
	r.Route("/{checkoutID}", func(r chi.Router) {
		r.Get("/", h.state)
		r.Put("/address", h.setAddress)
		r.Post("/address/refocus", h.refocusAddress)
		r.Put("/delivery-type", h.setDeliveryType)
		r.Put("/discount", h.applyDiscount)
		r.Put("/customer", h.setCustomer)
		r.Get("/totals", h.totals)
		r.Post("/session", h.ensureSession)
		r.Post("/session/amount", h.syncSessionAmount)
		r.Post("/confirm", h.confirmGuided)
		r.Post("/confirm/wallet", h.confirmWallet)
	})
}

type addressPayload struct {
	Street string `json:"street"`
	Unit   string `json:"unit,omitempty"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		Street: p.Street,
		Unit:   p.Unit,
		City:   p.City,
		State:  p.State,
		Zip:    p.Zip,
	}
}

func addressFromDomain(a *domain.Address) *addressPayload {
	if a == nil {
		return nil
	}
	return &addressPayload{Street: a.Street, Unit: a.Unit, City: a.City, State: a.State, Zip: a.Zip}
}

type customerPayload struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type breakdownPayload struct {
	Currency     string `json:"currency"`
	Subtotal     int64  `json:"subtotal"`
	Discount     int64  `json:"discount"`
	DiscountCode string `json:"discountCode,omitempty"`
	Tax          int64  `json:"tax"`
	DeliveryFee  int64  `json:"deliveryFee"`
	Total        int64  `json:"total"`
	Estimated    bool   `json:"estimated"`
}

func breakdownFromDomain(b domain.PriceBreakdown) breakdownPayload {
	return breakdownPayload{
		Currency:     b.Currency,
		Subtotal:     b.Subtotal,
		Discount:     b.Discount,
		DiscountCode: b.DiscountCode,
		Tax:          b.Tax,
		DeliveryFee:  b.DeliveryFee,
		Total:        b.Total,
		Estimated:    b.Estimated,
	}
}

type quotePayload struct {
	QuoteID    string `json:"quoteId"`
	Fee        int64  `json:"fee"`
	ETAMinutes int    `json:"etaMinutes"`
}

type sessionPayload struct {
	SessionID          string `json:"sessionId"`
	ClientSecret       string `json:"clientSecret,omitempty"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	ContextFingerprint string `json:"contextFingerprint"`
}

func sessionFromDomain(s domain.PaymentSession) sessionPayload {
	return sessionPayload{
		SessionID:          s.SessionID,
		ClientSecret:       s.ClientSecret,
		Amount:             s.AmountMinorUnits,
		Currency:           s.Currency,
		ContextFingerprint: s.ContextFingerprint,
	}
}

type checkoutStateResponse struct {
	CheckoutID   string            `json:"checkoutId"`
	DeliveryType string            `json:"deliveryType"`
	Address      *addressPayload   `json:"address,omitempty"`
	Customer     customerPayload   `json:"customer"`
	DiscountCode string            `json:"discountCode,omitempty"`
	QuoteState   string            `json:"quoteState"`
	Quote        *quotePayload     `json:"quote,omitempty"`
	QuoteError   string            `json:"quoteError,omitempty"`
	Breakdown    *breakdownPayload `json:"breakdown,omitempty"`
	Session      *sessionPayload   `json:"session,omitempty"`
	OrderID      string            `json:"orderId,omitempty"`
}

func stateResponse(state services.CheckoutState) checkoutStateResponse {
	resp := checkoutStateResponse{
		CheckoutID:   state.CheckoutID,
		DeliveryType: string(state.DeliveryType),
		Address:      addressFromDomain(state.Address),
		Customer: customerPayload{
			Name:  state.Customer.Name,
			Email: state.Customer.Email,
			Phone: state.Customer.Phone,
		},
		DiscountCode: state.DiscountCode,
		QuoteState:   string(state.QuoteState),
		QuoteError:   state.QuoteError,
		OrderID:      state.OrderID,
	}
	if state.Quote != nil {
		resp.Quote = &quotePayload{
			QuoteID:    state.Quote.QuoteID,
			Fee:        state.Quote.FeeMinorUnits,
			ETAMinutes: state.Quote.ETAMinutes,
		}
	}
	if state.Breakdown != nil {
		payload := breakdownFromDomain(*state.Breakdown)
		resp.Breakdown = &payload
	}
	if state.Session != nil {
		payload := sessionFromDomain(*state.Session)
		resp.Session = &payload
	}
	return resp
}

type confirmationResponse struct {
	Status           string `json:"status"`
	OrderID          string `json:"orderId,omitempty"`
	TrackingURL      string `json:"trackingUrl,omitempty"`
	PaymentReference string `json:"paymentReference,omitempty"`
	DeclineMessage   string `json:"declineMessage,omitempty"`
	RedirectToGuided bool   `json:"redirectToGuided,omitempty"`
}

func confirmationResponseFrom(result services.ConfirmationResult) confirmationResponse {
	return confirmationResponse{
		Status:           string(result.Status),
		OrderID:          result.OrderID,
		TrackingURL:      result.TrackingURL,
		PaymentReference: result.PaymentReference,
		DeclineMessage:   result.DeclineMessage,
		RedirectToGuided: result.RedirectToGuided,
	}
}

func (h *CheckoutHandlers) startCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		UserID string `json:"userId"`
	}
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	state, err := h.checkout.StartCheckout(ctx, services.StartCheckoutCommand{UserID: req.UserID})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, stateResponse(state))
}

func (h *CheckoutHandlers) state(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := h.checkout.State(ctx, chi.URLParam(r, "checkoutID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stateResponse(state))
}

func (h *CheckoutHandlers) setAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addressPayload
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	state, err := h.checkout.SetAddress(ctx, services.SetAddressCommand{
		CheckoutID: chi.URLParam(r, "checkoutID"),
		Address:    req.toDomain(),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stateResponse(state))
}

func (h *CheckoutHandlers) refocusAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := h.checkout.RefocusAddressField(ctx, chi.URLParam(r, "checkoutID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stateResponse(state))
}

func (h *CheckoutHandlers) setDeliveryType(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		DeliveryType string `json:"deliveryType"`
	}
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	deliveryType, ok := domain.ParseDeliveryType(req.DeliveryType)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "deliveryType must be pickup or delivery", http.StatusBadRequest))
		return
	}

	state, err := h.checkout.SetDeliveryType(ctx, services.SetDeliveryTypeCommand{
		CheckoutID:   chi.URLParam(r, "checkoutID"),
		DeliveryType: deliveryType,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stateResponse(state))
}

func (h *CheckoutHandlers) applyDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		DiscountCode string `json:"discountCode"`
	}
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	state, err := h.checkout.ApplyDiscount(ctx, services.ApplyDiscountCommand{
		CheckoutID:   chi.URLParam(r, "checkoutID"),
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stateResponse(state))
}

func (h *CheckoutHandlers) setCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req customerPayload
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	state, err := h.checkout.SetCustomerInfo(ctx, services.SetCustomerInfoCommand{
		CheckoutID: chi.URLParam(r, "checkoutID"),
		Customer: domain.CustomerInfo{
			Name:  req.Name,
			Email: req.Email,
			Phone: req.Phone,
		},
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stateResponse(state))
}

func (h *CheckoutHandlers) totals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	breakdown, err := h.checkout.Totals(ctx, chi.URLParam(r, "checkoutID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, breakdownFromDomain(breakdown))
}

func (h *CheckoutHandlers) ensureSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.checkout.EnsureSession(ctx, chi.URLParam(r, "checkoutID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionFromDomain(session))
}

func (h *CheckoutHandlers) syncSessionAmount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.checkout.SyncSessionAmount(ctx, chi.URLParam(r, "checkoutID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionFromDomain(session))
}

func (h *CheckoutHandlers) confirmGuided(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkoutID := chi.URLParam(r, "checkoutID")
	if !h.allowConfirm(ctx, w, checkoutID) {
		return
	}

	var req struct {
		PaymentMethodID string `json:"paymentMethodId"`
		ReturnURL       string `json:"returnUrl"`
	}
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	result, err := h.checkout.ConfirmGuided(ctx, services.ConfirmGuidedCommand{
		CheckoutID:      checkoutID,
		PaymentMethodID: req.PaymentMethodID,
		ReturnURL:       req.ReturnURL,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, confirmationResponseFrom(result))
}

func (h *CheckoutHandlers) confirmWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkoutID := chi.URLParam(r, "checkoutID")
	if !h.allowConfirm(ctx, w, checkoutID) {
		return
	}

	var req struct {
		PaymentMethodID string          `json:"paymentMethodId"`
		Billing         customerPayload `json:"billing"`
	}
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	result, err := h.checkout.ConfirmWallet(ctx, services.ConfirmWalletCommand{
		CheckoutID:      checkoutID,
		PaymentMethodID: req.PaymentMethodID,
		Billing: payments.BillingDetails{
			Name:  req.Billing.Name,
			Email: req.Billing.Email,
			Phone: req.Billing.Phone,
		},
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, confirmationResponseFrom(result))
}

func (h *CheckoutHandlers) allowConfirm(ctx context.Context, w http.ResponseWriter, checkoutID string) bool {
	if h.confirms != nil && !h.confirms.Allow(checkoutID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many confirmation attempts", http.StatusTooManyRequests))
		return false
	}
	return true
}

func (h *CheckoutHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dest any) bool {
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, dest); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var finalErr *services.FinalizationError
	if errors.As(err, &finalErr) {
		httpErr := httpx.NewError("order_finalization_failed", "payment succeeded but the order could not be recorded", http.StatusInternalServerError).
			WithDetails(map[string]any{"paymentReference": finalErr.PaymentReference})
		httpx.WriteError(ctx, w, httpErr)
		return
	}

	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid checkout input", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_found", "checkout not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart has no purchasable items", http.StatusConflict))
	case errors.Is(err, services.ErrBillingDetailsMissing):
		httpx.WriteError(ctx, w, httpx.NewError("billing_details_missing", "wallet confirmations must include payer contact details", http.StatusBadRequest))
	case errors.Is(err, services.ErrQuotePending):
		httpx.WriteError(ctx, w, httpx.NewError("quote_pending", "delivery quote is still being fetched", http.StatusConflict))
	case errors.Is(err, services.ErrQuoteRequired):
		httpx.WriteError(ctx, w, httpx.NewError("quote_required", "a delivery quote is required before payment", http.StatusConflict))
	case errors.Is(err, services.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "no payment session open for this checkout", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, quotes.ErrQuoteOutOfRange):
		httpx.WriteError(ctx, w, httpx.NewError("address_out_of_range", "address is outside the delivery range", http.StatusUnprocessableEntity))
	case errors.Is(err, totals.ErrTotalsInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("pricing_invalid", "pricing service returned an inconsistent breakdown", http.StatusBadGateway))
	case errors.Is(err, totals.ErrTotalsUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service is unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		message := "unexpected checkout failure"
		if err != nil && strings.TrimSpace(err.Error()) != "" {
			message = err.Error()
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", message, http.StatusInternalServerError))
	}
}
