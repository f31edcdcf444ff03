package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/platform/httpx"
	"github.com/pantryline/checkout-api/internal/platform/pagination"
	"github.com/pantryline/checkout-api/internal/services"
)

const (
	orderListDefaultPageSize = 20
	orderListMaxPageSize     = 100
)

// OrderHandlers exposes read access to finalised orders.
type OrderHandlers struct {
	checkout services.CheckoutService
}

// NewOrderHandlers constructs order handlers.
func NewOrderHandlers(checkout services.CheckoutService) *OrderHandlers {
	return &OrderHandlers{checkout: checkout}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
}

type orderResponse struct {
	OrderID          string           `json:"orderId"`
	PaymentReference string           `json:"paymentReference"`
	DeliveryType     string           `json:"deliveryType"`
	Address          *addressPayload  `json:"address,omitempty"`
	Customer         customerPayload  `json:"customer"`
	QuoteID          string           `json:"quoteId,omitempty"`
	DeliveryFee      int64            `json:"deliveryFee"`
	DiscountCode     string           `json:"discountCode,omitempty"`
	Breakdown        breakdownPayload `json:"breakdown"`
	TrackingURL      string           `json:"trackingUrl,omitempty"`
	CreatedAt        string           `json:"createdAt"`
}

func orderResponseFrom(order domain.Order) orderResponse {
	return orderResponse{
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		DeliveryType:     string(order.DeliveryType),
		Address:          addressFromDomain(order.Address),
		Customer: customerPayload{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		QuoteID:      order.QuoteID,
		DeliveryFee:  order.DeliveryFee,
		DiscountCode: order.DiscountCode,
		Breakdown:    breakdownFromDomain(order.Breakdown),
		TrackingURL:  order.TrackingURL,
		CreatedAt:    order.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type orderListResponse struct {
	Orders        []orderResponse `json:"orders"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "userId query parameter is required", http.StatusBadRequest))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: orderListDefaultPageSize,
		MaxPageSize:     orderListMaxPageSize,
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageSize) || errors.Is(err, pagination.ErrInvalidPageToken) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		writeCheckoutError(ctx, w, err)
		return
	}

	orders, nextToken, err := h.checkout.ListOrders(ctx, userID, params)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	resp := orderListResponse{
		Orders:        make([]orderResponse, 0, len(orders)),
		NextPageToken: nextToken,
	}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, orderResponseFrom(order))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, err := h.checkout.Order(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponseFrom(order))
}
