package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/pantryline/checkout-api/internal/domain"
	pfirestore "github.com/pantryline/checkout-api/internal/platform/firestore"
	"github.com/pantryline/checkout-api/internal/platform/pagination"
)

const (
	orderCollection      = "orders"
	paymentRefCollection = "order_payment_refs"
)

// OrderRepository persists finalised orders in Firestore. A secondary
// collection keyed by payment reference enforces the one-order-per-payment
// guarantee inside a transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil),
	}, nil
}

type orderAddressDocument struct {
	Street string `firestore:"street"`
	Unit   string `firestore:"unit,omitempty"`
	City   string `firestore:"city"`
	State  string `firestore:"state"`
	Zip    string `firestore:"zip"`
}

type orderBreakdownDocument struct {
	Currency     string `firestore:"currency"`
	Subtotal     int64  `firestore:"subtotal"`
	Discount     int64  `firestore:"discount"`
	DiscountCode string `firestore:"discountCode,omitempty"`
	Tax          int64  `firestore:"tax"`
	DeliveryFee  int64  `firestore:"deliveryFee"`
	Total        int64  `firestore:"total"`
}

type orderDocument struct {
	UserID           string                 `firestore:"userId"`
	PaymentReference string                 `firestore:"paymentReference"`
	DeliveryType     string                 `firestore:"deliveryType"`
	Address          *orderAddressDocument  `firestore:"address,omitempty"`
	CustomerName     string                 `firestore:"customerName,omitempty"`
	CustomerEmail    string                 `firestore:"customerEmail,omitempty"`
	CustomerPhone    string                 `firestore:"customerPhone,omitempty"`
	QuoteID          string                 `firestore:"quoteId,omitempty"`
	DeliveryFee      int64                  `firestore:"deliveryFee"`
	DiscountCode     string                 `firestore:"discountCode,omitempty"`
	Breakdown        orderBreakdownDocument `firestore:"breakdown"`
	TrackingURL      string                 `firestore:"trackingUrl,omitempty"`
	CreatedAt        time.Time              `firestore:"createdAt"`
}

type paymentRefDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// CreateIfAbsent inserts the order unless its payment reference is already
// claimed, returning the previously recorded order in that case.
func (r *OrderRepository) CreateIfAbsent(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, false, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	paymentRef := strings.TrimSpace(order.PaymentReference)
	if orderID == "" || paymentRef == "" {
		return domain.Order{}, false, errors.New("order repository: order id and payment reference are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, false, err
	}

	refDoc := client.Collection(paymentRefCollection).Doc(paymentRef)
	orderDoc := client.Collection(orderCollection).Doc(orderID)

	var saved domain.Order
	created := false
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(refDoc)
		if err == nil {
			var ref paymentRefDocument
			if err := snap.DataTo(&ref); err != nil {
				return err
			}
			existing, err := tx.Get(client.Collection(orderCollection).Doc(ref.OrderID))
			if err != nil {
				return err
			}
			var doc orderDocument
			if err := existing.DataTo(&doc); err != nil {
				return err
			}
			saved = doc.toOrder(existing.Ref.ID)
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return err
		}

		doc := newOrderDocument(order)
		if err := tx.Create(orderDoc, doc); err != nil {
			return err
		}
		if err := tx.Create(refDoc, paymentRefDocument{OrderID: orderID, CreatedAt: doc.CreatedAt}); err != nil {
			return err
		}
		saved = order
		created = true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, pfirestore.WrapError("firestore.orders.create", err)
	}
	return saved, created, nil
}

// FindByPaymentReference returns the order recorded for the payment reference.
func (r *OrderRepository) FindByPaymentReference(ctx context.Context, paymentReference string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return domain.Order{}, errors.New("order repository: payment reference is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	snap, err := client.Collection(paymentRefCollection).Doc(paymentReference).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("firestore.orders.lookup_ref", err)
	}
	var ref paymentRefDocument
	if err := snap.DataTo(&ref); err != nil {
		return domain.Order{}, pfirestore.WrapError("firestore.orders.lookup_ref", err)
	}
	return r.FindByID(ctx, ref.OrderID)
}

// FindByID returns the order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toOrder(doc.ID), nil
}

// ListByUser returns the user's orders ordered by creation time descending.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, params pagination.Params) ([]domain.Order, string, error) {
	if r == nil || r.base == nil {
		return nil, "", errors.New("order repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, "", errors.New("order repository: user id is required")
	}

	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		query = query.
			Where("userId", "==", userID).
			OrderBy("createdAt", firestore.Desc)
		if len(params.Cursor.StartAfter) > 0 {
			query = query.StartAfter(params.Cursor.StartAfter...)
		}
		return query.Limit(pageSize + 1)
	})
	if err != nil {
		return nil, "", err
	}

	nextToken := ""
	if len(docs) > pageSize {
		docs = docs[:pageSize]
		last := docs[len(docs)-1]
		nextToken, err = pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.Data.CreatedAt},
		})
		if err != nil {
			return nil, "", err
		}
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toOrder(doc.ID))
	}
	return orders, nextToken, nil
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		UserID:           strings.TrimSpace(order.UserID),
		PaymentReference: strings.TrimSpace(order.PaymentReference),
		DeliveryType:     string(order.DeliveryType),
		CustomerName:     strings.TrimSpace(order.Customer.Name),
		CustomerEmail:    strings.TrimSpace(order.Customer.Email),
		CustomerPhone:    strings.TrimSpace(order.Customer.Phone),
		QuoteID:          strings.TrimSpace(order.QuoteID),
		DeliveryFee:      order.DeliveryFee,
		DiscountCode:     strings.TrimSpace(order.DiscountCode),
		TrackingURL:      strings.TrimSpace(order.TrackingURL),
		CreatedAt:        order.CreatedAt.UTC(),
		Breakdown: orderBreakdownDocument{
			Currency:     order.Breakdown.Currency,
			Subtotal:     order.Breakdown.Subtotal,
			Discount:     order.Breakdown.Discount,
			DiscountCode: order.Breakdown.DiscountCode,
			Tax:          order.Breakdown.Tax,
			DeliveryFee:  order.Breakdown.DeliveryFee,
			Total:        order.Breakdown.Total,
		},
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if order.Address != nil {
		doc.Address = &orderAddressDocument{
			Street: order.Address.Street,
			Unit:   order.Address.Unit,
			City:   order.Address.City,
			State:  order.Address.State,
			Zip:    order.Address.Zip,
		}
	}
	return doc
}

func (d orderDocument) toOrder(id string) domain.Order {
	order := domain.Order{
		ID:               id,
		UserID:           d.UserID,
		PaymentReference: d.PaymentReference,
		DeliveryType:     domain.DeliveryType(d.DeliveryType),
		Customer: domain.CustomerInfo{
			Name:  d.CustomerName,
			Email: d.CustomerEmail,
			Phone: d.CustomerPhone,
		},
		QuoteID:      d.QuoteID,
		DeliveryFee:  d.DeliveryFee,
		DiscountCode: d.DiscountCode,
		Breakdown: domain.PriceBreakdown{
			Currency:     d.Breakdown.Currency,
			Subtotal:     d.Breakdown.Subtotal,
			Discount:     d.Breakdown.Discount,
			DiscountCode: d.Breakdown.DiscountCode,
			Tax:          d.Breakdown.Tax,
			DeliveryFee:  d.Breakdown.DeliveryFee,
			Total:        d.Breakdown.Total,
		},
		TrackingURL: d.TrackingURL,
		CreatedAt:   d.CreatedAt,
	}
	if d.Address != nil {
		order.Address = &domain.Address{
			Street: d.Address.Street,
			Unit:   d.Address.Unit,
			City:   d.Address.City,
			State:  d.Address.State,
			Zip:    d.Address.Zip,
		}
	}
	return order
}
