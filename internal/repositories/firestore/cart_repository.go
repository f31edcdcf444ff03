package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/pantryline/checkout-api/internal/domain"
	pfirestore "github.com/pantryline/checkout-api/internal/platform/firestore"
)

const cartCollection = "carts"

// CartRepository reads cart snapshots maintained by the cart subsystem. The
// checkout core never writes cart contents; the only mutation it performs is
// emptying the cart once an order is placed.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base: pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil),
	}, nil
}

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
}

type cartDocument struct {
	Currency  string             `firestore:"currency"`
	Items     []cartItemDocument `firestore:"items"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

// GetCart returns the current cart snapshot for the user.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	if r == nil || r.base == nil {
		return domain.CartSnapshot{}, errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CartSnapshot{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.CartSnapshot{}, err
	}

	snapshot := domain.CartSnapshot{
		ID:        doc.ID,
		UserID:    userID,
		Currency:  strings.ToUpper(strings.TrimSpace(doc.Data.Currency)),
		UpdatedAt: doc.Data.UpdatedAt,
	}
	for _, item := range doc.Data.Items {
		snapshot.Items = append(snapshot.Items, domain.CartItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	return snapshot, nil
}

// ClearCart empties the user's cart. A missing cart document counts as
// already cleared.
func (r *CartRepository) ClearCart(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("cart repository: user id is required")
	}

	_, err := r.base.Update(ctx, userID, []firestore.Update{
		{Path: "items", Value: []cartItemDocument{}},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return err
	}
	return nil
}
