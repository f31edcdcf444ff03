package repositories

import (
	"context"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/platform/pagination"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Orders() OrderRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository provides the checkout core's read view of the cart subsystem,
// plus the single mutation checkout is allowed: clearing the cart after an
// order is placed.
type CartRepository interface {
	// GetCart returns the current cart snapshot for the user. Should return a
	// RepositoryError with IsNotFound when the user has no cart.
	GetCart(ctx context.Context, userID string) (domain.CartSnapshot, error)
	// ClearCart empties the user's cart. Clearing an already-empty cart is a no-op.
	ClearCart(ctx context.Context, userID string) error
}

// OrderRepository persists finalised orders. Payment references are unique:
// at most one order may ever exist per processor payment reference.
type OrderRepository interface {
	// CreateIfAbsent inserts the order unless one already exists for the same
	// payment reference, in which case the existing order is returned with
	// created=false and nothing is written.
	CreateIfAbsent(ctx context.Context, order domain.Order) (saved domain.Order, created bool, err error)
	// FindByPaymentReference returns the order recorded for the payment
	// reference. Should return a RepositoryError with IsNotFound when absent.
	FindByPaymentReference(ctx context.Context, paymentReference string) (domain.Order, error)
	// FindByID returns the order by its identifier.
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// ListByUser returns the user's orders, newest first. The returned token is
	// empty when no further pages exist.
	ListByUser(ctx context.Context, userID string, params pagination.Params) ([]domain.Order, string, error)
}

// HealthRepository reports backing-store connectivity for readiness probes.
type HealthRepository interface {
	Ping(ctx context.Context) error
}
