package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/pantryline/checkout-api/internal/platform/firestore"
	"github.com/pantryline/checkout-api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider
	carts    *CartRepository
	orders   *OrderRepository
	health   *healthRepository
}

// NewRegistry constructs the repository registry over a shared Firestore provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("repository registry requires firestore provider")
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider: provider,
		carts:    carts,
		orders:   orders,
		health:   &healthRepository{provider: provider},
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Carts returns the cart repository.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Health returns the health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

type healthRepository struct {
	provider *pfirestore.Provider
}

// Ping verifies Firestore connectivity with a single lightweight read.
func (h *healthRepository) Ping(ctx context.Context) error {
	if h == nil || h.provider == nil {
		return errors.New("health repository not initialised")
	}
	client, err := h.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection("health").Doc("probe").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("firestore.health.ping", err)
	}
	return nil
}
