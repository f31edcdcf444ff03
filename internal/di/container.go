package di

import (
	"context"
	"errors"
	"fmt"

	"github.com/pantryline/checkout-api/internal/payments"
	"github.com/pantryline/checkout-api/internal/platform/config"
	"github.com/pantryline/checkout-api/internal/quotes"
	"github.com/pantryline/checkout-api/internal/repositories"
	"github.com/pantryline/checkout-api/internal/services"
	"github.com/pantryline/checkout-api/internal/totals"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Checkout services.CheckoutService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Quotes       *quotes.Manager
	Services     Services
}

// Option customises container construction, mainly for tests and alternative wiring.
type Option func(*containerOptions)

type containerOptions struct {
	logger        func(ctx context.Context, event string, fields map[string]any)
	publisher     services.OrderEventsPublisher
	quoteProvider quotes.Provider
	totalsService totals.Service
	confirmer     *payments.Manager
}

// WithLogger injects a structured event logger used across services.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithOrderPublisher injects the order-placed event publisher.
func WithOrderPublisher(publisher services.OrderEventsPublisher) Option {
	return func(o *containerOptions) {
		o.publisher = publisher
	}
}

// WithQuoteProvider overrides the delivery-quote provider built from config.
func WithQuoteProvider(provider quotes.Provider) Option {
	return func(o *containerOptions) {
		o.quoteProvider = provider
	}
}

// WithTotalsService overrides the totals client built from config.
func WithTotalsService(service totals.Service) Option {
	return func(o *containerOptions) {
		o.totalsService = service
	}
}

// WithPaymentsManager overrides the payment manager built from config.
func WithPaymentsManager(manager *payments.Manager) Option {
	return func(o *containerOptions) {
		o.confirmer = manager
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// real implementations, while tests can override individual components.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = func(context.Context, string, map[string]any) {}
	}

	quoteProvider := options.quoteProvider
	if quoteProvider == nil {
		if cfg.Quotes.BaseURL == "" {
			return nil, errors.New("quotes base url is required")
		}
		provider, err := quotes.NewHTTPProvider(quotes.HTTPProviderConfig{
			BaseURL: cfg.Quotes.BaseURL,
			APIKey:  cfg.Quotes.APIKey,
			Timeout: cfg.Quotes.Timeout,
			Logger:  options.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build quote provider: %w", err)
		}
		quoteProvider = provider
	}

	totalsService := options.totalsService
	if totalsService == nil {
		if cfg.Totals.BaseURL == "" {
			return nil, errors.New("totals base url is required")
		}
		client, err := totals.NewHTTPClient(totals.HTTPClientConfig{
			BaseURL: cfg.Totals.BaseURL,
			Timeout: cfg.Totals.Timeout,
			Logger:  options.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build totals client: %w", err)
		}
		totalsService = client
	}

	confirmer := options.confirmer
	if confirmer == nil {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: options.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		manager, err := payments.NewManager(map[string]payments.Provider{
			"stripe": stripeProvider,
		})
		if err != nil {
			return nil, fmt.Errorf("build payments manager: %w", err)
		}
		confirmer = manager
	}

	// The quote manager emits lock transitions before the checkout service
	// exists, so events route through a late-bound reference.
	var checkoutSvc services.CheckoutService
	quoteManager, err := quotes.NewManager(quotes.ManagerDeps{
		Provider:     quoteProvider,
		Debounce:     cfg.Quotes.Debounce,
		FetchTimeout: cfg.Quotes.Timeout,
		Logger:       options.logger,
		Events: func(ctx context.Context, ev quotes.Event) {
			if checkoutSvc != nil {
				checkoutSvc.HandleQuoteEvent(ctx, ev)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build quote manager: %w", err)
	}

	sessionManager, err := services.NewSessionManager(services.SessionManagerDeps{
		Payments: confirmer,
		Logger:   options.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build session manager: %w", err)
	}

	var booker services.DeliveryBooker
	if b, ok := quoteProvider.(services.DeliveryBooker); ok {
		booker = b
	}

	finalizer, err := services.NewOrderFinalizer(services.OrderFinalizerDeps{
		Orders:    reg.Orders(),
		Carts:     reg.Carts(),
		Booker:    booker,
		Publisher: options.publisher,
		Logger:    options.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build order finalizer: %w", err)
	}

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:     reg.Carts(),
		Orders:    reg.Orders(),
		Quotes:    quoteManager,
		Totals:    totalsService,
		Sessions:  sessionManager,
		Payments:  confirmer,
		Finalizer: finalizer,
		Logger:    options.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build checkout service: %w", err)
	}
	checkoutSvc = checkout

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Quotes:       quoteManager,
		Services:     Services{Checkout: checkout},
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}
