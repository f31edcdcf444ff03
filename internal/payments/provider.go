package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised confirmation states shared across providers.
type Status string

const (
	// StatusSucceeded indicates the processor captured the payment.
	StatusSucceeded Status = "succeeded"
	// StatusRequiresAction indicates a step-up challenge is needed before the payment can settle.
	StatusRequiresAction Status = "requires_action"
	// StatusFailed indicates a terminal decline; the session may be retried with a new instrument.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// BillingDetails carries the payer contact information attached to a
// confirmation. On the guided path these come from the checkout form; on the
// wallet path they come from the wallet sheet and must be forwarded verbatim.
type BillingDetails struct {
	Name  string
	Email string
	Phone string
}

// Empty reports whether no billing field is populated.
func (b BillingDetails) Empty() bool {
	return strings.TrimSpace(b.Name) == "" &&
		strings.TrimSpace(b.Email) == "" &&
		strings.TrimSpace(b.Phone) == ""
}

// SessionRequest captures the payload required to open an amount-bound session.
type SessionRequest struct {
	Amount             int64
	Currency           string
	ContextFingerprint string
	Metadata           map[string]string
	IdempotencyKey     string
}

// Session represents the processor session returned to the client. The amount
// is fixed at creation; pricing-context changes require a replacement session.
type Session struct {
	ID           string
	Provider     string
	ClientSecret string
	Amount       int64
	Currency     string
	CreatedAt    time.Time
	Raw          map[string]any
}

// UpdateAmountRequest syncs an open session to a freshly computed total. Only
// the wallet path uses this: the sheet can stay open across minor total
// changes, so the session must track the authoritative amount.
type UpdateAmountRequest struct {
	SessionID      string
	Amount         int64
	IdempotencyKey string
}

// ConfirmRequest contains the data required to confirm a session.
type ConfirmRequest struct {
	SessionID       string
	PaymentMethodID string
	Billing         BillingDetails
	ReturnURL       string
	IdempotencyKey  string
	Metadata        map[string]string
}

// ConfirmResult is the normalised outcome both confirmation paths converge on.
type ConfirmResult struct {
	Status           Status
	PaymentReference string
	DeclineMessage   string
	Raw              map[string]any
}

// CancelRequest abandons a session that is being replaced.
type CancelRequest struct {
	SessionID string
}

// Provider defines the contract processor adapters implement.
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	UpdateSessionAmount(ctx context.Context, req UpdateAmountRequest) (Session, error)
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
	CancelSession(ctx context.Context, req CancelRequest) error
	LookupSession(ctx context.Context, sessionID string) (ConfirmResult, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateSession delegates to the resolved provider.
func (m *Manager) CreateSession(ctx context.Context, paymentCtx PaymentContext, req SessionRequest) (Session, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Session{}, err
	}
	session, err := provider.CreateSession(ctx, req)
	if err != nil {
		return Session{}, err
	}
	session.Provider = key
	return session, nil
}

// UpdateSessionAmount delegates to the resolved provider.
func (m *Manager) UpdateSessionAmount(ctx context.Context, paymentCtx PaymentContext, req UpdateAmountRequest) (Session, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Session{}, err
	}
	session, err := provider.UpdateSessionAmount(ctx, req)
	if err != nil {
		return Session{}, err
	}
	session.Provider = key
	return session, nil
}

// Confirm delegates to the resolved provider.
func (m *Manager) Confirm(ctx context.Context, paymentCtx PaymentContext, req ConfirmRequest) (ConfirmResult, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return ConfirmResult{}, err
	}
	return provider.Confirm(ctx, req)
}

// CancelSession delegates to the resolved provider.
func (m *Manager) CancelSession(ctx context.Context, paymentCtx PaymentContext, req CancelRequest) error {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return err
	}
	return provider.CancelSession(ctx, req)
}

// LookupSession delegates to the resolved provider.
func (m *Manager) LookupSession(ctx context.Context, paymentCtx PaymentContext, sessionID string) (ConfirmResult, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return ConfirmResult{}, err
	}
	return provider.LookupSession(ctx, sessionID)
}
