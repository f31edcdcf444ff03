package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/pantryline/checkout-api/internal/domain"
	"github.com/pantryline/checkout-api/internal/payments"
)

// sessionPayments abstracts payments.Manager for easier testing.
type sessionPayments interface {
	CreateSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionRequest) (payments.Session, error)
	UpdateSessionAmount(ctx context.Context, paymentCtx payments.PaymentContext, req payments.UpdateAmountRequest) (payments.Session, error)
	CancelSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CancelRequest) error
}

// SessionSpec is the pricing context a session must match before the client
// may confirm against it.
type SessionSpec struct {
	CheckoutID         string
	Amount             int64
	Currency           string
	ContextFingerprint string
}

// SessionManagerDeps wires the dependencies required by the session manager.
type SessionManagerDeps struct {
	Payments sessionPayments
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// SessionManager owns the one open payment session per checkout. Sessions are
// amount-bound: a changed delivery context fingerprint replaces the session
// wholesale, while an amount drift within the same context is pushed to the
// processor in place.
type SessionManager struct {
	payments sessionPayments
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)

	mu       sync.Mutex
	sessions map[string]*domain.PaymentSession
	flight   singleflight.Group
}

// NewSessionManager constructs a SessionManager validating required dependencies.
func NewSessionManager(deps SessionManagerDeps) (*SessionManager, error) {
	if deps.Payments == nil {
		return nil, errors.New("session manager: payments manager is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &SessionManager{
		payments: deps.Payments,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		sessions: make(map[string]*domain.PaymentSession),
	}, nil
}

// Current returns the open session for the checkout, if any.
func (m *SessionManager) Current(checkoutID string) (domain.PaymentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[checkoutID]; ok {
		return *session, true
	}
	return domain.PaymentSession{}, false
}

// Ensure returns a session matching the spec, reusing the open one when the
// delivery context fingerprint is unchanged. Concurrent calls for the same
// checkout collapse into a single processor operation.
func (m *SessionManager) Ensure(ctx context.Context, spec SessionSpec) (domain.PaymentSession, error) {
	if strings.TrimSpace(spec.CheckoutID) == "" {
		return domain.PaymentSession{}, ErrCheckoutInvalidInput
	}
	if spec.Amount <= 0 || strings.TrimSpace(spec.Currency) == "" {
		return domain.PaymentSession{}, ErrCheckoutInvalidInput
	}

	result, err, _ := m.flight.Do(spec.CheckoutID, func() (any, error) {
		return m.ensure(ctx, spec)
	})
	if err != nil {
		return domain.PaymentSession{}, err
	}
	return result.(domain.PaymentSession), nil
}

func (m *SessionManager) ensure(ctx context.Context, spec SessionSpec) (domain.PaymentSession, error) {
	m.mu.Lock()
	existing := m.sessions[spec.CheckoutID]
	m.mu.Unlock()

	paymentCtx := payments.PaymentContext{Currency: spec.Currency}

	if existing != nil && existing.ContextFingerprint == spec.ContextFingerprint {
		if existing.AmountMinorUnits == spec.Amount {
			return *existing, nil
		}
		return m.syncAmount(ctx, paymentCtx, spec.CheckoutID, *existing, spec.Amount)
	}

	if existing != nil {
		// The pricing context moved; the stale session is abandoned rather
		// than mutated so a confirm racing this call cannot settle against it.
		if err := m.payments.CancelSession(ctx, paymentCtx, payments.CancelRequest{SessionID: existing.SessionID}); err != nil {
			m.logger(ctx, "checkout.session.cancel_failed", map[string]any{
				"checkoutId": spec.CheckoutID,
				"sessionId":  existing.SessionID,
				"error":      err.Error(),
			})
		}
	}

	created, err := m.payments.CreateSession(ctx, paymentCtx, payments.SessionRequest{
		Amount:             spec.Amount,
		Currency:           spec.Currency,
		ContextFingerprint: spec.ContextFingerprint,
		Metadata:           map[string]string{"checkout_id": spec.CheckoutID},
		IdempotencyKey:     spec.CheckoutID + "|" + spec.ContextFingerprint,
	})
	if err != nil {
		return domain.PaymentSession{}, err
	}

	session := domain.PaymentSession{
		SessionID:          created.ID,
		ClientSecret:       created.ClientSecret,
		AmountMinorUnits:   created.Amount,
		Currency:           created.Currency,
		ContextFingerprint: spec.ContextFingerprint,
		CreatedAt:          m.now(),
	}
	m.store(spec.CheckoutID, session)

	m.logger(ctx, "checkout.session.created", map[string]any{
		"checkoutId":  spec.CheckoutID,
		"sessionId":   session.SessionID,
		"amount":      session.AmountMinorUnits,
		"fingerprint": session.ContextFingerprint,
	})
	return session, nil
}

// SyncAmount pushes the latest authoritative total to the open session. The
// wallet path calls this while the sheet stays open across total changes.
func (m *SessionManager) SyncAmount(ctx context.Context, checkoutID string, amount int64) (domain.PaymentSession, error) {
	if amount <= 0 {
		return domain.PaymentSession{}, ErrCheckoutInvalidInput
	}
	m.mu.Lock()
	existing := m.sessions[checkoutID]
	m.mu.Unlock()
	if existing == nil {
		return domain.PaymentSession{}, ErrSessionNotFound
	}
	if existing.AmountMinorUnits == amount {
		return *existing, nil
	}
	return m.syncAmount(ctx, payments.PaymentContext{Currency: existing.Currency}, checkoutID, *existing, amount)
}

func (m *SessionManager) syncAmount(ctx context.Context, paymentCtx payments.PaymentContext, checkoutID string, existing domain.PaymentSession, amount int64) (domain.PaymentSession, error) {
	updated, err := m.payments.UpdateSessionAmount(ctx, paymentCtx, payments.UpdateAmountRequest{
		SessionID: existing.SessionID,
		Amount:    amount,
	})
	if err != nil {
		return domain.PaymentSession{}, err
	}

	existing.AmountMinorUnits = updated.Amount
	m.store(checkoutID, existing)

	m.logger(ctx, "checkout.session.amount_synced", map[string]any{
		"checkoutId": checkoutID,
		"sessionId":  existing.SessionID,
		"amount":     existing.AmountMinorUnits,
	})
	return existing, nil
}

// Drop forgets the session for a finished checkout. The processor record is
// left alone: a confirmed intent cannot be cancelled.
func (m *SessionManager) Drop(checkoutID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, checkoutID)
}

func (m *SessionManager) store(checkoutID string, session domain.PaymentSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[checkoutID] = &session
}
