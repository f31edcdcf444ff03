package services

import (
	"context"
	"errors"
	"testing"

	"github.com/pantryline/checkout-api/internal/payments"
)

type stubSessionPayments struct {
	creates   []payments.SessionRequest
	updates   []payments.UpdateAmountRequest
	cancelled []string
	err       error
}

func (p *stubSessionPayments) CreateSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionRequest) (payments.Session, error) {
	if p.err != nil {
		return payments.Session{}, p.err
	}
	p.creates = append(p.creates, req)
	return payments.Session{
		ID:           "pi_" + string(rune('a'+len(p.creates)-1)),
		Provider:     "stripe",
		ClientSecret: "secret",
		Amount:       req.Amount,
		Currency:     req.Currency,
	}, nil
}

func (p *stubSessionPayments) UpdateSessionAmount(ctx context.Context, paymentCtx payments.PaymentContext, req payments.UpdateAmountRequest) (payments.Session, error) {
	if p.err != nil {
		return payments.Session{}, p.err
	}
	p.updates = append(p.updates, req)
	return payments.Session{ID: req.SessionID, Amount: req.Amount}, nil
}

func (p *stubSessionPayments) CancelSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CancelRequest) error {
	p.cancelled = append(p.cancelled, req.SessionID)
	return nil
}

func newTestSessionManager(t *testing.T, psp *stubSessionPayments) *SessionManager {
	t.Helper()
	mgr, err := NewSessionManager(SessionManagerDeps{Payments: psp})
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	return mgr
}

func TestSessionManagerReusesMatchingSession(t *testing.T) {
	psp := &stubSessionPayments{}
	mgr := newTestSessionManager(t, psp)
	ctx := context.Background()

	spec := SessionSpec{CheckoutID: "chk_1", Amount: 4110, Currency: "USD", ContextFingerprint: "pickup|none"}
	first, err := mgr.Ensure(ctx, spec)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := mgr.Ensure(ctx, spec)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if first.SessionID != second.SessionID {
		t.Fatalf("expected session reuse, got %s then %s", first.SessionID, second.SessionID)
	}
	if len(psp.creates) != 1 {
		t.Fatalf("expected a single processor session, got %d", len(psp.creates))
	}
}

func TestSessionManagerSyncsAmountWithinSameContext(t *testing.T) {
	psp := &stubSessionPayments{}
	mgr := newTestSessionManager(t, psp)
	ctx := context.Background()

	spec := SessionSpec{CheckoutID: "chk_1", Amount: 4110, Currency: "USD", ContextFingerprint: "pickup|none"}
	first, err := mgr.Ensure(ctx, spec)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	spec.Amount = 3690
	second, err := mgr.Ensure(ctx, spec)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if second.SessionID != first.SessionID {
		t.Fatalf("amount drift must not replace the session")
	}
	if second.AmountMinorUnits != 3690 {
		t.Fatalf("expected synced amount 3690, got %d", second.AmountMinorUnits)
	}
	if len(psp.creates) != 1 || len(psp.updates) != 1 {
		t.Fatalf("expected one create and one update, got %d/%d", len(psp.creates), len(psp.updates))
	}
}

func TestSessionManagerReplacesSessionOnContextChange(t *testing.T) {
	psp := &stubSessionPayments{}
	mgr := newTestSessionManager(t, psp)
	ctx := context.Background()

	first, err := mgr.Ensure(ctx, SessionSpec{CheckoutID: "chk_1", Amount: 4110, Currency: "USD", ContextFingerprint: "pickup|none"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := mgr.Ensure(ctx, SessionSpec{CheckoutID: "chk_1", Amount: 4909, Currency: "USD", ContextFingerprint: "delivery|dq_1"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if first.SessionID == second.SessionID {
		t.Fatalf("context change must replace the session")
	}
	if len(psp.cancelled) != 1 || psp.cancelled[0] != first.SessionID {
		t.Fatalf("expected stale session cancelled, got %v", psp.cancelled)
	}
	if second.ContextFingerprint != "delivery|dq_1" {
		t.Fatalf("unexpected fingerprint %q", second.ContextFingerprint)
	}
}

func TestSessionManagerSyncAmountRequiresSession(t *testing.T) {
	mgr := newTestSessionManager(t, &stubSessionPayments{})

	_, err := mgr.SyncAmount(context.Background(), "chk_unknown", 4110)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestSessionManagerSyncAmountNoopWhenUnchanged(t *testing.T) {
	psp := &stubSessionPayments{}
	mgr := newTestSessionManager(t, psp)
	ctx := context.Background()

	if _, err := mgr.Ensure(ctx, SessionSpec{CheckoutID: "chk_1", Amount: 4110, Currency: "USD", ContextFingerprint: "pickup|none"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := mgr.SyncAmount(ctx, "chk_1", 4110); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(psp.updates) != 0 {
		t.Fatalf("unchanged amount must not hit the processor")
	}
}
