package quotes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/pantryline/checkout-api/internal/domain"
)

var testAddress = domain.Address{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704"}

type stubProvider struct {
	mu    sync.Mutex
	calls int
	fetch func(ctx context.Context, req QuoteRequest) (domain.DeliveryQuote, error)
}

func (s *stubProvider) FetchQuote(ctx context.Context, req QuoteRequest) (domain.DeliveryQuote, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fetch != nil {
		return s.fetch(ctx, req)
	}
	return domain.DeliveryQuote{
		QuoteID:            "dq_1",
		FeeMinorUnits:      799,
		ETAMinutes:         35,
		AddressFingerprint: domain.AddressFingerprint(req.Address),
	}, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) last(eventType EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newTestManager(t *testing.T, provider Provider, recorder *eventRecorder) *Manager {
	t.Helper()
	deps := ManagerDeps{
		Provider: provider,
		Debounce: 5 * time.Millisecond,
	}
	if recorder != nil {
		deps.Events = recorder.record
	}
	m, err := NewManager(deps)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}
	return m
}

func TestManagerLocksAfterDebouncedFetch(t *testing.T) {
	provider := &stubProvider{}
	recorder := &eventRecorder{}
	m := newTestManager(t, provider, recorder)

	m.AddressEdited(context.Background(), "chk_1", testAddress)

	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteLocked })

	snap := m.Snapshot("chk_1")
	if snap.Quote == nil || snap.Quote.QuoteID != "dq_1" {
		t.Fatalf("expected bound quote dq_1, got %#v", snap.Quote)
	}
	if snap.Quote.FeeMinorUnits != 799 {
		t.Fatalf("expected fee 799, got %d", snap.Quote.FeeMinorUnits)
	}
	if snap.Fingerprint != domain.AddressFingerprint(testAddress) {
		t.Fatalf("expected lock bound to address fingerprint")
	}
	if ev, ok := recorder.last(EventLocked); !ok || ev.Quote == nil {
		t.Fatalf("expected locked event with quote, got %#v", ev)
	}
}

func TestManagerCoalescesEditsIntoSingleFetch(t *testing.T) {
	provider := &stubProvider{}
	m := newTestManager(t, provider, nil)

	// A typing burst: every keystroke lands inside the debounce window.
	for i := 0; i < 5; i++ {
		m.AddressEdited(context.Background(), "chk_1", testAddress)
		time.Sleep(time.Millisecond)
	}

	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteLocked })

	if calls := provider.callCount(); calls != 1 {
		t.Fatalf("expected single provider call, got %d", calls)
	}
}

func TestManagerEditReleasesLockAndDiscardsQuote(t *testing.T) {
	provider := &stubProvider{}
	recorder := &eventRecorder{}
	m := newTestManager(t, provider, recorder)

	m.AddressEdited(context.Background(), "chk_1", testAddress)
	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteLocked })

	edited := testAddress
	edited.Street = "124 Main St"
	m.AddressEdited(context.Background(), "chk_1", edited)

	ev, ok := recorder.last(EventReleased)
	if !ok {
		t.Fatalf("expected released event after edit under lock")
	}
	if ev.Reason != ReleaseReasonAddressEdited {
		t.Fatalf("expected address_edited release reason, got %s", ev.Reason)
	}

	// The old quote is gone immediately, then a new fetch locks again.
	waitFor(t, func() bool {
		snap := m.Snapshot("chk_1")
		return snap.State == domain.QuoteLocked && snap.Fingerprint == domain.AddressFingerprint(edited)
	})
	if calls := provider.callCount(); calls != 2 {
		t.Fatalf("expected second provider call for edited address, got %d", calls)
	}
}

func TestManagerLockedSameFingerprintIsNoop(t *testing.T) {
	provider := &stubProvider{}
	recorder := &eventRecorder{}
	m := newTestManager(t, provider, recorder)

	m.AddressEdited(context.Background(), "chk_1", testAddress)
	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteLocked })
	revision := m.Revision("chk_1")

	// Same address, different casing and spacing: fingerprint is unchanged.
	same := domain.Address{Street: "  123 MAIN st", City: "springfield", State: "il", Zip: "62704 "}
	m.AddressEdited(context.Background(), "chk_1", same)
	time.Sleep(20 * time.Millisecond)

	if calls := provider.callCount(); calls != 1 {
		t.Fatalf("expected no refetch for unchanged fingerprint, got %d calls", calls)
	}
	if m.Revision("chk_1") != revision {
		t.Fatalf("expected no lock transition for unchanged fingerprint")
	}
	if _, ok := recorder.last(EventReleased); ok {
		t.Fatalf("did not expect release for unchanged fingerprint")
	}
}

func TestManagerFetchFailureReopensLock(t *testing.T) {
	provider := &stubProvider{
		fetch: func(context.Context, QuoteRequest) (domain.DeliveryQuote, error) {
			return domain.DeliveryQuote{}, ErrQuoteOutOfRange
		},
	}
	recorder := &eventRecorder{}
	m := newTestManager(t, provider, recorder)

	m.AddressEdited(context.Background(), "chk_1", testAddress)

	waitFor(t, func() bool {
		_, ok := recorder.last(EventFailed)
		return ok
	})

	snap := m.Snapshot("chk_1")
	if snap.State != domain.QuoteUnlocked {
		t.Fatalf("expected unlocked after failure, got %s", snap.State)
	}
	if snap.Quote != nil {
		t.Fatalf("expected no quote after failure")
	}
	ev, _ := recorder.last(EventFailed)
	if !errors.Is(ev.Err, ErrQuoteOutOfRange) {
		t.Fatalf("expected out of range error surfaced, got %v", ev.Err)
	}
}

func TestManagerDiscardsStaleArrivalAfterDeliveryTypeChange(t *testing.T) {
	release := make(chan struct{})
	provider := &stubProvider{
		fetch: func(ctx context.Context, req QuoteRequest) (domain.DeliveryQuote, error) {
			<-release
			return domain.DeliveryQuote{QuoteID: "dq_stale", FeeMinorUnits: 500, AddressFingerprint: domain.AddressFingerprint(req.Address)}, nil
		},
	}
	recorder := &eventRecorder{}
	m := newTestManager(t, provider, recorder)

	m.AddressEdited(context.Background(), "chk_1", testAddress)
	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteQuoting })

	m.DeliveryTypeChanged(context.Background(), "chk_1", domain.DeliveryTypePickup)
	close(release)
	time.Sleep(20 * time.Millisecond)

	snap := m.Snapshot("chk_1")
	if snap.State != domain.QuoteUnlocked || snap.Quote != nil {
		t.Fatalf("expected stale quote discarded, got state=%s quote=%#v", snap.State, snap.Quote)
	}
	if _, ok := recorder.last(EventLocked); ok {
		t.Fatalf("did not expect lock from stale arrival")
	}
}

func TestManagerDiscardsStaleArrivalAfterMidflightEdit(t *testing.T) {
	edited := testAddress
	edited.Street = "99 New Ave"
	release := make(chan struct{})
	provider := &stubProvider{
		fetch: func(ctx context.Context, req QuoteRequest) (domain.DeliveryQuote, error) {
			<-release
			id := "dq_stale"
			if domain.AddressFingerprint(req.Address) == domain.AddressFingerprint(edited) {
				id = "dq_fresh"
			}
			return domain.DeliveryQuote{QuoteID: id, FeeMinorUnits: 500, AddressFingerprint: domain.AddressFingerprint(req.Address)}, nil
		},
	}
	recorder := &eventRecorder{}
	m := newTestManager(t, provider, recorder)

	m.AddressEdited(context.Background(), "chk_1", testAddress)
	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteQuoting })

	// The user keeps typing while the first fetch is still out.
	m.AddressEdited(context.Background(), "chk_1", edited)
	close(release)

	waitFor(t, func() bool {
		snap := m.Snapshot("chk_1")
		return snap.State == domain.QuoteLocked && snap.Fingerprint == domain.AddressFingerprint(edited)
	})

	snap := m.Snapshot("chk_1")
	if snap.Quote == nil || snap.Quote.QuoteID != "dq_fresh" {
		t.Fatalf("expected lock from the edited address, got %#v", snap.Quote)
	}
	if snap.Quote.AddressFingerprint != domain.AddressFingerprint(edited) {
		t.Fatalf("expected lock bound to the edited address, got %s", snap.Quote.AddressFingerprint)
	}
}

func TestManagerMidflightEditToIncompleteAddressAbandonsFetch(t *testing.T) {
	release := make(chan struct{})
	provider := &stubProvider{
		fetch: func(ctx context.Context, req QuoteRequest) (domain.DeliveryQuote, error) {
			<-release
			return domain.DeliveryQuote{QuoteID: "dq_stale", FeeMinorUnits: 500, AddressFingerprint: domain.AddressFingerprint(req.Address)}, nil
		},
	}
	recorder := &eventRecorder{}
	m := newTestManager(t, provider, recorder)

	m.AddressEdited(context.Background(), "chk_1", testAddress)
	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteQuoting })

	// Clearing a field mid-fetch leaves nothing to quote for.
	partial := domain.Address{Street: "123 Main St", City: "Springfield"}
	m.AddressEdited(context.Background(), "chk_1", partial)
	close(release)
	time.Sleep(20 * time.Millisecond)

	snap := m.Snapshot("chk_1")
	if snap.State != domain.QuoteUnlocked || snap.Quote != nil {
		t.Fatalf("expected stale quote discarded, got state=%s quote=%#v", snap.State, snap.Quote)
	}
	if _, ok := recorder.last(EventLocked); ok {
		t.Fatalf("did not expect lock from stale arrival")
	}
}

func TestManagerRefocusDuringFetchAbandonsFlight(t *testing.T) {
	release := make(chan struct{})
	provider := &stubProvider{
		fetch: func(ctx context.Context, req QuoteRequest) (domain.DeliveryQuote, error) {
			<-release
			return domain.DeliveryQuote{QuoteID: "dq_stale", FeeMinorUnits: 500, AddressFingerprint: domain.AddressFingerprint(req.Address)}, nil
		},
	}
	m := newTestManager(t, provider, nil)

	m.AddressEdited(context.Background(), "chk_1", testAddress)
	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteQuoting })

	m.FieldRefocused(context.Background(), "chk_1")
	close(release)
	time.Sleep(20 * time.Millisecond)

	snap := m.Snapshot("chk_1")
	if snap.State != domain.QuoteUnlocked || snap.Quote != nil {
		t.Fatalf("expected refocus to abandon the flight, got state=%s quote=%#v", snap.State, snap.Quote)
	}
}

func TestManagerRefocusReleasesLock(t *testing.T) {
	provider := &stubProvider{}
	recorder := &eventRecorder{}
	m := newTestManager(t, provider, recorder)

	m.AddressEdited(context.Background(), "chk_1", testAddress)
	waitFor(t, func() bool { return m.Snapshot("chk_1").State == domain.QuoteLocked })

	m.FieldRefocused(context.Background(), "chk_1")

	snap := m.Snapshot("chk_1")
	if snap.State != domain.QuoteUnlocked || snap.Quote != nil {
		t.Fatalf("expected refocus to release lock, got %s", snap.State)
	}
	ev, ok := recorder.last(EventReleased)
	if !ok || ev.Reason != ReleaseReasonFieldRefocused {
		t.Fatalf("expected field_refocused release event, got %#v", ev)
	}
}

func TestManagerIncompleteAddressDoesNotFetch(t *testing.T) {
	provider := &stubProvider{}
	m := newTestManager(t, provider, nil)

	partial := domain.Address{Street: "123 Main St", City: "Springfield"}
	m.AddressEdited(context.Background(), "chk_1", partial)
	time.Sleep(20 * time.Millisecond)

	if calls := provider.callCount(); calls != 0 {
		t.Fatalf("expected no fetch for incomplete address, got %d", calls)
	}
	if snap := m.Snapshot("chk_1"); snap.State != domain.QuoteUnlocked {
		t.Fatalf("expected unlocked, got %s", snap.State)
	}
}
