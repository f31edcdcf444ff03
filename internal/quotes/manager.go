package quotes

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/pantryline/checkout-api/internal/domain"
)

const (
	defaultDebounce     = 500 * time.Millisecond
	defaultFetchTimeout = 5 * time.Second
)

// ReleaseReason explains why a bound quote was discarded.
type ReleaseReason string

const (
	// ReleaseReasonAddressEdited means an address field changed under a lock.
	ReleaseReasonAddressEdited ReleaseReason = "address_edited"
	// ReleaseReasonFieldRefocused means the user deliberately re-opened the address form.
	ReleaseReasonFieldRefocused ReleaseReason = "field_refocused"
	// ReleaseReasonDeliveryTypeChanged means the order no longer needs a courier.
	ReleaseReasonDeliveryTypeChanged ReleaseReason = "delivery_type_changed"
)

// EventType classifies manager transitions surfaced to the orchestrator.
type EventType string

const (
	// EventLocked fires when a provider quote binds to the current fingerprint.
	EventLocked EventType = "locked"
	// EventReleased fires when a bound quote is discarded.
	EventReleased EventType = "released"
	// EventFailed fires when a provider fetch fails and the lock re-opens.
	EventFailed EventType = "failed"
)

// Event describes a completed lock transition.
type Event struct {
	CheckoutID string
	Type       EventType
	Quote      *domain.DeliveryQuote
	Reason     ReleaseReason
	Err        error
	Revision   uint64
}

// ManagerDeps wires the dependencies required by the quote manager.
type ManagerDeps struct {
	Provider     Provider
	Debounce     time.Duration
	FetchTimeout time.Duration
	Events       func(ctx context.Context, ev Event)
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// Manager owns the quote lock state machine. It is the only component that
// assigns QuoteLockState; everything else observes it through Snapshot.
//
// The machine per checkout: Unlocked -> Quoting -> Locked, re-opened to
// Unlocked by any address edit, refocus, or delivery-type change. Edits are
// debounced so a typing burst produces a single provider call, and concurrent
// fetches for the same fingerprint are collapsed into one flight.
type Manager struct {
	provider     Provider
	debounce     time.Duration
	fetchTimeout time.Duration
	events       func(ctx context.Context, ev Event)
	now          func() time.Time
	logger       func(ctx context.Context, event string, fields map[string]any)

	mu     sync.Mutex
	states map[string]*lockState
	flight singleflight.Group
}

type lockState struct {
	state       domain.QuoteLockState
	fingerprint string
	quote       *domain.DeliveryQuote
	revision    uint64
	timer       *time.Timer
	pending     domain.Address
	pendingFP   string
}

// Snapshot is the read-only view other components get of a checkout's lock.
type Snapshot struct {
	State       domain.QuoteLockState
	Quote       *domain.DeliveryQuote
	Fingerprint string
	Revision    uint64
}

// NewManager constructs a quote Manager validating required dependencies.
func NewManager(deps ManagerDeps) (*Manager, error) {
	if deps.Provider == nil {
		return nil, errors.New("quote manager: provider is required")
	}
	debounce := deps.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fetchTimeout := deps.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	events := deps.Events
	if events == nil {
		events = func(context.Context, Event) {}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Manager{
		provider:     deps.Provider,
		debounce:     debounce,
		fetchTimeout: fetchTimeout,
		events:       events,
		now:          func() time.Time { return clock().UTC() },
		logger:       logger,
		states:       make(map[string]*lockState),
	}, nil
}

// Snapshot returns the current lock state for the checkout.
func (m *Manager) Snapshot(checkoutID string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[checkoutID]
	if !ok {
		return Snapshot{State: domain.QuoteUnlocked}
	}
	return Snapshot{
		State:       st.state,
		Quote:       st.quote,
		Fingerprint: st.fingerprint,
		Revision:    st.revision,
	}
}

// Revision returns the lock transition counter for the checkout. Callers use
// it to detect whether the lock moved while another async operation ran.
func (m *Manager) Revision(checkoutID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[checkoutID]; ok {
		return st.revision
	}
	return 0
}

// AddressEdited records an address field change. An unchanged fingerprint is
// an idempotent no-op whether locked or mid-fetch. Any real change releases
// the bound quote (or abandons the fetch in flight) immediately and schedules
// a debounced provider fetch once the address is complete.
func (m *Manager) AddressEdited(ctx context.Context, checkoutID string, addr domain.Address) {
	fp := domain.AddressFingerprint(addr)

	m.mu.Lock()
	st := m.ensureLocked(checkoutID)

	var released *Event
	switch st.state {
	case domain.QuoteLocked:
		if fp == st.fingerprint {
			m.mu.Unlock()
			return
		}
		released = m.releaseLocked(checkoutID, st, ReleaseReasonAddressEdited)
	case domain.QuoteQuoting:
		if fp == st.fingerprint {
			// The in-flight fetch already covers this address.
			m.mu.Unlock()
			return
		}
		// Abandon the flight; its result is discarded on arrival.
		st.state = domain.QuoteUnlocked
		st.fingerprint = ""
		st.revision++
	}

	if !addr.Complete() {
		st.stopTimer()
		st.pendingFP = ""
		m.mu.Unlock()
		m.emit(ctx, released)
		return
	}

	st.pending = addr
	st.pendingFP = fp
	st.stopTimer()
	st.timer = time.AfterFunc(m.debounce, func() {
		m.fetch(checkoutID, addr, fp)
	})
	m.mu.Unlock()
	m.emit(ctx, released)
}

// FieldRefocused handles the user deliberately re-opening an address field.
// A held lock is released and the user is told a fresh quote will be fetched
// on the next edit; a fetch in flight is abandoned the same way, since the
// address it was quoted for is about to change.
func (m *Manager) FieldRefocused(ctx context.Context, checkoutID string) {
	m.mu.Lock()
	st := m.ensureLocked(checkoutID)
	var released *Event
	switch st.state {
	case domain.QuoteLocked:
		released = m.releaseLocked(checkoutID, st, ReleaseReasonFieldRefocused)
	case domain.QuoteQuoting:
		st.stopTimer()
		st.pendingFP = ""
		st.state = domain.QuoteUnlocked
		st.fingerprint = ""
		st.revision++
	}
	m.mu.Unlock()
	m.emit(ctx, released)
}

// DeliveryTypeChanged reacts to the order switching away from courier
// delivery: the lock releases, pending fetches are abandoned, and address
// requirements clear. Switching to delivery is a no-op here; the next address
// edit drives the fetch.
func (m *Manager) DeliveryTypeChanged(ctx context.Context, checkoutID string, deliveryType domain.DeliveryType) {
	if deliveryType == domain.DeliveryTypeDelivery {
		return
	}
	m.mu.Lock()
	st := m.ensureLocked(checkoutID)
	st.stopTimer()
	st.pendingFP = ""
	var released *Event
	switch st.state {
	case domain.QuoteLocked:
		released = m.releaseLocked(checkoutID, st, ReleaseReasonDeliveryTypeChanged)
	case domain.QuoteQuoting:
		// Abandon the flight; its result is discarded on arrival.
		st.state = domain.QuoteUnlocked
		st.fingerprint = ""
		st.revision++
	}
	m.mu.Unlock()
	m.emit(ctx, released)
}

// Reset drops all state for a finished checkout.
func (m *Manager) Reset(checkoutID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[checkoutID]; ok {
		st.stopTimer()
		delete(m.states, checkoutID)
	}
}

func (m *Manager) fetch(checkoutID string, addr domain.Address, fp string) {
	m.mu.Lock()
	st, ok := m.states[checkoutID]
	if !ok || st.pendingFP != fp {
		// The address moved on before the debounce window closed.
		m.mu.Unlock()
		return
	}
	st.state = domain.QuoteQuoting
	st.fingerprint = fp
	st.quote = nil
	st.revision++
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	// One flight per checkout+fingerprint regardless of how many edits
	// collapsed into this window.
	result, err, _ := m.flight.Do(checkoutID+"|"+fp, func() (any, error) {
		return m.provider.FetchQuote(ctx, QuoteRequest{ExternalID: checkoutID, Address: addr})
	})

	m.mu.Lock()
	st, ok = m.states[checkoutID]
	if !ok || st.state != domain.QuoteQuoting || st.fingerprint != fp {
		// Stale arrival: the user edited again or left delivery. Discard.
		m.mu.Unlock()
		return
	}

	var ev Event
	if err != nil {
		st.state = domain.QuoteUnlocked
		st.fingerprint = ""
		st.pendingFP = ""
		st.revision++
		ev = Event{CheckoutID: checkoutID, Type: EventFailed, Err: err, Revision: st.revision}
		m.logger(ctx, "quotes.fetch_failed", map[string]any{"checkoutId": checkoutID, "error": err.Error()})
	} else {
		quote := result.(domain.DeliveryQuote)
		st.state = domain.QuoteLocked
		st.quote = &quote
		st.revision++
		ev = Event{CheckoutID: checkoutID, Type: EventLocked, Quote: &quote, Revision: st.revision}
		m.logger(ctx, "quotes.locked", map[string]any{
			"checkoutId": checkoutID,
			"quoteId":    quote.QuoteID,
			"fee":        quote.FeeMinorUnits,
		})
	}
	m.mu.Unlock()
	m.events(ctx, ev)
}

// releaseLocked discards the bound quote. Callers hold m.mu.
func (m *Manager) releaseLocked(checkoutID string, st *lockState, reason ReleaseReason) *Event {
	st.state = domain.QuoteUnlocked
	st.quote = nil
	st.fingerprint = ""
	st.revision++
	return &Event{CheckoutID: checkoutID, Type: EventReleased, Reason: reason, Revision: st.revision}
}

func (m *Manager) ensureLocked(checkoutID string) *lockState {
	st, ok := m.states[checkoutID]
	if !ok {
		st = &lockState{state: domain.QuoteUnlocked}
		m.states[checkoutID] = st
	}
	return st
}

func (m *Manager) emit(ctx context.Context, ev *Event) {
	if ev != nil {
		m.events(ctx, *ev)
	}
}

func (s *lockState) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
