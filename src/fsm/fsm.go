package fsm

import (
	"context"
	"fmt"
	"sync"

	logger "github.com/sirupsen/logrus"
)

// State of an order lifecycle. Stored as bounded strings; ParseState validates
// persisted values against this enumeration on read.
type State string

const (
	StateNew          State = "NEW"
	StatePendingPlace State = "PENDING_PLACE"
	StateLive         State = "LIVE"
	StatePartial      State = "PARTIAL"
	StateFilled       State = "FILLED"
	StateCancelling   State = "CANCELLING"
	StateCancelled    State = "CANCELLED"
	StateRejected     State = "REJECTED"
	StateExpired      State = "EXPIRED"
	StateErrored      State = "ERRORED"
)

var allStates = map[State]bool{
	StateNew: true, StatePendingPlace: true, StateLive: true, StatePartial: true,
	StateFilled: true, StateCancelling: true, StateCancelled: true,
	StateRejected: true, StateExpired: true, StateErrored: true,
}

// ParseState validates a persisted status string.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !allStates[s] {
		return "", fmt.Errorf("unknown order state %q", raw)
	}
	return s, nil
}

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired, StateErrored:
		return true
	}
	return false
}

// EventType names double as the stage column of order_events rows.
type EventType string

const (
	EventPlaceSubmitted  EventType = "PLACE_SUBMITTED"
	EventPlaceAcked      EventType = "PLACE_ACKED"
	EventPlaceRejected   EventType = "PLACE_REJECTED"
	EventFillReceived    EventType = "FILL_RECEIVED"
	EventCancelRequested EventType = "CANCEL_REQUESTED"
	EventCancelAcked     EventType = "CANCEL_ACKED"
	EventCancelRejected  EventType = "CANCEL_REJECTED"
	EventTimeoutElapsed  EventType = "TIMEOUT_ELAPSED"
	EventErrorObserved   EventType = "ERROR_OBSERVED"
)

// Event drives a transition.
type Event struct {
	Type         EventType
	VenueOrderID string  // PLACE_ACKED
	FillSize     float64 // FILL_RECEIVED
	Err          string  // PLACE_REJECTED / ERROR_OBSERVED
	// EventID deduplicates redeliveries of the same event.
	EventID string
	Payload string // JSON context persisted with the order_events row
}

// Sink persists transitions. The event row is appended before the in-memory
// state changes so recovery can replay.
type Sink interface {
	AppendOrderEvent(ctx context.Context, clientOrderID string, stage string, payload string) error
	UpdateOrderStatus(ctx context.Context, clientOrderID string, status string, filledSize float64, venueOrderID string) error
	RecordIllegalTransition(ctx context.Context, clientOrderID string, state string, event string)
}

const sizeEpsilon = 1e-9

// Machine is the authoritative lifecycle of exactly one order. All transitions
// are serialized by the machine's own lock.
type Machine struct {
	mu sync.Mutex

	clientOrderID string
	state         State
	requestedSize float64
	filledSize    float64
	venueOrderID  string
	lastEventID   string

	sink Sink
}

// New creates a machine in NEW for a not-yet-placed order.
func New(clientOrderID string, requestedSize float64, sink Sink) *Machine {
	return &Machine{
		clientOrderID: clientOrderID,
		state:         StateNew,
		requestedSize: requestedSize,
		sink:          sink,
	}
}

// Restore creates a machine at a known state, used after crash recovery.
func Restore(clientOrderID string, state State, requestedSize, filledSize float64, venueOrderID string, sink Sink) *Machine {
	return &Machine{
		clientOrderID: clientOrderID,
		state:         state,
		requestedSize: requestedSize,
		filledSize:    filledSize,
		venueOrderID:  venueOrderID,
		sink:          sink,
	}
}

func (m *Machine) ClientOrderID() string { return m.clientOrderID }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) FilledSize() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filledSize
}

func (m *Machine) VenueOrderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.venueOrderID
}

// Lock exposes the per-order mutex so cross-order operations can acquire
// machines in client_order_id order.
func (m *Machine) Lock()   { m.mu.Lock() }
func (m *Machine) Unlock() { m.mu.Unlock() }

// Apply runs one transition: the order_events row is persisted first, then the
// in-memory state and the orders row are updated. Events arriving in a
// terminal state are discarded; combinations outside the transition table are
// recorded as illegal and leave the state untouched.
func (m *Machine) Apply(ctx context.Context, ev Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(ctx, ev)
}

// ApplyLocked is Apply for callers that already hold the machine lock.
func (m *Machine) ApplyLocked(ctx context.Context, ev Event) (State, error) {
	return m.applyLocked(ctx, ev)
}

func (m *Machine) applyLocked(ctx context.Context, ev Event) (State, error) {
	if ev.EventID != "" && ev.EventID == m.lastEventID {
		return m.state, nil
	}

	if m.state.Terminal() {
		// Late events (e.g. a CancelAcked racing a completing fill) are
		// expected and dropped without incident.
		logger.WithFields(map[string]interface{}{
			"component": "fsm",
			"order_id":  m.clientOrderID,
			"state":     m.state,
			"event":     ev.Type,
		}).Debug("event discarded in terminal state")
		return m.state, nil
	}

	next, ok := m.nextState(ev)
	if !ok {
		m.sink.RecordIllegalTransition(ctx, m.clientOrderID, string(m.state), string(ev.Type))
		return m.state, nil
	}

	if err := m.sink.AppendOrderEvent(ctx, m.clientOrderID, string(ev.Type), ev.Payload); err != nil {
		return m.state, fmt.Errorf("append order event: %w", err)
	}

	m.commit(ev, next)

	if err := m.sink.UpdateOrderStatus(ctx, m.clientOrderID, string(m.state), m.filledSize, m.venueOrderID); err != nil {
		return m.state, fmt.Errorf("update order status: %w", err)
	}
	return m.state, nil
}

func (m *Machine) commit(ev Event, next State) {
	switch ev.Type {
	case EventPlaceAcked:
		if ev.VenueOrderID != "" {
			m.venueOrderID = ev.VenueOrderID
		}
	case EventFillReceived:
		m.filledSize += ev.FillSize
		if m.filledSize > m.requestedSize {
			m.filledSize = m.requestedSize
		}
	}
	m.state = next
	m.lastEventID = ev.EventID
}

// nextState implements the transition table. FILL_RECEIVED that completes the
// order wins over an in-progress cancel.
func (m *Machine) nextState(ev Event) (State, bool) {
	switch m.state {
	case StateNew:
		switch ev.Type {
		case EventPlaceSubmitted:
			return StatePendingPlace, true
		case EventPlaceRejected:
			return StateRejected, true
		case EventErrorObserved:
			return StateErrored, true
		}
	case StatePendingPlace:
		switch ev.Type {
		case EventPlaceAcked:
			return StateLive, true
		case EventPlaceRejected:
			return StateRejected, true
		case EventFillReceived:
			// Fast venues can report a fill before the place ack is decoded.
			return m.fillTarget(ev), true
		case EventTimeoutElapsed:
			return StateExpired, true
		case EventErrorObserved:
			return StateErrored, true
		}
	case StateLive, StatePartial:
		switch ev.Type {
		case EventFillReceived:
			return m.fillTarget(ev), true
		case EventCancelRequested:
			return StateCancelling, true
		case EventTimeoutElapsed:
			return StateExpired, true
		case EventErrorObserved:
			return StateErrored, true
		case EventPlaceAcked:
			// Redelivered ack; stay put.
			return m.state, true
		}
	case StateCancelling:
		switch ev.Type {
		case EventCancelAcked:
			return StateCancelled, true
		case EventCancelRejected:
			// Venue refused the cancel; the order is still resting.
			return StateLive, true
		case EventFillReceived:
			if m.wouldComplete(ev) {
				return StateFilled, true
			}
			return StateCancelling, true
		case EventErrorObserved:
			return StateErrored, true
		}
	}
	return m.state, false
}

func (m *Machine) fillTarget(ev Event) State {
	if m.wouldComplete(ev) {
		return StateFilled
	}
	return StatePartial
}

func (m *Machine) wouldComplete(ev Event) bool {
	return m.filledSize+ev.FillSize >= m.requestedSize-sizeEpsilon
}
