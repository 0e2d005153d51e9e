package fsm

import (
	"context"

	"hedgebot/src/model"
)

// nopSink lets Replay drive the transition table without touching storage.
type nopSink struct{}

func (nopSink) AppendOrderEvent(context.Context, string, string, string) error { return nil }
func (nopSink) UpdateOrderStatus(context.Context, string, string, float64, string) error {
	return nil
}
func (nopSink) RecordIllegalTransition(context.Context, string, string, string) {}

// Replay reconstructs the state of an order from its persisted order_events.
// Fill sizes and the venue order id are taken from the order row, so replay
// only needs the transition sequence. The returned machine is attached to the
// given sink for further live transitions.
func Replay(order *model.Order, events []model.OrderEvent, sink Sink) *Machine {
	m := &Machine{
		clientOrderID: order.ClientOrderID,
		state:         StateNew,
		requestedSize: order.RequestedSize,
		sink:          nopSink{},
	}
	remaining := order.FilledSize
	for _, ev := range events {
		apply := Event{Type: EventType(ev.Stage)}
		if apply.Type == EventFillReceived {
			// The event log stores transitions, not sizes; the whole
			// persisted cumulative fill is credited to the first fill
			// transition and later ones carry zero, so the final PARTIAL vs
			// FILLED decision matches the stored order.
			apply.FillSize = remaining
			remaining = 0
		}
		if next, ok := m.nextState(apply); ok && !m.state.Terminal() {
			m.commit(apply, next)
		}
	}
	m.venueOrderID = order.VenueOrderID
	m.filledSize = order.FilledSize
	m.sink = sink
	return m
}
