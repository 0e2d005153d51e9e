package manager

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"hedgebot/src/fsm"
	"hedgebot/src/model"
)

// OnFill consumes one canonical fill from the reconciler. Ordering inside:
// FSM transition first, then the double-limit sibling cancel, and only then
// the hedge, so the sibling cancel always precedes the offsetting order.
func (m *Manager) OnFill(ctx context.Context, order *model.Order, fill *model.Fill) {
	machine := m.machineFor(order.ClientOrderID)
	if machine == nil {
		// Order placed by a previous process; rebuild a live machine from the
		// persisted row.
		state, err := fsm.ParseState(order.Status)
		if err != nil {
			state = fsm.StateLive
		}
		machine = fsm.Restore(order.ClientOrderID, state, order.RequestedSize, order.FilledSize, order.VenueOrderID, m.newSink())
		m.AdoptMachine(machine)
	}

	newState, err := machine.Apply(ctx, fsm.Event{
		Type:     fsm.EventFillReceived,
		FillSize: fill.Size,
		EventID:  fill.DedupKey(),
		Payload: marshalPayload(map[string]interface{}{
			"size":   fill.Size,
			"price":  fill.Price,
			"source": fill.Source,
		}),
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "order_manager",
			"pair":      m.pairID,
			"order_id":  order.ClientOrderID,
		}).WithError(err).Error("fill transition failed")
		return
	}

	m.mu.Lock()
	m.lastFill = time.Now().UTC()
	m.mu.Unlock()

	if order.Role == model.OrderRoleHedge {
		m.tracker.AddHedgeFill(m.pairID, fill.Side, fill.Size, fill.Price, fill.FilledAt)
	} else {
		m.tracker.AddFill(m.pairID, fill.Side, fill.Size, fill.Price, fill.FilledAt)
	}

	if newState == fsm.StateFilled {
		m.clearAutoCancel(order.ClientOrderID)
	}

	switch order.Role {
	case model.OrderRoleDoubleA, model.OrderRoleDoubleB:
		// Sibling cancel is issued before the hedge.
		m.triggerSibling(ctx, order.ClientOrderID)
	case model.OrderRoleHedge:
		// Hedge legs never cascade into further hedges.
		return
	}

	if m.hedger != nil {
		m.hedger.HandleFill(ctx, order, fill)
	}
}
