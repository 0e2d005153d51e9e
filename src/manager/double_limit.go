package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/model"
)

// PlaceDoubleLimit arms a coupled pair of resting orders. The ARMED record
// with both client ids is persisted before either placement so a crash in the
// middle of the protocol is recoverable. When double-limit mode is disabled,
// only leg A is placed.
func (m *Manager) PlaceDoubleLimit(ctx context.Context, specA, specB PlaceSpec) (string, string, error) {
	if !m.settings.DoubleLimitEnabled {
		a, err := m.Place(ctx, specA)
		return a, "", err
	}

	specA.Role = model.OrderRoleDoubleA
	specB.Role = model.OrderRoleDoubleB
	specA.ClientOrderID = m.NewClientOrderID(specA.Role)
	specB.ClientOrderID = m.NewClientOrderID(specB.Role)

	record := &model.DoubleLimit{
		ID:           uuid.NewString(),
		PairKey:      m.pairID,
		OrderARef:    specA.ClientOrderID,
		OrderBRef:    specB.ClientOrderID,
		OrderAClient: specA.ClientOrderID,
		OrderBClient: specB.ClientOrderID,
		OrderAVenue:  specA.Venue,
		OrderBVenue:  specB.Venue,
		State:        model.DoubleLimitStateArmed,
	}
	if err := m.doubles.Create(ctx, record); err != nil {
		return "", "", fmt.Errorf("arm double limit: %w", err)
	}

	a, err := m.Place(ctx, specA)
	if err != nil {
		_ = m.doubles.MarkFailed(ctx, record.ID, fmt.Sprintf("leg A placement: %v", err))
		return a, "", err
	}

	b, err := m.Place(ctx, specB)
	if err != nil {
		// Best-effort unwind of the surviving leg.
		if cancelErr := m.Cancel(ctx, a); cancelErr != nil {
			logger.WithFields(map[string]interface{}{
				"component": "order_manager",
				"pair":      m.pairID,
				"order_id":  a,
			}).WithError(cancelErr).Warn("cleanup cancel of leg A failed")
		}
		_ = m.doubles.MarkFailed(ctx, record.ID, fmt.Sprintf("leg B placement: %v", err))
		return a, b, err
	}

	logger.WithFields(map[string]interface{}{
		"component": "order_manager",
		"pair":      m.pairID,
		"record_id": record.ID,
		"leg_a":     a,
		"leg_b":     b,
	}).Info("double limit orders placed")

	return a, b, nil
}

func (m *Manager) dlLock(recordID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock := m.dlLocks[recordID]
	if lock == nil {
		lock = &sync.Mutex{}
		m.dlLocks[recordID] = lock
	}
	return lock
}

// triggerSibling runs the cancel-on-fill half of the protocol. It is called
// before any hedge goes out, keeping the double-exposure window minimal.
// Returns true when this fill won the trigger race.
func (m *Manager) triggerSibling(ctx context.Context, filledClientID string) bool {
	record, err := m.doubles.FindByOrderRef(ctx, filledClientID)
	if err != nil || record == nil {
		return false
	}

	lock := m.dlLock(record.ID)
	lock.Lock()
	defer lock.Unlock()

	siblingRef := record.OrderBRef
	if filledClientID == record.OrderBRef {
		siblingRef = record.OrderARef
	}

	// The ARMED->TRIGGERED compare-and-swap enforces that exactly one leg
	// can win, even across redundant fill deliveries or processes.
	won, err := m.doubles.Transition(ctx, record.ID, model.DoubleLimitStateArmed, model.DoubleLimitStateTriggered, filledClientID, siblingRef)
	if err != nil || !won {
		return false
	}

	if _, err := m.doubles.Transition(ctx, record.ID, model.DoubleLimitStateTriggered, model.DoubleLimitStateCancelling, "", ""); err != nil {
		logger.WithError(err).Warn("double limit cancelling transition failed")
	}

	logger.WithFields(map[string]interface{}{
		"component": "order_manager",
		"pair":      m.pairID,
		"record_id": record.ID,
		"triggered": filledClientID,
		"cancelled": siblingRef,
	}).Info("double limit triggered, cancelling sibling")

	if err := m.Cancel(ctx, siblingRef); err != nil {
		_ = m.incidents.Create(ctx, &model.Incident{
			Level:     model.IncidentLevelWarning,
			Code:      model.IncidentCancelFailure,
			Message:   "double limit sibling cancel failed",
			Component: "order_manager",
			PairID:    m.pairID,
			Details:   fmt.Sprintf(`{"record_id":%q,"sibling":%q}`, record.ID, siblingRef),
		})
		return true
	}

	if _, err := m.doubles.Transition(ctx, record.ID, model.DoubleLimitStateCancelling, model.DoubleLimitStateResolved, "", ""); err != nil {
		logger.WithError(err).Warn("double limit resolve transition failed")
	}
	return true
}
