package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/config"
	"hedgebot/src/fsm"
	"hedgebot/src/model"
	"hedgebot/src/positions"
	"hedgebot/src/risk"
	"hedgebot/src/telemetry"
	"hedgebot/src/venue"
)

const cancelAlertThreshold = 3

// Repositories the manager persists through. Narrow interfaces so tests can
// substitute fakes.
type orderStore interface {
	Create(ctx context.Context, order *model.Order) error
	FindByClientOrderID(ctx context.Context, clientOrderID string) (*model.Order, error)
	FindByVenueOrderID(ctx context.Context, venueName, venueOrderID string) (*model.Order, error)
	UpdateStatus(ctx context.Context, clientOrderID, status string, filledSize float64, venueOrderID string) error
	AppendEvent(ctx context.Context, clientOrderID, stage, payload string) error
	CountOpenByPair(ctx context.Context, pairID string) (int, error)
}

type doubleLimitStore interface {
	Create(ctx context.Context, dl *model.DoubleLimit) error
	FindByOrderRef(ctx context.Context, orderRef string) (*model.DoubleLimit, error)
	Transition(ctx context.Context, id, expectedState, newState, triggeredRef, cancelledRef string) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) error
}

type incidentStore interface {
	Create(ctx context.Context, incident *model.Incident) error
	LastForPair(ctx context.Context, pairID string) (time.Time, error)
}

// Hedger is attached after construction to break the fill-flow cycle:
// reconciler -> manager -> hedger -> manager.Place.
type Hedger interface {
	HandleFill(ctx context.Context, entry *model.Order, fill *model.Fill)
}

type notifierIface interface {
	Send(ctx context.Context, msg string)
}

// PlaceSpec describes one order the pair controller or hedger wants placed.
type PlaceSpec struct {
	// ClientOrderID may be pre-assigned by the double-limit protocol, which
	// must persist both ids before either placement. Generated when empty.
	ClientOrderID string

	Venue        string
	AccountID    string
	MarketID     string
	Side         string
	OrderType    string
	Price        *float64
	Size         float64
	Role         string
	ParentFillID string
	IOC          bool
	// PredictedSlippage feeds the risk gate's ceiling check.
	PredictedSlippage float64
}

// Manager owns order placement, cancellation, the per-order FSMs, and the
// double-limit protocol for one market pair.
type Manager struct {
	pairID   string
	settings *config.Settings

	workers map[string]*venue.Worker // keyed by venue name

	orders    orderStore
	doubles   doubleLimitStore
	incidents incidentStore

	tracker  *positions.Tracker
	tel      *telemetry.Telemetry
	notifier notifierIface

	hedger Hedger

	mu       sync.Mutex
	fsms     map[string]*fsm.Machine
	dlLocks  map[string]*sync.Mutex
	timers   map[string]*time.Timer
	lastFill time.Time

	cancelFailures int

	dryRun bool
}

// New builds a manager for one pair. Workers map venue name to the account
// worker serving that side of the pair.
func New(
	pairID string,
	settings *config.Settings,
	workers map[string]*venue.Worker,
	orders orderStore,
	doubles doubleLimitStore,
	incidents incidentStore,
	tracker *positions.Tracker,
	tel *telemetry.Telemetry,
	notify notifierIface,
) *Manager {
	return &Manager{
		pairID:    pairID,
		settings:  settings,
		workers:   workers,
		orders:    orders,
		doubles:   doubles,
		incidents: incidents,
		tracker:   tracker,
		tel:       tel,
		notifier:  notify,
		fsms:      make(map[string]*fsm.Machine),
		dlLocks:   make(map[string]*sync.Mutex),
		timers:    make(map[string]*time.Timer),
		dryRun:    settings.DryRun,
	}
}

// AttachHedger wires the hedge consumer once both sides exist.
func (m *Manager) AttachHedger(h Hedger) { m.hedger = h }

func (m *Manager) PairID() string { return m.pairID }

// LastFillAt reports when this pair last consumed a canonical fill.
func (m *Manager) LastFillAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFill
}

// sink adapts the repositories to the fsm.Sink contract.
type sink struct {
	orders    orderStore
	incidents incidentStore
	pairID    string
}

func (s sink) AppendOrderEvent(ctx context.Context, clientOrderID, stage, payload string) error {
	return s.orders.AppendEvent(ctx, clientOrderID, stage, payload)
}

func (s sink) UpdateOrderStatus(ctx context.Context, clientOrderID, status string, filledSize float64, venueOrderID string) error {
	return s.orders.UpdateStatus(ctx, clientOrderID, status, filledSize, venueOrderID)
}

func (s sink) RecordIllegalTransition(ctx context.Context, clientOrderID, state, event string) {
	_ = s.incidents.Create(ctx, &model.Incident{
		Level:     model.IncidentLevelCritical,
		Code:      model.IncidentIllegalTransition,
		Message:   fmt.Sprintf("illegal transition %s in state %s", event, state),
		Component: "fsm",
		PairID:    s.pairID,
		Details:   fmt.Sprintf(`{"order_id":%q}`, clientOrderID),
	})
}

func (m *Manager) newSink() fsm.Sink {
	return sink{orders: m.orders, incidents: m.incidents, pairID: m.pairID}
}

// Sink exposes the FSM persistence adapter for crash-recovery replay.
func (m *Manager) Sink() fsm.Sink { return m.newSink() }

// NewClientOrderID builds {pair}-{role}-{monotonic_ts}-{short_random}. Unique
// per process and generated before any network call.
func (m *Manager) NewClientOrderID(role string) string {
	short := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s-%d-%s", m.pairID, role, time.Now().UnixNano(), short)
}

// Place persists the NEW row, gates via risk, and drives the placement through
// the venue adapter with backoff. Returns the client order id even when the
// placement is denied or rejected; the FSM carries the outcome.
func (m *Manager) Place(ctx context.Context, spec PlaceSpec) (string, error) {
	worker, ok := m.workers[spec.Venue]
	if !ok {
		return "", fmt.Errorf("no worker for venue %s", spec.Venue)
	}

	clientOrderID := spec.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = m.NewClientOrderID(spec.Role)
	}
	order := &model.Order{
		ClientOrderID: clientOrderID,
		Venue:         spec.Venue,
		AccountID:     worker.Account.AccountID,
		MarketID:      spec.MarketID,
		PairID:        m.pairID,
		Side:          spec.Side,
		OrderType:     spec.OrderType,
		Price:         spec.Price,
		RequestedSize: spec.Size,
		Status:        string(fsm.StateNew),
		Role:          spec.Role,
		ParentFillID:  spec.ParentFillID,
		Synthetic:     m.dryRun,
	}
	if err := m.orders.Create(ctx, order); err != nil {
		return "", fmt.Errorf("persist order: %w", err)
	}

	machine := fsm.New(clientOrderID, spec.Size, m.newSink())
	m.mu.Lock()
	m.fsms[clientOrderID] = machine
	m.mu.Unlock()

	if verdict := m.gate(ctx, worker, spec); !verdict.Allowed() {
		logger.WithFields(map[string]interface{}{
			"component": "order_manager",
			"pair":      m.pairID,
			"order_id":  clientOrderID,
			"reason":    verdict.Reason,
		}).Debug("risk denied placement")
		_, _ = machine.Apply(ctx, fsm.Event{
			Type:    fsm.EventPlaceRejected,
			Err:     verdict.Reason,
			EventID: "risk-" + clientOrderID,
			Payload: fmt.Sprintf(`{"risk_reason":%q}`, verdict.Reason),
		})
		return clientOrderID, nil
	}

	if _, err := machine.Apply(ctx, fsm.Event{Type: fsm.EventPlaceSubmitted, EventID: "submit-" + clientOrderID}); err != nil {
		return clientOrderID, err
	}

	venueOrderID, err := m.placeWithRetry(ctx, worker, spec, clientOrderID)
	if err != nil {
		_, _ = machine.Apply(ctx, fsm.Event{
			Type:    fsm.EventPlaceRejected,
			Err:     err.Error(),
			EventID: "reject-" + clientOrderID,
			Payload: fmt.Sprintf(`{"error":%q}`, err.Error()),
		})
		return clientOrderID, err
	}

	if _, err := machine.Apply(ctx, fsm.Event{
		Type:         fsm.EventPlaceAcked,
		VenueOrderID: venueOrderID,
		EventID:      "ack-" + clientOrderID,
	}); err != nil {
		return clientOrderID, err
	}

	logger.WithFields(map[string]interface{}{
		"component":      "order_manager",
		"pair":           m.pairID,
		"order_id":       clientOrderID,
		"venue_order_id": venueOrderID,
		"venue":          spec.Venue,
		"side":           spec.Side,
		"size":           spec.Size,
	}).Info("order placed")

	m.scheduleAutoCancel(clientOrderID, spec.Venue)
	return clientOrderID, nil
}

func (m *Manager) gate(ctx context.Context, worker *venue.Worker, spec PlaceSpec) risk.Result {
	lastIncident, err := m.incidents.LastForPair(ctx, m.pairID)
	if err != nil {
		lastIncident = time.Time{}
	}
	openOrders, err := m.orders.CountOpenByPair(ctx, m.pairID)
	if err != nil {
		openOrders = 0
	}
	balance, err := worker.Adapter.FetchBalance(ctx)
	if err != nil {
		// A balance probe failure must not let an order through unchecked.
		balance = 0
	}
	// Market orders carry no price; 1.0 is the upper bound of a prediction
	// market outcome, so notional is bounded by size.
	price := 1.0
	if spec.Price != nil {
		price = *spec.Price
	}

	limits := risk.Limits{
		ExposureCap:      decimal.NewFromFloat(m.settings.MarketHedgeMode.ExposureCap),
		MaxOpenOrders:    m.settings.MarketHedgeMode.MaxOpenOrders,
		BalanceMargin:    decimal.NewFromFloat(m.settings.MarketHedgeMode.BalanceMargin),
		SlippageCeiling:  decimal.NewFromFloat(m.settings.MarketHedgeMode.MaxSlippage),
		CoolDownDuration: m.settings.MarketHedgeMode.CoolDown,
	}
	pos := m.tracker.Get(m.pairID)
	state := risk.AccountState{
		LastIncidentAt:   lastIncident,
		GrossExposure:    decimal.NewFromFloat(pos.Gross),
		OpenOrdersOnPair: openOrders,
		AvailableBalance: decimal.NewFromFloat(balance),
	}
	proposed := risk.ProposedOrder{
		Price:             decimal.NewFromFloat(price),
		Size:              decimal.NewFromFloat(spec.Size),
		PredictedSlippage: decimal.NewFromFloat(spec.PredictedSlippage),
	}
	return risk.Evaluate(limits, state, proposed, time.Now().UTC())
}

// placeWithRetry drives the adapter call with exponential backoff on transient
// failures. Non-idempotent venue errors halt the retry loop immediately.
func (m *Manager) placeWithRetry(ctx context.Context, worker *venue.Worker, spec PlaceSpec, clientOrderID string) (string, error) {
	adapter := worker.Adapter
	attempts := m.settings.PlaceMaxAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := worker.Limiter.Wait(ctx); err != nil {
			return "", err
		}
		callCtx, cancel := context.WithTimeout(ctx, m.settings.PlaceTimeout)
		venueOrderID, err := adapter.Place(callCtx, venue.OrderSpec{
			ClientOrderID: clientOrderID,
			MarketID:      spec.MarketID,
			Side:          spec.Side,
			OrderType:     spec.OrderType,
			Price:         spec.Price,
			Size:          spec.Size,
			IOC:           spec.IOC,
		})
		cancel()
		if err == nil {
			return venueOrderID, nil
		}
		lastErr = err
		if !venue.IsTransient(err) {
			return "", err
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
	}
	return "", lastErr
}

// backoff: base 250ms doubling, capped at 4s, jitter +-25%.
func backoff(attempt int) time.Duration {
	base := 250 * time.Millisecond
	d := base << (attempt - 1)
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// Cancel requests cancellation of a live order. Terminal orders are a no-op.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	machine := m.machineFor(clientOrderID)
	if machine == nil {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	if machine.State().Terminal() {
		return nil
	}

	if _, err := machine.Apply(ctx, fsm.Event{Type: fsm.EventCancelRequested, EventID: "cancel-req-" + clientOrderID}); err != nil {
		return err
	}

	if m.dryRun {
		_, err := machine.Apply(ctx, fsm.Event{Type: fsm.EventCancelAcked, EventID: "cancel-ack-" + clientOrderID})
		m.clearAutoCancel(clientOrderID)
		return err
	}

	order, err := m.orders.FindByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", clientOrderID, err)
	}
	if order == nil {
		return fmt.Errorf("order %s not found", clientOrderID)
	}
	worker := m.workers[order.Venue]
	if worker == nil {
		return fmt.Errorf("no worker for venue %s", order.Venue)
	}

	attempts := m.settings.PlaceMaxAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := worker.Limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, m.settings.CancelTimeout)
		err := worker.Adapter.Cancel(callCtx, machine.VenueOrderID())
		cancel()
		if err == nil {
			m.mu.Lock()
			m.cancelFailures = 0
			m.mu.Unlock()
			_, err = machine.Apply(ctx, fsm.Event{Type: fsm.EventCancelAcked, EventID: "cancel-ack-" + clientOrderID})
			m.clearAutoCancel(clientOrderID)
			return err
		}
		lastErr = err
		if !venue.IsTransient(err) {
			break
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
	}

	m.recordCancelFailure(ctx, clientOrderID, order.Venue, lastErr)
	_, _ = machine.Apply(ctx, fsm.Event{
		Type:    fsm.EventErrorObserved,
		Err:     lastErr.Error(),
		EventID: "cancel-err-" + clientOrderID,
	})
	return lastErr
}

func (m *Manager) recordCancelFailure(ctx context.Context, clientOrderID, venueName string, cause error) {
	m.tel.Inc(telemetry.CancelFailures)
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	_ = m.incidents.Create(ctx, &model.Incident{
		Level:     model.IncidentLevelWarning,
		Code:      model.IncidentCancelFailure,
		Message:   "cancel failed after retries",
		Component: "order_manager",
		PairID:    m.pairID,
		Venue:     venueName,
		Details:   fmt.Sprintf(`{"order_id":%q,"error":%q}`, clientOrderID, msg),
	})

	m.mu.Lock()
	m.cancelFailures++
	hitThreshold := m.cancelFailures >= cancelAlertThreshold
	if hitThreshold {
		m.cancelFailures = 0
	}
	m.mu.Unlock()
	if hitThreshold {
		m.notifier.Send(ctx, fmt.Sprintf("Cancel failures exceeded threshold (%d) on pair %s. Investigate venue reliability.", cancelAlertThreshold, m.pairID))
	}
}

func (m *Manager) machineFor(clientOrderID string) *fsm.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsms[clientOrderID]
}

// AdoptMachine registers a machine restored during crash recovery.
func (m *Manager) AdoptMachine(machine *fsm.Machine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsms[machine.ClientOrderID()] = machine
}

// OpenMachines lists non-terminal machines, for shutdown and /status.
func (m *Manager) OpenMachines() []*fsm.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*fsm.Machine
	for _, machine := range m.fsms {
		if !machine.State().Terminal() {
			out = append(out, machine)
		}
	}
	return out
}

// HasLiveOrder reports whether any order of the pair is still non-terminal.
// The order's role is not considered, so a working hedge leg counts as well.
func (m *Manager) HasLiveOrder() bool {
	return len(m.OpenMachines()) > 0
}

// LiveOrderCount is the externally visible open-order count. Synthetic
// dry-run orders never count as live.
func (m *Manager) LiveOrderCount() int {
	if m.dryRun {
		return 0
	}
	return len(m.OpenMachines())
}

// scheduleAutoCancel arms the max_order_age timer for a freshly placed order.
func (m *Manager) scheduleAutoCancel(clientOrderID, venueName string) {
	age := m.settings.MarketHedgeMode.MaxOrderAge
	if age <= 0 || m.dryRun {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.timers[clientOrderID]; old != nil {
		old.Stop()
	}
	m.timers[clientOrderID] = time.AfterFunc(age, func() {
		machine := m.machineFor(clientOrderID)
		if machine == nil || machine.State().Terminal() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.settings.CancelTimeout+5*time.Second)
		defer cancel()
		logger.WithFields(map[string]interface{}{
			"component": "order_manager",
			"pair":      m.pairID,
			"order_id":  clientOrderID,
			"venue":     venueName,
		}).Info("auto-cancelling aged order")
		if err := m.Cancel(ctx, clientOrderID); err != nil {
			logger.WithError(err).Warn("auto-cancel failed")
		}
	})
}

func (m *Manager) clearAutoCancel(clientOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.timers[clientOrderID]; t != nil {
		t.Stop()
		delete(m.timers, clientOrderID)
	}
}

// Shutdown cancels all open orders; placements that cannot be confirmed
// cancelled are recorded as SHUTDOWN_INFLIGHT incidents.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, machine := range m.OpenMachines() {
		if err := m.Cancel(ctx, machine.ClientOrderID()); err != nil {
			_ = m.incidents.Create(ctx, &model.Incident{
				Level:     model.IncidentLevelWarning,
				Code:      model.IncidentShutdownInflight,
				Message:   "in-flight order not confirmed cancelled at shutdown",
				Component: "order_manager",
				PairID:    m.pairID,
				Details:   fmt.Sprintf(`{"order_id":%q}`, machine.ClientOrderID()),
			})
		}
	}
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

func marshalPayload(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
