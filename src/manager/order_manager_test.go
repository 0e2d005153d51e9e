package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hedgebot/src/config"
	"hedgebot/src/fsm"
	"hedgebot/src/model"
	"hedgebot/src/orderbook"
	"hedgebot/src/positions"
	"hedgebot/src/telemetry"
	"hedgebot/src/venue"
)

type memoryOrders struct {
	mu     sync.Mutex
	orders map[string]*model.Order
	events []model.OrderEvent
}

func newMemoryOrders() *memoryOrders {
	return &memoryOrders{orders: make(map[string]*model.Order)}
}

func (s *memoryOrders) Create(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *order
	s.orders[order.ClientOrderID] = &copied
	return nil
}

func (s *memoryOrders) FindByClientOrderID(_ context.Context, clientOrderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[clientOrderID]
	if order == nil {
		return nil, nil
	}
	copied := *order
	return &copied, nil
}

func (s *memoryOrders) FindByVenueOrderID(_ context.Context, venueName, venueOrderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.Venue == venueName && order.VenueOrderID == venueOrderID {
			copied := *order
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memoryOrders) UpdateStatus(_ context.Context, clientOrderID, status string, filledSize float64, venueOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[clientOrderID]
	if order == nil {
		return errors.New("order not found")
	}
	order.Status = status
	order.FilledSize = filledSize
	if venueOrderID != "" {
		order.VenueOrderID = venueOrderID
	}
	return nil
}

func (s *memoryOrders) AppendEvent(_ context.Context, clientOrderID, stage, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, model.OrderEvent{ClientOrderID: clientOrderID, Stage: stage, Payload: payload})
	return nil
}

func (s *memoryOrders) CountOpenByPair(context.Context, string) (int, error) { return 0, nil }

func (s *memoryOrders) stagesFor(clientOrderID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stages []string
	for _, ev := range s.events {
		if ev.ClientOrderID == clientOrderID {
			stages = append(stages, ev.Stage)
		}
	}
	return stages
}

type memoryDoubles struct {
	mu      sync.Mutex
	records map[string]*model.DoubleLimit
	log     []string
}

func newMemoryDoubles() *memoryDoubles {
	return &memoryDoubles{records: make(map[string]*model.DoubleLimit)}
}

func (s *memoryDoubles) Create(_ context.Context, dl *model.DoubleLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *dl
	s.records[dl.ID] = &copied
	s.log = append(s.log, "dl:"+dl.State)
	return nil
}

func (s *memoryDoubles) FindByOrderRef(_ context.Context, orderRef string) (*model.DoubleLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.records {
		if dl.OrderARef == orderRef || dl.OrderBRef == orderRef {
			copied := *dl
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memoryDoubles) Transition(_ context.Context, id, expectedState, newState, triggeredRef, cancelledRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl := s.records[id]
	if dl == nil || dl.State != expectedState {
		return false, nil
	}
	dl.State = newState
	if triggeredRef != "" {
		dl.TriggeredRef = triggeredRef
	}
	if cancelledRef != "" {
		dl.CancelledRef = cancelledRef
	}
	s.log = append(s.log, "dl:"+newState)
	return true, nil
}

func (s *memoryDoubles) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl := s.records[id]; dl != nil {
		dl.State = model.DoubleLimitStateFailed
		dl.FailureReason = reason
	}
	return nil
}

type memoryIncidents struct {
	mu        sync.Mutex
	incidents []model.Incident
}

func (s *memoryIncidents) Create(_ context.Context, incident *model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, *incident)
	return nil
}

func (s *memoryIncidents) LastForPair(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}

type fakeHedger struct {
	mu  sync.Mutex
	log *[]string
}

func (h *fakeHedger) HandleFill(_ context.Context, _ *model.Order, _ *model.Fill) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.log = append(*h.log, "hedge")
}

type fakeAdapter struct {
	name       string
	placeCalls int
	placeErr   error
}

func (a *fakeAdapter) Name() string     { return a.name }
func (a *fakeAdapter) HasFillIDs() bool { return true }
func (a *fakeAdapter) Place(context.Context, venue.OrderSpec) (string, error) {
	a.placeCalls++
	if a.placeErr != nil {
		return "", a.placeErr
	}
	return "v-live", nil
}
func (a *fakeAdapter) Cancel(context.Context, string) error { return nil }
func (a *fakeAdapter) FetchBook(context.Context, string) (orderbook.Snapshot, error) {
	return orderbook.Snapshot{}, nil
}
func (a *fakeAdapter) SubscribeFills(ctx context.Context, _ func(venue.FillEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (a *fakeAdapter) FetchOpenOrders(context.Context) ([]venue.OpenOrder, error) { return nil, nil }
func (a *fakeAdapter) FetchBalance(context.Context) (float64, error)              { return 10000, nil }

func testSettings(dryRun bool) *config.Settings {
	return &config.Settings{
		DryRun:             dryRun,
		DoubleLimitEnabled: true,
		PlaceMaxAttempts:   2,
		MarketHedgeMode: config.MarketHedgeConfig{
			HedgeRatio:    1.0,
			MaxSlippage:   0.05,
			ExposureCap:   100000,
			MaxOpenOrders: 10,
			BalanceMargin: 0.95,
			LotStep:       0.01,
		},
		PlaceTimeout:  time.Second,
		CancelTimeout: time.Second,
	}
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string) {}

func newTestManager(t *testing.T, dryRun bool) (*Manager, *memoryOrders, *memoryDoubles, *memoryIncidents, map[string]*fakeAdapter) {
	t.Helper()
	settings := testSettings(dryRun)

	adapters := map[string]*fakeAdapter{
		"primary":   {name: "primary"},
		"secondary": {name: "secondary"},
	}
	pool := venue.NewPool()
	workers := make(map[string]*venue.Worker)
	for name, adapter := range adapters {
		var a venue.Adapter = adapter
		if dryRun {
			a = venue.NewDryRunAdapter(adapter)
		}
		workers[name] = pool.Add(model.Account{AccountID: "acc-" + name, Venue: name, TokensPerSec: 1000, Burst: 100}, a)
	}

	orders := newMemoryOrders()
	doubles := newMemoryDoubles()
	incidents := &memoryIncidents{}

	mgr := New("pair1", settings, workers, orders, doubles, incidents,
		positions.NewTracker(), telemetry.New(time.Minute), nopNotifier{})
	return mgr, orders, doubles, incidents, adapters
}

func limitSpec(venueName, side string, price, size float64) PlaceSpec {
	p := price
	return PlaceSpec{
		Venue:     venueName,
		MarketID:  "m-" + venueName,
		Side:      side,
		OrderType: model.OrderTypeLimit,
		Price:     &p,
		Size:      size,
		Role:      model.OrderRolePrimary,
	}
}

func TestPlaceDrivesOrderToLive(t *testing.T) {
	mgr, orders, _, _, adapters := newTestManager(t, false)

	clientID, err := mgr.Place(context.Background(), limitSpec("primary", model.SideBuy, 0.42, 100))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	order, _ := orders.FindByClientOrderID(context.Background(), clientID)
	if order == nil {
		t.Fatal("order row not persisted")
	}
	if order.Status != string(fsm.StateLive) {
		t.Fatalf("expected LIVE, got %s", order.Status)
	}
	if order.VenueOrderID != "v-live" {
		t.Fatalf("venue order id not stored: %q", order.VenueOrderID)
	}
	if adapters["primary"].placeCalls != 1 {
		t.Fatalf("expected 1 adapter call, got %d", adapters["primary"].placeCalls)
	}

	stages := orders.stagesFor(clientID)
	want := []string{"PLACE_SUBMITTED", "PLACE_ACKED"}
	if len(stages) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, stages)
	}
}

// Dry-run: synthetic ack, no adapter network call, row tagged synthetic,
// and the pair reports zero live orders externally.
func TestPlaceDryRun(t *testing.T) {
	mgr, orders, _, _, adapters := newTestManager(t, true)

	clientID, err := mgr.Place(context.Background(), limitSpec("primary", model.SideBuy, 0.42, 100))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if adapters["primary"].placeCalls != 0 {
		t.Fatalf("dry-run must not call the adapter, got %d calls", adapters["primary"].placeCalls)
	}

	order, _ := orders.FindByClientOrderID(context.Background(), clientID)
	if !order.Synthetic {
		t.Fatal("dry-run order row not tagged synthetic")
	}
	if order.Status != string(fsm.StateLive) {
		t.Fatalf("expected LIVE, got %s", order.Status)
	}
	if !mgr.HasLiveOrder() {
		t.Fatal("manager should track the synthetic order internally")
	}
	if mgr.LiveOrderCount() != 0 {
		t.Fatalf("dry-run live order count must be 0, got %d", mgr.LiveOrderCount())
	}
}

func TestRiskDenyRejectsWithoutPlacement(t *testing.T) {
	mgr, orders, _, _, adapters := newTestManager(t, false)
	mgr.settings.MarketHedgeMode.ExposureCap = 1 // everything denied

	clientID, err := mgr.Place(context.Background(), limitSpec("primary", model.SideBuy, 0.42, 100))
	if err != nil {
		t.Fatalf("risk deny is not an error: %v", err)
	}
	if adapters["primary"].placeCalls != 0 {
		t.Fatal("denied order must not reach the adapter")
	}

	order, _ := orders.FindByClientOrderID(context.Background(), clientID)
	if order.Status != string(fsm.StateRejected) {
		t.Fatalf("expected REJECTED, got %s", order.Status)
	}
}

func TestPlaceRetriesTransientThenRejects(t *testing.T) {
	mgr, orders, _, _, adapters := newTestManager(t, false)
	adapters["primary"].placeErr = venue.NewTransientError("primary", "place", errors.New("timeout"))

	clientID, err := mgr.Place(context.Background(), limitSpec("primary", model.SideBuy, 0.42, 100))
	if err == nil {
		t.Fatal("expected placement failure")
	}
	if adapters["primary"].placeCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", adapters["primary"].placeCalls)
	}

	order, _ := orders.FindByClientOrderID(context.Background(), clientID)
	if order.Status != string(fsm.StateRejected) {
		t.Fatalf("expected REJECTED after retry exhaustion, got %s", order.Status)
	}
}

func TestPlaceHaltsOnPermanentError(t *testing.T) {
	mgr, _, _, _, adapters := newTestManager(t, false)
	adapters["primary"].placeErr = venue.NewPermanentError("primary", "place", errors.New("bad market"))

	if _, err := mgr.Place(context.Background(), limitSpec("primary", model.SideBuy, 0.42, 100)); err == nil {
		t.Fatal("expected placement failure")
	}
	if adapters["primary"].placeCalls != 1 {
		t.Fatalf("permanent error must halt retry, got %d attempts", adapters["primary"].placeCalls)
	}
}

func TestCancelTerminalOrderIsNoop(t *testing.T) {
	mgr, orders, _, _, _ := newTestManager(t, true)

	clientID, _ := mgr.Place(context.Background(), limitSpec("primary", model.SideBuy, 0.42, 100))
	if err := mgr.Cancel(context.Background(), clientID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	order, _ := orders.FindByClientOrderID(context.Background(), clientID)
	if order.Status != string(fsm.StateCancelled) {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}

	// Second cancel on the now-terminal order is a no-op.
	if err := mgr.Cancel(context.Background(), clientID); err != nil {
		t.Fatalf("terminal cancel must be a no-op: %v", err)
	}
}

// Double-limit cancel-on-fill: a fill on leg A cancels leg B, hedges once, and
// the record walks ARMED -> TRIGGERED -> CANCELLING -> RESOLVED.
func TestDoubleLimitCancelOnFill(t *testing.T) {
	mgr, orders, doubles, _, _ := newTestManager(t, true)

	var log []string
	mgr.AttachHedger(&fakeHedger{log: &log})
	ctx := context.Background()

	a, b, err := mgr.PlaceDoubleLimit(ctx,
		limitSpec("primary", model.SideBuy, 0.42, 100),
		limitSpec("secondary", model.SideSell, 0.48, 100),
	)
	if err != nil {
		t.Fatalf("place double limit: %v", err)
	}

	record, _ := doubles.FindByOrderRef(ctx, a)
	if record == nil || record.State != model.DoubleLimitStateArmed {
		t.Fatalf("expected ARMED record, got %+v", record)
	}

	orderA, _ := orders.FindByClientOrderID(ctx, a)
	fill := &model.Fill{
		Venue:        orderA.Venue,
		VenueOrderID: orderA.VenueOrderID,
		FillID:       "f-1",
		Side:         model.SideBuy,
		Size:         50,
		Price:        0.42,
		FilledAt:     time.Now().UTC(),
	}
	mgr.OnFill(ctx, orderA, fill)

	record, _ = doubles.FindByOrderRef(ctx, a)
	if record.State != model.DoubleLimitStateResolved {
		t.Fatalf("expected RESOLVED, got %s", record.State)
	}
	if record.TriggeredRef != a || record.CancelledRef != b {
		t.Fatalf("trigger bookkeeping wrong: %+v", record)
	}

	orderB, _ := orders.FindByClientOrderID(ctx, b)
	if orderB.Status != string(fsm.StateCancelled) {
		t.Fatalf("sibling not cancelled: %s", orderB.Status)
	}

	// Exactly one hedge call, and the record passed through CANCELLING.
	doubles.mu.Lock()
	dlLog := append([]string(nil), doubles.log...)
	doubles.mu.Unlock()
	if len(log) != 1 || log[0] != "hedge" {
		t.Fatalf("expected exactly one hedge call, got %v", log)
	}
	sawCancelling := false
	for _, entry := range dlLog {
		if entry == "dl:"+model.DoubleLimitStateCancelling {
			sawCancelling = true
		}
	}
	if !sawCancelling {
		t.Fatalf("double limit never reached CANCELLING: %v", dlLog)
	}
}

// A second fill on the same double-limit record must not re-trigger it.
func TestDoubleLimitTriggersExactlyOnce(t *testing.T) {
	mgr, orders, doubles, _, _ := newTestManager(t, true)
	var log []string
	mgr.AttachHedger(&fakeHedger{log: &log})
	ctx := context.Background()

	a, _, err := mgr.PlaceDoubleLimit(ctx,
		limitSpec("primary", model.SideBuy, 0.42, 100),
		limitSpec("secondary", model.SideSell, 0.48, 100),
	)
	if err != nil {
		t.Fatalf("place double limit: %v", err)
	}

	orderA, _ := orders.FindByClientOrderID(ctx, a)
	first := &model.Fill{Venue: orderA.Venue, VenueOrderID: orderA.VenueOrderID, FillID: "f-1", Side: model.SideBuy, Size: 50, Price: 0.42, FilledAt: time.Now().UTC()}
	second := &model.Fill{Venue: orderA.Venue, VenueOrderID: orderA.VenueOrderID, FillID: "f-2", Side: model.SideBuy, Size: 50, Price: 0.42, FilledAt: time.Now().UTC()}
	mgr.OnFill(ctx, orderA, first)
	mgr.OnFill(ctx, orderA, second)

	triggered := 0
	doubles.mu.Lock()
	for _, entry := range doubles.log {
		if entry == "dl:"+model.DoubleLimitStateTriggered {
			triggered++
		}
	}
	doubles.mu.Unlock()
	if triggered != 1 {
		t.Fatalf("double limit triggered %d times", triggered)
	}
}

func TestDoubleLimitDisabledPlacesOnlyLegA(t *testing.T) {
	mgr, orders, doubles, _, _ := newTestManager(t, true)
	mgr.settings.DoubleLimitEnabled = false
	ctx := context.Background()

	a, b, err := mgr.PlaceDoubleLimit(ctx,
		limitSpec("primary", model.SideBuy, 0.42, 100),
		limitSpec("secondary", model.SideSell, 0.48, 100),
	)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if b != "" {
		t.Fatal("leg B must not be placed when double limit is disabled")
	}
	if order, _ := orders.FindByClientOrderID(ctx, a); order == nil {
		t.Fatal("leg A missing")
	}
	if len(doubles.records) != 0 {
		t.Fatal("no double limit record may be armed when disabled")
	}
}

func TestDoubleLimitLegBFailureUnwindsLegA(t *testing.T) {
	mgr, orders, doubles, _, adapters := newTestManager(t, false)
	adapters["secondary"].placeErr = venue.NewPermanentError("secondary", "place", errors.New("market closed"))
	ctx := context.Background()

	a, _, err := mgr.PlaceDoubleLimit(ctx,
		limitSpec("primary", model.SideBuy, 0.42, 100),
		limitSpec("secondary", model.SideSell, 0.48, 100),
	)
	if err == nil {
		t.Fatal("expected leg B failure to propagate")
	}

	orderA, _ := orders.FindByClientOrderID(ctx, a)
	if orderA.Status != string(fsm.StateCancelled) {
		t.Fatalf("leg A not unwound: %s", orderA.Status)
	}

	record, _ := doubles.FindByOrderRef(ctx, a)
	if record.State != model.DoubleLimitStateFailed {
		t.Fatalf("expected FAILED record, got %s", record.State)
	}
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoff(attempt)
		if d < 150*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v below jittered floor", attempt, d)
		}
		if d > 5*time.Second {
			t.Fatalf("attempt %d: backoff %v above jittered cap", attempt, d)
		}
	}
}
