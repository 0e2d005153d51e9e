package reconciler

import (
	"context"
	"testing"
	"time"

	"hedgebot/src/model"
	"hedgebot/src/telemetry"
	"hedgebot/src/venue"
)

type memoryFills struct {
	saved      map[string]*model.Fill
	watermarks map[string]*model.FillWatermark
}

func newMemoryFills() *memoryFills {
	return &memoryFills{
		saved:      make(map[string]*model.Fill),
		watermarks: make(map[string]*model.FillWatermark),
	}
}

func (s *memoryFills) Save(_ context.Context, fill *model.Fill) (bool, error) {
	key := fill.DedupKey()
	if _, exists := s.saved[key]; exists {
		return false, nil
	}
	copied := *fill
	s.saved[key] = &copied
	return true, nil
}

func (s *memoryFills) Watermark(_ context.Context, venueName, venueOrderID string) (*model.FillWatermark, error) {
	wm := s.watermarks[venueName+":"+venueOrderID]
	if wm == nil {
		return nil, nil
	}
	copied := *wm
	return &copied, nil
}

func (s *memoryFills) SaveWatermark(_ context.Context, wm *model.FillWatermark) error {
	copied := *wm
	s.watermarks[wm.Venue+":"+wm.VenueOrderID] = &copied
	return nil
}

func (s *memoryFills) RecentKeys(context.Context, int) ([]string, error) { return nil, nil }

type memoryOrders struct {
	order *model.Order
}

func (s *memoryOrders) FindByVenueOrderID(_ context.Context, venueName, venueOrderID string) (*model.Order, error) {
	if s.order != nil && s.order.Venue == venueName && s.order.VenueOrderID == venueOrderID {
		copied := *s.order
		return &copied, nil
	}
	return nil, nil
}

type memoryIncidents struct {
	incidents []model.Incident
}

func (s *memoryIncidents) Create(_ context.Context, incident *model.Incident) error {
	s.incidents = append(s.incidents, *incident)
	return nil
}

func newTestReconciler(t *testing.T, orders *memoryOrders, fills *memoryFills) (*Reconciler, *[]model.Fill) {
	t.Helper()
	var dispatched []model.Fill
	handler := func(_ context.Context, _ *model.Order, fill *model.Fill) {
		dispatched = append(dispatched, *fill)
	}
	r, err := New(fills, orders, &memoryIncidents{}, telemetry.New(time.Minute), handler, 10, 0, nil)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r, &dispatched
}

func liveOrder() *model.Order {
	return &model.Order{
		ClientOrderID: "pair1-PRIMARY-1-abc",
		VenueOrderID:  "v-1",
		Venue:         "polymarket",
		PairID:        "pair1",
		MarketID:      "m1",
		Side:          model.SideBuy,
		RequestedSize: 100,
		Status:        "LIVE",
	}
}

// Partial fill over polling: poll N shows 30 filled, poll N+1 shows 70.
// The reconciler must emit deltas of 30 then 40 and end at watermark 70.
func TestWatermarkDeltasOverPolling(t *testing.T) {
	orders := &memoryOrders{order: liveOrder()}
	fills := newMemoryFills()
	r, dispatched := newTestReconciler(t, orders, fills)
	ctx := context.Background()

	r.Ingest(ctx, false, venue.FillEvent{
		Venue: "polymarket", VenueOrderID: "v-1", Side: model.SideBuy,
		Price: 0.42, Cumulative: 30, Source: "poll", Ts: time.Now().UTC(),
	})
	r.Ingest(ctx, false, venue.FillEvent{
		Venue: "polymarket", VenueOrderID: "v-1", Side: model.SideBuy,
		Price: 0.42, Cumulative: 70, Source: "poll", Ts: time.Now().UTC(),
	})

	if len(*dispatched) != 2 {
		t.Fatalf("expected 2 canonical fills, got %d", len(*dispatched))
	}
	if (*dispatched)[0].Size != 30 || (*dispatched)[1].Size != 40 {
		t.Fatalf("expected deltas 30 and 40, got %v and %v", (*dispatched)[0].Size, (*dispatched)[1].Size)
	}

	wm := fills.watermarks["polymarket:v-1"]
	if wm == nil || wm.CumulativeSz != 70 {
		t.Fatalf("expected watermark 70, got %+v", wm)
	}
}

func TestWatermarkNeverDecreases(t *testing.T) {
	orders := &memoryOrders{order: liveOrder()}
	fills := newMemoryFills()
	r, dispatched := newTestReconciler(t, orders, fills)
	ctx := context.Background()

	r.Ingest(ctx, false, venue.FillEvent{
		Venue: "polymarket", VenueOrderID: "v-1", Cumulative: 70, Source: "poll", Ts: time.Now().UTC(),
	})
	// A stale poll observation arrives afterwards.
	r.Ingest(ctx, false, venue.FillEvent{
		Venue: "polymarket", VenueOrderID: "v-1", Cumulative: 50, Source: "poll", Ts: time.Now().UTC(),
	})

	if len(*dispatched) != 1 {
		t.Fatalf("stale observation must not emit: got %d fills", len(*dispatched))
	}
	if fills.watermarks["polymarket:v-1"].CumulativeSz != 70 {
		t.Fatal("watermark moved backwards")
	}
}

func TestWatermarkClampedToRequestedSize(t *testing.T) {
	orders := &memoryOrders{order: liveOrder()}
	fills := newMemoryFills()
	r, dispatched := newTestReconciler(t, orders, fills)
	ctx := context.Background()

	r.Ingest(ctx, false, venue.FillEvent{
		Venue: "polymarket", VenueOrderID: "v-1", Cumulative: 150, Source: "poll", Ts: time.Now().UTC(),
	})

	if len(*dispatched) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(*dispatched))
	}
	if (*dispatched)[0].Size != 100 {
		t.Fatalf("emission exceeded requested size: %v", (*dispatched)[0].Size)
	}
}

// Duplicate websocket fill: same fill_id delivered twice produces exactly one
// canonical fill; the replay is absorbed by the LRU.
func TestDuplicateWebsocketFillDropped(t *testing.T) {
	order := liveOrder()
	order.Venue = "opinion"
	orders := &memoryOrders{order: order}
	fills := newMemoryFills()
	r, dispatched := newTestReconciler(t, orders, fills)
	ctx := context.Background()

	frame := venue.FillEvent{
		Venue: "opinion", VenueOrderID: "v-1", FillID: "f-77",
		Side: model.SideBuy, Size: 25, Price: 0.42, Source: "ws", Ts: time.Now().UTC(),
	}
	r.Ingest(ctx, true, frame)
	r.Ingest(ctx, true, frame)

	if len(*dispatched) != 1 {
		t.Fatalf("expected exactly 1 canonical fill, got %d", len(*dispatched))
	}
	if len(fills.saved) != 1 {
		t.Fatalf("expected 1 persisted fill, got %d", len(fills.saved))
	}
}

func TestKeyedFillsAccumulateAcrossIDs(t *testing.T) {
	order := liveOrder()
	order.Venue = "opinion"
	orders := &memoryOrders{order: order}
	fills := newMemoryFills()
	r, dispatched := newTestReconciler(t, orders, fills)
	ctx := context.Background()

	r.Ingest(ctx, true, venue.FillEvent{
		Venue: "opinion", VenueOrderID: "v-1", FillID: "f-1", Size: 60, Price: 0.42, Source: "ws", Ts: time.Now().UTC(),
	})
	r.Ingest(ctx, true, venue.FillEvent{
		Venue: "opinion", VenueOrderID: "v-1", FillID: "f-2", Size: 60, Price: 0.42, Source: "ws", Ts: time.Now().UTC(),
	})

	if len(*dispatched) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(*dispatched))
	}
	// The second fill would overshoot the requested 100 and is trimmed.
	if (*dispatched)[1].Size != 40 {
		t.Fatalf("expected trimmed fill of 40, got %v", (*dispatched)[1].Size)
	}
}

func TestFillForUnknownOrderIgnored(t *testing.T) {
	orders := &memoryOrders{}
	fills := newMemoryFills()
	r, dispatched := newTestReconciler(t, orders, fills)

	r.Ingest(context.Background(), false, venue.FillEvent{
		Venue: "polymarket", VenueOrderID: "ghost", Cumulative: 10, Source: "poll", Ts: time.Now().UTC(),
	})

	if len(*dispatched) != 0 {
		t.Fatal("unknown order must not dispatch")
	}
}
