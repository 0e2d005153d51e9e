package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/model"
	"hedgebot/src/telemetry"
	"hedgebot/src/venue"
)

type fillStore interface {
	Save(ctx context.Context, fill *model.Fill) (bool, error)
	Watermark(ctx context.Context, venueName, venueOrderID string) (*model.FillWatermark, error)
	SaveWatermark(ctx context.Context, wm *model.FillWatermark) error
	RecentKeys(ctx context.Context, limit int) ([]string, error)
}

type orderStore interface {
	FindByVenueOrderID(ctx context.Context, venueName, venueOrderID string) (*model.Order, error)
}

type incidentStore interface {
	Create(ctx context.Context, incident *model.Incident) error
}

// Handler receives each canonical fill exactly once, in per-order monotonic
// cumulative-size order.
type Handler func(ctx context.Context, order *model.Order, fill *model.Fill)

// Reconciler merges websocket and polling fill streams, deduplicates them, and
// dispatches canonical fills.
type Reconciler struct {
	fills     fillStore
	orders    orderStore
	incidents incidentStore
	tel       *telemetry.Telemetry
	handler   Handler

	seen    *lru.Cache[string, struct{}]
	lruSize int

	mu         sync.Mutex
	orderLocks map[string]*sync.Mutex
	lastEvent  time.Time

	staleThreshold time.Duration
	// anyOrderLive lets the stale monitor know whether silence matters.
	anyOrderLive func() bool
	staleFlagged bool
}

// New sizes the dedup LRU at 10x the expected number of open orders, which
// comfortably absorbs websocket replays overlapping with poll output.
func New(
	fills fillStore,
	orders orderStore,
	incidents incidentStore,
	tel *telemetry.Telemetry,
	handler Handler,
	expectedOpenOrders int,
	staleThreshold time.Duration,
	anyOrderLive func() bool,
) (*Reconciler, error) {
	size := expectedOpenOrders * 10
	if size < 64 {
		size = 64
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		fills:          fills,
		orders:         orders,
		incidents:      incidents,
		tel:            tel,
		handler:        handler,
		seen:           cache,
		lruSize:        size,
		orderLocks:     make(map[string]*sync.Mutex),
		lastEvent:      time.Now().UTC(),
		staleThreshold: staleThreshold,
		anyOrderLive:   anyOrderLive,
	}, nil
}

// Seed warms the LRU with recently persisted fill keys so a cold start does
// not re-process websocket replays.
func (r *Reconciler) Seed(ctx context.Context) error {
	keys, err := r.fills.RecentKeys(ctx, r.lruSize)
	if err != nil {
		return err
	}
	for _, key := range keys {
		r.seen.Add(key, struct{}{})
	}
	return nil
}

// RunWS consumes one worker's websocket fill stream until ctx is done.
func (r *Reconciler) RunWS(ctx context.Context, worker *venue.Worker) error {
	return worker.Adapter.SubscribeFills(ctx, func(ev venue.FillEvent) {
		r.tel.Inc(telemetry.FillsWS)
		r.Ingest(ctx, worker.Adapter.HasFillIDs(), ev)
	})
}

// RunPoller periodically lists open/recent orders and synthesizes incremental
// fill events from the cumulative filled sizes.
func (r *Reconciler) RunPoller(ctx context.Context, worker *venue.Worker, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := worker.Limiter.Wait(ctx); err != nil {
			return err
		}
		open, err := worker.Adapter.FetchOpenOrders(ctx)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "reconciler",
				"venue":     worker.Adapter.Name(),
			}).WithError(err).Warn("poller failure")
			continue
		}
		for _, row := range open {
			if row.Filled <= 0 {
				continue
			}
			r.tel.Inc(telemetry.FillsPoll)
			r.Ingest(ctx, false, venue.FillEvent{
				Venue:        worker.Adapter.Name(),
				VenueOrderID: row.VenueOrderID,
				MarketID:     row.MarketID,
				Side:         row.Side,
				Price:        row.Price,
				Cumulative:   row.Filled,
				Ts:           row.UpdatedAt,
				Source:       "poll",
			})
		}
	}
}

// Ingest deduplicates one raw fill event and, when it carries new information,
// persists and dispatches the canonical fill. Per-order serialization makes
// emission monotonic in cumulative size.
func (r *Reconciler) Ingest(ctx context.Context, hasFillIDs bool, ev venue.FillEvent) {
	r.touch()

	lock := r.orderLock(ev.Venue + ":" + ev.VenueOrderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := r.orders.FindByVenueOrderID(ctx, ev.Venue, ev.VenueOrderID)
	if err != nil || order == nil {
		logger.WithFields(map[string]interface{}{
			"component":      "reconciler",
			"venue":          ev.Venue,
			"venue_order_id": ev.VenueOrderID,
		}).Debug("fill for unknown order ignored")
		return
	}

	wm, err := r.fills.Watermark(ctx, ev.Venue, ev.VenueOrderID)
	if err != nil {
		logger.WithError(err).Error("watermark load failed")
		return
	}
	if wm == nil {
		wm = &model.FillWatermark{Venue: ev.Venue, VenueOrderID: ev.VenueOrderID}
	}

	var fill *model.Fill
	if hasFillIDs && ev.FillID != "" {
		fill = r.keyedFill(order, wm, ev)
	} else {
		fill = r.watermarkFill(order, wm, ev)
	}
	if fill == nil {
		return
	}

	inserted, err := r.fills.Save(ctx, fill)
	if err != nil {
		logger.WithError(err).Error("fill persist failed")
		return
	}
	if !inserted {
		r.tel.Inc(telemetry.FillsDuplicate)
		return
	}

	r.handler(ctx, order, fill)

	wm.CumulativeSz += fill.Size
	wm.DeltaIndex++
	if err := r.fills.SaveWatermark(ctx, wm); err != nil {
		logger.WithError(err).Error("watermark persist failed")
	}
}

// keyedFill handles venues that supply a per-fill id: the id is the dedup key
// and the LRU absorbs replays before the database is consulted.
func (r *Reconciler) keyedFill(order *model.Order, wm *model.FillWatermark, ev venue.FillEvent) *model.Fill {
	key := fmt.Sprintf("%s:%s:%s", ev.Venue, ev.VenueOrderID, ev.FillID)
	if _, dup := r.seen.Get(key); dup {
		r.tel.Inc(telemetry.FillsDuplicate)
		return nil
	}
	r.seen.Add(key, struct{}{})

	size := ev.Size
	remaining := order.RequestedSize - wm.CumulativeSz
	if size > remaining {
		// Never emit a fill that would push filled past requested.
		size = remaining
	}
	if size <= 0 {
		return nil
	}
	return &model.Fill{
		Venue:         ev.Venue,
		VenueOrderID:  ev.VenueOrderID,
		FillID:        ev.FillID,
		ClientOrderID: order.ClientOrderID,
		MarketID:      orderMarket(order, ev),
		Side:          fillSide(order, ev),
		Size:          size,
		Price:         ev.Price,
		Fee:           ev.Fee,
		Source:        ev.Source,
		FilledAt:      ev.Ts,
	}
}

// watermarkFill handles venues without fill ids: only the delta above the
// cumulative watermark is emitted, with a synthetic monotonic index as key.
func (r *Reconciler) watermarkFill(order *model.Order, wm *model.FillWatermark, ev venue.FillEvent) *model.Fill {
	cumulative := ev.Cumulative
	if cumulative <= 0 && ev.Size > 0 {
		cumulative = wm.CumulativeSz + ev.Size
	}
	if cumulative > order.RequestedSize {
		cumulative = order.RequestedSize
	}
	delta := cumulative - wm.CumulativeSz
	if delta <= 0 {
		// Stale or replayed observation; emission never decreases.
		return nil
	}
	return &model.Fill{
		Venue:         ev.Venue,
		VenueOrderID:  ev.VenueOrderID,
		FillID:        fmt.Sprintf("delta-%d", wm.DeltaIndex+1),
		ClientOrderID: order.ClientOrderID,
		MarketID:      orderMarket(order, ev),
		Side:          fillSide(order, ev),
		Size:          delta,
		Price:         ev.Price,
		Fee:           ev.Fee,
		Source:        ev.Source,
		FilledAt:      ev.Ts,
	}
}

func orderMarket(order *model.Order, ev venue.FillEvent) string {
	if ev.MarketID != "" {
		return ev.MarketID
	}
	return order.MarketID
}

// fillSide trusts the order row over the (sometimes missing) frame field.
func fillSide(order *model.Order, ev venue.FillEvent) string {
	if ev.Side == model.SideBuy || ev.Side == model.SideSell {
		return ev.Side
	}
	return order.Side
}

func (r *Reconciler) orderLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock := r.orderLocks[key]
	if lock == nil {
		lock = &sync.Mutex{}
		r.orderLocks[key] = lock
	}
	return lock
}

func (r *Reconciler) touch() {
	r.mu.Lock()
	r.lastEvent = time.Now().UTC()
	r.staleFlagged = false
	r.mu.Unlock()
}

// RunStaleMonitor raises a STALE_FILL_SOURCE incident when every source has
// been silent past the threshold while orders are live, then continues.
func (r *Reconciler) RunStaleMonitor(ctx context.Context) {
	if r.staleThreshold <= 0 {
		return
	}
	ticker := time.NewTicker(r.staleThreshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.anyOrderLive == nil || !r.anyOrderLive() {
			continue
		}
		r.mu.Lock()
		silent := time.Since(r.lastEvent) > r.staleThreshold
		flagged := r.staleFlagged
		if silent {
			r.staleFlagged = true
		}
		r.mu.Unlock()
		if silent && !flagged {
			_ = r.incidents.Create(ctx, &model.Incident{
				Level:     model.IncidentLevelError,
				Code:      model.IncidentStaleFillSource,
				Message:   "both fill sources silent with live orders",
				Component: "reconciler",
			})
		}
	}
}
