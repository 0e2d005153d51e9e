package hedger

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/config"
	"hedgebot/src/manager"
	"hedgebot/src/model"
	"hedgebot/src/orderbook"
	"hedgebot/src/telemetry"
	"hedgebot/src/venue"
)

type tradeStore interface {
	Create(ctx context.Context, trade *model.Trade) error
	ExistsForEntry(ctx context.Context, entryOrderID, parentFillKey string) (bool, error)
}

type incidentStore interface {
	Create(ctx context.Context, incident *model.Incident) error
}

type notifierIface interface {
	Send(ctx context.Context, msg string)
}

// orderPlacer is the slice of the order manager the hedger drives.
type orderPlacer interface {
	Place(ctx context.Context, spec manager.PlaceSpec) (string, error)
}

// Hedger turns canonical fills on entry legs into offsetting market/IOC orders
// on the opposing venue, with an at-most-once guarantee per fill.
type Hedger struct {
	pairID         string
	settings       *config.Settings
	orders         orderPlacer
	workers        map[string]*venue.Worker // venue name -> worker
	markets        map[string]string        // venue name -> market id
	primaryVenue   string
	secondaryVenue string

	trades    tradeStore
	incidents incidentStore
	tel       *telemetry.Telemetry
	notifier  notifierIface

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(
	pairID string,
	settings *config.Settings,
	orders orderPlacer,
	workers map[string]*venue.Worker,
	markets map[string]string,
	primaryVenue, secondaryVenue string,
	trades tradeStore,
	incidents incidentStore,
	tel *telemetry.Telemetry,
	notify notifierIface,
) *Hedger {
	return &Hedger{
		pairID:         pairID,
		settings:       settings,
		orders:         orders,
		workers:        workers,
		markets:        markets,
		primaryVenue:   primaryVenue,
		secondaryVenue: secondaryVenue,
		trades:         trades,
		incidents:      incidents,
		tel:            tel,
		notifier:       notify,
		inflight:       make(map[string]struct{}),
	}
}

// HandleFill hedges one canonical entry fill. A duplicate delivery finds the
// per-fill lock held (or the trade already persisted) and is ignored.
func (h *Hedger) HandleFill(ctx context.Context, entry *model.Order, fill *model.Fill) {
	key := fill.DedupKey()

	h.mu.Lock()
	if _, busy := h.inflight[key]; busy {
		h.mu.Unlock()
		return
	}
	h.inflight[key] = struct{}{}
	h.mu.Unlock()

	// The lock is released only after the trade row is persisted or a terminal
	// failure is recorded.
	defer func() {
		h.mu.Lock()
		delete(h.inflight, key)
		h.mu.Unlock()
	}()

	if done, err := h.trades.ExistsForEntry(ctx, entry.ClientOrderID, key); err == nil && done {
		return
	}

	h.tel.Inc(telemetry.HedgeAttempts)
	if err := h.hedge(ctx, entry, fill); err != nil {
		h.tel.Inc(telemetry.HedgeFailures)
		logger.WithFields(map[string]interface{}{
			"component": "hedger",
			"pair":      h.pairID,
			"entry":     entry.ClientOrderID,
		}).WithError(err).Error("hedge failed")
		return
	}
	h.tel.Inc(telemetry.HedgeSuccess)
}

func (h *Hedger) hedge(ctx context.Context, entry *model.Order, fill *model.Fill) error {
	hedgeVenue := h.secondaryVenue
	if entry.Venue == h.secondaryVenue {
		hedgeVenue = h.primaryVenue
	}
	worker := h.workers[hedgeVenue]
	if worker == nil {
		return fmt.Errorf("no worker for hedge venue %s", hedgeVenue)
	}
	marketID := h.markets[hedgeVenue]
	if marketID == "" {
		return fmt.Errorf("no market mapped for hedge venue %s", hedgeVenue)
	}

	hedgeSide := model.SideSell
	if fill.Side == model.SideSell {
		hedgeSide = model.SideBuy
	}

	hedgeSize := floorToStep(fill.Size*h.settings.MarketHedgeMode.HedgeRatio, h.settings.MarketHedgeMode.LotStep)
	if hedgeSize <= 0 {
		return nil
	}

	plan, err := h.planLegs(ctx, worker, marketID, hedgeSide, hedgeSize)
	if err != nil {
		return err
	}
	if plan == nil {
		// Slippage abort already recorded as an incident.
		return nil
	}

	var (
		placed       []placedLeg
		hedgedSize   float64
		hedgeNominal float64
	)
	for _, leg := range plan.legs {
		clientID, err := h.orders.Place(ctx, manager.PlaceSpec{
			Venue:             hedgeVenue,
			MarketID:          marketID,
			Side:              hedgeSide,
			OrderType:         model.OrderTypeMarket,
			Size:              leg.size,
			Role:              model.OrderRoleHedge,
			ParentFillID:      fill.DedupKey(),
			IOC:               true,
			PredictedSlippage: leg.slippage,
		})
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "hedger",
				"pair":      h.pairID,
				"venue":     hedgeVenue,
				"size":      leg.size,
			}).WithError(err).Warn("hedge leg placement failed")
			continue
		}
		placed = append(placed, placedLeg{clientID: clientID, size: leg.size, price: leg.vwap})
		hedgedSize += leg.size
		hedgeNominal += leg.size * leg.vwap
	}

	if len(placed) == 0 {
		return fmt.Errorf("no hedge legs executed")
	}

	if hedgedSize < hedgeSize-1e-9 {
		h.recordShortfall(ctx, hedgeSize, hedgedSize)
	}

	hedgePrice := hedgeNominal / hedgedSize
	matched := math.Min(fill.Size, hedgedSize)

	entryFees := fill.Price * matched * h.feeFor(entry.Venue).Maker
	hedgeFees := hedgePrice * matched * h.feeFor(hedgeVenue).Taker
	fees := entryFees + hedgeFees

	var pnl float64
	if fill.Side == model.SideBuy {
		pnl = (hedgePrice-fill.Price)*matched - fees
	} else {
		pnl = (fill.Price-hedgePrice)*matched - fees
	}

	trade := &model.Trade{
		PairID:       h.pairID,
		EntryOrderID: entry.ClientOrderID,
		HedgeOrderID: joinLegIDs(placed),
		EntryVenue:   entry.Venue,
		HedgeVenue:   hedgeVenue,
		Size:         matched,
		EntryPrice:   fill.Price,
		HedgePrice:   hedgePrice,
		FeesEstimate: fees,
		PnlEstimate:  pnl,
		Synthetic:    h.settings.DryRun,
	}
	if err := h.trades.Create(ctx, trade); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}

	h.notifier.Send(ctx, fmt.Sprintf(
		"Hedged %.2f units across %d leg(s) at %.4f. Estimated PnL: %.4f",
		hedgedSize, len(placed), hedgePrice, pnl,
	))

	logger.WithFields(map[string]interface{}{
		"component":   "hedger",
		"pair":        h.pairID,
		"legs":        len(placed),
		"hedge_size":  hedgedSize,
		"hedge_price": hedgePrice,
		"pnl":         pnl,
	}).Info("hedge completed")

	return nil
}

type plannedLeg struct {
	size     float64
	vwap     float64
	slippage float64
}

type placedLeg struct {
	clientID string
	size     float64
	price    float64
}

type hedgePlan struct {
	legs []plannedLeg
}

// planLegs fetches the hedge-side book, enforces the slippage cap (shrinking
// when partial hedging is allowed), and splits the size across child legs in
// multi-leg mode. A fresh book is fetched, up to hedge_max_retries times, when
// the ladder is empty, when shrinking finds no size that fits, or when partial
// hedging is off and the book fails the slippage or depth check.
func (h *Hedger) planLegs(ctx context.Context, worker *venue.Worker, marketID, side string, size float64) (*hedgePlan, error) {
	maxSlippage := h.settings.MarketHedgeMode.MaxSlippage

	attempts := h.settings.HedgeMaxRetries + 1
	var lastAchievable float64
	for attempt := 0; attempt < attempts; attempt++ {
		if err := worker.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
		bookCtx, cancel := context.WithTimeout(ctx, h.settings.BookTimeout)
		book, err := worker.Adapter.FetchBook(bookCtx, marketID)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("fetch hedge book: %w", err)
		}

		ladder := book.Asks
		if side == model.SideSell {
			ladder = book.Bids
		}

		target := size
		walk := orderbook.Walk(ladder, decimal.NewFromFloat(target))
		if walk == nil {
			continue
		}

		slippage, _ := walk.Slippage.Float64()
		achieved, _ := walk.Achieved.Float64()
		lastAchievable = achieved

		if slippage > maxSlippage || achieved < target-1e-9 {
			if !h.settings.AllowPartialHedge {
				if attempt < attempts-1 {
					continue
				}
				h.recordSlippageAbort(ctx, worker.Adapter.Name(), target, achieved, slippage)
				return nil, nil
			}
			reduced := h.reduceSize(ladder, side, target, maxSlippage)
			if reduced <= 0 {
				if attempt < attempts-1 {
					continue
				}
				h.recordSlippageAbort(ctx, worker.Adapter.Name(), target, achieved, slippage)
				return nil, nil
			}
			target = reduced
			walk = orderbook.Walk(ladder, decimal.NewFromFloat(target))
			if walk == nil {
				continue
			}
			slippage, _ = walk.Slippage.Float64()
		}

		h.tel.ObserveSlippage(slippage)
		vwap, _ := walk.VWAP.Float64()
		return &hedgePlan{legs: h.splitLegs(target, vwap, slippage)}, nil
	}

	h.recordShortfall(ctx, size, lastAchievable)
	return nil, fmt.Errorf("hedge book too thin after %d attempts", attempts)
}

// reduceSize shrinks the target in 10% steps until the walked slippage fits
// under the cap, mirroring the partial-hedge strategy.
func (h *Hedger) reduceSize(ladder []orderbook.Level, side string, size, maxSlippage float64) float64 {
	step := size * 0.1
	current := size
	for current > 0 {
		walk := orderbook.Walk(ladder, decimal.NewFromFloat(current))
		if walk != nil {
			slippage, _ := walk.Slippage.Float64()
			achieved, _ := walk.Achieved.Float64()
			if slippage <= maxSlippage && achieved >= current-1e-9 {
				return floorToStep(current, h.settings.MarketHedgeMode.LotStep)
			}
		}
		current -= step
	}
	return 0
}

func (h *Hedger) splitLegs(size, vwap, slippage float64) []plannedLeg {
	if !h.settings.MultiLegEnabled || len(h.settings.MultiLegWeights) == 0 {
		return []plannedLeg{{size: size, vwap: vwap, slippage: slippage}}
	}
	var weightSum float64
	for _, w := range h.settings.MultiLegWeights {
		if w > 0 {
			weightSum += w
		}
	}
	if weightSum <= 0 {
		return []plannedLeg{{size: size, vwap: vwap, slippage: slippage}}
	}
	step := h.settings.MarketHedgeMode.LotStep
	var legs []plannedLeg
	for _, w := range h.settings.MultiLegWeights {
		if w <= 0 {
			continue
		}
		legSize := floorToStep(size*(w/weightSum), step)
		if legSize <= 0 {
			continue
		}
		legs = append(legs, plannedLeg{size: legSize, vwap: vwap, slippage: slippage})
	}
	if len(legs) == 0 {
		return []plannedLeg{{size: size, vwap: vwap, slippage: slippage}}
	}
	return legs
}

func (h *Hedger) feeFor(venueName string) config.FeeConfig {
	return h.settings.FeesFor(venueName)
}

func (h *Hedger) recordSlippageAbort(ctx context.Context, venueName string, target, achievable, slippage float64) {
	_ = h.incidents.Create(ctx, &model.Incident{
		Level:     model.IncidentLevelError,
		Code:      model.IncidentHedgeSlippageAbort,
		Message:   "hedge aborted: slippage above cap",
		Component: "hedger",
		PairID:    h.pairID,
		Venue:     venueName,
		Details: fmt.Sprintf(`{"target":%g,"achievable":%g,"slippage":%g}`,
			target, achievable, slippage),
	})
	h.notifier.Send(ctx, fmt.Sprintf("[Hedge Failure] slippage abort on pair %s (target %.2f, achievable %.2f)", h.pairID, target, achievable))
}

func (h *Hedger) recordShortfall(ctx context.Context, wanted, hedged float64) {
	_ = h.incidents.Create(ctx, &model.Incident{
		Level:     model.IncidentLevelWarning,
		Code:      model.IncidentHedgeUndersized,
		Message:   "hedge undersized",
		Component: "hedger",
		PairID:    h.pairID,
		Details:   fmt.Sprintf(`{"wanted":%g,"hedged":%g}`, wanted, hedged),
	})
}

func joinLegIDs(legs []placedLeg) string {
	out := ""
	for i, leg := range legs {
		if i > 0 {
			out += ","
		}
		out += leg.clientID
	}
	return out
}

// floorToStep rounds size down to the venue lot step.
func floorToStep(size, step float64) float64 {
	if step <= 0 {
		return size
	}
	return math.Floor(size/step+1e-9) * step
}
