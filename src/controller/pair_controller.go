package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/config"
	"hedgebot/src/manager"
	"hedgebot/src/model"
	"hedgebot/src/orderbook"
	"hedgebot/src/venue"
)

// PairController runs the per-event control loop: poll books, evaluate the
// spread, gate entries, and drive the order manager. Fills never flow through
// here; they arrive via the reconciler.
type PairController struct {
	pair     model.MarketPair
	settings *config.Settings
	mgr      *manager.Manager

	primaryWorker   *venue.Worker
	secondaryWorker *venue.Worker

	// ticking guards against a tick overlapping its predecessor.
	ticking atomic.Bool

	mu              sync.Mutex
	lastEntryClient string
	disabled        bool
}

func NewPairController(
	pair model.MarketPair,
	settings *config.Settings,
	mgr *manager.Manager,
	primaryWorker, secondaryWorker *venue.Worker,
) *PairController {
	return &PairController{
		pair:            pair,
		settings:        settings,
		mgr:             mgr,
		primaryWorker:   primaryWorker,
		secondaryWorker: secondaryWorker,
	}
}

func (c *PairController) PairID() string { return c.pair.PairID }

// Disable takes the pair out of rotation after a critical incident. Surfaced
// via /status.
func (c *PairController) Disable() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

func (c *PairController) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

func (c *PairController) Manager() *manager.Manager { return c.mgr }

// Run ticks until ctx is cancelled.
func (c *PairController) Run(ctx context.Context) error {
	interval := c.settings.ConnectivityFor(c.pair.PrimaryVenue).PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.WithFields(map[string]interface{}{
		"component": "pair_controller",
		"pair":      c.pair.PairID,
		"interval":  interval.String(),
	}).Info("pair loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick is reentrancy-safe: an overlapping tick exits early.
func (c *PairController) tick(ctx context.Context) {
	if !c.ticking.CompareAndSwap(false, true) {
		return
	}
	defer c.ticking.Store(false)

	if c.Disabled() {
		return
	}

	primaryBook, secondaryBook, ok := c.fetchBooks(ctx)
	if !ok {
		return
	}

	size := decimal.NewFromFloat(c.settings.MarketHedgeMode.NotionalSize)
	eval := orderbook.BestDirection(
		primaryBook, secondaryBook, size,
		c.fees(c.pair.PrimaryVenue), c.fees(c.pair.SecondaryVenue),
	)
	if eval.NoQuote {
		return
	}

	netSpread, _ := eval.NetSpread.Float64()

	if c.mgr.HasLiveOrder() {
		if netSpread < c.settings.MarketHedgeMode.CancelSpread {
			c.cancelWorking(ctx, netSpread)
		}
		return
	}

	if netSpread < c.settings.MarketHedgeMode.MinSpreadForEntry {
		return
	}

	c.enter(ctx, primaryBook, secondaryBook, eval)
}

// fetchBooks loads both sides in parallel under the book deadline.
func (c *PairController) fetchBooks(ctx context.Context) (orderbook.Snapshot, orderbook.Snapshot, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.settings.BookTimeout)
	defer cancel()

	type result struct {
		book orderbook.Snapshot
		err  error
	}
	primaryCh := make(chan result, 1)
	secondaryCh := make(chan result, 1)

	go func() {
		book, err := c.primaryWorker.Adapter.FetchBook(fetchCtx, c.pair.PrimaryMarketID)
		primaryCh <- result{book, err}
	}()
	go func() {
		book, err := c.secondaryWorker.Adapter.FetchBook(fetchCtx, c.pair.SecondaryMarket)
		secondaryCh <- result{book, err}
	}()

	primary := <-primaryCh
	secondary := <-secondaryCh
	if primary.err != nil || secondary.err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "pair_controller",
			"pair":      c.pair.PairID,
		}).Debug("book fetch failed, skipping tick")
		return orderbook.Snapshot{}, orderbook.Snapshot{}, false
	}
	return primary.book, secondary.book, true
}

func (c *PairController) enter(ctx context.Context, primaryBook, secondaryBook orderbook.Snapshot, eval orderbook.Evaluation) {
	entrySide := model.SideBuy
	entryLevel := primaryBook.BestAsk()
	siblingSide := model.SideSell
	siblingLevel := secondaryBook.BestBid()
	if eval.Direction == orderbook.DirectionSellPrimary {
		entrySide = model.SideSell
		entryLevel = primaryBook.BestBid()
		siblingSide = model.SideBuy
		siblingLevel = secondaryBook.BestAsk()
	}
	if entryLevel == nil {
		return
	}

	executable, _ := eval.ExecutableSize.Float64()
	size := c.settings.MarketHedgeMode.NotionalSize
	if executable < size {
		size = executable
	}
	if size <= 0 {
		return
	}

	entryPrice, _ := entryLevel.Price.Float64()
	entrySlippage, _ := eval.EntrySlippage.Float64()

	entrySpec := manager.PlaceSpec{
		Venue:             c.pair.PrimaryVenue,
		MarketID:          c.pair.PrimaryMarketID,
		Side:              entrySide,
		OrderType:         model.OrderTypeLimit,
		Price:             &entryPrice,
		Size:              size,
		Role:              model.OrderRolePrimary,
		PredictedSlippage: entrySlippage,
	}

	netSpread, _ := eval.NetSpread.Float64()
	logger.WithFields(map[string]interface{}{
		"component":  "pair_controller",
		"pair":       c.pair.PairID,
		"direction":  eval.Direction,
		"net_spread": netSpread,
		"size":       size,
		"price":      entryPrice,
	}).Info("spread entry")

	if c.settings.DoubleLimitEnabled && siblingLevel != nil {
		siblingPrice, _ := siblingLevel.Price.Float64()
		exitSlippage, _ := eval.ExitSlippage.Float64()
		siblingSpec := manager.PlaceSpec{
			Venue:             c.pair.SecondaryVenue,
			MarketID:          c.pair.SecondaryMarket,
			Side:              siblingSide,
			OrderType:         model.OrderTypeLimit,
			Price:             &siblingPrice,
			Size:              size,
			PredictedSlippage: exitSlippage,
		}
		a, _, err := c.mgr.PlaceDoubleLimit(ctx, entrySpec, siblingSpec)
		if err != nil {
			logger.WithError(err).Warn("double limit placement failed")
			return
		}
		c.setLastEntry(a)
		return
	}

	clientID, err := c.mgr.Place(ctx, entrySpec)
	if err != nil {
		logger.WithError(err).Warn("primary placement failed")
		return
	}
	c.setLastEntry(clientID)
}

func (c *PairController) cancelWorking(ctx context.Context, netSpread float64) {
	logger.WithFields(map[string]interface{}{
		"component":  "pair_controller",
		"pair":       c.pair.PairID,
		"net_spread": netSpread,
	}).Info("spread collapsed, cancelling working orders")
	for _, machine := range c.mgr.OpenMachines() {
		if err := c.mgr.Cancel(ctx, machine.ClientOrderID()); err != nil {
			logger.WithError(err).Warn("cancel on spread collapse failed")
		}
	}
}

func (c *PairController) setLastEntry(clientID string) {
	c.mu.Lock()
	c.lastEntryClient = clientID
	c.mu.Unlock()
}

func (c *PairController) fees(venueName string) orderbook.Fees {
	f := c.settings.FeesFor(venueName)
	return orderbook.Fees{
		Maker: decimal.NewFromFloat(f.Maker),
		Taker: decimal.NewFromFloat(f.Taker),
	}
}
