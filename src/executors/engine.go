package executors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"hedgebot/src/config"
	"hedgebot/src/connectors"
	"hedgebot/src/controller"
	"hedgebot/src/fsm"
	"hedgebot/src/healthcheck"
	"hedgebot/src/hedger"
	"hedgebot/src/manager"
	"hedgebot/src/model"
	"hedgebot/src/notifier"
	"hedgebot/src/positions"
	"hedgebot/src/reconciler"
	"hedgebot/src/repository"
	"hedgebot/src/security"
	"hedgebot/src/server"
	"hedgebot/src/telemetry"
	"hedgebot/src/venue"
)

// Startup failures the launcher maps to exit codes.
var (
	ErrNoAccounts = errors.New("no enabled accounts loaded")
	ErrNoPairs    = errors.New("no enabled pairs configured")
)

// Engine owns the full wiring: account pool, per-pair managers and
// controllers, the reconciler, and the control surface.
type Engine struct {
	settings *config.Settings

	pool    *venue.Pool
	tracker *positions.Tracker
	tel     *telemetry.Telemetry
	notify  notifier.Notifier

	pairs       []model.MarketPair
	controllers map[string]*controller.PairController
	managers    map[string]*manager.Manager

	recon  *reconciler.Reconciler
	health *healthcheck.Service

	orders    *repository.OrderRepository
	fills     *repository.FillRepository
	trades    *repository.TradeRepository
	doubles   *repository.DoubleLimitRepository
	incidents *repository.IncidentRepository
	simRuns   *repository.SimulatedRunRepository

	startedAt time.Time
}

// NewEngine loads accounts and pairs and wires every component. Returns
// ErrNoAccounts / ErrNoPairs for the launcher's exit-code mapping.
func NewEngine(ctx context.Context, settings *config.Settings) (*Engine, error) {
	e := &Engine{
		settings:    settings,
		pool:        venue.NewPool(),
		tracker:     positions.NewTracker(),
		tel:         telemetry.New(time.Minute),
		controllers: make(map[string]*controller.PairController),
		managers:    make(map[string]*manager.Manager),
		orders:      repository.NewOrderRepository(),
		fills:       repository.NewFillRepository(),
		trades:      repository.NewTradeRepository(),
		doubles:     repository.NewDoubleLimitRepository(),
		incidents:   repository.NewIncidentRepository(),
		simRuns:     repository.NewSimulatedRunRepository(),
		startedAt:   time.Now().UTC(),
	}

	if settings.Telegram.Enabled {
		e.notify = notifier.NewTelegram(settings.Telegram)
	} else {
		e.notify = notifier.Nop{}
	}

	accounts, err := repository.NewAccountRepository().ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	for _, account := range accounts {
		adapter, err := e.buildAdapter(account)
		if err != nil {
			return nil, fmt.Errorf("build adapter for %s: %w", account.AccountID, err)
		}
		e.pool.Add(account, adapter)
	}

	pairs, err := repository.NewMarketPairRepository().ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pairs: %w", err)
	}
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	e.pairs = pairs

	for _, pair := range pairs {
		if err := e.wirePair(pair); err != nil {
			return nil, fmt.Errorf("wire pair %s: %w", pair.PairID, err)
		}
	}

	recon, err := reconciler.New(
		e.fills, e.orders, e.incidents, e.tel,
		e.routeFill,
		settings.ExpectedOpenOrders,
		settings.StaleFillThreshold,
		e.anyOrderLive,
	)
	if err != nil {
		return nil, err
	}
	e.recon = recon
	e.health = healthcheck.NewService(settings, e.pool)

	if err := e.recover(ctx); err != nil {
		return nil, fmt.Errorf("recover orders: %w", err)
	}
	if err := e.recon.Seed(ctx); err != nil {
		logger.WithError(err).Warn("reconciler seed failed")
	}

	return e, nil
}

// buildAdapter constructs the venue client for one account, decrypting its
// stored credentials. Dry-run wraps the client so no mutating call leaves the
// process.
func (e *Engine) buildAdapter(account model.Account) (venue.Adapter, error) {
	apiKey, err := security.DecryptString(account.APIKeyHash)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := security.DecryptString(account.APISecretHash)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}

	cfg := connectors.GetConfig()
	var adapter venue.Adapter
	switch account.Venue {
	case "polymarket":
		// Polymarket fills carry no per-fill ids; the reconciler runs the
		// cumulative-watermark strategy for it.
		adapter = connectors.NewClobClient(account.Venue, cfg.PolymarketBaseURL, cfg.PolymarketWSURL, apiKey, apiSecret, account.Proxy, false)
	default:
		adapter = connectors.NewClobClient(account.Venue, cfg.OpinionBaseURL, cfg.OpinionWSURL, apiKey, apiSecret, account.Proxy, true)
	}

	if e.settings.DryRun {
		adapter = venue.NewDryRunAdapter(adapter)
	}
	return adapter, nil
}

func (e *Engine) wirePair(pair model.MarketPair) error {
	primaryWorker, err := e.pool.Acquire(pair.PrimaryVenue, pair.PrimaryAccount)
	if err != nil {
		return err
	}
	secondaryWorker, err := e.pool.Acquire(pair.SecondaryVenue, pair.SecondaryAccount)
	if err != nil {
		return err
	}

	workers := map[string]*venue.Worker{
		pair.PrimaryVenue:   primaryWorker,
		pair.SecondaryVenue: secondaryWorker,
	}
	markets := map[string]string{
		pair.PrimaryVenue:   pair.PrimaryMarketID,
		pair.SecondaryVenue: pair.SecondaryMarket,
	}

	mgr := manager.New(
		pair.PairID, e.settings, workers,
		e.orders, e.doubles, e.incidents,
		e.tracker, e.tel, e.notify,
	)
	h := hedger.New(
		pair.PairID, e.settings, mgr, workers, markets,
		pair.PrimaryVenue, pair.SecondaryVenue,
		e.trades, e.incidents, e.tel, e.notify,
	)
	mgr.AttachHedger(h)

	e.managers[pair.PairID] = mgr
	e.controllers[pair.PairID] = controller.NewPairController(pair, e.settings, mgr, primaryWorker, secondaryWorker)
	return nil
}

// routeFill dispatches a canonical fill to the manager owning its pair.
func (e *Engine) routeFill(ctx context.Context, order *model.Order, fill *model.Fill) {
	mgr := e.managers[order.PairID]
	if mgr == nil {
		logger.WithFields(map[string]interface{}{
			"component": "engine",
			"pair":      order.PairID,
			"order_id":  order.ClientOrderID,
		}).Warn("fill for unmanaged pair dropped")
		return
	}
	mgr.OnFill(ctx, order, fill)
}

func (e *Engine) anyOrderLive() bool {
	for _, mgr := range e.managers {
		if mgr.HasLiveOrder() {
			return true
		}
	}
	return false
}

// recover replays persisted order_events for every non-terminal order so the
// in-memory FSMs resume where the previous process stopped.
func (e *Engine) recover(ctx context.Context) error {
	open, err := e.orders.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for i := range open {
		order := &open[i]
		mgr := e.managers[order.PairID]
		if mgr == nil {
			continue
		}
		events, err := e.orders.ListEvents(ctx, order.ClientOrderID)
		if err != nil {
			return err
		}
		machine := fsm.Replay(order, events, mgr.Sink())
		mgr.AdoptMachine(machine)
		logger.WithFields(map[string]interface{}{
			"component": "engine",
			"order_id":  order.ClientOrderID,
			"state":     machine.State(),
		}).Info("order recovered")
	}
	return nil
}

// Run spawns every task and blocks until ctx is cancelled and the tasks have
// drained. Open orders are cancelled cooperatively on the way out.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithField("task", name).WithError(err).Error("task stopped")
			}
		}()
	}

	// One websocket reader and one poller per account worker.
	for _, worker := range e.pool.Workers() {
		w := worker
		connectivity := e.settings.ConnectivityFor(w.Account.Venue)
		if connectivity.UseWebsocket && !e.settings.DryRun {
			spawn("ws:"+w.Account.AccountID, func(ctx context.Context) error {
				return e.recon.RunWS(ctx, w)
			})
		}
		pollInterval := connectivity.PollInterval
		spawn("poll:"+w.Account.AccountID, func(ctx context.Context) error {
			return e.recon.RunPoller(ctx, w, pollInterval)
		})
	}

	for _, pairController := range e.controllers {
		pc := pairController
		spawn("pair:"+pc.PairID(), pc.Run)
	}

	spawn("stale-monitor", func(ctx context.Context) error {
		e.recon.RunStaleMonitor(ctx)
		return nil
	})
	spawn("telemetry", func(ctx context.Context) error {
		e.tel.Run(ctx)
		return nil
	})
	if tg, ok := e.notify.(*notifier.Telegram); ok {
		spawn("heartbeat", func(ctx context.Context) error {
			tg.RunHeartbeat(ctx, e.heartbeatStatus)
			return nil
		})
	}

	serverCfg := server.GetConfig()
	srv := server.New(e, e.health, e.simRuns, e.settings.MarketHedgeMode.NotionalSize)
	spawn("control-surface", func(ctx context.Context) error {
		return srv.Start(ctx, serverCfg.Port)
	})

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, mgr := range e.managers {
		mgr.Shutdown(shutdownCtx)
	}

	wg.Wait()
	return nil
}

func (e *Engine) heartbeatStatus() string {
	open := 0
	for _, mgr := range e.managers {
		open += len(mgr.OpenMachines())
	}
	return fmt.Sprintf("hedgebot alive: %d pair(s), %d open order(s)", len(e.pairs), open)
}

// --- server.StatusSource ---

func (e *Engine) Pairs() []model.MarketPair { return e.pairs }

func (e *Engine) StartedAt() time.Time { return e.startedAt }

func (e *Engine) Positions() []positions.Position { return e.tracker.Export() }

func (e *Engine) AccountState() map[string]interface{} { return e.pool.ExportState() }

func (e *Engine) PairStatus() []server.PairStatus {
	out := make([]server.PairStatus, 0, len(e.controllers))
	for _, pc := range e.controllers {
		mgr := pc.Manager()
		status := server.PairStatus{
			PairID:     pc.PairID(),
			Disabled:   pc.Disabled(),
			OpenOrders: mgr.LiveOrderCount(),
		}
		if last := mgr.LastFillAt(); !last.IsZero() {
			lastCopy := last
			status.LastFill = &lastCopy
		}
		out = append(out, status)
	}
	return out
}
