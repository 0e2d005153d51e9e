package hedger

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hedgebot/src/config"
	"hedgebot/src/manager"
	"hedgebot/src/model"
	"hedgebot/src/orderbook"
	"hedgebot/src/telemetry"
	"hedgebot/src/venue"
)

type fakeAdapter struct {
	name  string
	book  orderbook.Snapshot
	fills bool
}

func (a *fakeAdapter) Name() string     { return a.name }
func (a *fakeAdapter) HasFillIDs() bool { return a.fills }
func (a *fakeAdapter) Place(context.Context, venue.OrderSpec) (string, error) {
	return "v-hedge", nil
}
func (a *fakeAdapter) Cancel(context.Context, string) error { return nil }
func (a *fakeAdapter) FetchBook(context.Context, string) (orderbook.Snapshot, error) {
	return a.book, nil
}
func (a *fakeAdapter) SubscribeFills(ctx context.Context, _ func(venue.FillEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (a *fakeAdapter) FetchOpenOrders(context.Context) ([]venue.OpenOrder, error) { return nil, nil }
func (a *fakeAdapter) FetchBalance(context.Context) (float64, error)              { return 10000, nil }

type fakePlacer struct {
	specs []manager.PlaceSpec
}

func (p *fakePlacer) Place(_ context.Context, spec manager.PlaceSpec) (string, error) {
	p.specs = append(p.specs, spec)
	return "hedge-client-1", nil
}

type memoryTrades struct {
	trades []model.Trade
}

func (s *memoryTrades) Create(_ context.Context, trade *model.Trade) error {
	s.trades = append(s.trades, *trade)
	return nil
}

func (s *memoryTrades) ExistsForEntry(_ context.Context, entryOrderID, _ string) (bool, error) {
	for _, trade := range s.trades {
		if trade.EntryOrderID == entryOrderID {
			return true, nil
		}
	}
	return false, nil
}

type memoryIncidents struct {
	incidents []model.Incident
}

func (s *memoryIncidents) Create(_ context.Context, incident *model.Incident) error {
	s.incidents = append(s.incidents, *incident)
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string) {}

func testSettings() *config.Settings {
	return &config.Settings{
		Exchanges:         config.ExchangeRoutingConfig{Primary: "primary", Secondary: "secondary"},
		AllowPartialHedge: true,
		HedgeMaxRetries:   0,
		PlaceMaxAttempts:  1,
		MarketHedgeMode: config.MarketHedgeConfig{
			HedgeRatio:  1.0,
			MaxSlippage: 0.05,
			LotStep:     0.01,
		},
		PrimaryMakerFee:   0.01,
		PrimaryTakerFee:   0.01,
		SecondaryMakerFee: 0.01,
		SecondaryTakerFee: 0.01,
		BookTimeout:       2 * time.Second,
	}
}

func secondaryBook(bidPrice string, bidSize string) orderbook.Snapshot {
	return orderbook.Snapshot{
		Venue:    "secondary",
		MarketID: "m2",
		Bids: []orderbook.Level{{
			Price: decimal.RequireFromString(bidPrice),
			Size:  decimal.RequireFromString(bidSize),
		}},
	}
}

func newTestHedger(settings *config.Settings, book orderbook.Snapshot) (*Hedger, *fakePlacer, *memoryTrades, *memoryIncidents) {
	adapter := &fakeAdapter{name: "secondary", book: book}
	pool := venue.NewPool()
	worker := pool.Add(model.Account{AccountID: "acc-2", Venue: "secondary", TokensPerSec: 100, Burst: 10}, adapter)

	placer := &fakePlacer{}
	trades := &memoryTrades{}
	incidents := &memoryIncidents{}

	h := New(
		"pair1", settings, placer,
		map[string]*venue.Worker{"secondary": worker},
		map[string]string{"secondary": "m2", "primary": "m1"},
		"primary", "secondary",
		trades, incidents, telemetry.New(time.Minute), nopNotifier{},
	)
	return h, placer, trades, incidents
}

func entryOrder() *model.Order {
	price := 0.42
	return &model.Order{
		ClientOrderID: "pair1-PRIMARY-1-abc",
		Venue:         "primary",
		MarketID:      "m1",
		PairID:        "pair1",
		Side:          model.SideBuy,
		Price:         &price,
		RequestedSize: 100,
		Role:          model.OrderRolePrimary,
	}
}

func entryFill(size float64) *model.Fill {
	return &model.Fill{
		Venue:         "primary",
		VenueOrderID:  "v-1",
		FillID:        "f-1",
		ClientOrderID: "pair1-PRIMARY-1-abc",
		Side:          model.SideBuy,
		Size:          size,
		Price:         0.42,
		FilledAt:      time.Now().UTC(),
	}
}

// Spread entry seed scenario, hedge side: a 100 BUY fill at 0.42 hedges as a
// SELL 100 into the secondary 0.48 bid; trade pnl = (0.48-0.42)*100 - fees.
func TestHedgePlacesOffsettingLegAndRecordsTrade(t *testing.T) {
	h, placer, trades, _ := newTestHedger(testSettings(), secondaryBook("0.48", "200"))

	h.HandleFill(context.Background(), entryOrder(), entryFill(100))

	if len(placer.specs) != 1 {
		t.Fatalf("expected 1 hedge leg, got %d", len(placer.specs))
	}
	leg := placer.specs[0]
	if leg.Side != model.SideSell || leg.OrderType != model.OrderTypeMarket || !leg.IOC {
		t.Fatalf("unexpected hedge leg: %+v", leg)
	}
	if leg.Size != 100 {
		t.Fatalf("expected hedge size 100, got %v", leg.Size)
	}
	if leg.Role != model.OrderRoleHedge {
		t.Fatalf("expected HEDGE role, got %s", leg.Role)
	}
	if leg.ParentFillID == "" {
		t.Fatal("hedge leg must reference the parent fill")
	}

	if len(trades.trades) != 1 {
		t.Fatalf("expected 1 trade row, got %d", len(trades.trades))
	}
	trade := trades.trades[0]
	if trade.Size != 100 || trade.EntryPrice != 0.42 || trade.HedgePrice != 0.48 {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	// fees = 0.42*100*0.01 + 0.48*100*0.01 = 0.90
	wantPnl := (0.48-0.42)*100 - 0.90
	if math.Abs(trade.PnlEstimate-wantPnl) > 1e-9 {
		t.Fatalf("expected pnl %.4f, got %.4f", wantPnl, trade.PnlEstimate)
	}
}

func TestHedgeRatioAndLotStep(t *testing.T) {
	settings := testSettings()
	settings.MarketHedgeMode.HedgeRatio = 0.5
	h, placer, _, _ := newTestHedger(settings, secondaryBook("0.48", "200"))

	h.HandleFill(context.Background(), entryOrder(), entryFill(33.339))

	if len(placer.specs) != 1 {
		t.Fatalf("expected 1 hedge leg, got %d", len(placer.specs))
	}
	// 33.339 * 0.5 = 16.6695, floored to the 0.01 lot step.
	if math.Abs(placer.specs[0].Size-16.66) > 1e-9 {
		t.Fatalf("expected 16.66 after lot-step floor, got %v", placer.specs[0].Size)
	}
}

// Slippage abort seed scenario: the secondary book only offers 40 units and
// partial hedging is off, so nothing is placed and an incident is recorded.
func TestSlippageAbortWithoutPartialHedge(t *testing.T) {
	settings := testSettings()
	settings.AllowPartialHedge = false
	h, placer, trades, incidents := newTestHedger(settings, secondaryBook("0.48", "40"))

	h.HandleFill(context.Background(), entryOrder(), entryFill(100))

	if len(placer.specs) != 0 {
		t.Fatalf("expected no hedge placement, got %d", len(placer.specs))
	}
	if len(trades.trades) != 0 {
		t.Fatal("no trade row may be written on abort")
	}
	found := false
	for _, incident := range incidents.incidents {
		if incident.Code == model.IncidentHedgeSlippageAbort {
			found = true
		}
	}
	if !found {
		t.Fatal("expected HEDGE_SLIPPAGE_ABORT incident")
	}
}

func TestPartialHedgeShrinksToAvailableDepth(t *testing.T) {
	h, placer, trades, incidents := newTestHedger(testSettings(), secondaryBook("0.48", "40"))

	h.HandleFill(context.Background(), entryOrder(), entryFill(100))

	if len(placer.specs) != 1 {
		t.Fatalf("expected 1 reduced hedge leg, got %d", len(placer.specs))
	}
	if placer.specs[0].Size > 40 {
		t.Fatalf("hedge exceeds available depth: %v", placer.specs[0].Size)
	}
	if len(trades.trades) != 1 {
		t.Fatalf("expected trade for the reduced hedge, got %d", len(trades.trades))
	}
	found := false
	for _, incident := range incidents.incidents {
		if incident.Code == model.IncidentHedgeUndersized {
			found = true
		}
	}
	if !found {
		t.Fatal("expected HEDGE_UNDERSIZED incident on shortfall")
	}
}

// Double delivery of the same fill produces exactly one hedge placement.
func TestAtMostOncePerFill(t *testing.T) {
	h, placer, trades, _ := newTestHedger(testSettings(), secondaryBook("0.48", "200"))

	fill := entryFill(100)
	h.HandleFill(context.Background(), entryOrder(), fill)
	h.HandleFill(context.Background(), entryOrder(), fill)

	if len(placer.specs) != 1 {
		t.Fatalf("expected exactly 1 hedge placement, got %d", len(placer.specs))
	}
	if len(trades.trades) != 1 {
		t.Fatalf("expected exactly 1 trade, got %d", len(trades.trades))
	}
}

func TestMultiLegSplit(t *testing.T) {
	settings := testSettings()
	settings.MultiLegEnabled = true
	settings.MultiLegWeights = []float64{0.5, 0.5}
	h, placer, _, _ := newTestHedger(settings, secondaryBook("0.48", "200"))

	h.HandleFill(context.Background(), entryOrder(), entryFill(100))

	if len(placer.specs) != 2 {
		t.Fatalf("expected 2 child legs, got %d", len(placer.specs))
	}
	if placer.specs[0].Size != 50 || placer.specs[1].Size != 50 {
		t.Fatalf("expected 50/50 split, got %v/%v", placer.specs[0].Size, placer.specs[1].Size)
	}
}
