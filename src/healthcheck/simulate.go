package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"hedgebot/src/model"
	"hedgebot/src/orderbook"
)

type simulatedRunStore interface {
	Create(ctx context.Context, run *model.SimulatedRun) error
}

// PlanLeg is one would-be order of a simulated run.
type PlanLeg struct {
	Venue    string  `json:"venue"`
	MarketID string  `json:"market_id"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	Role     string  `json:"role"`
}

// Plan is the full order plan of one simulation. Field order is fixed so the
// marshalled JSON is identical for identical snapshots and inputs.
type Plan struct {
	PairID      string    `json:"pair_id"`
	Direction   string    `json:"direction"`
	Size        float64   `json:"size"`
	EntryVWAP   float64   `json:"entry_vwap"`
	HedgeVWAP   float64   `json:"hedge_vwap"`
	NetSpread   float64   `json:"net_spread"`
	ExpectedPnl float64   `json:"expected_pnl"`
	Legs        []PlanLeg `json:"legs"`
}

// Simulate builds the order plan a live entry would produce right now and
// persists it as a SimulatedRun. Always read-only, regardless of dry_run.
func (s *Service) Simulate(ctx context.Context, pair model.MarketPair, size float64, runs simulatedRunStore) (*Plan, error) {
	if size <= 0 {
		size = s.settings.MarketHedgeMode.NotionalSize
	}

	primaryBook, secondaryBook, err := s.fetchBooks(ctx, pair)
	if err != nil || primaryBook == nil || secondaryBook == nil {
		return nil, fmt.Errorf("simulate %s: books unavailable: %w", pair.PairID, err)
	}

	eval := orderbook.BestDirection(
		*primaryBook, *secondaryBook,
		decimal.NewFromFloat(size),
		s.fees(pair.PrimaryVenue), s.fees(pair.SecondaryVenue),
	)
	if eval.NoQuote {
		return nil, fmt.Errorf("simulate %s: no quote on either ladder", pair.PairID)
	}

	executable, _ := eval.ExecutableSize.Float64()
	if executable < size {
		size = executable
	}

	entrySide, hedgeSide := model.SideBuy, model.SideSell
	entryLevel := primaryBook.BestAsk()
	if eval.Direction == orderbook.DirectionSellPrimary {
		entrySide, hedgeSide = model.SideSell, model.SideBuy
		entryLevel = primaryBook.BestBid()
	}
	if entryLevel == nil {
		return nil, fmt.Errorf("simulate %s: primary top of book missing", pair.PairID)
	}

	entryPrice, _ := entryLevel.Price.Float64()
	entryVWAP, _ := eval.EntryVWAP.Float64()
	hedgeVWAP, _ := eval.ExitVWAP.Float64()
	netSpread, _ := eval.NetSpread.Float64()
	netPerUnit, _ := eval.NetPerUnit.Float64()

	plan := &Plan{
		PairID:      pair.PairID,
		Direction:   eval.Direction,
		Size:        size,
		EntryVWAP:   entryVWAP,
		HedgeVWAP:   hedgeVWAP,
		NetSpread:   netSpread,
		ExpectedPnl: netPerUnit * size,
		Legs: []PlanLeg{
			{
				Venue:    pair.PrimaryVenue,
				MarketID: pair.PrimaryMarketID,
				Side:     entrySide,
				Type:     model.OrderTypeLimit,
				Price:    entryPrice,
				Size:     size,
				Role:     model.OrderRolePrimary,
			},
			{
				Venue:    pair.SecondaryVenue,
				MarketID: pair.SecondaryMarket,
				Side:     hedgeSide,
				Type:     model.OrderTypeMarket,
				Price:    hedgeVWAP,
				Size:     size,
				Role:     model.OrderRoleHedge,
			},
		},
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, err
	}
	run := &model.SimulatedRun{
		PairID:      pair.PairID,
		Size:        size,
		PlanJSON:    string(planJSON),
		ExpectedPnl: plan.ExpectedPnl,
	}
	if err := runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("persist simulated run: %w", err)
	}
	return plan, nil
}
