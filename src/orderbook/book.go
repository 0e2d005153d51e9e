package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Level is one price level of a ladder.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Snapshot is a passive top-of-book + depth view of one market at one instant.
// Bids are sorted price-descending, asks price-ascending, all sizes positive.
type Snapshot struct {
	Venue    string    `json:"venue"`
	MarketID string    `json:"market_id"`
	Seq      int64     `json:"seq"`
	Ts       time.Time `json:"ts"`
	Bids     []Level   `json:"bids"`
	Asks     []Level   `json:"asks"`
}

// BestBid returns the top bid level, or nil when the bid ladder is empty.
func (s *Snapshot) BestBid() *Level {
	if len(s.Bids) == 0 {
		return nil
	}
	return &s.Bids[0]
}

// BestAsk returns the top ask level, or nil when the ask ladder is empty.
func (s *Snapshot) BestAsk() *Level {
	if len(s.Asks) == 0 {
		return nil
	}
	return &s.Asks[0]
}

// Normalize sorts both ladders, drops non-positive sizes, and merges levels
// that share a price. It returns a new snapshot and never mutates the input.
func Normalize(s Snapshot) Snapshot {
	out := s
	out.Bids = normalizeLadder(s.Bids, true)
	out.Asks = normalizeLadder(s.Asks, false)
	return out
}

func normalizeLadder(levels []Level, descending bool) []Level {
	cleaned := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Size.IsPositive() {
			cleaned = append(cleaned, lvl)
		}
	}
	sort.SliceStable(cleaned, func(i, j int) bool {
		if descending {
			return cleaned[i].Price.GreaterThan(cleaned[j].Price)
		}
		return cleaned[i].Price.LessThan(cleaned[j].Price)
	})
	merged := make([]Level, 0, len(cleaned))
	for _, lvl := range cleaned {
		if n := len(merged); n > 0 && merged[n-1].Price.Equal(lvl.Price) {
			merged[n-1].Size = merged[n-1].Size.Add(lvl.Size)
			continue
		}
		merged = append(merged, lvl)
	}
	return merged
}

// WalkResult is the outcome of consuming a ladder up to a target size.
type WalkResult struct {
	VWAP     decimal.Decimal
	Achieved decimal.Decimal
	// Slippage is |vwap - top| / top for the walked ladder.
	Slippage decimal.Decimal
}

// Walk consumes levels until cumulative size reaches target. When the ladder
// is too thin, the partial VWAP and the achievable size are returned. A nil
// result means the ladder is empty.
func Walk(levels []Level, target decimal.Decimal) *WalkResult {
	if len(levels) == 0 || !target.IsPositive() {
		return nil
	}
	remaining := target
	notional := decimal.Zero
	accumulated := decimal.Zero
	for _, lvl := range levels {
		take := decimal.Min(lvl.Size, remaining)
		notional = notional.Add(take.Mul(lvl.Price))
		accumulated = accumulated.Add(take)
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}
	if accumulated.IsZero() {
		return nil
	}
	vwap := notional.Div(accumulated)
	top := levels[0].Price
	slippage := decimal.Zero
	if top.IsPositive() {
		slippage = vwap.Sub(top).Abs().Div(top)
	}
	return &WalkResult{VWAP: vwap, Achieved: accumulated, Slippage: slippage}
}
