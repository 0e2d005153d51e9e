package orderbook

import (
	"github.com/shopspring/decimal"
)

// Direction of a spread evaluation. BuyPrimary means: buy on the primary
// venue's ask ladder, exit by selling into the secondary venue's bid ladder.
const (
	DirectionBuyPrimary  = "BUY_PRIMARY"
	DirectionSellPrimary = "SELL_PRIMARY"
)

// Fees are per-venue rate deductions applied to the evaluated legs.
type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// Evaluation is the analyzer output for one direction at one target size.
// NoQuote is the sentinel for an empty ladder on either side.
type Evaluation struct {
	NoQuote bool

	Direction string

	EntryVWAP decimal.Decimal
	ExitVWAP  decimal.Decimal

	// ExecutableSize is the size both ladders can actually absorb,
	// min(achieved entry, achieved exit), capped by the requested size.
	ExecutableSize decimal.Decimal

	EntrySlippage decimal.Decimal
	ExitSlippage  decimal.Decimal

	// NetSpread is NetPerUnit / entry.
	NetSpread decimal.Decimal
	// NetPerUnit is the per-unit edge after fees, before normalization:
	// exit - entry - fees when buying primary, entry - exit - fees when
	// selling primary.
	NetPerUnit decimal.Decimal
}

// NoQuoteResult is returned whenever a required ladder is empty.
func NoQuoteResult(direction string) Evaluation {
	return Evaluation{NoQuote: true, Direction: direction}
}

// Evaluate computes the depth-aware net spread between a primary entry and a
// secondary exit at the target size. Inputs are never mutated. The primary leg
// rests (maker fee), the secondary leg takes (taker fee).
func Evaluate(primary, secondary Snapshot, direction string, size decimal.Decimal, primaryFees, secondaryFees Fees) Evaluation {
	var entryLadder, exitLadder []Level
	switch direction {
	case DirectionSellPrimary:
		entryLadder = primary.Bids
		exitLadder = secondary.Asks
	default:
		direction = DirectionBuyPrimary
		entryLadder = primary.Asks
		exitLadder = secondary.Bids
	}

	entry := Walk(entryLadder, size)
	exit := Walk(exitLadder, size)
	if entry == nil || exit == nil {
		return NoQuoteResult(direction)
	}

	executable := decimal.Min(entry.Achieved, exit.Achieved)

	feeCost := entry.VWAP.Mul(primaryFees.Maker).Add(exit.VWAP.Mul(secondaryFees.Taker))

	var netPerUnit decimal.Decimal
	if direction == DirectionBuyPrimary {
		netPerUnit = exit.VWAP.Sub(entry.VWAP).Sub(feeCost)
	} else {
		netPerUnit = entry.VWAP.Sub(exit.VWAP).Sub(feeCost)
	}

	netSpread := decimal.Zero
	if entry.VWAP.IsPositive() {
		netSpread = netPerUnit.Div(entry.VWAP)
	}

	return Evaluation{
		Direction:      direction,
		EntryVWAP:      entry.VWAP,
		ExitVWAP:       exit.VWAP,
		ExecutableSize: executable,
		EntrySlippage:  entry.Slippage,
		ExitSlippage:   exit.Slippage,
		NetSpread:      netSpread,
		NetPerUnit:     netPerUnit,
	}
}

// BestDirection evaluates both directions and returns the one with the higher
// net spread. Both results may be NoQuote on thin books.
func BestDirection(primary, secondary Snapshot, size decimal.Decimal, primaryFees, secondaryFees Fees) Evaluation {
	buy := Evaluate(primary, secondary, DirectionBuyPrimary, size, primaryFees, secondaryFees)
	sell := Evaluate(primary, secondary, DirectionSellPrimary, size, primaryFees, secondaryFees)
	if buy.NoQuote {
		return sell
	}
	if sell.NoQuote {
		return buy
	}
	if sell.NetSpread.GreaterThan(buy.NetSpread) {
		return sell
	}
	return buy
}
