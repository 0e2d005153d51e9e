package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Verdict of a gate evaluation.
const (
	VerdictAllow = "ALLOW"
	VerdictDeny  = "DENY"
)

// Deny reasons, first failing check wins.
const (
	ReasonCoolDown     = "account_cool_down"
	ReasonExposureCap  = "exposure_cap_exceeded"
	ReasonOpenOrderCap = "open_order_cap_exceeded"
	ReasonBalance      = "insufficient_balance"
	ReasonSlippage     = "predicted_slippage_too_high"
)

// Limits holds the configured ceilings the gate checks against.
type Limits struct {
	ExposureCap      decimal.Decimal
	MaxOpenOrders    int
	BalanceMargin    decimal.Decimal // safety margin applied to available balance
	SlippageCeiling  decimal.Decimal
	CoolDownDuration time.Duration
}

// AccountState is the caller-supplied view of the account at evaluation time.
type AccountState struct {
	// LastIncidentAt is zero when the account has no recent incident.
	LastIncidentAt   time.Time
	GrossExposure    decimal.Decimal
	OpenOrdersOnPair int
	AvailableBalance decimal.Decimal
}

// ProposedOrder is the order the gate is asked to approve.
type ProposedOrder struct {
	Price             decimal.Decimal
	Size              decimal.Decimal
	PredictedSlippage decimal.Decimal
}

// Result carries the verdict and, on DENY, the first failing reason.
type Result struct {
	Verdict string
	Reason  string
}

func (r Result) Allowed() bool { return r.Verdict == VerdictAllow }

func allow() Result             { return Result{Verdict: VerdictAllow} }
func deny(reason string) Result { return Result{Verdict: VerdictDeny, Reason: reason} }

// Evaluate runs the ordered pre-trade checks. Pure and idempotent: the same
// inputs always produce the same result and nothing is mutated.
func Evaluate(limits Limits, state AccountState, order ProposedOrder, now time.Time) Result {
	if !state.LastIncidentAt.IsZero() && now.Sub(state.LastIncidentAt) < limits.CoolDownDuration {
		return deny(ReasonCoolDown)
	}

	notional := order.Price.Mul(order.Size)
	projected := state.GrossExposure.Add(notional)
	if limits.ExposureCap.IsPositive() && projected.GreaterThan(limits.ExposureCap) {
		return deny(ReasonExposureCap)
	}

	if limits.MaxOpenOrders > 0 && state.OpenOrdersOnPair >= limits.MaxOpenOrders {
		return deny(ReasonOpenOrderCap)
	}

	budget := state.AvailableBalance.Mul(limits.BalanceMargin)
	if notional.GreaterThan(budget) {
		return deny(ReasonBalance)
	}

	if limits.SlippageCeiling.IsPositive() && order.PredictedSlippage.GreaterThan(limits.SlippageCeiling) {
		return deny(ReasonSlippage)
	}

	return allow()
}
