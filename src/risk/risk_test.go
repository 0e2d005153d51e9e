package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func defaultLimits() Limits {
	return Limits{
		ExposureCap:      decimal.NewFromInt(1000),
		MaxOpenOrders:    4,
		BalanceMargin:    decimal.RequireFromString("0.95"),
		SlippageCeiling:  decimal.RequireFromString("0.05"),
		CoolDownDuration: 5 * time.Minute,
	}
}

func healthyState() AccountState {
	return AccountState{
		GrossExposure:    decimal.NewFromInt(100),
		OpenOrdersOnPair: 1,
		AvailableBalance: decimal.NewFromInt(500),
	}
}

func smallOrder() ProposedOrder {
	return ProposedOrder{
		Price:             decimal.RequireFromString("0.42"),
		Size:              decimal.NewFromInt(100),
		PredictedSlippage: decimal.RequireFromString("0.01"),
	}
}

func TestEvaluateAllows(t *testing.T) {
	now := time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)
	result := Evaluate(defaultLimits(), healthyState(), smallOrder(), now)
	if !result.Allowed() {
		t.Fatalf("expected ALLOW, got %s (%s)", result.Verdict, result.Reason)
	}
}

func TestEvaluateChecksInOrder(t *testing.T) {
	now := time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		state      func() AccountState
		order      func() ProposedOrder
		wantReason string
	}{
		{
			name: "cool down",
			state: func() AccountState {
				s := healthyState()
				s.LastIncidentAt = now.Add(-time.Minute)
				return s
			},
			order:      smallOrder,
			wantReason: ReasonCoolDown,
		},
		{
			name: "exposure cap",
			state: func() AccountState {
				s := healthyState()
				s.GrossExposure = decimal.NewFromInt(990)
				return s
			},
			order:      smallOrder,
			wantReason: ReasonExposureCap,
		},
		{
			name: "open order cap",
			state: func() AccountState {
				s := healthyState()
				s.OpenOrdersOnPair = 4
				return s
			},
			order:      smallOrder,
			wantReason: ReasonOpenOrderCap,
		},
		{
			name: "balance",
			state: func() AccountState {
				s := healthyState()
				s.AvailableBalance = decimal.NewFromInt(10)
				return s
			},
			order:      smallOrder,
			wantReason: ReasonBalance,
		},
		{
			name:  "slippage",
			state: healthyState,
			order: func() ProposedOrder {
				o := smallOrder()
				o.PredictedSlippage = decimal.RequireFromString("0.10")
				return o
			},
			wantReason: ReasonSlippage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Evaluate(defaultLimits(), tt.state(), tt.order(), now)
			if result.Allowed() {
				t.Fatal("expected DENY")
			}
			if result.Reason != tt.wantReason {
				t.Fatalf("expected reason %s, got %s", tt.wantReason, result.Reason)
			}
		})
	}
}

// When several checks would fail, the earliest one in the order wins.
func TestEvaluateFirstFailingCheckWins(t *testing.T) {
	now := time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)
	state := healthyState()
	state.LastIncidentAt = now.Add(-time.Minute)
	state.GrossExposure = decimal.NewFromInt(5000)
	state.AvailableBalance = decimal.Zero

	result := Evaluate(defaultLimits(), state, smallOrder(), now)
	if result.Reason != ReasonCoolDown {
		t.Fatalf("expected %s to win, got %s", ReasonCoolDown, result.Reason)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	now := time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)
	first := Evaluate(defaultLimits(), healthyState(), smallOrder(), now)
	second := Evaluate(defaultLimits(), healthyState(), smallOrder(), now)
	if first != second {
		t.Fatalf("evaluate is not idempotent: %+v vs %+v", first, second)
	}
}

func TestEvaluateCoolDownExpired(t *testing.T) {
	now := time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)
	state := healthyState()
	state.LastIncidentAt = now.Add(-10 * time.Minute)

	result := Evaluate(defaultLimits(), state, smallOrder(), now)
	if !result.Allowed() {
		t.Fatalf("expected ALLOW after cool down expiry, got %s", result.Reason)
	}
}
