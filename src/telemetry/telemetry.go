package telemetry

import (
	"context"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

// Telemetry is an injected counters handle. One instance per engine; no
// package-level state.
type Telemetry struct {
	mu sync.Mutex

	counters map[string]int64
	slippage []float64

	interval time.Duration
}

func New(snapshotInterval time.Duration) *Telemetry {
	if snapshotInterval <= 0 {
		snapshotInterval = time.Minute
	}
	return &Telemetry{
		counters: make(map[string]int64),
		interval: snapshotInterval,
	}
}

func (t *Telemetry) Inc(name string) {
	t.mu.Lock()
	t.counters[name]++
	t.mu.Unlock()
}

func (t *Telemetry) ObserveSlippage(value float64) {
	t.mu.Lock()
	t.slippage = append(t.slippage, value)
	t.mu.Unlock()
}

// Snapshot returns a copy of the counters plus the mean observed slippage
// since the previous snapshot.
func (t *Telemetry) Snapshot() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]interface{}, len(t.counters)+1)
	for k, v := range t.counters {
		out[k] = v
	}
	if len(t.slippage) > 0 {
		sum := 0.0
		for _, s := range t.slippage {
			sum += s
		}
		out["avg_slippage"] = sum / float64(len(t.slippage))
		t.slippage = t.slippage[:0]
	}
	return out
}

// Run logs a snapshot periodically until ctx is cancelled.
func (t *Telemetry) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.WithFields(logger.Fields(t.Snapshot())).Info("telemetry snapshot")
		}
	}
}

// Counter names used across the engine.
const (
	HedgeAttempts  = "hedge_attempts"
	HedgeSuccess   = "hedge_success"
	HedgeFailures  = "hedge_failures"
	FillsWS        = "fills_ws"
	FillsPoll      = "fills_poll"
	FillsDuplicate = "fills_duplicate"
	CancelFailures = "cancel_failures"
)
