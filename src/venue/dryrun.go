package venue

import (
	"context"
	"fmt"
	"sync/atomic"

	"hedgebot/src/orderbook"
)

// DryRunAdapter wraps a real adapter and short-circuits every mutating call
// with a deterministic synthetic ack. Book fetches pass through so spread
// evaluation still sees live markets; no fills are ever produced.
type DryRunAdapter struct {
	inner Adapter
	seq   atomic.Int64
}

func NewDryRunAdapter(inner Adapter) *DryRunAdapter {
	return &DryRunAdapter{inner: inner}
}

func (d *DryRunAdapter) Name() string { return d.inner.Name() }

func (d *DryRunAdapter) Place(_ context.Context, spec OrderSpec) (string, error) {
	n := d.seq.Add(1)
	return fmt.Sprintf("dry-%s-%d", spec.ClientOrderID, n), nil
}

func (d *DryRunAdapter) Cancel(context.Context, string) error { return nil }

func (d *DryRunAdapter) FetchBook(ctx context.Context, marketID string) (orderbook.Snapshot, error) {
	return d.inner.FetchBook(ctx, marketID)
}

func (d *DryRunAdapter) SubscribeFills(ctx context.Context, _ func(FillEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DryRunAdapter) FetchOpenOrders(context.Context) ([]OpenOrder, error) {
	return nil, nil
}

// FetchBalance reports a fixed synthetic balance so dry-run entries are never
// blocked on a live balance probe.
func (d *DryRunAdapter) FetchBalance(context.Context) (float64, error) {
	return 1_000_000, nil
}

func (d *DryRunAdapter) HasFillIDs() bool { return d.inner.HasFillIDs() }
