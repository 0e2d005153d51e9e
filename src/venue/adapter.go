package venue

import (
	"context"
	"errors"
	"time"

	"hedgebot/src/orderbook"
)

// OrderSpec is everything an adapter needs to place one order.
type OrderSpec struct {
	ClientOrderID string
	MarketID      string
	Side          string // model.SideBuy / model.SideSell
	OrderType     string // model.OrderTypeLimit / model.OrderTypeMarket
	Price         *float64
	Size          float64
	// IOC marks immediate-or-cancel semantics for hedge legs.
	IOC bool
}

// FillEvent is a raw fill notification from either the websocket stream or a
// poll diff, before reconciliation.
type FillEvent struct {
	Venue        string
	VenueOrderID string
	// FillID is empty on venues without per-fill ids; the reconciler then
	// falls back to the cumulative watermark strategy.
	FillID   string
	MarketID string
	Side     string
	Size     float64
	Price    float64
	Fee      float64
	// Cumulative is the venue-reported total filled size, when known (polls).
	Cumulative float64
	Seq        int64
	Ts         time.Time
	Source     string // ws | poll
}

// OpenOrder is one row of a venue's open/recent order listing.
type OpenOrder struct {
	VenueOrderID string
	MarketID     string
	Side         string
	Price        float64
	Requested    float64
	Filled       float64
	Status       string
	UpdatedAt    time.Time
}

// Adapter is the capability set every concrete venue client implements.
type Adapter interface {
	Name() string
	Place(ctx context.Context, spec OrderSpec) (venueOrderID string, err error)
	Cancel(ctx context.Context, venueOrderID string) error
	FetchBook(ctx context.Context, marketID string) (orderbook.Snapshot, error)
	// SubscribeFills blocks until ctx is done, invoking handler per fill frame.
	SubscribeFills(ctx context.Context, handler func(FillEvent)) error
	FetchOpenOrders(ctx context.Context) ([]OpenOrder, error)
	FetchBalance(ctx context.Context) (float64, error)
	// HasFillIDs tells the reconciler which dedup key strategy to use.
	HasFillIDs() bool
}

// Error wraps a venue failure with a retry classification.
type Error struct {
	Venue     string
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return e.Venue + " " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransientError marks a failure safe to retry (timeouts, 5xx, 429).
func NewTransientError(venue, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Transient: true, Err: err}
}

// NewPermanentError marks a venue rejection that must not be retried.
func NewPermanentError(venue, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err may be retried with backoff. Plain context
// deadline errors count as transient; anything unclassified does not.
func IsTransient(err error) bool {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}
