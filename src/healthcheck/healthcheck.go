package healthcheck

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/config"
	"hedgebot/src/model"
	"hedgebot/src/orderbook"
	"hedgebot/src/venue"
)

// Result is the per-pair outcome of a read-only connectivity and pricing check.
type Result struct {
	PairID          string   `json:"pair_id"`
	PrimaryVenue    string   `json:"primary_venue"`
	SecondaryVenue  string   `json:"secondary_venue"`
	PrimaryStatus   string   `json:"primary_status"`
	SecondaryStatus string   `json:"secondary_status"`
	PrimaryBid      *float64 `json:"primary_bid,omitempty"`
	PrimaryAsk      *float64 `json:"primary_ask,omitempty"`
	SecondaryBid    *float64 `json:"secondary_bid,omitempty"`
	SecondaryAsk    *float64 `json:"secondary_ask,omitempty"`
	Direction       string   `json:"direction,omitempty"`
	NetSpread       *float64 `json:"net_spread,omitempty"`
	Error           string   `json:"error,omitempty"`
	CheckedAt       string   `json:"checked_at"`
}

// Service performs read-only checks for enabled pairs. Never places.
type Service struct {
	settings *config.Settings
	pool     *venue.Pool
}

func NewService(settings *config.Settings, pool *venue.Pool) *Service {
	return &Service{settings: settings, pool: pool}
}

// Run checks every given pair at the canonical size.
func (s *Service) Run(ctx context.Context, pairs []model.MarketPair, size float64) []Result {
	results := make([]Result, 0, len(pairs))
	for _, pair := range pairs {
		results = append(results, s.checkPair(ctx, pair, size))
	}
	return results
}

func (s *Service) checkPair(ctx context.Context, pair model.MarketPair, size float64) Result {
	result := Result{
		PairID:          pair.PairID,
		PrimaryVenue:    pair.PrimaryVenue,
		SecondaryVenue:  pair.SecondaryVenue,
		PrimaryStatus:   "OK",
		SecondaryStatus: "OK",
		CheckedAt:       time.Now().UTC().Format(time.RFC3339),
	}

	primaryBook, secondaryBook, err := s.fetchBooks(ctx, pair)
	if err != nil {
		if primaryBook == nil {
			result.PrimaryStatus = "FAIL"
		}
		if secondaryBook == nil {
			result.SecondaryStatus = "FAIL"
		}
		result.Error = err.Error()
	}

	if primaryBook != nil {
		result.PrimaryBid, result.PrimaryAsk = topOfBook(primaryBook)
	}
	if secondaryBook != nil {
		result.SecondaryBid, result.SecondaryAsk = topOfBook(secondaryBook)
	}

	if primaryBook != nil && secondaryBook != nil {
		eval := orderbook.BestDirection(
			*primaryBook, *secondaryBook,
			decimal.NewFromFloat(size),
			s.fees(pair.PrimaryVenue), s.fees(pair.SecondaryVenue),
		)
		if !eval.NoQuote {
			net, _ := eval.NetSpread.Float64()
			result.Direction = eval.Direction
			result.NetSpread = &net
		}
	}
	return result
}

// fetchBooks loads both sides in parallel under the book deadline. A side that
// failed comes back nil.
func (s *Service) fetchBooks(ctx context.Context, pair model.MarketPair) (*orderbook.Snapshot, *orderbook.Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.settings.BookTimeout)
	defer cancel()

	type result struct {
		book orderbook.Snapshot
		err  error
	}
	primaryCh := make(chan result, 1)
	secondaryCh := make(chan result, 1)

	go func() {
		book, err := s.fetchSide(fetchCtx, pair.PrimaryVenue, pair.PrimaryAccount, pair.PrimaryMarketID)
		primaryCh <- result{book, err}
	}()
	go func() {
		book, err := s.fetchSide(fetchCtx, pair.SecondaryVenue, pair.SecondaryAccount, pair.SecondaryMarket)
		secondaryCh <- result{book, err}
	}()

	primary := <-primaryCh
	secondary := <-secondaryCh

	var primaryBook, secondaryBook *orderbook.Snapshot
	var firstErr error
	if primary.err != nil {
		firstErr = primary.err
	} else {
		primaryBook = &primary.book
	}
	if secondary.err != nil {
		if firstErr == nil {
			firstErr = secondary.err
		}
	} else {
		secondaryBook = &secondary.book
	}
	return primaryBook, secondaryBook, firstErr
}

func (s *Service) fetchSide(ctx context.Context, venueName, accountID, marketID string) (orderbook.Snapshot, error) {
	worker, err := s.pool.Acquire(venueName, accountID)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	defer s.pool.Release(worker)
	if err := worker.Limiter.Wait(ctx); err != nil {
		return orderbook.Snapshot{}, err
	}
	book, err := worker.Adapter.FetchBook(ctx, marketID)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "healthcheck",
			"venue":     venueName,
			"market_id": marketID,
		}).WithError(err).Warn("book fetch failed")
	}
	return book, err
}

func (s *Service) fees(venueName string) orderbook.Fees {
	f := s.settings.FeesFor(venueName)
	return orderbook.Fees{
		Maker: decimal.NewFromFloat(f.Maker),
		Taker: decimal.NewFromFloat(f.Taker),
	}
}

func topOfBook(book *orderbook.Snapshot) (*float64, *float64) {
	var bid, ask *float64
	if best := book.BestBid(); best != nil {
		v, _ := best.Price.Float64()
		bid = &v
	}
	if best := book.BestAsk(); best != nil {
		v, _ := best.Price.Float64()
		ask = &v
	}
	return bid, ask
}
