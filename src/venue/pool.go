package venue

import (
	"fmt"
	"sync"

	logger "github.com/sirupsen/logrus"

	"hedgebot/src/model"
)

// Worker couples one account with its adapter and rate limiter.
type Worker struct {
	Account model.Account
	Adapter Adapter
	Limiter *AccountLimiter

	mu          sync.Mutex
	healthy     bool
	activeTasks int
}

func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

func (w *Worker) SetHealthy(healthy bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthy = healthy
}

// Pool selects an account worker for a (venue, pair) tuple. Selection prefers
// an explicitly assigned account and otherwise round-robins across healthy
// workers of the venue.
type Pool struct {
	mu       sync.Mutex
	byVenue  map[string][]*Worker
	byID     map[string]*Worker
	rrCursor map[string]int
}

func NewPool() *Pool {
	return &Pool{
		byVenue:  make(map[string][]*Worker),
		byID:     make(map[string]*Worker),
		rrCursor: make(map[string]int),
	}
}

// Add registers an account worker. The pool owns the limiter lifecycle.
func (p *Pool) Add(account model.Account, adapter Adapter) *Worker {
	worker := &Worker{
		Account: account,
		Adapter: adapter,
		Limiter: NewAccountLimiter(account.TokensPerSec, account.Burst),
		healthy: true,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byVenue[account.Venue] = append(p.byVenue[account.Venue], worker)
	p.byID[account.AccountID] = worker
	return worker
}

// Acquire picks the worker for a venue, honouring a preferred account id.
func (p *Pool) Acquire(venueName, preferredAccountID string) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferredAccountID != "" {
		if worker, ok := p.byID[preferredAccountID]; ok && worker.Healthy() {
			worker.incr()
			return worker, nil
		}
		logger.WithFields(map[string]interface{}{
			"component": "account_pool",
			"venue":     venueName,
			"account":   preferredAccountID,
		}).Warn("preferred account missing or unhealthy; falling back")
	}

	workers := p.byVenue[venueName]
	if len(workers) == 0 {
		return nil, fmt.Errorf("no accounts configured for venue %s", venueName)
	}
	cursor := p.rrCursor[venueName]
	for i := 0; i < len(workers); i++ {
		worker := workers[(cursor+i)%len(workers)]
		if worker.Healthy() {
			p.rrCursor[venueName] = (cursor + i + 1) % len(workers)
			worker.incr()
			return worker, nil
		}
	}
	return nil, fmt.Errorf("no healthy accounts for venue %s", venueName)
}

// Release returns a worker acquired with Acquire.
func (p *Pool) Release(worker *Worker) {
	worker.mu.Lock()
	defer worker.mu.Unlock()
	if worker.activeTasks > 0 {
		worker.activeTasks--
	}
}

// Workers returns all registered workers, for fill subscriptions and health.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Worker
	for _, workers := range p.byVenue {
		out = append(out, workers...)
	}
	return out
}

// Size reports the number of registered accounts.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// ExportState summarizes pool health for the /status surface.
func (p *Pool) ExportState() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]interface{}, len(p.byID))
	for id, worker := range p.byID {
		worker.mu.Lock()
		out[id] = map[string]interface{}{
			"venue":        worker.Account.Venue,
			"healthy":      worker.healthy,
			"active_tasks": worker.activeTasks,
		}
		worker.mu.Unlock()
	}
	return out
}

func (w *Worker) incr() {
	w.mu.Lock()
	w.activeTasks++
	w.mu.Unlock()
}
