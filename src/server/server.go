package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/healthcheck"
	"hedgebot/src/model"
	"hedgebot/src/positions"
)

// StatusSource exposes the read-only engine state the control surface serves.
// All handlers are read-only; nothing here mutates live state.
type StatusSource interface {
	Pairs() []model.MarketPair
	PairStatus() []PairStatus
	StartedAt() time.Time
	Positions() []positions.Position
	AccountState() map[string]interface{}
}

// PairStatus is one row of the /status response.
type PairStatus struct {
	PairID     string     `json:"pair_id"`
	Disabled   bool       `json:"disabled"`
	OpenOrders int        `json:"open_orders"`
	LastFill   *time.Time `json:"last_fill,omitempty"`
}

type simulatedRunStore interface {
	Create(ctx context.Context, run *model.SimulatedRun) error
}

// Server hosts the /status, /health, and /simulate endpoints.
type Server struct {
	source StatusSource
	health *healthcheck.Service
	runs   simulatedRunStore
	size   float64
}

func New(source StatusSource, health *healthcheck.Service, runs simulatedRunStore, canonicalSize float64) *Server {
	return &Server{source: source, health: health, runs: runs, size: canonicalSize}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port string) error {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Post("/simulate", s.handleSimulate)

	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down control surface...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pairStatus := s.source.PairStatus()
	openOrders := 0
	for _, p := range pairStatus {
		openOrders += p.OpenOrders
	}
	writeJSON(w, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.source.StartedAt()).Seconds()),
		"pair_count":     len(pairStatus),
		"open_orders":    openOrders,
		"pairs":          pairStatus,
		"positions":      s.source.Positions(),
		"accounts":       s.source.AccountState(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := s.health.Run(r.Context(), s.source.Pairs(), s.size)
	ok := true
	for _, res := range results {
		if res.PrimaryStatus != "OK" || res.SecondaryStatus != "OK" {
			ok = false
		}
	}
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]interface{}{
		"ok":    ok,
		"pairs": results,
	})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	pairID := r.URL.Query().Get("pair")
	if pairID == "" {
		http.Error(w, "missing pair", http.StatusBadRequest)
		return
	}
	size := s.size
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid size", http.StatusBadRequest)
			return
		}
		size = parsed
	}

	var target *model.MarketPair
	for _, pair := range s.source.Pairs() {
		if pair.PairID == pairID {
			p := pair
			target = &p
			break
		}
	}
	if target == nil {
		http.Error(w, "unknown pair", http.StatusNotFound)
		return
	}

	plan, err := s.health.Simulate(r.Context(), *target, size, s.runs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, plan)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("response encode failed")
	}
}
