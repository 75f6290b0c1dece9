// Package httpapi exposes health and progress endpoints for operators.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"olx_bot/internal/model"
	"olx_bot/internal/poller"
)

// Poller is the part of the poll orchestrator the API reports on.
type Poller interface {
	Status() poller.Status
	RunCycle(ctx context.Context) error
}

// Store provides the counters shown on /status.
type Store interface {
	ListActiveSubscribers(ctx context.Context) ([]int64, error)
	CountListings(ctx context.Context) (int, error)
	RecentDiscoveries(ctx context.Context, since time.Time) ([]model.DiscoveryEntry, error)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Poller            poller.Status `json:"poller"`
	ActiveSubscribers int           `json:"active_subscribers"`
	CachedListings    int           `json:"cached_listings"`
	Discovered24h     int           `json:"discovered_24h"`
}

// Server serves the ops endpoints.
type Server struct {
	poller Poller
	store  Store
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Server.
func New(p Poller, store Store, log *slog.Logger) *Server {
	return &Server{poller: p, store: store, log: log, now: time.Now}
}

// Handler returns the router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.status)
	r.Post("/poll", s.poll)

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("ops http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := s.store.ListActiveSubscribers(ctx)
	if err != nil {
		s.reject(w, http.StatusInternalServerError, err)
		return
	}
	cached, err := s.store.CountListings(ctx)
	if err != nil {
		s.reject(w, http.StatusInternalServerError, err)
		return
	}
	discovered, err := s.store.RecentDiscoveries(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		s.reject(w, http.StatusInternalServerError, err)
		return
	}

	s.resolve(w, http.StatusOK, StatusResponse{
		Poller:            s.poller.Status(),
		ActiveSubscribers: len(active),
		CachedListings:    cached,
		Discovered24h:     len(discovered),
	})
}

// poll runs a cycle right away instead of waiting for the next tick.
func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	err := s.poller.RunCycle(r.Context())
	switch {
	case errors.Is(err, poller.ErrCycleInProgress):
		s.reject(w, http.StatusConflict, err)
	case err != nil:
		s.reject(w, http.StatusBadGateway, err)
	default:
		s.resolve(w, http.StatusOK, s.poller.Status())
	}
}

func (s *Server) reject(w http.ResponseWriter, status int, err error) {
	s.log.Warn("ops request failed", "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

func (s *Server) resolve(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		s.reject(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
