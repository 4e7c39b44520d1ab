// Package server exposes health, metrics and a read-only JSON view of the
// ledger, plus a hook to run a reconciliation cycle on demand.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/expiration"
	"github.com/eddiefleurent/ledgerkeeper/internal/metrics"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	defaultDays     = 7
)

// CycleStatus describes the most recent reconciliation cycle.
type CycleStatus struct {
	Running    bool           `json:"running"`
	Runs       int            `json:"runs"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Components map[string]any `json:"components,omitempty"`
}

// Cycle is the process's reconciliation loop as the server sees it.
type Cycle interface {
	Status() CycleStatus
	// Trigger requests an immediate cycle. It reports false when one is
	// already queued or running.
	Trigger() bool
}

// ExpiryLister lists upcoming option expirations.
type ExpiryLister interface {
	ExpiringWithin(ctx context.Context, days int) ([]expiration.Expiring, error)
}

// Config holds server settings.
type Config struct {
	Addr      string
	AuthToken string
}

// Server is the status and API server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	cycle     Cycle
	expiry    ExpiryLister
	logger    logrus.FieldLogger
	addr      string
	authToken string
}

// NewServer wires routes. cycle and expiry may be nil; their endpoints then
// answer 503.
func NewServer(cfg Config, store storage.Interface, cycle Cycle, expiry ExpiryLister, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		cycle:     cycle,
		expiry:    expiry,
		logger:    logger.WithField("component", "server"),
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))
	s.router.Use(metrics.Middleware)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/trades", s.handleTrades)
		r.Get("/trades/{id}", s.handleTrade)
		r.Get("/watchlist", s.handleWatchlist)
		r.Get("/tasks", s.handleTasks)
		r.Get("/expiring", s.handleExpiring)
		r.Get("/cycle", s.handleCycleStatus)
		r.Post("/cycle", s.handleCycleTrigger)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.addr).Info("starting status server")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	if s.cycle != nil {
		st := s.cycle.Status()
		health["cycles"] = st.Runs
		if !st.FinishedAt.IsZero() {
			health["last_cycle"] = st.FinishedAt
		}
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	var (
		trades []models.Trade
		err    error
	)
	if ticker := strings.TrimSpace(r.URL.Query().Get("ticker")); ticker != "" {
		trades, err = s.storage.GetOpenTradesByTicker(r.Context(), ticker)
	} else {
		trades, err = s.storage.GetAllOpenTrades(r.Context())
	}
	if err != nil {
		s.serverError(w, "Failed to load trades", err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	trade, err := s.storage.GetTrade(r.Context(), uint(id))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "Failed to load trade", err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.storage.ListWatchlist(r.Context())
	if err != nil {
		s.serverError(w, "Failed to load watchlist", err)
		return
	}
	out := []models.WatchlistEntry{}
	status := models.WatchlistStatus(strings.ToLower(r.URL.Query().Get("status")))
	for _, e := range entries {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.storage.ListTasks(r.Context())
	if err != nil {
		s.serverError(w, "Failed to load tasks", err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleExpiring(w http.ResponseWriter, r *http.Request) {
	if s.expiry == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	days := defaultDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		days = n
	}
	list, err := s.expiry.ExpiringWithin(r.Context(), days)
	if err != nil {
		s.serverError(w, "Failed to list expirations", err)
		return
	}
	if list == nil {
		list = []expiration.Expiring{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCycleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cycle == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.cycle.Status())
}

func (s *Server) handleCycleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cycle == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.cycle.Trigger() {
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.logger.WithError(err).Error(msg)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
