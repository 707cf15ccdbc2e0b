// Package api exposes the indexer's ingest and query operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apimiddleware "github.com/stake-dao/forwarder-indexer/api/middleware"
	"github.com/stake-dao/forwarder-indexer/indexer"
	"github.com/stake-dao/forwarder-indexer/replay"
	"go.uber.org/zap"
)

// Indexer is the orchestrator surface the server exposes
type Indexer interface {
	ChainID() uint64
	Watches(addr common.Address) bool
	Ingest(ctx context.Context, watched common.Address) (*indexer.IngestResult, error)
	IngestAll(ctx context.Context) ([]*indexer.IngestResult, error)
	Query(ctx context.Context, watched common.Address, at uint64) ([]replay.Forwarding, error)
	Checkpoint(ctx context.Context, watched common.Address) (uint64, error)
}

// Server represents the API server
type Server struct {
	config   *Config
	logger   *zap.Logger
	indexer  Indexer
	gatherer prometheus.Gatherer
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a new API server. gatherer serves /metrics; nil falls
// back to the default registry.
func NewServer(config *Config, logger *zap.Logger, ix Indexer, gatherer prometheus.Gatherer) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if ix == nil {
		return nil, fmt.Errorf("indexer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:   config,
		logger:   logger,
		indexer:  ix,
		gatherer: gatherer,
		router:   chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))

	if s.config.EnableRateLimit {
		s.router.Use(apimiddleware.RateLimit(
			s.config.RateLimitPerSecond,
			s.config.RateLimitBurst,
			s.logger,
		))
	}

	if s.config.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		for _, allowed := range s.config.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
				break
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/v1/chains/{chainID}", func(r chi.Router) {
		r.Post("/ingest", s.handleIngestAll)
		r.Route("/forwarders/{address}", func(r chi.Router) {
			r.Get("/", s.handleQuery)
			r.Get("/checkpoint", s.handleCheckpoint)
			r.Post("/ingest", s.handleIngest)
		})
	})
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"version":"1.0.0","name":"forwarder-indexer"}`)
}

// ForwardingEntry is one active relationship in a query response
type ForwardingEntry struct {
	From       string `json:"from"`
	Start      uint64 `json:"start"`
	Expiration uint64 `json:"expiration"`
}

// QueryResponse represents the active-forwarders query response
type QueryResponse struct {
	ChainID    uint64            `json:"chain_id"`
	Watched    string            `json:"watched"`
	At         uint64            `json:"at"`
	Count      int               `json:"count"`
	Forwarders []ForwardingEntry `json:"forwarders"`
}

// handleQuery answers "who is actively forwarding to this address at time
// at"; at defaults to the current time
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	watched, ok := s.watchedParam(w, r)
	if !ok {
		return
	}

	at := uint64(time.Now().Unix())
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at timestamp")
			return
		}
		at = parsed
	}

	active, err := s.indexer.Query(r.Context(), watched, at)
	if errors.Is(err, indexer.ErrCutoffBeforeGenesis) {
		writeError(w, http.StatusBadRequest, "at predates registry deployment")
		return
	}
	if err != nil {
		s.logger.Error("query failed", zap.String("watched", watched.Hex()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	entries := make([]ForwardingEntry, len(active))
	for i, f := range active {
		entries[i] = ForwardingEntry{
			From:       f.From.Hex(),
			Start:      f.Start,
			Expiration: f.Expiration,
		}
	}

	writeJSON(w, http.StatusOK, QueryResponse{
		ChainID:    s.indexer.ChainID(),
		Watched:    watched.Hex(),
		At:         at,
		Count:      len(entries),
		Forwarders: entries,
	})
}

// CheckpointResponse represents the checkpoint query response
type CheckpointResponse struct {
	ChainID    uint64 `json:"chain_id"`
	Watched    string `json:"watched"`
	Checkpoint uint64 `json:"checkpoint"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	watched, ok := s.watchedParam(w, r)
	if !ok {
		return
	}

	checkpoint, err := s.indexer.Checkpoint(r.Context(), watched)
	if err != nil {
		s.logger.Error("checkpoint lookup failed", zap.String("watched", watched.Hex()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "checkpoint lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, CheckpointResponse{
		ChainID:    s.indexer.ChainID(),
		Watched:    watched.Hex(),
		Checkpoint: checkpoint,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	watched, ok := s.watchedParam(w, r)
	if !ok {
		return
	}

	result, err := s.indexer.Ingest(r.Context(), watched)
	if errors.Is(err, indexer.ErrIngestRunning) {
		writeError(w, http.StatusConflict, "ingest already running")
		return
	}
	if err != nil {
		s.logger.Error("ingest failed", zap.String("watched", watched.Hex()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIngestAll(w http.ResponseWriter, r *http.Request) {
	if !s.chainParamMatches(w, r) {
		return
	}

	results, err := s.indexer.IngestAll(r.Context())
	if errors.Is(err, indexer.ErrIngestRunning) {
		writeError(w, http.StatusConflict, "ingest already running")
		return
	}
	if err != nil {
		s.logger.Error("ingest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// watchedParam resolves the chain and address path parameters, writing the
// error response itself when they do not name an indexed address
func (s *Server) watchedParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	if !s.chainParamMatches(w, r) {
		return common.Address{}, false
	}

	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return common.Address{}, false
	}

	watched := common.HexToAddress(raw)
	if !s.indexer.Watches(watched) {
		writeError(w, http.StatusNotFound, "address not watched")
		return common.Address{}, false
	}
	return watched, true
}

func (s *Server) chainParamMatches(w http.ResponseWriter, r *http.Request) bool {
	chainID, err := strconv.ParseUint(chi.URLParam(r, "chainID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain ID")
		return false
	}
	if chainID != s.indexer.ChainID() {
		writeError(w, http.StatusNotFound, "unknown chain")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start starts the API server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Address()))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
