package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/tally/internal/serverdb"
)

// maxBodyBytes bounds a request body; one mutation carries one record.
const maxBodyBytes = 10 << 20

// Server is the HTTP API server for tally-sync.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	dbPool      *TenantDBPool
	hub         *Hub
	metrics     *Metrics
	rateLimiter *RateLimiter
	logger      *slog.Logger
	cancel      context.CancelFunc
	addr        string
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("new server: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics := NewMetrics()
	s := &Server{
		config:      cfg,
		store:       store,
		dbPool:      NewTenantDBPool(cfg.TenantDataDir),
		hub:         NewHub(metrics),
		metrics:     metrics,
		rateLimiter: NewRateLimiter(),
		logger:      logger,
	}

	// Subscriptions are long-lived hijacked connections, so there is no
	// whole-request read or write timeout; websocket writes carry their own.
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Addr returns the listen address once Start has succeeded.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr().String()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.maintenance(ctx)

	return nil
}

// maintenance periodically prunes rate limiter buckets and old rate limit events.
func (s *Server) maintenance(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("maintenance panic", "panic", r)
		}
	}()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.cleanup()
			n, err := s.store.CleanupRateLimitEvents(ctx, s.config.RateLimitEventRetention)
			if err != nil {
				s.logger.Error("cleanup rate limit events", "err", err)
			} else if n > 0 {
				s.logger.Info("cleaned up rate limit events", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server, disconnects subscribers and closes
// all tenant databases.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.Close()
	err := s.http.Shutdown(ctx)
	s.dbPool.CloseAll()
	return err
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	tenantRoute := func(class string, limit int, h http.HandlerFunc) http.HandlerFunc {
		return s.requireAPIKey(requireTenant(s.withRateLimit(class, limit, h)))
	}

	mux.HandleFunc("POST /v1/tenants/{tenant}/mutations",
		tenantRoute(classPush, s.config.RateLimitPush, s.handleMutation))
	mux.HandleFunc("GET /v1/tenants/{tenant}/collections/{collection}/entities",
		tenantRoute(classPull, s.config.RateLimitPull, s.handleListEntities))
	mux.HandleFunc("GET /v1/tenants/{tenant}/collections/{collection}/subscribe",
		tenantRoute(classSubscribe, s.config.RateLimitPull, s.handleSubscribe))
	mux.HandleFunc("DELETE /v1/tenants/{tenant}/collections/{collection}",
		tenantRoute(classOther, s.config.RateLimitOther, s.handleWipeCollection))
	mux.HandleFunc("GET /v1/tenants/{tenant}/status",
		tenantRoute(classOther, s.config.RateLimitOther, s.handleTenantStatus))

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware(s.logger),
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		corsMiddleware(s.config.CORSAllowedOrigins),
		maxBytesMiddleware(maxBodyBytes),
	)
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
