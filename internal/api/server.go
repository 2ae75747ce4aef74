// Package api is the controller's HTTP surface: the public job and
// wallet endpoints, the live log stream, and the internal webhooks
// workers use for heartbeats and status reports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridforge-ai/gridforge-cli/internal/billing"
	"github.com/gridforge-ai/gridforge-cli/internal/blobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/heartbeat"
	"github.com/gridforge-ai/gridforge-cli/internal/jobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/ledger"
	"github.com/gridforge-ai/gridforge-cli/internal/metrics"
	"github.com/gridforge-ai/gridforge-cli/internal/relay"
)

// userHeader names the caller for public endpoints.
const userHeader = "X-GridForge-User"

// Config holds server settings.
type Config struct {
	// Listen is the bind address (default: ":8090")
	Listen string

	// WorkerSecret authenticates internal webhooks.
	WorkerSecret string

	// ReadTimeout is the max time to read a request (default: 30s).
	ReadTimeout time.Duration

	// WriteTimeout is the max time to write a response (default: 60s).
	WriteTimeout time.Duration

	// StreamRPS shapes per-connection log stream writes (default: 200).
	StreamRPS float64

	// MaxTimeoutSeconds caps the per-job timeout users may request.
	MaxTimeoutSeconds int
}

// Server wires the controller's HTTP endpoints.
type Server struct {
	cfg      Config
	coord    *billing.Coordinator
	ledger   *ledger.Ledger
	jobs     *jobstore.Store
	blobs    *blobstore.Store
	hub      *relay.Hub
	mc       *metrics.Collector
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	limiter  *rateLimiter
	server   *http.Server
}

// NewServer creates a controller API server.
func NewServer(cfg Config, coord *billing.Coordinator, lg *ledger.Ledger, jobs *jobstore.Store, blobs *blobstore.Store, hub *relay.Hub, mc *metrics.Collector, logger *slog.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.StreamRPS == 0 {
		cfg.StreamRPS = 200
	}

	s := &Server{
		cfg:     cfg,
		coord:   coord,
		ledger:  lg,
		jobs:    jobs,
		blobs:   blobs,
		hub:     hub,
		mc:      mc,
		logger:  logger,
		mux:     http.NewServeMux(),
		limiter: newRateLimiter(5, 10),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.mc.Handler())

	s.mux.HandleFunc("POST /api/v1/jobs", s.requireUser(s.handleSubmit))
	s.mux.HandleFunc("GET /api/v1/jobs", s.requireUser(s.handleListJobs))
	s.mux.HandleFunc("GET /api/v1/jobs/{id}", s.requireUser(s.handleGetJob))
	s.mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.requireUser(s.handleCancel))
	s.mux.HandleFunc("GET /api/v1/jobs/{id}/logs", s.requireUser(s.handleJobLogs))
	s.mux.HandleFunc("GET /api/v1/jobs/{id}/stream", s.requireUser(s.handleStream))

	s.mux.HandleFunc("GET /api/v1/wallet", s.requireUser(s.handleWallet))
	s.mux.HandleFunc("POST /api/v1/wallet/topup", s.requireUser(s.handleTopUp))
	s.mux.HandleFunc("GET /api/v1/wallet/history", s.requireUser(s.handleHistory))

	s.mux.HandleFunc("POST /api/v1/internal/heartbeat", s.requireWorker(s.handleHeartbeat))
	s.mux.HandleFunc("POST /api/v1/internal/jobs/{id}/status", s.requireWorker(s.handleStatusReport))
}

// Handler exposes the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.mux)
}

// Start listens until ctx is cancelled, then drains with a short
// shutdown window.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("api server listening", "addr", s.cfg.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// requireUser resolves the caller identity and rate-limits by IP.
func (s *Server) requireUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiter.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		userID := r.Header.Get(userHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		next(w, r, userID)
	}
}

// requireWorker validates the shared worker secret.
func (s *Server) requireWorker(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WorkerSecret == "" || r.Header.Get(heartbeat.SecretHeader()) != s.cfg.WorkerSecret {
			writeError(w, http.StatusUnauthorized, "invalid worker secret")
			return
		}
		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
