// Package http serves the operator API over the device manager, the uplink
// and the tracking session.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/c360/sensorlink/device"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/gateway"
	"github.com/c360/sensorlink/health"
	"github.com/c360/sensorlink/pkg/buffer"
	"github.com/c360/sensorlink/pkg/tlsutil"
	"github.com/c360/sensorlink/pkg/worker"
	"github.com/c360/sensorlink/uplink"
)

// Devices is the device manager surface the API drives
type Devices interface {
	List(ctx context.Context) ([]device.Status, error)
	Status(ctx context.Context, addr string) (device.Status, error)
	Connect(ctx context.Context, addr string) error
	Disconnect(ctx context.Context, addr string) error
	ForceReconnect(addr string) error
}

// Uplink is the read-only uplink surface
type Uplink interface {
	State() uplink.State
	Username() string
	Err() error
	Buffered() int
	BufferStats() buffer.Summary
	QueueStats() worker.PoolStats
	Pending(ctx context.Context) (int, error)
}

// Tracking is the tracking session surface
type Tracking interface {
	Start() (string, error)
	Stop() (string, bool)
	ID() string
	Started() time.Time
}

// Deps are the components behind the routes. Metrics may be nil.
type Deps struct {
	Devices  Devices
	Uplink   Uplink
	Tracking Tracking
	Health   func(ctx context.Context) health.Status
	Metrics  http.Handler
}

// Server is the operator HTTP server
type Server struct {
	cfg     gateway.Config
	deps    Deps
	logger  *slog.Logger
	limiter *rate.Limiter

	startTime      time.Time
	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	lastActivity   atomic.Int64
}

// NewServer validates cfg and builds a server
func NewServer(cfg gateway.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "NewServer", "config validation")
	}
	if deps.Devices == nil || deps.Uplink == nil || deps.Tracking == nil || deps.Health == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"devices, uplink, tracking and health are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "http"),
		startTime: time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return s, nil
}

// Handler builds the routing tree
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.track)
	r.Use(s.rateLimit)
	if s.cfg.EnableCORS {
		r.Use(s.cors)
	}
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(s.limitBody)

	r.Get("/health", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/devices", func(dr chi.Router) {
		dr.Get("/", s.listDevices)
		dr.Get("/{address}", s.getDevice)
		dr.Post("/{address}/connect", s.connectDevice)
		dr.Post("/{address}/disconnect", s.disconnectDevice)
		dr.Post("/{address}/reconnect", s.reconnectDevice)
	})

	r.Get("/uplink", s.uplinkStatus)

	r.Route("/tracking", func(tr chi.Router) {
		tr.Get("/", s.trackingStatus)
		tr.Post("/start", s.startTracking)
		tr.Post("/stop", s.stopTracking)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.cfg.TLS)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		TLSConfig:    tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("operator API listening", "addr", s.cfg.Addr, "tls", tlsConfig != nil)
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return errors.WrapFatal(err, "Server", "Run", "listen")
		}
		return nil
	}
}

// Health reports request failures as degradation
func (s *Server) Health() health.Status {
	total := s.requestsTotal.Load()
	failed := s.requestsFailed.Load()
	st := health.NewHealthy("http", fmt.Sprintf("%d requests served", total))
	if total >= 20 && failed*2 > total {
		st = health.NewDegraded("http", fmt.Sprintf("%d of %d requests failed", failed, total))
	}
	var last time.Time
	if ns := s.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return st.WithMetrics(&health.Metrics{
		Uptime:       time.Since(s.startTime),
		ErrorCount:   int(failed),
		Total:        int(total),
		LastActivity: last,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Health(r.Context())
	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Devices.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Devices.Status(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) connectDevice(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := s.deps.Devices.Connect(r.Context(), addr); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("device connect requested", "address", addr)
	writeJSON(w, http.StatusAccepted, map[string]any{"address": addr, "target": device.StateConnected})
}

func (s *Server) disconnectDevice(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := s.deps.Devices.Disconnect(r.Context(), addr); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("device disconnect requested", "address", addr)
	writeJSON(w, http.StatusAccepted, map[string]any{"address": addr, "target": device.StateDisconnected})
}

func (s *Server) reconnectDevice(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := s.deps.Devices.ForceReconnect(addr); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("device reconnect forced", "address", addr)
	writeJSON(w, http.StatusAccepted, map[string]any{"address": addr})
}

type uplinkStatus struct {
	State     uplink.State     `json:"state"`
	Username  string           `json:"username,omitempty"`
	Buffered  int              `json:"buffered"`
	Pending   int              `json:"pending"`
	Buffer    buffer.Summary   `json:"buffer"`
	Queue     worker.PoolStats `json:"queue"`
	LastError string           `json:"last_error,omitempty"`
}

func (s *Server) uplinkStatus(w http.ResponseWriter, r *http.Request) {
	up := s.deps.Uplink
	pending, err := up.Pending(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st := uplinkStatus{
		State:    up.State(),
		Username: up.Username(),
		Buffered: up.Buffered(),
		Pending:  pending,
		Buffer:   up.BufferStats(),
		Queue:    up.QueueStats(),
	}
	if err := up.Err(); err != nil {
		st.LastError = health.FromError("uplink", err).Message
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) trackingStatus(w http.ResponseWriter, _ *http.Request) {
	id := s.deps.Tracking.ID()
	body := map[string]any{"active": id != ""}
	if id != "" {
		body["session_id"] = id
		body["started"] = s.deps.Tracking.Started()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) startTracking(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Tracking.Start()
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyStarted) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": "tracking already active", "code": "already_started",
				"status": http.StatusConflict, "session_id": id,
			})
			s.requestsFailed.Add(1)
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id})
}

func (s *Server) stopTracking(w http.ResponseWriter, _ *http.Request) {
	id, ok := s.deps.Tracking.Stop()
	if !ok {
		s.writeError(w, http.StatusConflict, "not_active", "tracking not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

// fail logs err and writes its sanitized form
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err)
	s.logger.Warn("request failed",
		"method", r.Method, "path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"status", status, "error", err)
	s.writeError(w, status, code, sanitizeError(err))
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.requestsFailed.Add(1)
	writeJSON(w, status, map[string]any{"error": message, "code": code, "status": status})
}

// mapError maps relay errors to HTTP status codes
func mapError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, "internal"
	case errors.Is(err, errors.ErrKeyNotFound), errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errors.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, errors.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.IsInvalid(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.IsTransient(err):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, "timeout"
		}
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// sanitizeError returns a safe error message for external clients
func sanitizeError(err error) string {
	status, _ := mapError(err)
	switch status {
	case http.StatusNotFound:
		return "device not found"
	case http.StatusTooManyRequests:
		return "too many reconnects, try again later"
	case http.StatusConflict:
		return "device not connected"
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// track counts requests and logs completed ones at debug level
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.requestsTotal.Add(1)
		s.lastActivity.Store(start.UnixNano())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

// rateLimit rejects requests above the configured rate
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// cors applies CORS headers for allowed origins and answers preflights
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range s.cfg.CORSOrigins {
			if o == "*" || strings.EqualFold(o, origin) {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
