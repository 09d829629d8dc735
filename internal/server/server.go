package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/straja-ai/hazardfuse/internal/activation"
	"github.com/straja-ai/hazardfuse/internal/auth"
	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/fusion"
	hlog "github.com/straja-ai/hazardfuse/internal/log"
	"github.com/straja-ai/hazardfuse/internal/privacy"
	"github.com/straja-ai/hazardfuse/internal/telemetry"
)

// Server wraps the HTTP components of hazardfuse.
type Server struct {
	mux          *http.ServeMux
	cfg          *config.Config
	auth         *auth.Auth
	engine       *fusion.Engine
	privacy      *privacy.Merger
	emitter      *activation.Emitter
	hub          *activation.Hub
	events       EventStore
	telemetry    *telemetry.Provider
	requestStore *requestStore
	logger       *slog.Logger
	version      string
	started      time.Time

	inFlight chan struct{}
}

// Option customises a Server.
type Option func(*Server)

// WithEmitter sends hazard events from /v1/fuse to em.
func WithEmitter(em *activation.Emitter) Option {
	return func(s *Server) { s.emitter = em }
}

// WithHub serves live events on /v1/stream.
func WithHub(h *activation.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// EventStore reads back delivered hazard events. The sqlite sink
// implements it.
type EventStore interface {
	Recent(ctx context.Context, clientID string, limit int) ([]activation.StoredEvent, error)
}

// WithEventStore serves stored events on /v1/events.
func WithEventStore(es EventStore) Option {
	return func(s *Server) { s.events = es }
}

// WithTelemetry records request and fusion metrics.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(s *Server) { s.telemetry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a hazardfuse server with all routes registered. cfg must have
// passed config.Validate.
func New(cfg *config.Config, authz *auth.Auth, opts ...Option) *Server {
	s := &Server{
		mux:          http.NewServeMux(),
		cfg:          cfg,
		auth:         authz,
		privacy:      privacy.NewMerger(cfg.Dedup),
		requestStore: newRequestStore(cfg.Server.RequestTTL),
		version:      "dev",
		started:      time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = hlog.L()
	}
	engineOpts := []fusion.Option{fusion.WithLogger(s.logger)}
	if s.telemetry != nil {
		engineOpts = append(engineOpts, fusion.WithTracer(s.telemetry.Tracer()))
	}
	s.engine = fusion.NewEngine(cfg, engineOpts...)
	if n := cfg.Server.MaxInFlightRequests; n > 0 {
		s.inFlight = make(chan struct{}, n)
	}

	// Routes
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.handle("POST /v1/fuse", "/v1/fuse", s.handleFuse)
	s.handle("POST /v1/privacy/regions", "/v1/privacy/regions", s.handlePrivacyRegions)
	s.handle("POST /v1/classify", "/v1/classify", s.handleClassify)
	s.handle("GET /v1/fusion/info", "/v1/fusion/info", s.handleFusionInfo)
	s.handle("GET /v1/requests/{id}", "/v1/requests", s.handleRequestStatus)
	if s.events != nil {
		s.handle("GET /v1/events", "/v1/events", s.handleEvents)
	}
	if s.hub != nil {
		// Streams are long-lived and must not hold an in-flight slot.
		s.mux.Handle("GET /v1/stream", s.instrument("/v1/stream", s.authenticate(s.hub.ServeHTTP)))
	}

	return s
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("hazardfuse listening", "addr", ln.Addr().String(), "version", s.version)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// handle registers a JSON API route behind auth, the in-flight limit and
// metrics. route is the low-cardinality label used in metrics.
func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(route, s.limit(s.authenticate(h))))
}

// requestInfo is filled in as a request passes through the middleware so
// that outer layers can see what inner layers resolved.
type requestInfo struct {
	client auth.Client
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	ri, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return ri
}

func clientFrom(ctx context.Context) auth.Client {
	if ri := infoFrom(ctx); ri != nil {
		return ri.client
	}
	return auth.Client{}
}

func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "authentication_error")
			return
		}
		if ri := infoFrom(r.Context()); ri != nil {
			ri.client = c
		}
		next(w, r)
	}
}

// limit rejects requests beyond MaxInFlightRequests with 429 instead of
// queueing them.
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	if s.inFlight == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.inFlight <- struct{}{}:
			defer func() { <-s.inFlight }()
			next(w, r)
		default:
			writeError(w, http.StatusTooManyRequests, "too many requests in flight", "rate_limit_error")
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through to the underlying writer for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{}))
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		dur := time.Since(start)
		s.telemetry.RecordRequest(r.Context(), route, rec.status, clientFrom(r.Context()).ID, float64(dur)/float64(time.Millisecond))
		s.logger.Debug("request", "method", r.Method, "route", route, "status", rec.status, "duration", dur)
	})
}

// --- Handlers ---

type healthResponse struct {
	Status     string          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Version    string          `json:"version"`
	Uptime     string          `json:"uptime"`
	Components map[string]bool `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), s.logger, w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Components: map[string]bool{
			"sensor_fusion":  s.engine != nil,
			"privacy_filter": s.privacy != nil,
			"event_emitter":  s.emitter != nil,
			"stream":         s.hub != nil,
			"event_store":    s.events != nil,
		},
	})
}

type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, message, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: message, Type: typ}})
}

func writeJSON(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.ErrorContext(ctx, "failed to write response", slog.Any("error", xerrors.New(err)))
	}
}

// decodeBody reads a JSON body capped at MaxRequestBodyBytes. It writes the
// error response itself and reports whether decoding succeeded.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if limit := s.cfg.Server.MaxRequestBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
		return false
	}
	return true
}
