package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/khanhnv2901/seca-scan/internal/api/middleware"
	"github.com/khanhnv2901/seca-scan/internal/application/scan"
	sessionapp "github.com/khanhnv2901/seca-scan/internal/application/session"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	"github.com/khanhnv2901/seca-scan/internal/preset"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

const maxBodyBytes = 1 << 20

type SessionService interface {
	StartScan(ctx context.Context, req sessionapp.StartRequest) (*session.Session, *scan.Runnable, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)
	DeleteSession(ctx context.Context, id string) error
	RenameSession(ctx context.Context, id, title string) (*session.Session, error)
	CancelSession(ctx context.Context, id, reason string) error
	RerunSession(ctx context.Context, id string) (*session.Session, *scan.Runnable, error)
}

type CheckCatalog interface {
	All() []*engine.Definition
}

// TargetSource resolves captured request IDs and fetches new URLs.
type TargetSource interface {
	Targets(ctx context.Context, requestIDs []string) ([]check.Target, error)
	Fetch(ctx context.Context, rawURL string) (check.Target, error)
}

type EventSource interface {
	Subscribe(sessionID string) (<-chan event.Event, func())
	Recent(sessionID string, limit int) []event.Event
}

type HealthService interface {
	Check(ctx context.Context) error
}

type Config struct {
	Sessions    SessionService
	Checks      CheckCatalog
	Targets     TargetSource
	Events      EventSource
	Health      HealthService
	Metrics     http.Handler
	Version     string
	AuthToken   string
	Logger      *zap.Logger
	CORSOrigins []string // Allowed CORS origins (empty = allow all)
	RateLimit   float64  // Requests per second per IP (0 = disabled)
	RateBurst   int
}

type Server struct {
	cfg      Config
	mux      *http.ServeMux
	handler  http.Handler
	limiters *rateLimiterMap
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	srv := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		limiters: newRateLimiterMap(),
	}
	srv.routes()
	// RequestID -> Logging -> RateLimit -> CORS -> routes (auth per route)
	srv.handler = middleware.RequestID(srv.withLogging(srv.withRateLimit(srv.withCORS(srv.mux))))
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops background limiter cleanup.
func (s *Server) Close() {
	s.limiters.stop()
}

func (s *Server) routes() {
	s.mux.Handle("GET /api/v1/health", http.HandlerFunc(s.handleHealth))
	s.mux.Handle("GET /api/v1/checks", s.withAuth(http.HandlerFunc(s.handleChecks)))
	s.mux.Handle("GET /api/v1/presets", s.withAuth(http.HandlerFunc(s.handlePresets)))
	s.mux.Handle("GET /api/v1/sessions", s.withAuth(http.HandlerFunc(s.handleListSessions)))
	s.mux.Handle("POST /api/v1/sessions", s.withAuth(http.HandlerFunc(s.handleStartSession)))
	s.mux.Handle("GET /api/v1/sessions/{id}", s.withAuth(http.HandlerFunc(s.handleGetSession)))
	s.mux.Handle("PATCH /api/v1/sessions/{id}", s.withAuth(http.HandlerFunc(s.handleRenameSession)))
	s.mux.Handle("DELETE /api/v1/sessions/{id}", s.withAuth(http.HandlerFunc(s.handleDeleteSession)))
	s.mux.Handle("POST /api/v1/sessions/{id}/cancel", s.withAuth(http.HandlerFunc(s.handleCancelSession)))
	s.mux.Handle("POST /api/v1/sessions/{id}/rerun", s.withAuth(http.HandlerFunc(s.handleRerunSession)))
	s.mux.Handle("GET /api/v1/sessions/{id}/trace", s.withAuth(http.HandlerFunc(s.handleTrace)))
	s.mux.Handle("GET /api/v1/events", s.withAuth(http.HandlerFunc(s.handleEvents)))
	if s.cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", s.withAuth(s.cfg.Metrics))
	}
}

// StartSessionRequest is the body of POST /api/v1/sessions. Targets come from
// captured request IDs, fetched URLs, or both.
type StartSessionRequest struct {
	Title      string             `json:"title"`
	RequestIDs []string           `json:"requestIds"`
	URLs       []string           `json:"urls"`
	CheckIDs   []string           `json:"checkIds"`
	Preset     string             `json:"preset"`
	Config     *config.ScanConfig `json:"config"`
}

type sessionSummary struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	State     session.State    `json:"state"`
	CreatedAt time.Time        `json:"createdAt"`
	Progress  session.Progress `json:"progress"`
}

type sessionDetail struct {
	session.Snapshot
	Findings []check.Finding  `json:"findings"`
	Progress session.Progress `json:"progress"`
}

type traceResponse struct {
	SessionID string        `json:"sessionId"`
	Summary   trace.Summary `json:"summary"`
	History   trace.History `json:"history"`
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		ID:        sess.ID(),
		Title:     sess.Title(),
		State:     sess.State(),
		CreatedAt: sess.CreatedAt(),
		Progress:  sess.Progress(),
	}
}

func detail(sess *session.Session) sessionDetail {
	snap := sess.Snapshot()
	snap.Trace = ""
	return sessionDetail{Snapshot: snap, Findings: sess.Findings(), Progress: sess.Progress()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Check(r.Context()); err != nil {
			s.writeError(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

func (s *Server) handleChecks(w http.ResponseWriter, r *http.Request) {
	typ := check.Type(r.URL.Query().Get("type"))
	out := make([]check.Metadata, 0)
	for _, def := range s.cfg.Checks.All() {
		meta := def.Metadata()
		if typ != "" && meta.Type != typ {
			continue
		}
		out = append(out, meta)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	out := make([]*preset.Preset, 0)
	for _, name := range preset.Names() {
		p, err := preset.Get(name)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	all, err := s.cfg.Sessions.ListSessions(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	state := session.State(r.URL.Query().Get("state"))
	out := make([]sessionSummary, 0, len(all))
	for _, sess := range all {
		if state != "" && sess.State() != state {
			continue
		}
		out = append(out, summarize(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cfg := config.Default()
	if req.Config != nil {
		cfg = *req.Config
	}
	if req.Preset != "" {
		var err error
		if cfg, err = preset.Apply(req.Preset, cfg); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}

	targets, err := s.resolveTargets(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	sess, _, err := s.cfg.Sessions.StartScan(r.Context(), sessionapp.StartRequest{
		Title:    req.Title,
		Targets:  targets,
		CheckIDs: req.CheckIDs,
		Config:   cfg,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+sess.ID())
	writeJSON(w, http.StatusAccepted, summarize(sess))
}

func (s *Server) resolveTargets(ctx context.Context, req StartSessionRequest) ([]check.Target, error) {
	if len(req.RequestIDs) == 0 && len(req.URLs) == 0 {
		return nil, fmt.Errorf("%w: requestIds or urls required", sharedErrors.ErrMissingRequired)
	}
	if s.cfg.Targets == nil {
		return nil, fmt.Errorf("%w: no target source configured", sharedErrors.ErrInvalidInput)
	}
	var targets []check.Target
	if len(req.RequestIDs) > 0 {
		found, err := s.cfg.Targets.Targets(ctx, req.RequestIDs)
		if err != nil {
			return nil, err
		}
		targets = append(targets, found...)
	}
	for _, u := range req.URLs {
		t, err := s.cfg.Targets.Fetch(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch %s: %v", sharedErrors.ErrInvalidInput, u, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail(sess))
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	sess, err := s.cfg.Sessions.RenameSession(r.Context(), r.PathValue("id"), body.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Sessions.CancelSession(r.Context(), id, r.URL.Query().Get("reason")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	sess, err := s.cfg.Sessions.GetSession(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

func (s *Server) handleRerunSession(w http.ResponseWriter, r *http.Request) {
	sess, _, err := s.cfg.Sessions.RerunSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+sess.ID())
	writeJSON(w, http.StatusAccepted, summarize(sess))
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	encoded := sess.Trace()
	if encoded == "" {
		s.writeError(w, r, http.StatusNotFound, errors.New("trace not available until the session ends"))
		return
	}
	if r.URL.Query().Get("format") == "base64" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(encoded))
		return
	}
	history, err := trace.Decode(encoded)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, traceResponse{
		SessionID: sess.ID(),
		Summary:   trace.Summarize(history),
		History:   history,
	})
}

// handleEvents streams scan events as server-sent events. ?session= filters by
// session and ?replay=N first sends up to N recent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("event stream not available"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	sessionID := r.URL.Query().Get("session")
	replay := 0
	if q := r.URL.Query().Get("replay"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
			replay = parsed
		}
	}

	updates, unsubscribe := s.cfg.Events.Subscribe(sessionID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if replay > 0 {
		for _, e := range s.cfg.Events.Recent(sessionID, replay) {
			if !s.writeEvent(w, e) {
				return
			}
		}
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case e, ok := <-updates:
			if !ok {
				return
			}
			if !s.writeEvent(w, e) {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, e event.Event) bool {
	payload, err := json.Marshal(e)
	if err != nil {
		s.cfg.Logger.Error("failed to marshal event", zap.Error(err))
		return true
	}
	return s.writeStreamChunk(w, []byte("event: "+string(e.Kind)+"\ndata: ")) &&
		s.writeStreamChunk(w, payload) &&
		s.writeStreamChunk(w, []byte("\n\n"))
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		clientIP := clientAddr(r)
		if !s.limiters.getLimiter(clientIP, s.cfg.RateLimit, s.cfg.RateBurst).Allow() {
			s.requestLogger(r).Warn("rate_limit_exceeded", zap.String("client_ip", clientIP))
			s.writeError(w, r, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr prefers the first X-Forwarded-For hop and strips the port.
func clientAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		addr, _, _ = strings.Cut(forwarded, ",")
		addr = strings.TrimSpace(addr)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowOrigin := "*"
		if len(s.cfg.CORSOrigins) > 0 {
			allowOrigin = ""
			for _, allowed := range s.cfg.CORSOrigins {
				if allowed == origin {
					allowOrigin = origin
					break
				}
			}
		}
		if allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token")
			w.Header().Set("Access-Control-Max-Age", "3600")
			if allowOrigin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		s.cfg.Logger.Info("http_request",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.Int64("bytes", lrw.bytesWritten),
		)
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingResponseWriter records the status code and bytes written.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesWritten += int64(n)
	return n, err
}

// Flush lets the event stream push through the wrapper.
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sharedErrors.ErrSessionNotFound),
		errors.Is(err, sharedErrors.ErrCheckNotFound),
		errors.Is(err, sharedErrors.ErrRequestNotFound),
		errors.Is(err, sharedErrors.ErrPresetNotFound):
		return http.StatusNotFound
	case errors.Is(err, sharedErrors.ErrScanAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, sharedErrors.ErrInvalidInput),
		errors.Is(err, sharedErrors.ErrInvalidConfig),
		errors.Is(err, sharedErrors.ErrMissingRequired),
		errors.Is(err, sharedErrors.ErrEmptyTarget):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	// 5xx details stay in the server log.
	if status >= 500 {
		s.requestLogger(r).Error("internal_server_error", zap.Error(err), zap.Int("status", status))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) requestLogger(r *http.Request) *zap.Logger {
	logger := s.cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
}

func (s *Server) writeStreamChunk(w http.ResponseWriter, data []byte) bool {
	if _, err := w.Write(data); err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Debug("failed to write stream chunk", zap.Error(err))
		}
		return false
	}
	return true
}

const (
	limiterIdleTTL  = 5 * time.Minute
	limiterSweepInt = time.Minute
)

// rateLimiterMap holds one limiter per client IP and forgets idle ones.
type rateLimiterMap struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	done     chan struct{}
	once     sync.Once
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiterMap() *rateLimiterMap {
	m := &rateLimiterMap{
		limiters: make(map[string]*ipLimiter),
		done:     make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *rateLimiterMap) getLimiter(ip string, rps float64, burst int) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		m.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (m *rateLimiterMap) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, entry := range m.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(m.limiters, ip)
		}
	}
}

func (m *rateLimiterMap) cleanupLoop() {
	ticker := time.NewTicker(limiterSweepInt)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.sweep(now)
		case <-m.done:
			return
		}
	}
}

func (m *rateLimiterMap) stop() {
	m.once.Do(func() { close(m.done) })
}
