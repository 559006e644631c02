package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/khanhnv2901/securiscan/internal/api/middleware"
	appscan "github.com/khanhnv2901/securiscan/internal/application/scan"
	"github.com/khanhnv2901/securiscan/internal/checker"
	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/queue"
	"github.com/khanhnv2901/securiscan/internal/scoring"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

const maxBodyBytes = 1048576 // 1MB

type ScanService interface {
	TriggerScan(ctx context.Context, siteURL, siteID string) (*appscan.Triggered, error)
	GetScan(ctx context.Context, id string) (*scan.Scan, []checker.CheckResult, error)
	Check(ctx context.Context, url string) *appscan.Report
}

type ScheduleService interface {
	UpdateCadence(ctx context.Context, siteID string, cadence scan.Cadence) error
	ListSchedules(ctx context.Context) ([]queue.Recurring, error)
}

type JobInspector interface {
	JobInfo(ctx context.Context, id string) (*queue.JobInfo, error)
}

type HealthService interface {
	Check(ctx context.Context) error
}

// RequestObserver records per-route request metrics.
type RequestObserver interface {
	ObserveRequest(method, route string, code int, duration time.Duration)
}

type Config struct {
	Scans       ScanService
	Schedules   ScheduleService
	Jobs        JobInspector
	Health      HealthService
	Metrics     http.Handler // Served unauthenticated at /metrics when set
	Observer    RequestObserver
	AuthToken   string
	Logger      *zap.Logger
	CORSOrigins []string // Allowed CORS origins (empty = allow all)
	RateLimit   int      // Requests per second per IP (0 = disabled)
	RateBurst   int      // Burst size for rate limiter
}

type Server struct {
	cfg      Config
	router   chi.Router
	limiters *rateLimiterMap
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	srv := &Server{
		cfg:      cfg,
		limiters: newRateLimiterMap(),
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background limiter cleanup.
func (s *Server) Close() {
	s.limiters.stop()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// RequestID -> Logging -> RateLimit -> CORS -> Auth -> Handler
	r.Use(middleware.RequestID, s.withLogging, s.withRateLimit, s.withCORS)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(s.methodNotAllowed)

	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.withAuth)

		r.Get("/health", s.handleHealth)
		r.Post("/checks", s.handleRunChecks)
		r.Get("/schedules", s.handleListSchedules)
		r.Get("/scans/{id}", s.handleGetScan)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Route("/sites/{id}", func(r chi.Router) {
			r.Post("/scans", s.handleTriggerScan)
			r.Put("/schedule", s.handleUpdateSchedule)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Check(r.Context()); err != nil {
			s.writeError(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type triggerScanRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "id")

	// The body is optional; an empty one scans the site's registered URL.
	var req triggerScanRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	triggered, err := s.cfg.Scans.TriggerScan(r.Context(), req.URL, siteID)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggered)
}

// scanResponse is the API view of a scan and its results
type scanResponse struct {
	ID           string                `json:"id"`
	SiteID       string                `json:"siteId"`
	Status       scan.Status           `json:"status"`
	OverallScore *int                  `json:"overallScore"`
	Grade        string                `json:"grade,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	StartedAt    *time.Time            `json:"startedAt,omitempty"`
	CompletedAt  *time.Time            `json:"completedAt,omitempty"`
	ErrorMessage string                `json:"errorMessage,omitempty"`
	Results      []checker.CheckResult `json:"results"`
}

func newScanResponse(sc *scan.Scan, results []checker.CheckResult) scanResponse {
	resp := scanResponse{
		ID:           sc.ID(),
		SiteID:       sc.SiteID(),
		Status:       sc.Status(),
		OverallScore: sc.OverallScore(),
		CreatedAt:    sc.CreatedAt(),
		StartedAt:    optionalTime(sc.StartedAt()),
		CompletedAt:  optionalTime(sc.CompletedAt()),
		ErrorMessage: sc.ErrorMessage(),
		Results:      results,
	}
	if resp.OverallScore != nil {
		resp.Grade = scoring.Grade(*resp.OverallScore)
	}
	if resp.Results == nil {
		resp.Results = []checker.CheckResult{}
	}
	return resp
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	sc, results, err := s.cfg.Scans.GetScan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newScanResponse(sc, results))
}

type runChecksRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleRunChecks(w http.ResponseWriter, r *http.Request) {
	var req runChecksRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !checker.ValidateTarget(req.URL) {
		s.writeError(w, r, http.StatusBadRequest, errors.New("a valid url is required"))
		return
	}

	report := s.cfg.Scans.Check(r.Context(), checker.ParseTarget(req.URL).FullURL)
	writeJSON(w, http.StatusOK, report)
}

type scheduleRequest struct {
	Cadence string `json:"cadence"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "id")

	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	cadence, err := scan.ParseCadence(req.Cadence)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := s.cfg.Schedules.UpdateCadence(r.Context(), siteID, cadence); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"siteId": siteID, "cadence": string(cadence)})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	recs, err := s.cfg.Schedules.ListSchedules(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []queue.Recurring{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Jobs.JobInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// decode reads a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid request body"))
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sharedErrors.ErrSiteNotFound),
		errors.Is(err, sharedErrors.ErrScanNotFound),
		errors.Is(err, sharedErrors.ErrJobNotFound),
		errors.Is(err, sharedErrors.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, sharedErrors.ErrSiteInactive):
		return http.StatusConflict
	case errors.Is(err, sharedErrors.ErrInvalidCadence),
		errors.Is(err, sharedErrors.ErrValidation),
		errors.Is(err, sharedErrors.ErrInvalidInput),
		errors.Is(err, sharedErrors.ErrMissingRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := clientAddr(r)
		limiter := s.limiters.getLimiter(clientIP, s.cfg.RateLimit, s.cfg.RateBurst)
		if !limiter.Allow() {
			s.requestLogger(r).Warn("rate_limit_exceeded", zap.String("client_ip", clientIP))
			s.writeError(w, r, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the first X-Forwarded-For address, or the peer
// address, without its port.
func clientAddr(r *http.Request) string {
	clientIP := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx > 0 {
			clientIP = strings.TrimSpace(forwarded[:idx])
		} else {
			clientIP = strings.TrimSpace(forwarded)
		}
	}
	if idx := strings.LastIndex(clientIP, ":"); idx > 0 {
		clientIP = clientIP[:idx]
	}
	return clientIP
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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token")
			w.Header().Set("Access-Control-Max-Age", "3600")
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

		duration := time.Since(start)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.cfg.Observer != nil {
			s.cfg.Observer.ObserveRequest(r.Method, route, lrw.statusCode, duration)
		}

		s.cfg.Logger.Info("http_request",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", duration),
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
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code and bytes written
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

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()

	// 5xx details stay in the server log.
	if status >= 500 {
		s.requestLogger(r).Error("internal_server_error",
			zap.Error(err),
			zap.Int("status", status),
		)
		msg = "internal server error"
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger creates a logger with request context (request ID, method, path)
func (s *Server) requestLogger(r *http.Request) *zap.Logger {
	return s.cfg.Logger.With(
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// rateLimiterMap manages per-IP rate limiters with automatic cleanup
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

func (m *rateLimiterMap) getLimiter(ip string, rps, burst int) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if burst <= 0 {
		burst = rps
	}
	limiter, exists := m.limiters[ip]
	if !exists {
		limiter = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		m.limiters[ip] = limiter
	}
	limiter.lastSeen = time.Now()

	return limiter.limiter
}

// cleanupLoop removes limiters that haven't been used in 5 minutes
func (m *rateLimiterMap) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			for ip, limiter := range m.limiters {
				if time.Since(limiter.lastSeen) > 5*time.Minute {
					delete(m.limiters, ip)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *rateLimiterMap) stop() {
	m.once.Do(func() { close(m.done) })
}
