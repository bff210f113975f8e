// Package server provides the HTTP API for uploading, listing, streaming and
// following the progress of videos.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/blob"
	"github.com/jonathan/vidscan/internal/db"
	"github.com/jonathan/vidscan/internal/intake"
	"github.com/jonathan/vidscan/internal/progress"
	"github.com/jonathan/vidscan/internal/server/middleware"
	"github.com/jonathan/vidscan/internal/server/ratelimit"
	"github.com/jonathan/vidscan/internal/types"
)

const shutdownTimeout = 30 * time.Second

// Submitter accepts uploads.
type Submitter interface {
	Submit(ctx context.Context, sub intake.Submission) (*types.Video, error)
}

// Feed hands out live progress subscriptions.
type Feed interface {
	Subscribe(videoID uuid.UUID) *progress.Subscription
	Unsubscribe(sub *progress.Subscription)
}

// Config holds server configuration
type Config struct {
	Port              int
	MaxUploadBytes    int64
	StreamRequireAuth bool
	FeedRequireAuth   bool
	CORSOrigins       []string
}

// Dependencies are the collaborators the handlers call into.
type Dependencies struct {
	Repo        db.Repository
	Blobs       blob.Store
	Intake      Submitter
	Feed        Feed
	Tokens      middleware.TokenValidator
	RateLimiter *ratelimit.Limiter
	Logger      *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	cfg         Config
	repo        db.Repository
	blobs       blob.Store
	intake      Submitter
	feed        Feed
	tokens      middleware.TokenValidator
	rateLimiter *ratelimit.Limiter
	log         *zap.Logger

	// closing is closed when shutdown starts; Shutdown does not cancel
	// request contexts, so long-lived feeds watch it instead.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new server instance
func New(cfg Config, deps Dependencies) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(&ratelimit.Config{Enabled: false})
	}

	s := &Server{
		cfg:         cfg,
		repo:        deps.Repo,
		blobs:       deps.Blobs,
		intake:      deps.Intake,
		feed:        deps.Feed,
		tokens:      deps.Tokens,
		rateLimiter: limiter,
		log:         log.With(zap.String("component", "http")),
		closing:     make(chan struct{}),
	}

	requireAuth := middleware.AuthMiddleware(s.tokens)
	streamAuth := middleware.OptionalAuthMiddleware(s.tokens)
	if cfg.StreamRequireAuth {
		streamAuth = requireAuth
	}
	feedAuth := middleware.OptionalAuthMiddleware(s.tokens)
	if cfg.FeedRequireAuth {
		feedAuth = requireAuth
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/videos/upload", requireAuth(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /api/videos", requireAuth(http.HandlerFunc(s.handleListVideos)))
	mux.Handle("GET /api/videos/events", feedAuth(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /api/videos/ws", feedAuth(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("GET /api/videos/{id}", requireAuth(http.HandlerFunc(s.handleGetVideo)))
	mux.Handle("GET /api/videos/{id}/stream", streamAuth(http.HandlerFunc(s.handleStream)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.withRateLimit(s.withLogging(s.withCORS(mux))),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute, // large uploads
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// closeFeeds ends every open SSE and WebSocket feed.
func (s *Server) closeFeeds() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.rateLimiter.Stop()
		return fmt.Errorf("server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.closeFeeds()
		s.rateLimiter.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	s.closeFeeds()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// withCORS answers preflight requests and echoes allowed origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Range")
			h.Set("Access-Control-Expose-Headers", "Accept-Ranges, Content-Length, Content-Range")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.cfg.CORSOrigins, "*") || slices.Contains(s.cfg.CORSOrigins, origin)
}

// withRateLimit charges each request to its caller before routing.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := s.caller(r)

		allowed, info := s.rateLimiter.Allow(caller, r.Method, r.URL.Path)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, caller, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)))
	})
}

// statusRecorder captures the response status while keeping streaming and
// hijacking available to handlers.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("error encoding JSON response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// caller identifies who a request is charged to: the owner of a valid
// token, otherwise the remote IP. X-Forwarded-For is not trusted.
func (s *Server) caller(r *http.Request) ratelimit.Caller {
	c := ratelimit.Caller{IP: r.RemoteAddr}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		c.IP = ip
	}
	if token, present := middleware.ExtractToken(r); present && token != "" && s.tokens != nil {
		if claims, err := s.tokens.ValidateToken(token); err == nil {
			c.Owner = claims.GetOwnerID()
		}
	}
	return c
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, caller ratelimit.Caller, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		seconds := int(math.Ceil(info.RetryAfter.Seconds()))
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	s.log.Warn("rate limit exceeded",
		zap.Stringer("caller", caller),
		zap.Int("limit", info.Limit),
		zap.Time("reset_at", info.ResetTime))

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
