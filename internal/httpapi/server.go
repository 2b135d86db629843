// Package httpapi exposes job submission, job status and text search over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedcache"
	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/internal/storage"
)

// JobService is the part of the orchestrator the API drives
type JobService interface {
	Submit(ctx context.Context, clip jobs.Audio, cfg policy.ProcessingConfig) (string, error)
	Resubmit(ctx context.Context, id string) (string, error)
	Poll(id string) (*jobs.Snapshot, error)
	Stats() jobs.Stats
}

// Searcher ranks a text query against a snapshot
type Searcher interface {
	Rank(ctx context.Context, snap *corpus.Snapshot, engine policy.Engine, req ranker.Request) (*ranker.Response, error)
}

// SnapshotSource returns the current corpus snapshot
type SnapshotSource interface {
	Snapshot() (*corpus.Snapshot, error)
}

// Catalog answers phrase lookups and reports database status
type Catalog interface {
	SearchPhrase(ctx context.Context, phrase string, limit int) ([]*storage.Song, error)
	GetStatus(ctx context.Context) (*storage.Status, error)
	LatestSnapshot(ctx context.Context) (*storage.Snapshot, error)
}

// CacheStats reports embedding cache counters
type CacheStats interface {
	Stats() embedcache.Stats
}

// Config holds server settings
type Config struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TopK           int
	Logger         *slog.Logger
}

// Deps are the services behind the API. Catalog and Cache may be nil.
type Deps struct {
	Jobs     JobService
	Policy   *policy.Policy
	Searcher Searcher
	Corpus   SnapshotSource
	Catalog  Catalog
	Cache    CacheStats
}

// Server is the HTTP front end
type Server struct {
	deps   Deps
	config Config
	log    *slog.Logger
	start  time.Time
}

// NewServer creates a new server instance
func NewServer(deps Deps, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.TopK <= 0 {
		config.TopK = ranker.DefaultTopK
	}
	return &Server{deps: deps, config: config, log: logger, start: time.Now()}
}

// Handler registers all routes and middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/tiers", s.handleTiers)

	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/status/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/jobs/{id}/resubmit", s.handleResubmit)

	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/search/phrase", s.handlePhrase)

	return corsMiddleware(s.config.AllowedOrigins)(loggingMiddleware(s.log)(mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.config.Addr, "origins", s.config.AllowedOrigins)
		errCh <- srv.ListenAndServe()
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
		return srv.Shutdown(shutdownCtx)
	}
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				allowed = true
			} else {
				for _, allowedOrigin := range allowedOrigins {
					if allowedOrigin == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Add("Vary", "Origin")
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs every request with its status and latency
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(started).Milliseconds(),
				"client", clientIP(r))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

func (s *Server) respondRejection(w http.ResponseWriter, rej *policy.Rejection) {
	s.respondJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Reason:  string(rej.Reason),
		Message: rej.Message,
		Code:    http.StatusBadRequest,
	})
}
