// Package api serves the console's REST surface over chi.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/config"
	"jobscheduler/internal/health"
	"jobscheduler/internal/history"
	"jobscheduler/internal/jobs"
	"jobscheduler/internal/logging"
	"jobscheduler/internal/mail"
	"jobscheduler/internal/ratelimit"
	"jobscheduler/internal/storage"
	"jobscheduler/internal/telemetry"
)

// maxBodyBytes caps request bodies; artifacts never pass through the API.
const maxBodyBytes = 1 << 20

// Limiter meters job creation per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Files issues presigned URLs against the artifact store.
type Files interface {
	PresignUpload(ctx context.Context, fileName, contentType string) (storage.Upload, error)
	PresignDownload(ctx context.Context, objectName string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, objectName string) error
}

// HealthSource produces an aggregated health report.
type HealthSource interface {
	Health(ctx context.Context) health.Report
}

// Deps are the collaborators behind the handlers. Files and Limiter may be nil.
type Deps struct {
	Jobs    *jobs.Service
	History *history.Recorder
	Health  HealthSource
	Mail    mail.Sender
	Files   Files
	Limiter Limiter
}

// Server wires HTTP handlers for the console API.
type Server struct {
	cfg  config.Config
	deps Deps
	log  *zap.SugaredLogger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log *zap.SugaredLogger) *Server {
	return &Server{cfg: cfg, deps: deps, log: logging.Component(log, "api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	// The console is served separately, so every origin is allowed.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Tenant-ID", "X-Request-Id"},
		ExposedHeaders: []string{"X-RateLimit-Remaining", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(contentTypeJSON)

		r.Get("/health", s.handleHealth)
		r.Get("/health/simple", s.handleHealthSimple)

		r.Get("/email/config", s.handleEmailConfig)
		r.Post("/email/test", s.handleEmailTest)

		r.Route("/jobs", func(r chi.Router) {
			r.With(s.rateLimit).Post("/", s.handleCreate(""))
			r.With(s.rateLimit).Post("/binary", s.handleCreate(jobTypeBinary))
			r.With(s.rateLimit).Post("/email", s.handleCreate(jobTypeEmail))
			r.Get("/", s.handleList)
			r.Get("/paginated", s.handlePaginated)
			r.Get("/statistics", s.handleStats)
			r.Get("/dlq", s.handleDLQ)
			r.Get("/status/{status}", s.handleListByStatus)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/runs", s.handleRuns)
			r.Put("/{id}/status", s.handleUpdateStatus)
			r.Post("/{id}/execute", s.handleExecute)
			r.Delete("/{id}", s.handleDelete)
		})

		r.Route("/files", func(r chi.Router) {
			r.Post("/upload-url", s.handleUploadURL)
			r.Get("/presigned-url", s.handlePresignedURL)
			r.Delete("/", s.handleDeleteFile)
		})
	})
	return r
}

// rateLimit rejects job creation once a client's bucket is empty.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.deps.Limiter.Allow(r.Context(), "jobs:"+clientKey(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Remaining)))
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited", Status: http.StatusTooManyRequests})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting: an explicit tenant
// header, else the remote host.
func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logging.FieldDuration, time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case apperr.IsValidation(err):
		return http.StatusBadRequest
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	case apperr.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrDependencyUnavailable), errors.Is(err, apperr.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.log.Errorw("Request failed", "path", r.URL.Path, "status", code, "error", err, "request_id", middleware.GetReqID(r.Context()))
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, code, errorBody{Error: msg, Status: code})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// decode reads a JSON body into v, reporting malformed input as a validation error.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return apperr.Invalid("invalid json: %s", err)
	}
	return nil
}
