package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/executor"
	"github.com/polisai/geoexport/pkg/jobs"
	"github.com/polisai/geoexport/pkg/telemetry"
	"github.com/polisai/geoexport/pkg/webhook"
)

const (
	maxBodyBytes      = 64 << 10
	saturatedRetrySec = 5
)

// Handler serves the public API and the task webhook.
type Handler struct {
	svc     *Service
	gate    *webhook.Gate
	limiter *governance.RateLimiter
	proxies governance.TrustedProxies
	metrics *telemetry.Metrics
	access  *telemetry.StructuredLogger
	logger  *slog.Logger
	router  chi.Router
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTrustedProxies lets the listed peers name the client in
// X-Forwarded-For. Without it submissions are limited per socket peer.
func WithTrustedProxies(p governance.TrustedProxies) HandlerOption {
	return func(h *Handler) { h.proxies = p }
}

// WithAccessLog writes one event per served request to l.
func WithAccessLog(l *telemetry.StructuredLogger) HandlerOption {
	return func(h *Handler) { h.access = l }
}

// NewHandler builds the router. limiter guards submissions per client IP and
// may be nil; gate protects the webhook.
func NewHandler(svc *Service, gate *webhook.Gate, limiter *governance.RateLimiter, metrics *telemetry.Metrics, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, gate: gate, limiter: limiter, metrics: metrics, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	if h.access == nil {
		h.access = telemetry.NewStructuredLogger(logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	if metrics != nil {
		r.Use(metrics.MetricsMiddleware)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Get("/health", h.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.With(h.limitSubmissions).Post("/exports", h.submit)
		r.Get("/jobs/{id}", h.job)
		r.Get("/jobs/{id}/artifact", h.artifact)
	})
	r.With(gate.Wrap).Post("/tasks/export", h.delivery)

	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Instrumented wraps the handler with OpenTelemetry server spans.
func (h *Handler) Instrumented() http.Handler {
	return otelhttp.NewHandler(h, "geoexport",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.access.LogHTTPRequest(r.Context(), r.Method, r.URL.Path, status, time.Since(start))
	})
}

func (h *Handler) limitSubmissions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		decision := h.limiter.Allow(h.proxies.ClientIP(r))
		governance.WriteRateLimitHeaders(w, decision)
		if !decision.Allowed {
			h.writeError(w, r, domain.NewError(domain.KindRateLimit, "too many submissions"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req domain.ExportRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == StatusQueued {
		status = http.StatusAccepted
		w.Header().Set("Location", "/api/v1/jobs/"+res.JobID)
	}
	writeJSON(w, status, res)
}

func (h *Handler) job(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Job(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) artifact(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Job(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if job.Status != domain.JobCompleted || job.Result == nil {
		writeJSON(w, http.StatusConflict, domain.ErrorResponse{
			Code:    "not_ready",
			Message: fmt.Sprintf("job is %s", job.Status),
			TraceID: telemetry.TraceID(r.Context()),
		})
		return
	}

	f, err := os.Open(job.Result.Path)
	if err != nil {
		h.logger.Error("Artifact missing for completed job", "job_id", job.ID, "path", job.Result.Path, "error", err)
		h.writeError(w, r, domain.NewErrorWithCause(domain.KindNotFound, "artifact is no longer available", err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	name := filepath.Base(job.Result.Path)
	if job.Result.ContentType != "" {
		w.Header().Set("Content-Type", job.Result.ContentType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (h *Handler) delivery(w http.ResponseWriter, r *http.Request) {
	var envelope domain.DeliveryEnvelope
	if err := decodeJSON(r, &envelope); err != nil {
		h.writeError(w, r, err)
		return
	}
	if caller, ok := webhook.CallerFromContext(r.Context()); ok {
		h.logger.Debug("Delivery admitted", "job_id", envelope.JobID, "caller", caller.Identity)
	}

	ack, err := h.svc.HandleDelivery(r.Context(), envelope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

type healthResponse struct {
	Status       string                   `json:"status"`
	Engine       string                   `json:"engine"`
	EngineError  string                   `json:"engine_error,omitempty"`
	Dispatch     *dispatchHealth          `json:"dispatch,omitempty"`
	Jobs         map[domain.JobStatus]int `json:"jobs"`
	CacheEntries int                      `json:"cache_entries"`
}

type dispatchHealth struct {
	Backend string `json:"backend"`
	Webhook string `json:"webhook"`
	Circuit string `json:"circuit"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Engine:       "ok",
		Jobs:         h.svc.registry.Counts(),
		CacheEntries: h.svc.cache.Len(),
	}
	// An open circuit degrades the status without failing liveness checks.
	if backend, ok := h.svc.enqueuer.(BackendReporter); ok {
		state := backend.Circuit().State()
		resp.Dispatch = &dispatchHealth{
			Backend: backend.Backend(),
			Webhook: backend.WebhookTarget(),
			Circuit: string(state),
		}
		if state == governance.StateOpen {
			resp.Status = "degraded"
		}
	}
	status := http.StatusOK
	if h.svc.bridge != nil {
		if err := h.svc.bridge.Check(); err != nil {
			resp.Status = "degraded"
			resp.Engine = "unavailable"
			resp.EngineError = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewErrorWithCause(domain.KindValidation, "malformed request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto an HTTP status and the JSON error body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		message = de.Message
	}
	if status == http.StatusServiceUnavailable && errors.Is(err, executor.ErrSaturated) {
		w.Header().Set("Retry-After", strconv.Itoa(saturatedRetrySec))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	writeJSON(w, status, domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: telemetry.TraceID(r.Context()),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, executor.ErrSaturated):
		return http.StatusServiceUnavailable, "saturated"
	case errors.Is(err, executor.ErrInterrupted):
		return http.StatusServiceUnavailable, "interrupted"
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, string(domain.KindNotFound)
	}

	switch kind := domain.KindOf(err); kind {
	case domain.KindValidation:
		return http.StatusBadRequest, string(kind)
	case domain.KindAuth:
		return http.StatusUnauthorized, string(kind)
	case domain.KindRateLimit:
		return http.StatusTooManyRequests, string(kind)
	case domain.KindNotFound:
		return http.StatusNotFound, string(kind)
	case domain.KindDispatch:
		return http.StatusServiceUnavailable, string(kind)
	case "":
		return http.StatusInternalServerError, "internal"
	default:
		return http.StatusInternalServerError, string(kind)
	}
}
