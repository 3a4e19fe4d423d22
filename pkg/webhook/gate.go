// Package webhook authenticates and admits push-task deliveries.
//
// A delivery passes through a fixed sequence of checks: bearer token present,
// signature and expiry valid, audience equal to the public base URL, issuer and
// service identity authorized, and finally the dedicated per-identity rate
// limit. The first failing check decides the response.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/telemetry"
)

// GateConfig names the single authorized caller.
type GateConfig struct {
	// Audience is the public base URL tokens must be minted for.
	Audience string
	Issuer   string
	// Identity is the authorized service account (email claim, else sub).
	Identity string
	// InsecureSkipVerify disables token checks. Development only.
	InsecureSkipVerify bool
}

// Caller is the admitted identity placed in the request context.
type Caller struct {
	Identity string
	Issuer   string
	Bypassed bool
}

type contextKey string

const callerContextKey contextKey = "webhookCaller"

// CallerFromContext returns the admitted caller.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey).(Caller)
	return c, ok
}

// RejectionRecorder counts rejected deliveries by reason.
type RejectionRecorder interface {
	RecordWebhookRejection(reason string)
}

// AuditLogger receives security events.
type AuditLogger interface {
	LogSecurityEvent(ctx context.Context, event, reason string, attrs ...any)
}

// Gate is the webhook admission middleware.
type Gate struct {
	cfg      GateConfig
	verifier *Verifier
	limiter  *governance.RateLimiter
	logger   *slog.Logger
	recorder RejectionRecorder
	audit    AuditLogger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRecorder sets the rejection counter.
func WithRecorder(r RejectionRecorder) GateOption {
	return func(g *Gate) { g.recorder = r }
}

// WithAuditLogger sets the security event sink.
func WithAuditLogger(a AuditLogger) GateOption {
	return func(g *Gate) { g.audit = a }
}

// NewGate creates the admission gate. verifier may be nil only when
// cfg.InsecureSkipVerify is set.
func NewGate(cfg GateConfig, verifier *Verifier, limiter *governance.RateLimiter, logger *slog.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{cfg: cfg, verifier: verifier, limiter: limiter, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("!!! WEBHOOK AUTHENTICATION DISABLED: auth.insecure_skip_verify is set; any caller can trigger exports !!!")
	}
	return g
}

// Admit runs the admission checks for r. On rejection the decision carries
// the rate limit state when the limiter was consulted. The outcome is added
// to the request span.
func (g *Gate) Admit(r *http.Request) (Caller, governance.Decision, *AdmissionError) {
	ctx := r.Context()
	var caller Caller

	if g.cfg.InsecureSkipVerify {
		g.logger.Warn("Webhook authentication bypassed", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		caller = Caller{Identity: "insecure-bypass", Bypassed: true}
	} else {
		raw, ok := bearerToken(r)
		if !ok {
			return Caller{}, governance.Decision{}, g.reject(ctx, r, "", NewUnauthorizedError(ReasonMissingToken, ErrTokenMissing))
		}

		claims, err := g.verifier.Verify(ctx, raw)
		if err != nil {
			return Caller{}, governance.Decision{}, g.reject(ctx, r, raw, NewUnauthorizedError(ReasonInvalidToken, err))
		}
		if !AudienceMatches(claims.Audience, g.cfg.Audience) {
			return Caller{}, governance.Decision{}, g.reject(ctx, r, raw, NewUnauthorizedError(ReasonAudienceMismatch, ErrAudienceMismatch))
		}
		if claims.Issuer != g.cfg.Issuer {
			return Caller{}, governance.Decision{}, g.reject(ctx, r, raw, NewForbiddenError(ReasonIssuerMismatch, ErrIssuerMismatch))
		}
		if claims.Identity() != g.cfg.Identity {
			return Caller{}, governance.Decision{}, g.reject(ctx, r, raw, NewForbiddenError(ReasonIdentityMismatch, ErrIdentityMismatch))
		}
		caller = Caller{Identity: claims.Identity(), Issuer: claims.Issuer}
	}

	decision := governance.Decision{Allowed: true}
	if g.limiter != nil {
		decision = g.limiter.Allow(caller.Identity)
		if !decision.Allowed {
			return Caller{}, decision, g.reject(ctx, r, "", NewRateLimitedError())
		}
	}
	telemetry.RecordAdmission(trace.SpanFromContext(ctx), true, "")
	return caller, decision, nil
}

// Wrap protects next with the gate.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, decision, rejection := g.Admit(r)
		if g.limiter != nil && (rejection == nil || rejection.Reason == ReasonRateLimited) {
			governance.WriteRateLimitHeaders(w, decision)
		}
		if rejection != nil {
			if rejection.Code == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", `Bearer realm="webhook"`)
			}
			http.Error(w, http.StatusText(rejection.Code)+": "+rejection.Error(), rejection.Code)
			return
		}

		ctx := context.WithValue(r.Context(), callerContextKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ConfigureRateLimit applies new webhook rate limits at runtime.
func (g *Gate) ConfigureRateLimit(cfg governance.RateLimiterConfig) {
	if g.limiter != nil {
		g.limiter.Configure(cfg)
	}
}

func (g *Gate) reject(ctx context.Context, r *http.Request, raw string, rejection *AdmissionError) *AdmissionError {
	attrs := []any{
		"reason", rejection.Reason,
		"status", rejection.Code,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	}
	if raw != "" {
		if claims, ok := PeekClaims(raw); ok {
			attrs = append(attrs,
				"issuer", claims.Issuer,
				"audience", strings.Join(claims.Audience, ","),
			)
		}
	}
	if rejection.Err != nil && !errors.Is(rejection.Err, ErrTokenMissing) {
		attrs = append(attrs, "error", rejection.Err.Error())
	}

	telemetry.RecordAdmission(trace.SpanFromContext(ctx), false, rejection.Reason)
	g.logger.Warn("Webhook delivery rejected", attrs...)
	if g.audit != nil {
		g.audit.LogSecurityEvent(ctx, "webhook_rejected", rejection.Reason, attrs...)
	}
	if g.recorder != nil {
		g.recorder.RecordWebhookRejection(rejection.Reason)
	}
	return rejection
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
