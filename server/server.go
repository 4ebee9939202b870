// Package server exposes the HTTP surface: health, readiness, status,
// metrics, and the Twitch OAuth flow for provisioning the bot token. It
// includes permissive CORS for development and injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/tmi-engine/config"
	"github.com/onnwee/tmi-engine/telemetry"
)

// NewMux returns the HTTP handler with all routes. The context bounds the
// rate limiter cleanup goroutine.
func NewMux(ctx context.Context, db *sql.DB, cfg *config.Config, status StatusSource) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newIPRateLimiter(ctx, rateLimiterCfg)

	handlers := NewHandlers(ctx, db, cfg, status)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/auth/twitch/start", handlers.HandleTwitchOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", handlers.HandleTwitchOAuthCallback)

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	mux.HandleFunc("/config", handlers.HandleConfig)
	mux.HandleFunc("/status", handlers.HandleStatus)

	// The OAuth flow mutates stored credentials, so it gets the same
	// protection as admin surfaces.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/auth/") {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, db *sql.DB, cfg *config.Config, status StatusSource) error {
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      NewMux(ctx, db, cfg, status),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
