// Package server exposes the HTTP API: health, metrics, recordings, the history range
// endpoint used by remote replays, and replay control with an SSE state stream. It
// includes configurable CORS and injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/replay-sync/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newIPRateLimiter(ctx, rateLimiterCfg)

	handlers := NewHandlers(ctx, deps)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	// Health and readiness
	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /readyz", handlers.HandleReadyz)

	// Room data
	mux.HandleFunc("GET /rooms/{room}/recordings", handlers.HandleRoomRecordings)
	mux.HandleFunc("GET /rooms/{room}/messages", handlers.HandleRoomMessages)

	// Replay
	mux.HandleFunc("GET /replay/state", handlers.HandleReplayState)
	mux.HandleFunc("GET /replay/stream", handlers.HandleReplayStream)
	mux.HandleFunc("GET /replay/recordings", handlers.HandleReplayRecordings)
	mux.HandleFunc("POST /replay/load", handlers.HandleReplayLoad)
	mux.HandleFunc("POST /replay/play", handlers.HandleReplayPlay)
	mux.HandleFunc("POST /replay/pause", handlers.HandleReplayPause)
	mux.HandleFunc("POST /replay/toggle", handlers.HandleReplayToggle)
	mux.HandleFunc("POST /replay/seek", handlers.HandleReplaySeek)

	controlled := adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg)
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replay control changes shared playback state
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/replay/") {
			controlled.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

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
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		req := r.WithContext(ctx)
		selectiveHandler.ServeHTTP(wrappedWriter, req)

		// the mux records the matched pattern on the request it was handed
		if req.Pattern != "" {
			span.SetName(req.Pattern)
			span.SetAttributes(telemetry.HTTPRouteAttr(req.Pattern))
		}
		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			span.SetStatus(telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode)))
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
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
