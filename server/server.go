// Package server exposes the bot's HTTP surface: liveness and readiness
// probes, Prometheus metrics, the current session status, recording history
// and the YouTube OAuth consent flow. Every request carries a correlation id.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/infra-workshop/recording-bot/db"
	"github.com/infra-workshop/recording-bot/session"
	"github.com/infra-workshop/recording-bot/telemetry"
)

// StatusSource reports the current session.
type StatusSource interface {
	Snapshot() session.Snapshot
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecordingLister reads the recording history.
type RecordingLister interface {
	ListRecordings(ctx context.Context, limit int) ([]db.Recording, error)
}

// OAuthFlow is the YouTube consent flow.
type OAuthFlow interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	HasToken(ctx context.Context) bool
}

// ChatStatus reports chat gateway health.
type ChatStatus interface {
	Connected() bool
}

// Deps are the server's collaborators. DB, Recordings and YouTube may be nil.
type Deps struct {
	Session       StatusSource
	Chat          ChatStatus
	DB            Pinger
	Recordings    RecordingLister
	YouTube       OAuthFlow
	UploadEnabled bool
	Version       string
}

// NewMux returns the HTTP handler with all routes. ctx bounds background
// goroutines such as the rate limiter cleanup.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	h := NewHandlers(deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.Handle("/recordings", adminAuth(http.HandlerFunc(h.HandleRecordings), authCfg))
	mux.Handle("/auth/youtube/start", adminAuth(http.HandlerFunc(h.HandleYouTubeOAuthStart), authCfg))
	mux.HandleFunc("/auth/youtube/callback", h.HandleYouTubeOAuthCallback)

	protected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/auth/") || r.URL.Path == "/recordings" {
			rateLimitMiddleware(mux, limiter).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
	return withCorrelation(protected)
}

// withCorrelation injects a correlation id and a tracing span per request.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
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

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, deps)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, ln net.Listener, deps Deps) error {
	srv := &http.Server{
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()), slog.String("component", "http"))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
