// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CommandsHandled      *prometheus.CounterVec // labels: command, outcome
	SessionsStarted      prometheus.Counter
	SessionStartFailures prometheus.Counter
	UploadsSucceeded     prometheus.Counter
	UploadsFailed        prometheus.Counter
	FallbackSaves        prometheus.Counter

	// Histograms (seconds)
	SaveDuration   prometheus.Observer
	UploadDuration prometheus.Observer

	// Gauges
	SessionStateGauge *prometheus.GaugeVec // 1 for the current state, 0 otherwise
	RecordedBytes     prometheus.Gauge
)

// States lists the session states exported on the state gauge.
var States = []string{"ready", "starting", "recording", "saving"}

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_commands_total", Help: "Chat commands handled by command and outcome"}, []string{"command", "outcome"})
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_sessions_started_total", Help: "Recording sessions that reached the recording state"})
		SessionStartFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_session_start_failures_total", Help: "Recording sessions rolled back while starting"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_uploads_succeeded_total", Help: "Recordings uploaded to the video host"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_uploads_failed_total", Help: "Recording uploads that failed and fell back to local storage"})
		FallbackSaves = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_fallback_saves_total", Help: "Recordings written to local storage"})
		SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_save_duration_seconds", Help: "Upload or fallback save duration seconds", Buckets: prometheus.ExponentialBuckets(0.5, 2, 12)})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_upload_duration_seconds", Help: "Upload attempt duration seconds", Buckets: prometheus.ExponentialBuckets(0.5, 2, 12)})
		SessionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "recorder_session_state", Help: "Current session state (1 for the active state)"}, []string{"state"})
		RecordedBytes = promauto.NewGauge(prometheus.GaugeOpts{Name: "recorder_last_recording_bytes", Help: "Size of the most recently saved recording"})
		SetSessionState("ready")
	})
}

// SetSessionState marks state as the active session state.
func SetSessionState(state string) {
	if SessionStateGauge == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionStateGauge.WithLabelValues(s).Set(v)
	}
}

// RecordCommand counts a handled chat command.
func RecordCommand(command, outcome string) {
	if CommandsHandled != nil {
		CommandsHandled.WithLabelValues(command, outcome).Inc()
	}
}

// RecordSessionStart counts a started or rolled back session.
func RecordSessionStart(ok bool) {
	if ok {
		inc(SessionsStarted)
	} else {
		inc(SessionStartFailures)
	}
}

// RecordUpload counts an upload attempt outcome.
func RecordUpload(ok bool, d time.Duration) {
	if ok {
		inc(UploadsSucceeded)
	} else {
		inc(UploadsFailed)
	}
	if UploadDuration != nil {
		UploadDuration.Observe(d.Seconds())
	}
}

// RecordFallbackSave counts a recording written to local storage.
func RecordFallbackSave() { inc(FallbackSaves) }

// RecordSaved records the size of a saved recording.
func RecordSaved(size int) {
	if RecordedBytes != nil {
		RecordedBytes.Set(float64(size))
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
