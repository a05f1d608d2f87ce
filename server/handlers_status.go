package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/infra-workshop/recording-bot/telemetry"
)

type statusResponse struct {
	State         string     `json:"state"`
	ScreenURL     string     `json:"screen_url,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	RecordingFor  string     `json:"recording_for,omitempty"`
	UploadEnabled bool       `json:"upload_enabled"`
	Version       string     `json:"version,omitempty"`
	Uptime        string     `json:"uptime"`
}

// HandleStatus reports the session slot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:         "unknown",
		UploadEnabled: h.deps.UploadEnabled,
		Version:       h.deps.Version,
		Uptime:        time.Since(h.started).Truncate(time.Second).String(),
	}
	if h.deps.Session != nil {
		snap := h.deps.Session.Snapshot()
		resp.State = snap.Kind.String()
		resp.ScreenURL = snap.ScreenURL
		if !snap.StartedAt.IsZero() {
			started := snap.StartedAt
			resp.StartedAt = &started
			resp.RecordingFor = time.Since(started).Truncate(time.Second).String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRecordings lists recent saves, newest first. ?limit=N bounds the list.
func (h *Handlers) HandleRecordings(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recordings == nil {
		http.Error(w, "recording history requires DB_DSN", http.StatusNotFound)
		return
	}
	list, err := h.deps.Recordings.ListRecordings(r.Context(), parseIntQuery(r, "limit", 20))
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list recordings failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to list recordings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": list, "count": len(list)})
}
