package server

import (
	"errors"
	"net/http"
)

// HandleHealthz is the liveness probe. It pings the database when one is configured.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.Ping(r.Context())
		}},
		{"chat", func() error {
			if h.deps.Chat == nil || !h.deps.Chat.Connected() {
				return errors.New("chat gateway not connected")
			}
			return nil
		}},
		{"credentials", func() error {
			if !h.deps.UploadEnabled {
				return nil
			}
			if h.deps.YouTube == nil || !h.deps.YouTube.HasToken(r.Context()) {
				return errors.New("missing YouTube OAuth token")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
