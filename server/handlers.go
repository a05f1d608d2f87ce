package server

import (
	"sync"
	"time"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 1000
	stateTTL       = 10 * time.Minute
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	started    time.Time
	stateStore map[string]time.Time
	stateMu    sync.Mutex
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		started:    time.Now(),
		stateStore: make(map[string]time.Time),
	}
}

// addOAuthState remembers state until expiry. It refuses new states when full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	now := time.Now()
	for s, exp := range h.stateStore {
		if now.After(exp) {
			delete(h.stateStore, s)
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState reports whether state is known and unexpired, and forgets it.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}
