package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/tmi-engine/config"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Status is a point-in-time snapshot of the chat connection for the status
// endpoint.
type Status struct {
	SessionID      string `json:"session_id"`
	State          string `json:"state"`
	Users          int    `json:"users"`
	Channels       int    `json:"channels"`
	Messages       int    `json:"messages"`
	ArchiveDropped uint64 `json:"archive_dropped"`
}

// StatusSource provides the snapshot; the chat client implements it. Nil
// means the connection has not been wired (status reports state "none").
type StatusSource interface {
	Status() Status
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	ctx        context.Context
	cfg        *config.Config
	status     StatusSource
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, cfg *config.Config, status StatusSource) *Handlers {
	return &Handlers{
		db:         db,
		ctx:        ctx,
		cfg:        cfg,
		status:     status,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = expiry
}

// consumeOAuthState validates and removes a state, returning whether it was
// valid and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
