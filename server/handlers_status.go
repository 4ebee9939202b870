package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HandleStatus reports the chat connection state and store counts.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s := Status{State: "none"}
	if h.status != nil {
		s = h.status.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleConfig exposes the non-secret runtime configuration.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"channels":      h.cfg.TwitchChannels,
		"bot_username":  h.cfg.TwitchBotUsername,
		"chat_addr":     h.cfg.ChatAddr,
		"http_addr":     h.cfg.HTTPAddr,
		"redis_enabled": h.cfg.RedisAddr != "",
		"scopes":        h.cfg.TwitchScopes,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
