package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	dbpkg "github.com/onnwee/tmi-engine/db"
)

// oauthConfig builds the code-grant config from the runtime configuration.
func (h *Handlers) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.TwitchClientID,
		ClientSecret: h.cfg.TwitchClientSecret,
		RedirectURL:  h.cfg.TwitchRedirectURI,
		Scopes:       strings.Fields(strings.ReplaceAll(h.cfg.TwitchScopes, ",", " ")),
		Endpoint:     twitch.Endpoint,
	}
}

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.TwitchClientID == "" || h.cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	http.Redirect(w, r, h.oauthConfig().AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback handles the OAuth callback from Twitch and stores tokens.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	ctx := r.Context()
	cfg := h.oauthConfig()
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	// persist tokens through the store (handles encryption)
	if err := dbpkg.UpsertOAuthToken(ctx, h.db, "twitch", tok.AccessToken, tok.RefreshToken,
		tok.Expiry, strings.Join(cfg.Scopes, " ")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "scopes": cfg.Scopes, "expiry": tok.Expiry}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
