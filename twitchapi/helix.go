// Package twitchapi contains minimal helpers to interact with the Twitch
// Helix and OAuth APIs: app access tokens, the user-token code grant, and the
// user lookups the chat layer falls back to when the stream references an
// account it has not seen.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/onnwee/tmi-engine/tmi"
)

// User is one Helix user record.
type User struct {
	ID              int64
	Login           string
	DisplayName     string
	Type            string
	BroadcasterType string
	Description     string
	CreatedAt       string
}

// HelixClient provides the user-resolution methods the chat engine needs.
// It satisfies the chat layer's Resolver interface directly.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUserByLogin resolves a login name to its Helix user record.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	return hc.getUser(ctx, "login", login)
}

// GetUserByID resolves a numeric user id to its Helix user record.
func (hc *HelixClient) GetUserByID(ctx context.Context, id int64) (*User, error) {
	if id <= 0 {
		return nil, fmt.Errorf("user id %d not positive", id)
	}
	return hc.getUser(ctx, "id", strconv.FormatInt(id, 10))
}

// UserByLogin adapts GetUserByLogin to the chat layer's lookup shape.
func (hc *HelixClient) UserByLogin(ctx context.Context, login string) (tmi.UserRecord, error) {
	u, err := hc.GetUserByLogin(ctx, login)
	if err != nil {
		return tmi.UserRecord{}, err
	}
	return tmi.UserRecord{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName}, nil
}

func (hc *HelixClient) getUser(ctx context.Context, key, value string) (*User, error) {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/users", nil)
	q := url.Values{}
	q.Set(key, value)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("helix users request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			ID              string `json:"id"`
			Login           string `json:"login"`
			DisplayName     string `json:"display_name"`
			Type            string `json:"type"`
			BroadcasterType string `json:"broadcaster_type"`
			Description     string `json:"description"`
			CreatedAt       string `json:"created_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	d := body.Data[0]
	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("helix user id %q not numeric: %w", d.ID, err)
	}
	return &User{
		ID:              id,
		Login:           d.Login,
		DisplayName:     d.DisplayName,
		Type:            d.Type,
		BroadcasterType: d.BroadcasterType,
		Description:     d.Description,
		CreatedAt:       d.CreatedAt,
	}, nil
}
