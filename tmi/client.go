// Package tmi is the vendor-specific layer over the connection engine: it
// knows the Twitch chat dialect's commands and tags, performs capability
// negotiation, authentication and channel joins, classifies the inbound
// stream, and keeps the state store and event bus in sync with it.
package tmi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/tmi-engine/conn"
	"github.com/onnwee/tmi-engine/event"
	"github.com/onnwee/tmi-engine/irc"
	"github.com/onnwee/tmi-engine/state"
)

// DefaultCapabilities are the three extensions the engine depends on:
// vendor command frames, membership events, and metadata tags.
var DefaultCapabilities = []string{
	"twitch.tv/commands",
	"twitch.tv/membership",
	"twitch.tv/tags",
}

// UserRecord is the GlobalUser-shaped result of an external user lookup.
type UserRecord struct {
	ID          int64
	Login       string
	DisplayName string
}

// Resolver looks up accounts the chat stream references before the store
// has seen them. Backed by the Helix API (optionally through a cache);
// out of core, injected.
type Resolver interface {
	UserByLogin(ctx context.Context, login string) (UserRecord, error)
}

// CapabilityError reports a capability grant that was not exactly the
// requested set.
type CapabilityError struct {
	Requested []string
	Granted   []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability grant mismatch: requested %v, granted %v", e.Requested, e.Granted)
}

// Config carries the bot identity and adapter knobs.
type Config struct {
	// Login is the bot account's login name; Token its OAuth access token
	// (without the "oauth:" prefix, which the adapter adds on the wire).
	Login string
	Token string

	// Capabilities defaults to DefaultCapabilities.
	Capabilities []string

	// LookupTimeout bounds resolver calls made from the receive loop.
	// Defaults to 5s.
	LookupTimeout time.Duration
}

// Client composes the connection engine with the vendor dialect. It
// subscribes to the engine's raw-message stream; the engine stays
// dialect-agnostic and independently testable.
type Client struct {
	engine   *conn.Engine
	store    *state.Store
	bus      *event.Bus
	resolver Resolver
	cfg      Config

	mu   sync.Mutex
	self *state.GlobalUser
}

// NewClient wires an adapter around an engine. The store and bus must be
// dedicated to this connection.
func NewClient(e *conn.Engine, store *state.Store, bus *event.Bus, resolver Resolver, cfg Config) *Client {
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	c := &Client{engine: e, store: store, bus: bus, resolver: resolver, cfg: cfg}
	e.OnMessage(c.handleMessage)
	e.OnOpened(func(sessionID string) {
		bus.PublishOpened(event.Opened{SessionID: sessionID})
	})
	e.OnClosed(func(sessionID string, err error) {
		bus.PublishClosed(event.Closed{SessionID: sessionID, Err: err})
	})
	return c
}

// Store exposes the connection's entity store to application code.
func (c *Client) Store() *state.Store { return c.store }

// Engine exposes the underlying connection engine.
func (c *Client) Engine() *conn.Engine { return c.engine }

// Self returns the bot's own global user once ready, or nil.
func (c *Client) Self() *state.GlobalUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Connect opens the transport and starts the receive loop.
func (c *Client) Connect(ctx context.Context) error {
	return c.engine.Connect(ctx)
}

// Close shuts the connection down gracefully.
func (c *Client) Close() error { return c.engine.Close() }

// RequestCapabilities asks the server for the configured capability set and
// fails unless the grant is exactly that set (order does not matter,
// completeness does).
func (c *Client) RequestCapabilities(ctx context.Context) error {
	req := &irc.Message{Command: "CAP", Middle: "REQ", Params: strings.Join(c.cfg.Capabilities, " ")}
	frames, err := c.engine.SendExpectResponse(ctx, req)
	if err != nil {
		return fmt.Errorf("capability request: %w", err)
	}
	var granted []string
	for _, m := range frames {
		if m.Command == "CAP" && strings.HasSuffix(m.Middle, "ACK") {
			granted = strings.Fields(m.Params)
			break
		}
	}
	if !sameSet(c.cfg.Capabilities, granted) {
		return &CapabilityError{Requested: c.cfg.Capabilities, Granted: granted}
	}
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// authFailedNotice is the literal text the server uses for a rejected login.
const authFailedNotice = "Login authentication failed"

// Authenticate sends the token as a password frame and the login as a nick
// frame, and classifies the response: welcome numeric means success, the
// literal failure notice means bad credentials (a normal outcome, not an
// error), anything else is a protocol violation. No retry is attempted here.
func (c *Client) Authenticate(ctx context.Context) (bool, error) {
	if err := c.engine.Send(&irc.Message{Command: "PASS", Middle: "oauth:" + c.cfg.Token}); err != nil {
		return false, err
	}
	frames, err := c.engine.SendExpectResponse(ctx, &irc.Message{Command: "NICK", Middle: c.cfg.Login})
	if err != nil {
		return false, fmt.Errorf("authentication: %w", err)
	}
	first := frames[0]
	switch {
	case first.Command == "001":
		// The welcome batch carries your-host and the MOTD; classify the
		// rest so the expected host is learned.
		for _, m := range frames {
			c.handleMessage(m)
		}
		return true, nil
	case first.Command == "NOTICE" && first.Params == authFailedNotice:
		return false, nil
	default:
		return false, &conn.ProtocolViolationError{
			Reason: "handshake response is neither welcome nor the failure notice",
			Frame:  first.String(),
		}
	}
}

// Join requests membership of a channel and confirms success only if the
// response echoes a join of the authenticated user into that channel.
// Failure is non-fatal; the caller may retry.
func (c *Client) Join(ctx context.Context, channel string) error {
	name := state.CanonicalChannel(channel)
	frames, err := c.engine.SendExpectResponse(ctx, &irc.Message{Command: "JOIN", Middle: "#" + name})
	if err != nil {
		return fmt.Errorf("join #%s: %w", name, err)
	}
	confirmed := false
	for _, m := range frames {
		if m.Command == "JOIN" && strings.EqualFold(m.Nick, c.cfg.Login) && state.CanonicalChannel(m.Middle) == name {
			confirmed = true
		}
	}
	if !confirmed {
		return fmt.Errorf("join #%s not confirmed by server", name)
	}
	// The join batch usually carries the names reply and initial room and
	// user state; classify everything.
	for _, m := range frames {
		c.handleMessage(m)
	}
	return nil
}

// Say sends a chat line to a channel. Exposed for the command layer.
func (c *Client) Say(channel, text string) error {
	name := state.CanonicalChannel(channel)
	return c.engine.Send(&irc.Message{Command: "PRIVMSG", Middle: "#" + name, Params: text})
}

func (c *Client) setSelf(u *state.GlobalUser) {
	c.mu.Lock()
	c.self = u
	c.mu.Unlock()
}

func (c *Client) lookupUser(login string) (*state.GlobalUser, error) {
	login = strings.ToLower(login)
	if u := c.store.FindUserByLogin(login); u != nil {
		return u, nil
	}
	if c.resolver == nil {
		return nil, fmt.Errorf("no resolver configured for unknown login %q", login)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LookupTimeout)
	defer cancel()
	rec, err := c.resolver.UserByLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("resolve login %q: %w", login, err)
	}
	return c.store.InsertUser(rec.ID, rec.Login, rec.DisplayName), nil
}

// fatal escalates a state-desync condition: the in-memory model can no
// longer be trusted, so the connection is aborted.
func (c *Client) fatal(reason string, frame *irc.Message, err error) {
	pv := &conn.ProtocolViolationError{Reason: reason, Frame: frame.String()}
	if err != nil {
		pv.Reason = fmt.Sprintf("%s: %v", reason, err)
	}
	slog.Error("protocol violation", slog.Any("err", pv), slog.String("session", c.engine.SessionID()))
	c.engine.Abort(pv)
}
