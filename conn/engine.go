// Package conn drives a secure transport and the wire codec through the
// connection lifecycle. It owns the single background receive loop, the
// request/response correlation queue, and automatic keepalive replies.
// It knows nothing about the vendor dialect; the tmi package composes
// around it.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/tmi-engine/irc"
	"github.com/onnwee/tmi-engine/telemetry"
)

// State is the connection lifecycle position. The TCP-connected and secured
// stages collapse into Connecting because the transport upgrades to TLS in
// place before returning.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the byte-level connection the engine drives. transport.Conn
// is the production implementation; tests substitute scripted fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Connected() bool
}

// Config tunes the engine. Zero values get defaults.
type Config struct {
	// CorrelationTimeout bounds a tracked send's wait for its response when
	// the caller's context carries no deadline.
	CorrelationTimeout time.Duration

	// MaxPendingCorrelations caps the tracked-send queue; exceeding it
	// yields ErrCorrelation.
	MaxPendingCorrelations int

	// ReadBufferSize is the size of the single receive buffer.
	ReadBufferSize int
}

type waiter struct {
	ch      chan []*irc.Message
	started time.Time
}

// Engine owns one connection: a single receive loop routes every inbound
// frame either to the correlation queue or to the raw-message handler, and
// answers keepalives before anything else in the same read buffer.
type Engine struct {
	transport Transport
	cfg       Config
	sessionID string

	state   atomic.Int32
	closing atomic.Bool

	expectedHost atomic.Value // string

	mu      sync.Mutex
	waiters []*waiter

	handler  func(*irc.Message)
	onOpened func(sessionID string)
	onClosed func(sessionID string, err error)

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// New returns an engine for the given transport. Handlers are registered
// before Connect.
func New(t Transport, cfg Config) *Engine {
	if cfg.CorrelationTimeout <= 0 {
		cfg.CorrelationTimeout = 10 * time.Second
	}
	if cfg.MaxPendingCorrelations <= 0 {
		cfg.MaxPendingCorrelations = 4
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 8 * 1024
	}
	e := &Engine{
		transport: t,
		cfg:       cfg,
		sessionID: uuid.New().String(),
		loopDone:  make(chan struct{}),
	}
	e.expectedHost.Store("")
	return e
}

// SessionID identifies this connection in logs and events.
func (e *Engine) SessionID() string { return e.sessionID }

// OnMessage registers the handler for inbound frames not claimed by a
// correlation waiter. Must be set before Connect.
func (e *Engine) OnMessage(fn func(*irc.Message)) { e.handler = fn }

// OnOpened registers the ready notification.
func (e *Engine) OnOpened(fn func(sessionID string)) { e.onOpened = fn }

// OnClosed registers the closed notification. err is nil for a requested
// close and carries the fatal error otherwise.
func (e *Engine) OnClosed(fn func(sessionID string, err error)) { e.onClosed = fn }

// SetExpectedHost records the host learned from the handshake. Once set,
// frames from any other origin are a fatal protocol violation.
func (e *Engine) SetExpectedHost(host string) { e.expectedHost.Store(host) }

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Connect opens the transport, starts the receive loop, and raises the
// opened notification.
func (e *Engine) Connect(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateNew), int32(StateConnecting)) {
		return fmt.Errorf("connect on %s connection", e.State())
	}
	if err := e.transport.Connect(ctx); err != nil {
		e.state.Store(int32(StateClosed))
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancelLoop = cancel
	go e.receiveLoop(loopCtx)
	e.state.Store(int32(StateReady))
	telemetry.SetConnected(true)
	if e.onOpened != nil {
		e.onOpened(e.sessionID)
	}
	return nil
}

// Send serializes and writes one frame. Safe for concurrent callers; the
// transport serializes the actual writes.
func (e *Engine) Send(m *irc.Message) error {
	if _, err := e.transport.Write([]byte(m.String() + "\r\n")); err != nil {
		return err
	}
	telemetry.IncCounter(telemetry.FramesSent)
	return nil
}

// SendExpectResponse sends a frame and blocks until the receive loop
// delivers the next inbound batch to this caller, in request order. The
// wait is bounded by the caller's deadline or the configured correlation
// timeout.
func (e *Engine) SendExpectResponse(ctx context.Context, m *irc.Message) ([]*irc.Message, error) {
	if e.State() != StateReady {
		return nil, fmt.Errorf("tracked send on %s connection", e.State())
	}
	w := &waiter{ch: make(chan []*irc.Message, 1), started: time.Now()}
	e.mu.Lock()
	if len(e.waiters) >= e.cfg.MaxPendingCorrelations {
		e.mu.Unlock()
		return nil, ErrCorrelation
	}
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	if err := e.Send(m); err != nil {
		e.removeWaiter(w)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CorrelationTimeout)
		defer cancel()
	}
	select {
	case frames, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		telemetry.Observe(telemetry.CorrelationDuration, time.Since(w.started))
		return frames, nil
	case <-ctx.Done():
		e.removeWaiter(w)
		return nil, fmt.Errorf("correlation wait for %s: %w", m.Command, ctx.Err())
	}
}

// Close performs a graceful shutdown: QUIT if ready, cancel the receive
// loop, tear down the transport, raise the closed notification. Idempotent.
func (e *Engine) Close() error {
	e.close(nil)
	return nil
}

// Abort tears the connection down because the inbound stream can no longer
// be trusted. The closed notification carries err.
func (e *Engine) Abort(err error) {
	e.close(err)
}

func (e *Engine) close(cause error) {
	if e.closing.Swap(true) {
		return
	}
	prev := State(e.state.Swap(int32(StateClosing)))
	if prev == StateReady && cause == nil {
		if err := e.Send(&irc.Message{Command: "QUIT"}); err != nil {
			slog.Debug("quit frame not sent", slog.Any("err", err), slog.String("session", e.sessionID))
		}
	}
	if e.cancelLoop != nil {
		e.cancelLoop()
	}
	_ = e.transport.Close()

	// Wake pending correlation waiters.
	e.mu.Lock()
	ws := e.waiters
	e.waiters = nil
	e.mu.Unlock()
	for _, w := range ws {
		close(w.ch)
	}

	e.state.Store(int32(StateClosed))
	telemetry.SetConnected(false)
	if e.onClosed != nil {
		e.onClosed(e.sessionID, cause)
	}
}

func (e *Engine) removeWaiter(w *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cand := range e.waiters {
		if cand == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

func (e *Engine) dequeueWaiter() *waiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.waiters) == 0 {
		return nil
	}
	w := e.waiters[0]
	e.waiters = e.waiters[1:]
	return w
}

// receiveLoop is the single reader. Exactly one read is outstanding at a
// time; a read's frames are fully routed before the next read is issued,
// since frame order is the only ordering guarantee the protocol offers.
func (e *Engine) receiveLoop(ctx context.Context) {
	defer close(e.loopDone)
	buf := make([]byte, e.cfg.ReadBufferSize)
	for ctx.Err() == nil && e.transport.Connected() {
		n, err := e.transport.Read(buf)
		if err != nil {
			if ctx.Err() != nil || e.closing.Load() {
				return
			}
			e.close(err)
			return
		}
		if n == 0 {
			continue
		}
		msgs, dropped := irc.ParseBatch(buf[:n])
		telemetry.AddCounter(telemetry.FramesReceived, float64(len(msgs)))
		telemetry.AddCounter(telemetry.ParseSkips, float64(dropped))

		// Keepalives are answered before anything else in the buffer is
		// routed; host checks run on everything.
		rest := make([]*irc.Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Command == "PING" {
				if err := e.Send(&irc.Message{Command: "PONG", Params: m.Params}); err != nil {
					slog.Warn("pong not sent", slog.Any("err", err), slog.String("session", e.sessionID))
				}
				telemetry.IncCounter(telemetry.PingsAnswered)
				continue
			}
			if violation := e.checkHost(m); violation != nil {
				e.close(violation)
				return
			}
			rest = append(rest, m)
		}
		if len(rest) == 0 {
			continue
		}
		if w := e.dequeueWaiter(); w != nil {
			w.ch <- rest
			continue
		}
		if e.handler != nil {
			for _, m := range rest {
				e.handler(m)
			}
		}
	}
}

// checkHost enforces the expected-host invariant once the handshake has
// taught us the server's identity. System frames must carry exactly that
// host; user prefixes carry a user-qualified host under it.
func (e *Engine) checkHost(m *irc.Message) error {
	expected, _ := e.expectedHost.Load().(string)
	if expected == "" || m.Host == "" {
		return nil
	}
	if m.Host == expected || strings.HasSuffix(m.Host, "."+expected) {
		return nil
	}
	return &ProtocolViolationError{
		Reason: fmt.Sprintf("frame from host %q, expected %q", m.Host, expected),
		Frame:  m.String(),
	}
}
