package tmi

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/tmi-engine/conn"
	"github.com/onnwee/tmi-engine/event"
	"github.com/onnwee/tmi-engine/state"
)

// scriptedTransport feeds canned receive buffers to the engine and records
// outbound frames.
type scriptedTransport struct {
	inbound   chan []byte
	writes    chan string
	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		inbound: make(chan []byte, 32),
		writes:  make(chan string, 32),
		done:    make(chan struct{}),
	}
}

func (f *scriptedTransport) Connect(ctx context.Context) error {
	f.connected.Store(true)
	return nil
}

func (f *scriptedTransport) Read(p []byte) (int, error) {
	select {
	case b := <-f.inbound:
		return copy(p, b), nil
	case <-f.done:
		return 0, io.EOF
	}
}

func (f *scriptedTransport) Write(p []byte) (int, error) {
	f.writes <- string(p)
	return len(p), nil
}

func (f *scriptedTransport) Close() error {
	f.closeOnce.Do(func() {
		f.connected.Store(false)
		close(f.done)
	})
	return nil
}

func (f *scriptedTransport) Connected() bool { return f.connected.Load() }

func (f *scriptedTransport) push(lines string) { f.inbound <- []byte(lines) }

func (f *scriptedTransport) expectWrite(t *testing.T) string {
	t.Helper()
	select {
	case w := <-f.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound frame")
		return ""
	}
}

type fakeResolver struct {
	mu    sync.Mutex
	users map[string]UserRecord
	calls int
}

func (r *fakeResolver) UserByLogin(ctx context.Context, login string) (UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	u, ok := r.users[strings.ToLower(login)]
	if !ok {
		return UserRecord{}, errors.New("user not found")
	}
	return u, nil
}

func newTestClient(t *testing.T, resolver Resolver) (*Client, *scriptedTransport, *event.Bus) {
	t.Helper()
	f := newScriptedTransport()
	e := conn.New(f, conn.Config{CorrelationTimeout: 2 * time.Second})
	bus := event.NewBus()
	c := NewClient(e, state.NewStore(), bus, resolver, Config{Login: "bot", Token: "secret"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, f, bus
}

func TestRequestCapabilitiesExactGrant(t *testing.T) {
	c, f, _ := newTestClient(t, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- c.RequestCapabilities(context.Background()) }()

	w := f.expectWrite(t)
	if w != "CAP REQ :twitch.tv/commands twitch.tv/membership twitch.tv/tags\r\n" {
		t.Fatalf("request frame = %q", w)
	}
	// Order of the grant does not matter, completeness does.
	f.push(":tmi.twitch.tv CAP * ACK :twitch.tv/tags twitch.tv/commands twitch.tv/membership\r\n")
	if err := <-errCh; err != nil {
		t.Errorf("RequestCapabilities: %v", err)
	}
}

func TestRequestCapabilitiesPartialGrant(t *testing.T) {
	for _, grant := range []string{
		"twitch.tv/commands twitch.tv/tags",                                            // subset
		"twitch.tv/commands twitch.tv/membership twitch.tv/tags twitch.tv/extra-thing", // superset
	} {
		c, f, _ := newTestClient(t, nil)
		errCh := make(chan error, 1)
		go func() { errCh <- c.RequestCapabilities(context.Background()) }()
		f.expectWrite(t)
		f.push(":tmi.twitch.tv CAP * ACK :" + grant + "\r\n")
		err := <-errCh
		var capErr *CapabilityError
		if !errors.As(err, &capErr) {
			t.Errorf("grant %q: err = %v, want *CapabilityError", grant, err)
		}
	}
}

func TestAuthenticateWelcome(t *testing.T) {
	c, f, _ := newTestClient(t, nil)
	resCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		ok, err := c.Authenticate(context.Background())
		resCh <- ok
		errCh <- err
	}()

	if w := f.expectWrite(t); w != "PASS oauth:secret\r\n" {
		t.Fatalf("password frame = %q", w)
	}
	if w := f.expectWrite(t); w != "NICK bot\r\n" {
		t.Fatalf("nick frame = %q", w)
	}
	f.push(":tmi.twitch.tv 001 bot :Welcome, GLHF!\r\n" +
		":tmi.twitch.tv 002 bot :Your host is tmi.twitch.tv\r\n" +
		":tmi.twitch.tv 376 bot :>\r\n")

	if ok := <-resCh; !ok {
		t.Error("Authenticate = false, want true")
	}
	if err := <-errCh; err != nil {
		t.Errorf("Authenticate err = %v", err)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	c, f, _ := newTestClient(t, nil)
	resCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		ok, err := c.Authenticate(context.Background())
		resCh <- ok
		errCh <- err
	}()
	f.expectWrite(t)
	f.expectWrite(t)
	f.push(":tmi.twitch.tv NOTICE * :Login authentication failed\r\n")

	if ok := <-resCh; ok {
		t.Error("Authenticate = true for the failure notice")
	}
	// Bad credentials are a normal outcome, not an error.
	if err := <-errCh; err != nil {
		t.Errorf("Authenticate err = %v, want nil", err)
	}
}

func TestAuthenticateMalformedResponse(t *testing.T) {
	c, f, _ := newTestClient(t, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Authenticate(context.Background())
		errCh <- err
	}()
	f.expectWrite(t)
	f.expectWrite(t)
	// A lone 002 is not a valid handshake outcome.
	f.push(":tmi.twitch.tv 002 bot :Your host is tmi.twitch.tv\r\n")

	err := <-errCh
	var pv *conn.ProtocolViolationError
	if !errors.As(err, &pv) {
		t.Errorf("err = %v, want protocol violation", err)
	}
}

func TestJoinConfirmed(t *testing.T) {
	c, f, _ := newTestClient(t, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(context.Background(), "Bob") }()

	if w := f.expectWrite(t); w != "JOIN #bob\r\n" {
		t.Fatalf("join frame = %q", w)
	}
	f.push(":bot!bot@bot.tmi.twitch.tv JOIN #bob\r\n")
	if err := <-errCh; err != nil {
		t.Errorf("Join: %v", err)
	}
	if c.Store().FindChannel("bob") == nil {
		t.Error("joined channel missing from store")
	}
}

func TestJoinNotConfirmed(t *testing.T) {
	c, f, _ := newTestClient(t, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(context.Background(), "bob") }()
	f.expectWrite(t)
	// Echo about a different user: not a confirmation.
	f.push(":alice!alice@alice.tmi.twitch.tv JOIN #bob\r\n")
	if err := <-errCh; err == nil {
		t.Error("Join confirmed by a foreign echo")
	}
	// Non-fatal: the connection is still up.
	if c.Engine().State() != conn.StateReady {
		t.Errorf("state = %s after failed join, want ready", c.Engine().State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEndStateSync(t *testing.T) {
	c, f, bus := newTestClient(t, nil)

	var chatEvents atomic.Int32
	var gotText, gotAuthor string
	var mu sync.Mutex
	bus.OnChat(func(e event.Chat) {
		chatEvents.Add(1)
		mu.Lock()
		gotText = e.Message.Text
		gotAuthor = e.Message.Author.User.DisplayName
		mu.Unlock()
	})
	readyFired := atomic.Bool{}
	bus.OnReady(func(event.Ready) { readyFired.Store(true) })

	f.push("@user-id=1;display-name=Bob;color=#FF0000;badge-info= :tmi.twitch.tv GLOBALUSERSTATE\r\n")
	f.push("@badge-info=;mod=0;subscriber=0 :tmi.twitch.tv ROOMSTATE #bob\r\n")
	f.push("@id=abc;tmi-sent-ts=1000;mod=0;subscriber=0;badges=;user-type= :bob!bob@bob.tmi.twitch.tv PRIVMSG #bob :hello\r\n")

	waitFor(t, "chat event", func() bool { return chatEvents.Load() == 1 })

	st := c.Store()
	users, channels, messages := st.Stats()
	if users != 1 || channels != 1 || messages != 1 {
		t.Errorf("stats = %d users, %d channels, %d messages; want 1/1/1", users, channels, messages)
	}
	u, err := st.GetUserByID(1)
	if err != nil {
		t.Fatalf("GetUserByID(1): %v", err)
	}
	if u.DisplayName != "Bob" || u.Login != "bob" || u.Color != "#FF0000" {
		t.Errorf("global user = %+v", u)
	}
	ch := st.FindChannel("bob")
	if ch == nil {
		t.Fatal("channel bob missing")
	}
	cu, ok := ch.Users["bob"]
	if !ok {
		t.Fatal("channel user bob missing")
	}
	if cu.User != u || cu.Channel != ch {
		t.Error("channel user does not link global user and channel")
	}
	msgs := st.Messages()
	if len(msgs) != 1 || msgs[0].ID != "abc" || msgs[0].Text != "hello" || msgs[0].Author != cu {
		t.Errorf("messages = %+v", msgs)
	}
	if !readyFired.Load() {
		t.Error("ready event never fired")
	}
	if chatEvents.Load() != 1 {
		t.Errorf("chat events = %d, want exactly 1", chatEvents.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if gotText != "hello" || gotAuthor != "Bob" {
		t.Errorf("chat event carried %q by %q", gotText, gotAuthor)
	}
}

func TestNamesReplyFallsBackToResolver(t *testing.T) {
	resolver := &fakeResolver{users: map[string]UserRecord{
		"alice": {ID: 7, Login: "alice", DisplayName: "Alice"},
		"carol": {ID: 8, Login: "carol", DisplayName: "Carol"},
	}}
	c, f, _ := newTestClient(t, resolver)

	f.push(":bot.tmi.twitch.tv 353 bot = #bob :alice carol\r\n")

	waitFor(t, "membership", func() bool {
		ch := c.Store().FindChannel("bob")
		return ch != nil && len(ch.Users) == 2
	})
	if c.Store().FindUserByLogin("alice") == nil {
		t.Error("alice not inserted from resolver")
	}
	resolver.mu.Lock()
	calls := resolver.calls
	resolver.mu.Unlock()
	if calls != 2 {
		t.Errorf("resolver calls = %d, want 2", calls)
	}
}

func TestJoinPartEvents(t *testing.T) {
	resolver := &fakeResolver{users: map[string]UserRecord{
		"alice": {ID: 7, Login: "alice", DisplayName: "Alice"},
	}}
	c, f, bus := newTestClient(t, resolver)

	joined := make(chan event.UserJoined, 1)
	parted := make(chan event.UserParted, 1)
	bus.OnUserJoined(func(e event.UserJoined) { joined <- e })
	bus.OnUserParted(func(e event.UserParted) { parted <- e })

	f.push(":alice!alice@alice.tmi.twitch.tv JOIN #bob\r\n")
	select {
	case e := <-joined:
		if e.User.Login != "alice" || e.Channel.Name != "bob" {
			t.Errorf("join event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join event never fired")
	}

	f.push(":alice!alice@alice.tmi.twitch.tv PART #bob\r\n")
	select {
	case e := <-parted:
		if e.User.Login != "alice" {
			t.Errorf("part event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("part event never fired")
	}
	waitFor(t, "membership removal", func() bool {
		ch := c.Store().FindChannel("bob")
		_, ok := ch.Users["alice"]
		return !ok
	})
	if c.Store().FindUserByLogin("alice") == nil {
		t.Error("global user dropped on part")
	}
}

func TestUserStateForUnknownChannelIsFatal(t *testing.T) {
	c, f, bus := newTestClient(t, nil)
	closed := make(chan event.Closed, 1)
	bus.OnClosed(func(e event.Closed) { closed <- e })

	f.push("@mod=0;subscriber=0 :tmi.twitch.tv USERSTATE #nowhere\r\n")

	select {
	case e := <-closed:
		var pv *conn.ProtocolViolationError
		if !errors.As(e.Err, &pv) {
			t.Errorf("closed with %v, want protocol violation", e.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unresolved channel did not abort the connection")
	}
	_ = c
}
