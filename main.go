// Command tmi-engine is the main entrypoint for the chat engine.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Opens the TLS chat connection, negotiates capabilities, authenticates,
//     joins the configured channels, and keeps the in-memory state in sync.
//   - Archives chat messages to Postgres and refreshes OAuth tokens.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status,
//     /metrics, and the OAuth flow.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/tmi-engine/archive"
	"github.com/onnwee/tmi-engine/config"
	"github.com/onnwee/tmi-engine/conn"
	"github.com/onnwee/tmi-engine/db"
	"github.com/onnwee/tmi-engine/event"
	"github.com/onnwee/tmi-engine/oauth"
	"github.com/onnwee/tmi-engine/server"
	"github.com/onnwee/tmi-engine/state"
	"github.com/onnwee/tmi-engine/telemetry"
	"github.com/onnwee/tmi-engine/tmi"
	"github.com/onnwee/tmi-engine/transport"
	"github.com/onnwee/tmi-engine/twitchapi"
	"github.com/onnwee/tmi-engine/usercache"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("tmi-engine", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fallback user resolution: Helix (app token), optionally fronted by Redis.
	var resolver tmi.Resolver
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		resolver = helix
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer func() {
				if err := rdb.Close(); err != nil {
					slog.Warn("failed to close redis client", slog.Any("err", err))
				}
			}()
			resolver = usercache.New(rdb, helix, cfg.UserCacheTTL)
			slog.Info("user cache enabled", slog.String("addr", cfg.RedisAddr), slog.Duration("ttl", cfg.UserCacheTTL))
		}
	} else {
		slog.Warn("no TWITCH_CLIENT_ID/SECRET: unknown logins cannot be resolved via Helix")
	}

	// Chat archiver writes through its own pgx pool; the database/sql handle
	// stays dedicated to the HTTP surface and token storage.
	pool, err := pgxpool.New(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open pgx pool", slog.Any("err", err))
		os.Exit(1)
	}
	defer pool.Close()
	writer := archive.NewWriter(ctx, pool, archive.DefaultConfig())

	// The bot token is refreshed in the background; sessions read the latest
	// value when they (re)connect.
	token := &tokenHolder{}
	token.set(cfg.TwitchOAuthToken)
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute,
		func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
		},
		token.set)

	status := &chatStatus{writer: writer}

	// Chat supervisor: connect, handshake, join, and reconnect with backoff
	// until the root context is canceled.
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat connection disabled", slog.Any("err", err))
	} else {
		go superviseChat(ctx, cfg, resolver, writer, token, status)
		go syncUsersLoop(ctx, database, status, time.Minute)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/oauth)
	go func() {
		if err := server.Start(ctx, database, cfg, status); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then let the archiver drain its queue.
	<-ctx.Done()
	slog.Info("shutting down")
	select {
	case <-writer.Done():
	case <-time.After(10 * time.Second):
		slog.Warn("archiver did not drain in time")
	}
}

// tokenHolder hands the freshest access token to reconnecting sessions.
type tokenHolder struct {
	mu    sync.Mutex
	token string
}

func (t *tokenHolder) set(v string) {
	t.mu.Lock()
	t.token = v
	t.mu.Unlock()
}

func (t *tokenHolder) get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// chatStatus adapts the live chat client to the HTTP status endpoint. The
// client pointer changes across reconnects.
type chatStatus struct {
	mu     sync.Mutex
	client *tmi.Client
	writer *archive.Writer
}

func (cs *chatStatus) set(c *tmi.Client) {
	cs.mu.Lock()
	cs.client = c
	cs.mu.Unlock()
}

func (cs *chatStatus) current() *tmi.Client {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.client
}

// syncUsersLoop periodically mirrors the live session's global users into
// chat_users so user records survive reconnects and restarts.
func syncUsersLoop(ctx context.Context, database *sql.DB, status *chatStatus, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		client := status.current()
		if client == nil {
			continue
		}
		users := client.Store().Users()
		if len(users) == 0 {
			continue
		}
		rows := make([]db.UserRow, 0, len(users))
		for _, u := range users {
			rows = append(rows, db.UserRow{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName})
		}
		if err := db.SyncUsers(ctx, database, rows); err != nil {
			slog.Warn("user sync failed", slog.Any("err", err))
			continue
		}
		slog.Debug("user sync complete", slog.Int("users", len(rows)))
	}
}

func (cs *chatStatus) Status() server.Status {
	cs.mu.Lock()
	c := cs.client
	cs.mu.Unlock()
	s := server.Status{State: "none"}
	if c != nil {
		s.SessionID = c.Engine().SessionID()
		s.State = c.Engine().State().String()
		s.Users, s.Channels, s.Messages = c.Store().Stats()
	}
	if cs.writer != nil {
		s.ArchiveDropped = cs.writer.Dropped()
	}
	return s
}

// superviseChat runs chat sessions until ctx is canceled, reconnecting with
// exponential backoff. Certificate and credential failures are not retried:
// reconnecting cannot fix either.
func superviseChat(ctx context.Context, cfg *config.Config, resolver tmi.Resolver, writer *archive.Writer, token *tokenHolder, status *chatStatus) {
	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		start := time.Now()
		err := runChatSession(ctx, cfg, resolver, writer, token, status)
		status.set(nil)
		telemetry.SetConnected(false)
		telemetry.SetChannelCount(0)
		if ctx.Err() != nil {
			return
		}

		var certErr *transport.CertError
		if errors.As(err, &certErr) {
			slog.Error("peer identity could not be established, not reconnecting", slog.Any("err", err))
			return
		}
		var capErr *tmi.CapabilityError
		if errors.As(err, &capErr) {
			slog.Error("required capabilities unavailable, not reconnecting", slog.Any("err", err))
			return
		}
		if errors.Is(err, errAuthRejected) {
			slog.Error("credentials rejected, not reconnecting")
			return
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(start) > 2*maxBackoff {
			backoff = time.Second
		}
		slog.Warn("chat session ended, reconnecting", slog.Any("err", err), slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		telemetry.IncCounter(telemetry.Reconnects)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

var errAuthRejected = errors.New("login authentication rejected")

// runChatSession drives one connection from dial through teardown and blocks
// until it closes.
func runChatSession(ctx context.Context, cfg *config.Config, resolver tmi.Resolver, writer *archive.Writer, token *tokenHolder, status *chatStatus) error {
	host, port, err := net.SplitHostPort(cfg.ChatAddr)
	if err != nil {
		return err
	}
	tr := transport.New(transport.Config{
		Host:             host,
		Port:             port,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	engine := conn.New(tr, conn.Config{CorrelationTimeout: cfg.CorrelationTimeout})
	store := state.NewStore()
	bus := event.NewBus()

	closed := make(chan error, 1)
	bus.OnClosed(func(e event.Closed) {
		select {
		case closed <- e.Err:
		default:
		}
	})
	bus.OnReady(func(e event.Ready) {
		telemetry.SetConnected(true)
		slog.Info("chat ready", slog.String("login", e.Self.Login))
	})
	writer.Subscribe(bus)

	client := tmi.NewClient(engine, store, bus, resolver, tmi.Config{
		Login: cfg.TwitchBotUsername,
		Token: token.get(),
	})
	status.set(client)

	handshakeStart := time.Now()
	hctx, span := telemetry.StartSpan(ctx, "tmi-engine/chat", "chat.handshake",
		attribute.String("server.address", cfg.ChatAddr),
		attribute.String("session.id", engine.SessionID()))
	if err := client.Connect(hctx); err != nil {
		telemetry.RecordError(span, err)
		span.End()
		return err
	}
	if err := client.RequestCapabilities(hctx); err != nil {
		telemetry.RecordError(span, err)
		span.End()
		_ = client.Close()
		return err
	}
	ok, err := client.Authenticate(hctx)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		_ = client.Close()
		return err
	}
	if !ok {
		telemetry.RecordError(span, errAuthRejected)
		span.End()
		_ = client.Close()
		return errAuthRejected
	}
	telemetry.SetSpanSuccess(span)
	span.End()
	telemetry.Observe(telemetry.HandshakeDuration, time.Since(handshakeStart))

	joined := 0
	for _, ch := range cfg.TwitchChannels {
		if err := client.Join(ctx, ch); err != nil {
			slog.Warn("join failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		joined++
	}
	telemetry.SetChannelCount(joined)
	if joined == 0 {
		_ = client.Close()
		return errors.New("no channels joined")
	}
	slog.Info("chat session established",
		slog.String("session", engine.SessionID()),
		slog.Int("channels", joined))

	select {
	case <-ctx.Done():
		_ = client.Close()
		<-closed
		return ctx.Err()
	case err := <-closed:
		return err
	}
}
