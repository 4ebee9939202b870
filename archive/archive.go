// Package archive persists chat messages to Postgres. It subscribes to the
// event bus and batches inserts so the synchronous dispatch path never waits
// on the database: enqueueing is non-blocking, and overflow drops the
// message rather than stalling the receive loop.
package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onnwee/tmi-engine/event"
	"github.com/onnwee/tmi-engine/state"
	"github.com/onnwee/tmi-engine/telemetry"
)

// Config sets the batching knobs.
type Config struct {
	MaxBatch     int           // flush when this many rows are queued
	FlushEvery   time.Duration // flush at least this often
	ChanBuffer   int           // queue capacity between the bus and the flusher
	FlushTimeout time.Duration // per-flush database deadline
}

// DefaultConfig matches one flush per second or 100 rows, whichever first.
func DefaultConfig() Config {
	return Config{
		MaxBatch:     100,
		FlushEvery:   time.Second,
		ChanBuffer:   1024,
		FlushTimeout: 5 * time.Second,
	}
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Writer batches chat messages into the chat_messages table.
type Writer struct {
	input   chan *state.ChatMessage
	cfg     Config
	sender  batchSender
	dropped atomic.Uint64
	done    chan struct{}
}

// NewWriter starts a writer flushing into the pool. It runs until ctx is
// cancelled, flushing whatever is pending on the way out.
func NewWriter(ctx context.Context, pool *pgxpool.Pool, cfg Config) *Writer {
	return newWriter(ctx, pool, cfg)
}

func newWriter(ctx context.Context, sender batchSender, cfg Config) *Writer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig().MaxBatch
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultConfig().FlushEvery
	}
	if cfg.ChanBuffer <= 0 {
		cfg.ChanBuffer = DefaultConfig().ChanBuffer
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	w := &Writer{
		input:  make(chan *state.ChatMessage, cfg.ChanBuffer),
		cfg:    cfg,
		sender: sender,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// Subscribe attaches the writer to a bus's chat events.
func (w *Writer) Subscribe(bus *event.Bus) {
	bus.OnChat(func(e event.Chat) { w.Enqueue(e.Message) })
}

// Enqueue adds a message to the queue; on overflow the message is dropped
// and counted, never blocking the caller.
func (w *Writer) Enqueue(msg *state.ChatMessage) bool {
	select {
	case w.input <- msg:
		return true
	default:
		telemetry.IncCounter(telemetry.ArchiveDropped)
		dropped := w.dropped.Add(1)
		if dropped%100 == 1 {
			slog.Warn("archive queue full", slog.Uint64("dropped_total", dropped))
		}
		return false
	}
}

// Dropped returns the number of messages lost to queue overflow.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Done is closed after the final flush completes.
func (w *Writer) Done() <-chan struct{} { return w.done }

const insertQuery = `
insert into chat_messages (
  message_id, channel, user_id, login, display_name, text,
  is_mod, is_subscriber, sent_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
on conflict (message_id) do nothing;`

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushEvery)
	defer ticker.Stop()

	batch := &pgx.Batch{}
	pending := 0

	flush := func() {
		if pending == 0 {
			return
		}
		// Flushing outlives ctx so cancellation does not lose the tail.
		dbCtx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
		defer cancel()
		br := w.sender.SendBatch(dbCtx, batch)
		if err := br.Close(); err != nil {
			slog.Error("archive flush failed", slog.Int("rows", pending), slog.Any("err", err))
		} else {
			telemetry.AddCounter(telemetry.ArchiveInserts, float64(pending))
		}
		batch = &pgx.Batch{}
		pending = 0
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever made it into the queue before cancellation.
			for {
				select {
				case msg := <-w.input:
					w.queue(batch, msg)
					pending++
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case msg := <-w.input:
			w.queue(batch, msg)
			pending++
			if pending >= w.cfg.MaxBatch {
				flush()
			}
		}
	}
}

func (w *Writer) queue(batch *pgx.Batch, msg *state.ChatMessage) {
	var userID int64
	var login, display string
	var isMod, isSub bool
	if msg.Author != nil {
		isMod = msg.Author.Moderator
		isSub = msg.Author.Subscriber
		if msg.Author.User != nil {
			userID = msg.Author.User.ID
			login = msg.Author.User.Login
			display = msg.Author.User.DisplayName
		}
	}
	var channel string
	if msg.Channel != nil {
		channel = msg.Channel.Name
	}
	batch.Queue(insertQuery,
		msg.ID, channel, userID, login, display, msg.Text,
		isMod, isSub, msg.SentAt.UTC(),
	)
}
