// Package event carries typed notifications raised after the state store has
// been updated. Dispatch is synchronous: handlers run to completion on the
// publishing goroutine before the next frame is routed, so a handler never
// observes store state newer than the event it is handling. Handlers that
// need to do slow work hand off to their own queues.
package event

import (
	"sync"

	"github.com/onnwee/tmi-engine/state"
)

// Opened is raised when a connection reaches the ready state.
type Opened struct {
	SessionID string
}

// Closed is raised after a connection has been torn down. Err is nil for a
// caller-requested close and carries the fatal error otherwise.
type Closed struct {
	SessionID string
	Err       error
}

// Ready is raised once the service has delivered the bot's own global user
// state after authentication.
type Ready struct {
	Self *state.GlobalUser
}

// ChannelUpdated is raised after a room-state frame has been applied.
type ChannelUpdated struct {
	Channel *state.Channel
}

// UserJoined is raised when another account joins a channel we are in.
type UserJoined struct {
	Channel *state.Channel
	User    *state.GlobalUser
}

// UserParted is raised when another account leaves a channel we are in.
type UserParted struct {
	Channel *state.Channel
	User    *state.GlobalUser
}

// Chat is raised for every recorded chat message.
type Chat struct {
	Message *state.ChatMessage
}

// Bus fans events out to any number of independent subscribers per kind.
// Subscription is expected to happen during wiring, before the connection
// starts, but is safe at any time.
type Bus struct {
	mu             sync.RWMutex
	opened         []func(Opened)
	closed         []func(Closed)
	ready          []func(Ready)
	channelUpdated []func(ChannelUpdated)
	userJoined     []func(UserJoined)
	userParted     []func(UserParted)
	chat           []func(Chat)
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

func (b *Bus) OnOpened(fn func(Opened)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, fn)
}

func (b *Bus) OnClosed(fn func(Closed)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, fn)
}

func (b *Bus) OnReady(fn func(Ready)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = append(b.ready, fn)
}

func (b *Bus) OnChannelUpdated(fn func(ChannelUpdated)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelUpdated = append(b.channelUpdated, fn)
}

func (b *Bus) OnUserJoined(fn func(UserJoined)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userJoined = append(b.userJoined, fn)
}

func (b *Bus) OnUserParted(fn func(UserParted)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userParted = append(b.userParted, fn)
}

func (b *Bus) OnChat(fn func(Chat)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chat = append(b.chat, fn)
}

func (b *Bus) PublishOpened(e Opened) {
	b.mu.RLock()
	subs := b.opened
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (b *Bus) PublishClosed(e Closed) {
	b.mu.RLock()
	subs := b.closed
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (b *Bus) PublishReady(e Ready) {
	b.mu.RLock()
	subs := b.ready
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (b *Bus) PublishChannelUpdated(e ChannelUpdated) {
	b.mu.RLock()
	subs := b.channelUpdated
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (b *Bus) PublishUserJoined(e UserJoined) {
	b.mu.RLock()
	subs := b.userJoined
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (b *Bus) PublishUserParted(e UserParted) {
	b.mu.RLock()
	subs := b.userParted
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (b *Bus) PublishChat(e Chat) {
	b.mu.RLock()
	subs := b.chat
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
