// Package state is the authoritative in-memory repository of channels,
// users and messages, updated from classified protocol frames. All
// protocol-path writes are upserts; entities are only ever mutated through
// store operations.
package state

import "time"

// GlobalUser is a service-wide account, keyed by the numeric identifier the
// service assigns. The login name is derived by lowercasing the display name
// when the entity is sourced from chat tags.
type GlobalUser struct {
	ID          int64
	DisplayName string
	Login       string
	Color       string
	BadgeInfo   string
	EmoteSets   []string
}

// Channel is a chat room. The numeric room id is unknown until the first
// ROOMSTATE frame for the room arrives; the canonical name (lowercased,
// without '#') is the primary key until then and remains the lookup handle.
type Channel struct {
	ID   int64
	Name string

	EmoteOnly       bool
	FollowersOnly   bool
	SubscribersOnly bool
	UniqueChat      bool
	Rituals         bool
	SlowMode        bool

	// Users is the channel membership, keyed by login name.
	Users map[string]*ChannelUser
}

// ChannelUser is the channel-scoped view of a GlobalUser. It cannot exist
// without a backing GlobalUser.
type ChannelUser struct {
	Moderator        bool
	Subscriber       bool
	Turbo            bool
	FirstMessage     bool
	ReturningChatter bool
	Badges           []string
	UserType         string

	User    *GlobalUser
	Channel *Channel
}

// ChatMessage is one chat line. Messages are facts: immutable once created,
// only ever inserted. The identifier is the opaque UUID string the service
// assigns (deliberately not parsed as a number).
type ChatMessage struct {
	ID      string
	SentAt  time.Time
	Text    string
	Author  *ChannelUser
	Channel *Channel
}
