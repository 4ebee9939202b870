package state

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store owns the four entity collections. It is safe for the single
// receive-loop writer plus concurrent external-lookup inserts and readers:
// every method takes the internal lock, and callers must not mutate returned
// entities outside store operations.
type Store struct {
	mu             sync.RWMutex
	users          map[int64]*GlobalUser
	channelsByName map[string]*Channel
	channelsByID   map[int64]*Channel
	messages       []*ChatMessage
	messagesByID   map[string]*ChatMessage
}

// NewStore returns an empty store. Each connection owns its own store; there
// is deliberately no package-level instance.
func NewStore() *Store {
	return &Store{
		users:          make(map[int64]*GlobalUser),
		channelsByName: make(map[string]*Channel),
		channelsByID:   make(map[int64]*Channel),
		messagesByID:   make(map[string]*ChatMessage),
	}
}

// UpsertGlobalUserFromTags creates or refreshes a GlobalUser from a tag set
// that carries user-id and display-name (GLOBALUSERSTATE, PRIVMSG).
func (s *Store) UpsertGlobalUserFromTags(tags map[string]string, command string) (*GlobalUser, error) {
	id, err := requireIntTag(tags, "user-id", command)
	if err != nil {
		return nil, err
	}
	display, err := requireTag(tags, "display-name", command)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = &GlobalUser{ID: id}
		s.users[id] = u
	}
	u.DisplayName = display
	u.Login = strings.ToLower(display)
	if v, ok := tags["color"]; ok {
		u.Color = v
	}
	if v, ok := tags["badge-info"]; ok {
		u.BadgeInfo = v
	}
	if v, ok := tags["emote-sets"]; ok {
		u.EmoteSets = splitList(v)
	}
	return u, nil
}

// InsertUser records a user sourced from an external lookup (the REST API
// fallback). If the id is already known, a lookup raced a protocol upsert;
// the existing entity is refreshed rather than duplicated.
func (s *Store) InsertUser(id int64, login, displayName string) *GlobalUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = &GlobalUser{ID: id}
		s.users[id] = u
	}
	u.Login = strings.ToLower(login)
	if displayName != "" {
		u.DisplayName = displayName
	} else if u.DisplayName == "" {
		u.DisplayName = login
	}
	return u
}

// EnsureChannel returns the channel with the given name, creating it if this
// is the first frame referencing the room. Channels are never deleted while
// the process runs.
func (s *Store) EnsureChannel(name string) *Channel {
	name = CanonicalChannel(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureChannelLocked(name)
}

func (s *Store) ensureChannelLocked(name string) *Channel {
	ch, ok := s.channelsByName[name]
	if !ok {
		ch = &Channel{Name: name, Users: make(map[string]*ChannelUser)}
		s.channelsByName[name] = ch
	}
	return ch
}

// UpsertChannelFromTags creates or refreshes a channel from a ROOMSTATE tag
// set. The numeric room id is learned when the room-id tag is present; mode
// flags are updated only when their tag is present.
func (s *Store) UpsertChannelFromTags(name string, tags map[string]string, command string) (*Channel, error) {
	var id int64
	if _, ok := tags["room-id"]; ok {
		var err error
		id, err = requireIntTag(tags, "room-id", command)
		if err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannelLocked(CanonicalChannel(name))
	if id != 0 {
		ch.ID = id
		s.channelsByID[id] = ch
	}
	if v, ok := tags["emote-only"]; ok {
		ch.EmoteOnly = tagBool(v)
	}
	if v, ok := tags["followers-only"]; ok {
		// -1 disables followers-only; any non-negative value enables it.
		ch.FollowersOnly = v != "-1" && v != ""
	}
	if v, ok := tags["subs-only"]; ok {
		ch.SubscribersOnly = tagBool(v)
	}
	if v, ok := tags["r9k"]; ok {
		ch.UniqueChat = tagBool(v)
	}
	if v, ok := tags["rituals"]; ok {
		ch.Rituals = tagBool(v)
	}
	if v, ok := tags["slow"]; ok {
		ch.SlowMode = v != "0" && v != ""
	}
	return ch, nil
}

// UpsertChannelUserFromTags creates or refreshes the channel-scoped view of
// user within ch from a tag set carrying mod and subscriber (PRIVMSG,
// USERSTATE).
func (s *Store) UpsertChannelUserFromTags(ch *Channel, user *GlobalUser, tags map[string]string, command string) (*ChannelUser, error) {
	if user == nil {
		return nil, fmt.Errorf("%s update without a backing global user", command)
	}
	mod, err := requireTag(tags, "mod", command)
	if err != nil {
		return nil, err
	}
	sub, err := requireTag(tags, "subscriber", command)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cu, ok := ch.Users[user.Login]
	if !ok {
		cu = &ChannelUser{User: user, Channel: ch}
		ch.Users[user.Login] = cu
	}
	cu.User = user
	cu.Moderator = tagBool(mod)
	cu.Subscriber = tagBool(sub)
	if v, ok := tags["turbo"]; ok {
		cu.Turbo = tagBool(v)
	}
	if v, ok := tags["first-msg"]; ok {
		cu.FirstMessage = tagBool(v)
	}
	if v, ok := tags["returning-chatter"]; ok {
		cu.ReturningChatter = tagBool(v)
	}
	if v, ok := tags["badges"]; ok {
		cu.Badges = splitList(v)
	}
	if v, ok := tags["user-type"]; ok {
		cu.UserType = v
	}
	return cu, nil
}

// AddMember records a membership sighting that carries no tags (JOIN, names
// reply). The ChannelUser is created with zero flags if absent.
func (s *Store) AddMember(ch *Channel, user *GlobalUser) *ChannelUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	cu, ok := ch.Users[user.Login]
	if !ok {
		cu = &ChannelUser{User: user, Channel: ch}
		ch.Users[user.Login] = cu
	}
	return cu
}

// RemoveMember drops a user from the channel membership set. The GlobalUser
// remains in the store.
func (s *Store) RemoveMember(ch *Channel, login string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(ch.Users, strings.ToLower(login))
}

// InsertMessageFromTags records one chat line from a PRIVMSG tag set. The id
// and tmi-sent-ts tags are mandatory. Re-delivery of an already seen id
// returns the existing message.
func (s *Store) InsertMessageFromTags(ch *Channel, author *ChannelUser, text string, tags map[string]string, command string) (*ChatMessage, error) {
	id, err := requireTag(tags, "id", command)
	if err != nil {
		return nil, err
	}
	sentMs, err := requireIntTag(tags, "tmi-sent-ts", command)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messagesByID[id]; ok {
		return existing, nil
	}
	msg := &ChatMessage{
		ID:      id,
		SentAt:  time.UnixMilli(sentMs).UTC(),
		Text:    text,
		Author:  author,
		Channel: ch,
	}
	s.messagesByID[id] = msg
	s.messages = append(s.messages, msg)
	return msg, nil
}

// GetUserByID returns the user with the given id. Absence is a caller error,
// not a soft not-found.
func (s *Store) GetUserByID(id int64) (*GlobalUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("no user with id %d in store", id)
	}
	return u, nil
}

// FindUserByLogin returns the user with the given login name, or nil. The
// lookup is case-normalized.
func (s *Store) FindUserByLogin(login string) *GlobalUser {
	login = strings.ToLower(login)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Login == login {
			return u
		}
	}
	return nil
}

// GetChannelByID returns the channel with the given room id. Absence is a
// caller error.
func (s *Store) GetChannelByID(id int64) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channelsByID[id]
	if !ok {
		return nil, fmt.Errorf("no channel with id %d in store", id)
	}
	return ch, nil
}

// FindChannel returns the channel with the given name, or nil.
func (s *Store) FindChannel(name string) *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelsByName[CanonicalChannel(name)]
}

// Users returns a snapshot of all known global users, in no particular
// order. The user-sync job reads it to mirror the store into Postgres.
func (s *Store) Users() []*GlobalUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*GlobalUser, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// Messages returns a snapshot of all recorded chat messages in arrival order.
func (s *Store) Messages() []*ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Stats reports entity counts for the status endpoint.
func (s *Store) Stats() (users, channels, messages int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), len(s.channelsByName), len(s.messages)
}

// CanonicalChannel lowercases a channel name and strips the '#' prefix.
func CanonicalChannel(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}
