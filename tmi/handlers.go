package tmi

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/onnwee/tmi-engine/event"
	"github.com/onnwee/tmi-engine/irc"
	"github.com/onnwee/tmi-engine/state"
	"github.com/onnwee/tmi-engine/telemetry"
)

// yourHostPattern extracts the server identity from the 002 reply,
// e.g. "Your host is tmi.twitch.tv".
var yourHostPattern = regexp.MustCompile(`Your host is (\S+)`)

// handleMessage classifies one inbound frame. It runs on the receive loop,
// so every store mutation and event here is ordered with the stream.
// Unrecognized frames are logged and dropped, never fatal.
func (c *Client) handleMessage(m *irc.Message) {
	switch m.Command {
	case "001":
		slog.Debug("welcome", slog.String("params", m.Params))
	case "002":
		c.handleYourHost(m)
	case "003", "004":
		// Remaining registration numerics carry nothing we track.
	case "372", "375", "376":
		slog.Debug("motd", slog.String("line", m.Params))
	case "CAP":
		slog.Debug("capability frame outside negotiation", slog.String("frame", m.String()))
	case "GLOBALUSERSTATE":
		c.handleGlobalUserState(m)
	case "ROOMSTATE":
		c.handleRoomState(m)
	case "USERSTATE":
		c.handleUserState(m)
	case "353":
		c.handleNamesReply(m)
	case "366":
		slog.Debug("end of names", slog.String("middle", m.Middle))
	case "JOIN":
		c.handleJoin(m)
	case "PART":
		c.handlePart(m)
	case "PRIVMSG":
		c.handlePrivmsg(m)
	case "NOTICE":
		slog.Info("server notice", slog.String("channel", m.Middle), slog.String("text", m.Params))
	case "PONG":
		slog.Debug("pong", slog.String("params", m.Params))
	default:
		slog.Info("unhandled frame", slog.String("command", m.Command), slog.String("frame", m.String()))
	}
}

func (c *Client) handleYourHost(m *irc.Message) {
	match := yourHostPattern.FindStringSubmatch(m.Params)
	if match == nil {
		slog.Warn("your-host reply without a host", slog.String("params", m.Params))
		return
	}
	c.engine.SetExpectedHost(match[1])
	slog.Debug("expected host learned", slog.String("host", match[1]))
}

func (c *Client) handleGlobalUserState(m *irc.Message) {
	u, err := c.store.UpsertGlobalUserFromTags(m.Tags, m.Command)
	if err != nil {
		c.fatal("global user state not applicable", m, err)
		return
	}
	c.setSelf(u)
	c.bus.PublishReady(event.Ready{Self: u})
}

func (c *Client) handleRoomState(m *irc.Message) {
	if m.Middle == "" {
		c.fatal("room state without a channel target", m, nil)
		return
	}
	if m.Tags == nil {
		c.fatal("room state without tags", m, nil)
		return
	}
	ch, err := c.store.UpsertChannelFromTags(m.Middle, m.Tags, m.Command)
	if err != nil {
		c.fatal("room state not applicable", m, err)
		return
	}
	c.bus.PublishChannelUpdated(event.ChannelUpdated{Channel: ch})
}

// handleUserState updates the bot's own channel-scoped view. Failure to
// resolve the channel implies the store has desynchronized from the
// stream, which is fatal.
func (c *Client) handleUserState(m *irc.Message) {
	ch := c.store.FindChannel(m.Middle)
	if ch == nil {
		c.fatal("user state for unknown channel "+m.Middle, m, nil)
		return
	}
	self := c.Self()
	if self == nil {
		c.fatal("user state before global user state", m, nil)
		return
	}
	if _, err := c.store.UpsertChannelUserFromTags(ch, self, m.Tags, m.Command); err != nil {
		c.fatal("user state not applicable", m, err)
		return
	}
}

// handleNamesReply bulk-resolves the membership list. The channel is the
// last middle token (the reply carries our own nick and the visibility
// marker first). Unknown logins fall back to the resolver; a failed lookup
// skips that name rather than poisoning the batch.
func (c *Client) handleNamesReply(m *irc.Message) {
	fields := strings.Fields(m.Middle)
	if len(fields) == 0 {
		slog.Warn("names reply without a channel", slog.String("frame", m.String()))
		return
	}
	ch := c.store.EnsureChannel(fields[len(fields)-1])
	for _, login := range strings.Fields(m.Params) {
		u, err := c.lookupUser(login)
		if err != nil {
			slog.Warn("names reply member skipped", slog.String("login", login), slog.Any("err", err))
			continue
		}
		c.store.AddMember(ch, u)
	}
}

func (c *Client) handleJoin(m *irc.Message) {
	ch := c.store.EnsureChannel(m.Middle)
	if strings.EqualFold(m.Nick, c.cfg.Login) {
		// Our own join is confirmed by the Join operation.
		return
	}
	u, err := c.lookupUser(m.Nick)
	if err != nil {
		slog.Warn("join from unresolvable user", slog.String("login", m.Nick), slog.Any("err", err))
		return
	}
	c.store.AddMember(ch, u)
	c.bus.PublishUserJoined(event.UserJoined{Channel: ch, User: u})
}

func (c *Client) handlePart(m *irc.Message) {
	if strings.EqualFold(m.Nick, c.cfg.Login) {
		slog.Info("parted channel", slog.String("channel", m.Middle))
		return
	}
	ch := c.store.FindChannel(m.Middle)
	if ch == nil {
		slog.Debug("part for unknown channel", slog.String("channel", m.Middle))
		return
	}
	u, err := c.lookupUser(m.Nick)
	if err != nil {
		slog.Warn("part from unresolvable user", slog.String("login", m.Nick), slog.Any("err", err))
		return
	}
	c.store.RemoveMember(ch, u.Login)
	c.bus.PublishUserParted(event.UserParted{Channel: ch, User: u})
}

// handlePrivmsg records one chat line: channel and author are upserted, the
// message inserted, and the chat event raised afterwards. The author comes
// from the user-id tag when present; frames without it resolve the sending
// nick through the store or the external lookup.
func (c *Client) handlePrivmsg(m *irc.Message) {
	ch := c.store.EnsureChannel(m.Middle)
	var u *state.GlobalUser
	var err error
	if _, ok := m.Tags["user-id"]; ok {
		u, err = c.store.UpsertGlobalUserFromTags(m.Tags, m.Command)
		if err != nil {
			c.fatal("chat message author not applicable", m, err)
			return
		}
	} else {
		u, err = c.lookupUser(m.Nick)
		if err != nil {
			c.fatal("chat message author unresolvable", m, err)
			return
		}
	}
	cu, err := c.store.UpsertChannelUserFromTags(ch, u, m.Tags, m.Command)
	if err != nil {
		c.fatal("chat message author flags not applicable", m, err)
		return
	}
	msg, err := c.store.InsertMessageFromTags(ch, cu, m.Params, m.Tags, m.Command)
	if err != nil {
		c.fatal("chat message not recordable", m, err)
		return
	}
	telemetry.IncCounter(telemetry.ChatMessages)
	c.bus.PublishChat(event.Chat{Message: msg})
}
