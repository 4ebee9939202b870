// Package irc implements the line-oriented message grammar spoken by the
// Twitch chat (TMI) servers: IRC with the v3 tag extension and a couple of
// vendor quirks. The codec is stateless; parsing and serialization are exact
// inverses except for the documented NOTICE canonicalization.
package irc

import (
	"sort"
	"strings"
)

// Message is a single protocol frame. Command is the only mandatory field.
// Nick/User/Host form the optional prefix: all three are set for a full user
// prefix, Host alone for a system message, none for a prefixless frame.
// Middle is the target segment between the command and the trailing
// parameters; for most commands it is a single token (a channel name), for
// numeric replies it may carry several space-separated tokens.
type Message struct {
	Tags    map[string]string
	Nick    string
	User    string
	Host    string
	Command string
	Middle  string
	Params  string
}

// SystemMessage reports whether the frame originated from the service itself
// rather than a user: no prefix at all, or a bare host prefix.
func (m *Message) SystemMessage() bool {
	return m.Nick == "" && m.User == ""
}

// Tag returns the value of a tag and whether it was present on the frame.
func (m *Message) Tag(name string) (string, bool) {
	v, ok := m.Tags[name]
	return v, ok
}

// String serializes the frame back to wire form (without CRLF).
// The tag block is emitted only when the tag map is non-empty, the prefix
// only when Host is set, and the trailing parameters only when present.
// A NOTICE without an explicit middle is emitted as "NOTICE *", matching the
// historical server form.
func (m *Message) String() string {
	var b strings.Builder
	if len(m.Tags) > 0 {
		keys := make([]string, 0, len(m.Tags))
		for k := range m.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('@')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(m.Tags[k])
		}
		b.WriteByte(' ')
	}
	if m.Host != "" {
		b.WriteByte(':')
		if m.Nick != "" {
			b.WriteString(m.Nick)
			b.WriteByte('!')
			b.WriteString(m.User)
			b.WriteByte('@')
		}
		b.WriteString(m.Host)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)
	switch {
	case m.Middle != "":
		b.WriteByte(' ')
		b.WriteString(m.Middle)
	case m.Command == "NOTICE":
		b.WriteString(" *")
	}
	if m.Params != "" {
		b.WriteString(" :")
		b.WriteString(m.Params)
	}
	return b.String()
}
