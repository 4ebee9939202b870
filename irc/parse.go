package irc

import (
	"regexp"
	"strings"
)

// commandPattern matches the only two legal command shapes: a three digit
// numeric reply or an uppercase verb.
var commandPattern = regexp.MustCompile(`^(\d{3}|[A-Z]+)$`)

// Parse parses one line (CRLF already stripped) into a Message. The second
// return value is false for lines that do not match the grammar; callers are
// expected to skip those rather than treat them as protocol violations,
// since the servers interleave keepalive noise with real frames.
func Parse(line string) (*Message, bool) {
	rest := strings.TrimRight(line, "\r\n")
	if rest == "" {
		return nil, false
	}
	m := &Message{}

	if strings.HasPrefix(rest, "@") {
		block, after, found := strings.Cut(rest[1:], " ")
		if !found {
			return nil, false
		}
		m.Tags = parseTags(block)
		rest = after
	}

	if strings.HasPrefix(rest, ":") {
		prefix, after, found := strings.Cut(rest[1:], " ")
		if !found {
			return nil, false
		}
		if nick, hostPart, ok := strings.Cut(prefix, "!"); ok {
			user, host, ok := strings.Cut(hostPart, "@")
			if !ok {
				return nil, false
			}
			m.Nick, m.User, m.Host = nick, user, host
		} else {
			m.Host = prefix
		}
		rest = after
	}

	head, params, hasParams := strings.Cut(rest, " :")
	if hasParams {
		m.Params = params
	}
	cmd, middle, _ := strings.Cut(strings.TrimSpace(head), " ")
	if !commandPattern.MatchString(cmd) {
		return nil, false
	}
	m.Command = cmd
	m.Middle = strings.TrimSpace(middle)
	// TMI emits "NOTICE *" when the notice is not scoped to a channel; the
	// asterisk marks the absence of a middle, not content.
	if m.Command == "NOTICE" && m.Middle == "*" {
		m.Middle = ""
	}
	return m, true
}

// ParseBatch splits a receive buffer on CRLF and parses each non-blank line
// independently. Lines that do not match the grammar are dropped; the count
// of dropped lines is returned for accounting.
func ParseBatch(data []byte) ([]*Message, int) {
	var (
		msgs    []*Message
		dropped int
	)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		m, ok := Parse(line)
		if !ok {
			dropped++
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, dropped
}

// parseTags splits the tag block on ';' and each entry on the first '='.
// An entry without '=' or with an empty name is dropped; an empty value
// keeps the key.
func parseTags(block string) map[string]string {
	tags := make(map[string]string)
	for _, entry := range strings.Split(block, ";") {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			continue
		}
		tags[k] = v
	}
	return tags
}
