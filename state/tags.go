package state

import (
	"fmt"
	"strconv"
	"strings"
)

// MissingTagError reports a tag that the message's command guarantees by
// protocol contract but that was absent. Silently defaulting such a field
// would hide a protocol or version mismatch, so the update fails fast.
type MissingTagError struct {
	Tag     string
	Command string
}

func (e *MissingTagError) Error() string {
	return fmt.Sprintf("%s frame is missing mandatory tag %q", e.Command, e.Tag)
}

func requireTag(tags map[string]string, name, command string) (string, error) {
	v, ok := tags[name]
	if !ok {
		return "", &MissingTagError{Tag: name, Command: command}
	}
	return v, nil
}

func requireIntTag(tags map[string]string, name, command string) (int64, error) {
	v, err := requireTag(tags, name, command)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s tag %q is not numeric: %w", command, name, err)
	}
	return n, nil
}

// tagBool interprets the 0/1 convention used by the boolean vendor tags.
func tagBool(v string) bool { return v == "1" }

// splitList splits a comma-separated tag value, dropping empty entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
