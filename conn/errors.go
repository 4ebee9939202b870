package conn

import (
	"errors"
	"fmt"
)

// ErrCorrelation reports abuse of the tracked-send queue: more outstanding
// correlated sends than the configured limit. This is a caller-discipline
// bug and fails loudly rather than silently queueing forever.
var ErrCorrelation = errors.New("too many outstanding tracked sends")

// ErrClosed is returned to correlation waiters when the connection is torn
// down before their response arrives.
var ErrClosed = errors.New("connection closed")

// ProtocolViolationError indicates the inbound stream can no longer be
// trusted (unexpected origin host, malformed handshake). It is fatal to the
// connection.
type ProtocolViolationError struct {
	Reason string
	Frame  string
}

func (e *ProtocolViolationError) Error() string {
	if e.Frame == "" {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation: %s (frame %q)", e.Reason, e.Frame)
}
