package conn

import (
	"errors"
	"fmt"

	"github.com/gastownhall/livechat/internal/protocol"
)

// ErrNotConnected is wrapped by SendError when no channel is open.
var ErrNotConnected = errors.New("channel not connected")

// ConnectionError describes a failed or lost connection. The Manager absorbs
// these and retries; they only surface through logs and state.
type ConnectionError struct {
	URL string
	Op  string // dial, timeout, read
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports a frame that could not be written to the channel.
type SendError struct {
	Type protocol.Type
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Type, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
