package conn

import "time"

// State is the lifecycle state of the chat channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StatePermanentlyFailed:
		return "permanently-failed"
	default:
		return "unknown"
	}
}

// Indicator collapses the state into what a connectivity badge shows.
func (s State) Indicator() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConnecting, StateReconnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// Pulse is the liveness signal. Seq grows on every state transition and on
// every successfully parsed inbound frame.
type Pulse struct {
	State State
	Seq   uint64
	At    time.Time
}
