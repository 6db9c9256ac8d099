package core

import "fmt"

// SessionState is the lifecycle state of one bridged call.
type SessionState int

const (
	// StateUninitialized means the socket is accepted but no start event arrived.
	StateUninitialized SessionState = iota
	// StateActive means the room is connected, the stream SID is known and the
	// keep-alive timer is running.
	StateActive
	// StateTerminated means the room is disconnected. Absorbing; a session is
	// never reused.
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateActive:
		return "Active"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == StateTerminated
}
