package channels

import "fmt"

// State is the connection state of a Link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisabled:
		return "DISABLED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// transitions lists the legal successors of each state. DISABLED has none.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateDisabled},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected, StateDisabled},
	StateConnected:    {StateReconnecting, StateDisconnected, StateDisabled},
	StateReconnecting: {StateConnected, StateDisconnected, StateDisabled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError is returned for a move the state machine forbids.
type IllegalTransitionError struct {
	Channel  string
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("channel %s: illegal transition %s -> %s", e.Channel, e.From, e.To)
}
