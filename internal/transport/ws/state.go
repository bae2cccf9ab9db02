package ws

// State describes the connection lifecycle. It is transient and owned solely
// by Conn; it is never persisted.
type State int

const (
	// StateDisconnected means no socket is open and no attempt is running.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is open and authenticated.
	StateConnected
	// StateReconnecting means a dial retry is scheduled after a drop.
	StateReconnecting
	// StateError is terminal: the bounded retry budget is exhausted and no
	// further automatic attempts will be made.
	StateError
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
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is one connection-state notification.
type Status struct {
	State    State
	Attempts int
	Reason   string
}
