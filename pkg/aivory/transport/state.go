// state.go defines the connection state machine of the transport.

package transport

// State is the lifecycle state of the collector connection.
// The intended transitions:
//
//	disconnected -> connecting | closing
//	connecting   -> registered | disconnected | closing
//	registered   -> disconnected | closing
//	closing      -> (terminal)
//
// Only the transport's background loop moves between states; Close is the
// single external request, and it can only enter closing.
type State int32

const (
	Disconnected State = iota
	Connecting
	Registered
	Closing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// acceptsRecords reports whether Write enqueues records in this state.
// Records written while the dial or handshake is in progress are sent once
// the connection is registered.
func (s State) acceptsRecords() bool {
	return s == Connecting || s == Registered
}

func allowedTransition(cur, next State) bool {
	switch cur {
	case Disconnected:
		return next == Connecting || next == Closing
	case Connecting:
		return next == Registered || next == Disconnected || next == Closing
	case Registered:
		return next == Disconnected || next == Closing
	default:
		return false
	}
}
