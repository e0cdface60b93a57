package session

// State represents the connection state of a session.
type State uint8

const (
	// StateIdle means the session is not connected and not trying to connect.
	StateIdle State = iota

	// StateConnecting means a connection attempt is in progress.
	StateConnecting

	// StateConnected means the session has an active broker connection.
	StateConnected

	// StateBackingOff means the last attempt failed and the session is
	// waiting out the backoff delay before retrying.
	StateBackingOff
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBackingOff:
		return "BACKING_OFF"
	default:
		return "UNKNOWN"
	}
}
