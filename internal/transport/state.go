package transport

// State is one step of the session lifecycle. A session walks
// Idle -> Connecting -> Handshaking -> Negotiating -> Ready -> Closing ->
// Closed; Faulted is reachable from Connecting through Ready on any I/O
// or protocol error. Closed is terminal; reopening takes a new Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateNegotiating
	StateReady
	StateClosing
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	}
	return "invalid"
}
