package conn

// State is where the manager is in its connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	ConnectedNotJoined
	Joined
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ConnectedNotJoined:
		return "connected"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// Open reports whether a transport is established.
func (s State) Open() bool {
	return s == ConnectedNotJoined || s == Joined
}
