package session

// State is the lifecycle state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Idling
	Reconnecting
	GaveUp
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Idling:       "idling",
	Reconnecting: "reconnecting",
	GaveUp:       "gave-up",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
