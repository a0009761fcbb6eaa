package session

// State is the lifecycle phase of one channel session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateCoolingOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateCoolingOff:
		return "cooling_off"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}
