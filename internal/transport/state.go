package transport

import "fmt"

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
