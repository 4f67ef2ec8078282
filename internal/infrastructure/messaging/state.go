package messaging

type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateErrorDetected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateErrorDetected:
		return "error_detected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}
