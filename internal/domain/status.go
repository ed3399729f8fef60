package domain

type Status string

const (
	StatusNew          Status = "new"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"

	// StatusOffline is only ever published by the broker (last will) or on
	// a clean shutdown; a live session never derives it.
	StatusOffline Status = "offline"
)

func (s Status) String() string { return string(s) }
