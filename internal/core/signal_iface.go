package core

import "context"

// Payload is a raw message body carried by the signaling bus.
type Payload []byte

// MessageHandler receives every message whose topic matches the filter it
// was registered for. topic is the concrete topic of the message.
type MessageHandler func(topic string, payload Payload)

// Event is a lifecycle notification of the signaling transport.
type Event string

const (
	EventConnect    Event = "connect"
	EventReconnect  Event = "reconnect"
	EventDisconnect Event = "disconnect"
	EventError      Event = "error"
)

// EventHandler is called with the cause for disconnect/error events and nil
// otherwise.
type EventHandler func(err error)

// SignalingTransport abstracts the pub/sub broker used as a signaling side
// channel. One instance owns exactly one broker connection.
type SignalingTransport interface {
	// Connect opens a durable session. A non-empty lastWillTopic registers
	// a retained "offline" message the broker publishes on unclean loss.
	Connect(ctx context.Context, lastWillTopic string) error
	Connected() bool
	// Publish is fire-and-forget; it fails only when not connected.
	Publish(topic string, payload Payload, retain bool) error
	// Subscribe registers h for topic (wildcards allowed). The returned
	// function removes it and may be called any number of times.
	Subscribe(topic string, h MessageHandler) (unsubscribe func(), err error)
	// On registers a lifecycle listener and returns its remover.
	On(ev Event, h EventHandler) (off func())
	// Disconnect publishes "offline" on the last-will topic if still
	// connected, then ends the connection.
	Disconnect()
}

// TransportFactory builds a fresh transport per session.
type TransportFactory func(clientID string) SignalingTransport
