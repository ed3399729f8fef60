package mqtt

import (
	"context"
	"sync"

	"github.com/dkeye/deskrtc/internal/core"
	"github.com/dkeye/deskrtc/internal/domain"
)

// Message is one publish seen by a MemoryBroker.
type Message struct {
	From    string
	Topic   string
	Payload core.Payload
	Retain  bool
}

// MemoryBroker is an in-process broker with retained messages and last
// will delivery. Handlers run synchronously on the publisher's goroutine.
type MemoryBroker struct {
	mu          sync.Mutex
	retained    map[string]core.Payload
	clients     map[*MemoryClient]struct{}
	log         []Message
	rejectCreds bool
	unreachable bool
	observers   *router
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		retained:  make(map[string]core.Payload),
		clients:   make(map[*MemoryClient]struct{}),
		observers: newRouter(nil, nil),
	}
}

// Factory builds MemoryClients attached to b.
func (b *MemoryBroker) Factory() core.TransportFactory {
	return func(clientID string) core.SignalingTransport {
		return b.Client(clientID)
	}
}

func (b *MemoryBroker) Client(clientID string) *MemoryClient {
	c := &MemoryClient{broker: b, id: clientID, events: newEventBus()}
	c.router = newRouter(c.deliverRetained, nil)
	return c
}

// RejectCredentials makes every following Connect fail authentication.
func (b *MemoryBroker) RejectCredentials(reject bool) {
	b.mu.Lock()
	b.rejectCreds = reject
	b.mu.Unlock()
}

// SetUnreachable makes every following Connect fail with a SignalingError.
func (b *MemoryBroker) SetUnreachable(down bool) {
	b.mu.Lock()
	b.unreachable = down
	b.mu.Unlock()
}

// Publish injects a message as if sent by another broker client.
func (b *MemoryBroker) Publish(topic string, payload core.Payload, retain bool) {
	b.route(Message{From: "broker", Topic: topic, Payload: payload, Retain: retain})
}

// Observe registers a broker side handler that sees every publish.
func (b *MemoryBroker) Observe(filter string, h core.MessageHandler) func() {
	off, _ := b.observers.add(filter, h)
	return off
}

func (b *MemoryBroker) Retained(topic string) (core.Payload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// Messages returns every publish on topic in order.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.log {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Drop severs c uncleanly: its will is published and it sees a
// disconnect event.
func (b *MemoryBroker) Drop(c *MemoryClient) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	will := c.willTopic
	c.mu.Unlock()

	if will != "" {
		b.route(Message{From: c.id, Topic: will, Payload: core.Payload(domain.StatusOffline), Retain: true})
	}
	c.events.emit(core.EventDisconnect, core.ErrNotConnected)
}

// Restore reconnects a dropped client and fires its reconnect event.
func (b *MemoryBroker) Restore(c *MemoryClient) {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.mu.Unlock()
	c.events.emit(core.EventReconnect, nil)
}

func (b *MemoryBroker) route(m Message) {
	b.mu.Lock()
	b.log = append(b.log, m)
	if m.Retain {
		if len(m.Payload) == 0 {
			delete(b.retained, m.Topic)
		} else {
			b.retained[m.Topic] = m.Payload
		}
	}
	clients := make([]*MemoryClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	b.observers.dispatch(m.Topic, m.Payload)
	for _, c := range clients {
		if c.Connected() {
			c.router.dispatch(m.Topic, m.Payload)
		}
	}
}

// MemoryClient is a SignalingTransport attached to a MemoryBroker.
type MemoryClient struct {
	broker *MemoryBroker
	id     string
	router *router
	events *eventBus

	mu        sync.Mutex
	connected bool
	closed    bool
	willTopic string
}

var _ core.SignalingTransport = (*MemoryClient)(nil)

func (c *MemoryClient) ID() string { return c.id }

func (c *MemoryClient) Connect(ctx context.Context, lastWillTopic string) error {
	if err := ctx.Err(); err != nil {
		return &core.SignalingError{Op: "connect", Err: err}
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &core.SignalingError{Op: "connect", Err: core.ErrClosed}
	}
	b := c.broker
	b.mu.Lock()
	reject, down := b.rejectCreds, b.unreachable
	b.mu.Unlock()
	if reject {
		c.events.emit(core.EventError, core.ErrNotConnected)
		return &core.AuthenticationError{}
	}
	if down {
		c.events.emit(core.EventError, core.ErrNotConnected)
		return &core.SignalingError{Op: "connect", Err: core.ErrNotConnected}
	}

	c.mu.Lock()
	c.connected = true
	c.willTopic = lastWillTopic
	c.mu.Unlock()

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	c.events.emit(core.EventConnect, nil)
	return nil
}

func (c *MemoryClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MemoryClient) Publish(topic string, payload core.Payload, retain bool) error {
	if !c.Connected() {
		return &core.SignalingError{Op: "publish", Err: core.ErrNotConnected}
	}
	c.broker.route(Message{From: c.id, Topic: topic, Payload: payload, Retain: retain})
	return nil
}

func (c *MemoryClient) Subscribe(topic string, h core.MessageHandler) (func(), error) {
	if !c.Connected() {
		return nil, &core.SignalingError{Op: "subscribe", Err: core.ErrNotConnected}
	}
	return c.router.add(topic, h)
}

func (c *MemoryClient) On(ev core.Event, h core.EventHandler) func() {
	return c.events.on(ev, h)
}

func (c *MemoryClient) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasConnected := c.connected
	will := c.willTopic
	c.mu.Unlock()

	if wasConnected && will != "" {
		_ = c.Publish(will, core.Payload(domain.StatusOffline), true)
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.broker.mu.Lock()
	delete(c.broker.clients, c)
	c.broker.mu.Unlock()
}

// deliverRetained runs when the first handler for filter is added; the
// broker then replays matching retained messages to that filter only.
func (c *MemoryClient) deliverRetained(filter string) error {
	c.broker.mu.Lock()
	var hits []Message
	for topic, p := range c.broker.retained {
		if MatchTopic(filter, topic) {
			hits = append(hits, Message{Topic: topic, Payload: p, Retain: true})
		}
	}
	c.broker.mu.Unlock()

	if len(hits) == 0 {
		return nil
	}
	for _, m := range hits {
		c.router.dispatchFilter(filter, m.Topic, m.Payload)
	}
	return nil
}
