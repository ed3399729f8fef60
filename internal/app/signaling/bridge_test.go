package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/deskrtc/internal/adapters/mqtt"
	"github.com/dkeye/deskrtc/internal/core"
)

func connectedClient(t *testing.T, b *mqtt.MemoryBroker, id string) *mqtt.MemoryClient {
	t.Helper()
	c := b.Client(id)
	require.NoError(t, c.Connect(context.Background(), ""))
	t.Cleanup(c.Disconnect)
	return c
}

func TestBridgeRequestPublishesAndReturnsReply(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	c := connectedClient(t, b, "user:test")

	off := b.Observe("req/offer", func(_ string, p core.Payload) {
		b.Publish("req/answer", append(core.Payload("re:"), p...), false)
	})
	defer off()

	got, err := NewBridge(c).Request(context.Background(), Request{
		Topic:         "req/offer",
		Payload:       core.Payload("hello"),
		ResponseTopic: "req/answer",
		Timeout:       time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "re:hello", string(got))
}

func TestBridgeRequestTimesOutWithResponseTopic(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	c := connectedClient(t, b, "user:test")

	_, err := NewBridge(c).Request(context.Background(), Request{
		Topic:         "req/offer",
		Payload:       core.Payload("hello"),
		ResponseTopic: "req/answer",
		Timeout:       20 * time.Millisecond,
	})

	var te *core.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "req/answer", te.Topic)
	assert.True(t, IsTimeout(err))
}

func TestBridgeRequestSkipsPublishWithoutPayload(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	c := connectedClient(t, b, "user:test")

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Publish("cfg", core.Payload("late"), false)
	}()

	got, err := NewBridge(c).Request(context.Background(), Request{
		Topic:         "req/offer",
		ResponseTopic: "cfg",
		Timeout:       time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))
	assert.Empty(t, b.Messages("req/offer"))
}

func TestBridgeRequestReceivesRetained(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	b.Publish("cfg", core.Payload("kept"), true)
	c := connectedClient(t, b, "user:test")

	got, err := NewBridge(c).Request(context.Background(), Request{ResponseTopic: "cfg", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
}

func TestBridgeRequestHonoursContext(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	c := connectedClient(t, b, "user:test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBridge(c).Request(ctx, Request{ResponseTopic: "never"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBridgeRequestNotConnected(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	c := b.Client("user:test")

	_, err := NewBridge(c).Request(context.Background(), Request{ResponseTopic: "x", Timeout: time.Second})
	var se *core.SignalingError
	assert.True(t, errors.As(err, &se))
}

// countingTransport records subscribe/unsubscribe pairs.
type countingTransport struct {
	core.SignalingTransport
	mu     sync.Mutex
	subs   int
	unsubs int
}

func (t *countingTransport) Subscribe(topic string, h core.MessageHandler) (func(), error) {
	off, err := t.SignalingTransport.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.subs++
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.unsubs++
		t.mu.Unlock()
		off()
	}, nil
}

func TestBridgeRequestAlwaysUnsubscribes(t *testing.T) {
	b := mqtt.NewMemoryBroker()
	ct := &countingTransport{SignalingTransport: connectedClient(t, b, "user:test")}
	bridge := NewBridge(ct)

	b.Publish("ok", core.Payload("1"), true)

	var wg sync.WaitGroup
	for _, topic := range []string{"ok", "missing-a", "missing-b"} {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			_, _ = bridge.Request(context.Background(), Request{ResponseTopic: topic, Timeout: 20 * time.Millisecond})
		}(topic)
	}
	wg.Wait()

	ct.mu.Lock()
	defer ct.mu.Unlock()
	assert.Equal(t, 3, ct.subs)
	assert.Equal(t, 3, ct.unsubs)
}
