// Package mqtt implements the signaling transport on an MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/deskrtc/internal/core"
	"github.com/dkeye/deskrtc/internal/domain"
)

var _ core.SignalingTransport = (*Client)(nil)

type Options struct {
	BrokerURL          string
	Username           string
	Password           string
	ClientID           string
	QoS                byte
	ConnectTimeout     time.Duration
	KeepAlive          time.Duration
	InsecureSkipVerify bool
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.QoS > 2 {
		o.QoS = 1
	}
	return o
}

// NewClientID mirrors the id scheme the desktops expect from users.
func NewClientID() string {
	return "user:" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Client is a paho backed signaling transport with local handler routing.
type Client struct {
	opts   Options
	router *router
	events *eventBus
	logger zerolog.Logger

	mu        sync.Mutex
	cli       paho.Client
	willTopic string

	connectedOnce atomic.Bool
	closed        atomic.Bool
}

func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	if opts.ClientID == "" {
		opts.ClientID = NewClientID()
	}
	c := &Client{
		opts:   opts,
		events: newEventBus(),
		logger: log.With().Str("module", "adapters.mqtt").Str("client_id", opts.ClientID).Logger(),
	}
	c.router = newRouter(c.brokerSubscribe, c.brokerUnsubscribe)
	return c
}

// Factory returns a TransportFactory that shares opts but gives every
// session its own client id unless one is configured.
func Factory(opts Options) core.TransportFactory {
	return func(clientID string) core.SignalingTransport {
		o := opts
		if o.ClientID == "" {
			o.ClientID = clientID
		}
		return NewClient(o)
	}
}

func (c *Client) Connect(ctx context.Context, lastWillTopic string) error {
	if c.closed.Load() {
		return &core.SignalingError{Op: "connect", Err: core.ErrClosed}
	}
	po := paho.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID(c.opts.ClientID).
		SetUsername(c.opts.Username).
		SetPassword(c.opts.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetResumeSubs(true).
		SetMaxReconnectInterval(15 * time.Second).
		SetKeepAlive(c.opts.KeepAlive).
		SetPingTimeout(5 * time.Second).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetWriteTimeout(5 * time.Second).
		SetOrderMatters(true).
		SetProtocolVersion(4).
		SetDefaultPublishHandler(c.onMessage)

	if lastWillTopic != "" {
		po.SetBinaryWill(lastWillTopic, []byte(domain.StatusOffline), 1, true)
	}
	if strings.HasPrefix(c.opts.BrokerURL, "wss://") || strings.HasPrefix(c.opts.BrokerURL, "ssl://") ||
		strings.HasPrefix(c.opts.BrokerURL, "tls://") || strings.HasPrefix(c.opts.BrokerURL, "mqtts://") {
		po.SetTLSConfig(&tls.Config{InsecureSkipVerify: c.opts.InsecureSkipVerify})
	}
	if strings.HasPrefix(c.opts.BrokerURL, "ws://") || strings.HasPrefix(c.opts.BrokerURL, "wss://") {
		po.SetWebsocketOptions(&paho.WebsocketOptions{ReadBufferSize: 8192, WriteBufferSize: 8192})
	}

	po.OnConnect = func(paho.Client) {
		if c.connectedOnce.Swap(true) {
			c.logger.Info().Msg("reconnected")
			c.events.emit(core.EventReconnect, nil)
			return
		}
		c.logger.Info().Msg("connected")
		c.events.emit(core.EventConnect, nil)
	}
	po.OnConnectionLost = func(_ paho.Client, err error) {
		c.logger.Warn().Err(err).Msg("connection lost")
		c.events.emit(core.EventDisconnect, err)
	}
	po.OnReconnecting = func(paho.Client, *paho.ClientOptions) {
		c.logger.Info().Msg("reconnecting")
	}

	cli := paho.NewClient(po)
	c.mu.Lock()
	c.cli = cli
	c.willTopic = lastWillTopic
	c.mu.Unlock()

	c.logger.Info().Str("broker", c.opts.BrokerURL).Str("username", c.opts.Username).Msg("connecting")
	tok := cli.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		cli.Disconnect(0)
		return &core.SignalingError{Op: "connect", Err: ctx.Err()}
	}
	if err := tok.Error(); err != nil {
		c.logger.Error().Err(err).Msg("connection error")
		c.events.emit(core.EventError, err)
		return classifyConnectError(err)
	}
	return nil
}

func classifyConnectError(err error) error {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return &core.AuthenticationError{Err: err}
	}
	return &core.SignalingError{Op: "connect", Err: err}
}

func (c *Client) client() paho.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cli
}

func (c *Client) Connected() bool {
	cli := c.client()
	return cli != nil && cli.IsConnectionOpen()
}

func (c *Client) Publish(topic string, payload core.Payload, retain bool) error {
	cli := c.client()
	if cli == nil || !cli.IsConnectionOpen() {
		return &core.SignalingError{Op: "publish", Err: core.ErrNotConnected}
	}
	c.logger.Debug().Str("topic", topic).Bool("retain", retain).Str("payload", string(payload)).Msg("packetsend")
	tok := cli.Publish(topic, c.opts.QoS, retain, []byte(payload))
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.logger.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
	return nil
}

func (c *Client) Subscribe(topic string, h core.MessageHandler) (func(), error) {
	if c.client() == nil {
		return nil, &core.SignalingError{Op: "subscribe", Err: core.ErrNotConnected}
	}
	return c.router.add(topic, h)
}

func (c *Client) On(ev core.Event, h core.EventHandler) func() {
	return c.events.on(ev, h)
}

func (c *Client) Disconnect() {
	if c.closed.Swap(true) {
		return
	}
	cli := c.client()
	if cli == nil {
		return
	}
	c.mu.Lock()
	will := c.willTopic
	c.mu.Unlock()
	if cli.IsConnectionOpen() && will != "" {
		tok := cli.Publish(will, 1, true, []byte(domain.StatusOffline))
		if !tok.WaitTimeout(time.Second) {
			c.logger.Warn().Str("topic", will).Msg("offline publish not acknowledged")
		}
	}
	cli.Disconnect(250)
	c.logger.Info().Msg("disconnected")
}

func (c *Client) brokerSubscribe(filter string) error {
	cli := c.client()
	if cli == nil {
		return &core.SignalingError{Op: "subscribe", Err: core.ErrNotConnected}
	}
	tok := cli.Subscribe(filter, c.opts.QoS, nil)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		return &core.SignalingError{Op: "subscribe", Err: fmt.Errorf("no suback for %s", filter)}
	}
	if err := tok.Error(); err != nil {
		return &core.SignalingError{Op: "subscribe", Err: err}
	}
	c.logger.Debug().Str("topic", filter).Msg("subscribed")
	return nil
}

func (c *Client) brokerUnsubscribe(filter string) {
	cli := c.client()
	if cli == nil || !cli.IsConnectionOpen() {
		return
	}
	cli.Unsubscribe(filter)
	c.logger.Debug().Str("topic", filter).Msg("unsubscribed")
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Bool("retained", msg.Retained()).Str("payload", string(msg.Payload())).Msg("packetreceive")
	if c.router.dispatch(msg.Topic(), msg.Payload()) == 0 {
		c.logger.Debug().Str("topic", msg.Topic()).Msg("no handler for message")
	}
}
