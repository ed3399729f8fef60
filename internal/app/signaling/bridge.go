// Package signaling layers one-shot request/response calls and ICE server
// discovery on top of a pub/sub signaling transport.
package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/deskrtc/internal/core"
	"github.com/dkeye/deskrtc/internal/metrics"
)

// Request describes one bridge call. With an empty Topic or a nil Payload
// nothing is published and the call only waits on ResponseTopic.
type Request struct {
	Topic         string
	Payload       core.Payload
	ResponseTopic string
	Timeout       time.Duration
}

// Bridge turns publish/subscribe into a single awaited reply.
type Bridge struct {
	Transport core.SignalingTransport
}

func NewBridge(t core.SignalingTransport) *Bridge {
	return &Bridge{Transport: t}
}

// Request publishes req (if any) and returns the first payload seen on
// req.ResponseTopic. The response subscription is active before the
// publish and is always removed before Request returns.
func (b *Bridge) Request(ctx context.Context, req Request) (core.Payload, error) {
	logger := log.With().Str("module", "bridge").Str("response_topic", req.ResponseTopic).Logger()

	resp := make(chan core.Payload, 1)
	unsubscribe, err := b.Transport.Subscribe(req.ResponseTopic, func(_ string, p core.Payload) {
		select {
		case resp <- p:
		default:
		}
	})
	if err != nil {
		metrics.BridgeRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	defer unsubscribe()

	if req.Topic != "" && req.Payload != nil {
		if err := b.Transport.Publish(req.Topic, req.Payload, false); err != nil {
			metrics.BridgeRequestsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		logger.Debug().Str("topic", req.Topic).Msg("request published")
	}

	var expired <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case p := <-resp:
		metrics.BridgeRequestsTotal.WithLabelValues("ok").Inc()
		return p, nil
	case <-expired:
		metrics.BridgeRequestsTotal.WithLabelValues("timeout").Inc()
		logger.Debug().Dur("timeout", req.Timeout).Msg("no response")
		return nil, &core.TimeoutError{Topic: req.ResponseTopic}
	case <-ctx.Done():
		metrics.BridgeRequestsTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	}
}

// IsTimeout reports whether err is, or wraps, a *core.TimeoutError.
func IsTimeout(err error) bool {
	var te *core.TimeoutError
	return errors.As(err, &te)
}
