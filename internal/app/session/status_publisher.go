package session

import (
	"github.com/rs/zerolog"

	"github.com/dkeye/deskrtc/internal/core"
	"github.com/dkeye/deskrtc/internal/domain"
	"github.com/dkeye/deskrtc/internal/metrics"
)

// StatusPublisher writes the retained status of one session.
type StatusPublisher struct {
	transport core.SignalingTransport
	topic     string
	logger    zerolog.Logger
}

func NewStatusPublisher(t core.SignalingTransport, topic string, logger zerolog.Logger) *StatusPublisher {
	return &StatusPublisher{transport: t, topic: topic, logger: logger}
}

func (p *StatusPublisher) Topic() string { return p.topic }

// Publish announces a status change. Nothing is sent while the transport
// is down; the reconnect path republishes.
func (p *StatusPublisher) Publish(s domain.Status) {
	p.publish(s, "change")
}

// Republish re-asserts s after a transport reconnect.
func (p *StatusPublisher) Republish(s domain.Status) {
	p.publish(s, "reconnect")
}

func (p *StatusPublisher) publish(s domain.Status, reason string) {
	if !p.transport.Connected() {
		p.logger.Debug().Str("status", s.String()).Msg("transport down, status not published")
		return
	}
	if err := p.transport.Publish(p.topic, core.Payload(s), true); err != nil {
		p.logger.Warn().Err(err).Str("status", s.String()).Msg("status publish failed")
		return
	}
	metrics.StatusPublishesTotal.WithLabelValues(reason).Inc()
	p.logger.Debug().Str("status", s.String()).Str("reason", reason).Msg("status published")
}
