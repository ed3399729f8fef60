package commands

import (
	"github.com/dkeye/deskrtc/internal/adapters/mqtt"
	"github.com/dkeye/deskrtc/internal/adapters/rtc"
	"github.com/dkeye/deskrtc/internal/app"
	"github.com/dkeye/deskrtc/internal/app/session"
	"github.com/dkeye/deskrtc/internal/app/signaling"
	"github.com/dkeye/deskrtc/internal/config"
	"github.com/dkeye/deskrtc/internal/domain"
)

func sessionOptions(cfg *config.Config, desktop domain.DesktopID) session.Options {
	opts := session.Options{
		DesktopID: desktop,
		Transport: mqtt.Factory(mqtt.Options{
			BrokerURL:          cfg.MQTT.URL,
			Username:           cfg.MQTT.Username,
			Password:           cfg.MQTT.Password,
			ClientID:           cfg.MQTT.ClientID,
			QoS:                cfg.MQTT.QoS,
			ConnectTimeout:     cfg.MQTT.ConnectTimeout,
			InsecureSkipVerify: cfg.MQTT.InsecureSkipVerify,
		}),
		Peer:               rtc.Factory,
		ICESourceTimeout:   cfg.Session.ICESourceTimeout,
		NegotiationTimeout: cfg.Session.NegotiationTimeout,
		AnswerTimeout:      cfg.Session.AnswerTimeout,
		MaxRetransmits:     cfg.Session.MaxRetransmits,
	}
	for _, src := range cfg.Session.ICESources {
		opts.ICESources = append(opts.ICESources, signaling.ICESource{Name: src.Name, Topic: src.Topic})
	}
	return opts
}

func sessionFactory(cfg *config.Config) app.SessionFactory {
	return func(desktop domain.DesktopID) (*session.Session, error) {
		return session.New(sessionOptions(cfg, desktop))
	}
}
