package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/iter"

	"github.com/dkeye/deskrtc/internal/metrics"
)

const (
	DefaultICESourceTimeout = time.Second
	GlobalICETopic          = "server/ice-servers"
)

// ICESource is one retained ice-server list on the bus.
type ICESource struct {
	Name  string
	Topic string
}

// DefaultICESources returns the global list followed by the one scoped to
// desktopPrefix.
func DefaultICESources(desktopPrefix string) []ICESource {
	return []ICESource{
		{Name: "global", Topic: GlobalICETopic},
		{Name: "desktop", Topic: desktopPrefix + "/ice-servers"},
	}
}

// ICEResolver merges the ice-server lists of several sources. A source that
// times out or sends garbage contributes nothing.
type ICEResolver struct {
	Bridge  *Bridge
	Sources []ICESource
	Timeout time.Duration
}

// Resolve queries every source concurrently and appends the results in
// source order. It never fails; the result may be empty.
func (r *ICEResolver) Resolve(ctx context.Context) []webrtc.ICEServer {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultICESourceTimeout
	}

	lists := iter.Map(r.Sources, func(src *ICESource) []webrtc.ICEServer {
		return r.query(ctx, *src, timeout)
	})

	var out []webrtc.ICEServer
	for _, l := range lists {
		out = append(out, l...)
	}
	log.Debug().Str("module", "ice").Int("servers", len(out)).Msg("ICE configuration resolved")
	return out
}

func (r *ICEResolver) query(ctx context.Context, src ICESource, timeout time.Duration) []webrtc.ICEServer {
	logger := log.With().Str("module", "ice").Str("source", src.Name).Str("topic", src.Topic).Logger()

	payload, err := r.Bridge.Request(ctx, Request{ResponseTopic: src.Topic, Timeout: timeout})
	if err != nil {
		result := "error"
		if IsTimeout(err) {
			result = "timeout"
		}
		metrics.ICESourceResultsTotal.WithLabelValues(src.Name, result).Inc()
		logger.Warn().Err(err).Msg("ICE source unavailable")
		return nil
	}

	servers, err := ParseICEServers(payload)
	switch {
	case err != nil:
		metrics.ICESourceResultsTotal.WithLabelValues(src.Name, "invalid").Inc()
		logger.Warn().Err(err).Msg("ICE source sent invalid payload")
		return nil
	case len(servers) == 0:
		metrics.ICESourceResultsTotal.WithLabelValues(src.Name, "empty").Inc()
		logger.Warn().Msg("ICE source sent empty list")
		return nil
	}
	metrics.ICESourceResultsTotal.WithLabelValues(src.Name, "ok").Inc()
	logger.Debug().Int("servers", len(servers)).Msg("ICE source resolved")
	return servers
}

var errNoURLs = errors.New("ice server without urls")

// iceServerJSON is the browser RTCIceServer shape, where urls may be a
// single string.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

// ParseICEServers decodes an RTCIceServer[] payload.
func ParseICEServers(payload []byte) ([]webrtc.ICEServer, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var raw []iceServerJSON
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}

	out := make([]webrtc.ICEServer, 0, len(raw))
	for i, s := range raw {
		urls, err := decodeURLs(s.URLs)
		if err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		srv := webrtc.ICEServer{URLs: urls, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out, nil
}

func decodeURLs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errNoURLs
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil, errNoURLs
		}
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	if len(many) == 0 {
		return nil, errNoURLs
	}
	return many, nil
}
