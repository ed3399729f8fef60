package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deskrtc_active_sessions",
		Help: "Number of sessions that have not been disconnected",
	})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deskrtc_sessions_created_total",
		Help: "Total number of sessions constructed",
	})

	// SessionStatusTransitionsTotal counts derived status changes by target status.
	SessionStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_session_status_transitions_total",
		Help: "Total number of derived session status transitions",
	}, []string{"status"})

	ConnectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_connect_failures_total",
		Help: "Total number of failed connect attempts",
	}, []string{"reason"}) // "auth" | "signaling" | "timeout" | "peer_timeout" | "negotiation" | "other"

	NegotiationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deskrtc_negotiation_duration_seconds",
		Help:    "Time from connect to connected for successful sessions",
		Buckets: []float64{.1, .25, .5, 1, 2, 3, 5, 7.5, 10},
	})

	BridgeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_bridge_requests_total",
		Help: "Total number of request/response bridge calls by outcome",
	}, []string{"result"}) // "ok" | "timeout" | "canceled" | "error"

	ICESourceResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_ice_source_results_total",
		Help: "Total number of ICE configuration source lookups by outcome",
	}, []string{"source", "result"}) // "ok" | "timeout" | "invalid" | "empty"

	CandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_ice_candidates_total",
		Help: "Total number of ICE candidates handled",
	}, []string{"direction", "result"}) // "local"|"remote", "sent"|"queued"|"applied"|"failed"

	StatusPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_status_publishes_total",
		Help: "Total number of retained status publishes",
	}, []string{"reason"}) // "change" | "reconnect"

	TracksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_tracks_received_total",
		Help: "Total number of remote media tracks received",
	}, []string{"kind"})

	MediaPacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_media_packets_received_total",
		Help: "Total RTP packets read from remote tracks",
	}, []string{"kind"})

	MediaBytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskrtc_media_bytes_received_total",
		Help: "Total RTP payload bytes read from remote tracks",
	}, []string{"kind"})

	ControlRequestsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deskrtc_control_requests_rejected_total",
		Help: "Total number of connect requests rejected by the rate limiter",
	})
)
