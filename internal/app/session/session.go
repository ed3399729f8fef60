// Package session negotiates one peer connection with a desktop, using the
// signaling bus only to exchange descriptions, candidates and status.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/deskrtc/internal/app/signaling"
	"github.com/dkeye/deskrtc/internal/core"
	"github.com/dkeye/deskrtc/internal/domain"
	"github.com/dkeye/deskrtc/internal/metrics"
)

const (
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultAnswerTimeout      = 5 * time.Second
	DefaultMaxRetransmits     = 10

	InputChannelLabel    = "input"
	InputChannelProtocol = "pod-arcade-input-v1"
	inputChannelID       = 0
)

// Topic suffixes under the session prefix.
const (
	TopicStatus          = "/status"
	TopicOffer           = "/webrtc-offer"
	TopicAnswer          = "/webrtc-answer"
	TopicOfferCandidate  = "/offer-ice-candidate"
	TopicAnswerCandidate = "/answer-ice-candidate"
)

var (
	ErrNoDesktop   = errors.New("session: desktop id required")
	ErrNoTransport = errors.New("session: transport factory required")
	ErrNoPeer      = errors.New("session: peer connection factory required")
)

type Options struct {
	DesktopID domain.DesktopID
	Transport core.TransportFactory
	Peer      core.PeerConnectionFactory

	// ICESources defaults to the global list followed by the desktop one.
	ICESources         []signaling.ICESource
	ICESourceTimeout   time.Duration
	NegotiationTimeout time.Duration
	AnswerTimeout      time.Duration
	MaxRetransmits     uint16
}

func (o Options) withDefaults() Options {
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = DefaultAnswerTimeout
	}
	if o.ICESourceTimeout <= 0 {
		o.ICESourceTimeout = signaling.DefaultICESourceTimeout
	}
	if o.MaxRetransmits == 0 {
		o.MaxRetransmits = DefaultMaxRetransmits
	}
	if o.ICESources == nil {
		o.ICESources = signaling.DefaultICESources(domain.DesktopPrefix(o.DesktopID))
	}
	return o
}

// StatusListener is called on every derived status change. It must not
// call back into the session's Connect or Disconnect.
type StatusListener func(domain.Status)

// Session is one connection attempt to a desktop. It is never reused: a
// failed or disconnected session is replaced by a new one.
type Session struct {
	id      domain.SessionID
	desktop domain.DesktopID
	prefix  string
	opts    Options
	logger  zerolog.Logger

	transport core.SignalingTransport
	bridge    *signaling.Bridge
	ice       *signaling.ICEResolver
	publisher *StatusPublisher
	audio     *MediaSink
	video     *MediaSink

	mu           sync.Mutex
	pc           core.PeerConnection
	dc           core.DataChannel
	failed       bool
	started      bool
	closed       bool
	last         domain.Status
	changed      chan struct{}
	listeners    map[int]StatusListener
	nextListener int
	disposers    []func()
	done         chan struct{}

	// statusMu orders status notifications and publishes.
	statusMu sync.Mutex

	// candMu makes queue-or-apply atomic with set-remote-then-drain.
	candMu sync.Mutex
	queue  CandidateQueue
}

func New(opts Options) (*Session, error) {
	switch {
	case opts.DesktopID == "":
		return nil, ErrNoDesktop
	case opts.Transport == nil:
		return nil, ErrNoTransport
	case opts.Peer == nil:
		return nil, ErrNoPeer
	}
	opts = opts.withDefaults()

	id := domain.NewSessionID()
	prefix := domain.SessionPrefix(opts.DesktopID, id)
	logger := log.With().
		Str("module", "session").
		Str("sid", string(id)).
		Str("desktop", string(opts.DesktopID)).
		Logger()

	transport := opts.Transport("user:" + string(id))
	bridge := signaling.NewBridge(transport)

	s := &Session{
		id:        id,
		desktop:   opts.DesktopID,
		prefix:    prefix,
		opts:      opts,
		logger:    logger,
		transport: transport,
		bridge:    bridge,
		ice: &signaling.ICEResolver{
			Bridge:  bridge,
			Sources: opts.ICESources,
			Timeout: opts.ICESourceTimeout,
		},
		publisher: NewStatusPublisher(transport, prefix+TopicStatus, logger),
		audio:     NewMediaSink(webrtc.RTPCodecTypeAudio, logger),
		video:     NewMediaSink(webrtc.RTPCodecTypeVideo, logger),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[int]StatusListener),
	}
	s.last = s.deriveLocked()

	metrics.SessionsCreatedTotal.Inc()
	metrics.ActiveSessions.Inc()
	logger.Debug().Str("prefix", prefix).Msg("session created")
	return s, nil
}

func (s *Session) ID() domain.SessionID        { return s.id }
func (s *Session) DesktopID() domain.DesktopID { return s.desktop }
func (s *Session) Prefix() string              { return s.prefix }
func (s *Session) Audio() *MediaSink           { return s.audio }
func (s *Session) Video() *MediaSink           { return s.video }

// Done is closed once Disconnect has finished and the final status has
// been delivered to listeners.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status derives the current status from transport, peer and failure.
func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deriveLocked()
}

// OnStatusChange registers l and returns its remover.
func (s *Session) OnStatusChange(l StatusListener) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// InputChannel returns the negotiated input channel, or nil before the
// peer connection exists.
func (s *Session) InputChannel() core.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}

// SendInput writes one encoded input frame to the input channel.
func (s *Session) SendInput(frame []byte) error {
	dc := s.InputChannel()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return core.ErrInputNotOpen
	}
	return dc.Send(frame)
}

// Connect runs a single negotiation attempt and returns once the peer
// connection is connected. It is never retried; a second call fails with
// core.ErrAlreadyStarted.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return core.ErrClosed
	case s.started:
		s.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info().Msg("connecting")

	s.track(s.transport.On(core.EventDisconnect, func(err error) {
		s.logger.Warn().Err(err).Msg("signaling transport lost")
		s.refresh(false)
	}))

	if err := s.transport.Connect(ctx, s.publisher.Topic()); err != nil {
		return s.fail(err)
	}

	s.track(s.transport.On(core.EventReconnect, func(error) {
		s.logger.Info().Msg("signaling transport reconnected")
		s.refresh(true)
	}))
	s.refresh(false)

	nctx, cancel := context.WithTimeout(ctx, s.opts.NegotiationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.negotiate(nctx) }()

	var err error
	select {
	case err = <-done:
	case <-nctx.Done():
		err = nctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &core.PeerConnectionTimeoutError{TimeoutError: core.TimeoutError{Topic: s.prefix}}
		}
		return s.fail(err)
	}

	took := time.Since(start)
	metrics.NegotiationDuration.Observe(took.Seconds())
	s.logger.Info().Dur("took", took).Msg("connected")
	return nil
}

// Disconnect tears the session down. It is safe at any point, including
// after a failed Connect, and may be called more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()

	s.logger.Info().Msg("disconnecting")
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("peer connection close")
		}
	}
	for _, off := range disposers {
		off()
	}
	s.video.Close()
	s.audio.Close()
	s.transport.Disconnect()

	metrics.ActiveSessions.Dec()
	s.refresh(false)
	close(s.done)
}

func (s *Session) negotiate(ctx context.Context) error {
	servers := s.ice.Resolve(ctx)

	pc, err := s.opts.Peer(webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}, string(s.id))
	if err != nil {
		return &core.NegotiationError{Step: "create peer connection", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pc.Close()
		return core.ErrClosed
	}
	s.pc = pc
	s.mu.Unlock()
	s.refresh(false)

	if err := s.setupMedia(pc); err != nil {
		return err
	}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Debug().Str("peer_state", st.String()).Msg("peer connection state")
		s.refresh(false)
	})

	if err := s.setupCandidates(pc); err != nil {
		return err
	}

	needed := make(chan struct{}, 1)
	pc.OnNegotiationNeeded(func() {
		select {
		case needed <- struct{}{}:
		default:
		}
	})
	select {
	case <-needed:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := s.exchange(ctx, pc)
	if err != nil {
		return err
	}
	if err := s.applyAnswer(pc, answer); err != nil {
		return err
	}
	return s.waitConnected(ctx)
}

func (s *Session) setupMedia(pc core.PeerConnection) error {
	ordered, negotiated := true, true
	id := uint16(inputChannelID)
	retransmits := s.opts.MaxRetransmits
	protocol := InputChannelProtocol

	dc, err := pc.CreateDataChannel(InputChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
		Protocol:       &protocol,
		Negotiated:     &negotiated,
		ID:             &id,
	})
	if err != nil {
		return &core.NegotiationError{Step: "create data channel", Err: err}
	}
	dc.OnOpen(func() {
		s.logger.Info().Str("label", dc.Label()).Msg("input channel open")
	})
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	pc.OnTrack(func(t core.RemoteTrack) {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			s.video.AddTrack(t, pc)
			return
		}
		s.audio.AddTrack(t, pc)
	})

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if err := pc.AddTransceiver(kind, webrtc.RTPTransceiverDirectionRecvonly); err != nil {
			return &core.NegotiationError{Step: "add " + kind.String() + " transceiver", Err: err}
		}
	}
	return nil
}

func (s *Session) setupCandidates(pc core.PeerConnection) error {
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil || c.Candidate == "" {
			return
		}
		raw, err := json.Marshal(c)
		if err != nil {
			s.logger.Warn().Err(err).Msg("encode local candidate")
			return
		}
		if err := s.transport.Publish(s.prefix+TopicOfferCandidate, raw, false); err != nil {
			metrics.CandidatesTotal.WithLabelValues("local", "failed").Inc()
			s.logger.Warn().Err(err).Msg("local candidate not sent")
			return
		}
		metrics.CandidatesTotal.WithLabelValues("local", "sent").Inc()
	})

	off, err := s.transport.Subscribe(s.prefix+TopicAnswerCandidate, func(_ string, p core.Payload) {
		s.onRemoteCandidate(pc, p)
	})
	if err != nil {
		return err
	}
	s.track(off)
	return nil
}

func (s *Session) onRemoteCandidate(pc core.PeerConnection, p core.Payload) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(p, &c); err != nil {
		metrics.CandidatesTotal.WithLabelValues("remote", "failed").Inc()
		s.logger.Warn().Err(err).Msg("remote candidate not decodable")
		return
	}

	s.candMu.Lock()
	defer s.candMu.Unlock()
	if s.queue.Push(c) {
		metrics.CandidatesTotal.WithLabelValues("remote", "queued").Inc()
		s.logger.Debug().Int("queued", s.queue.Len()).Msg("remote candidate queued")
		return
	}
	s.addCandidate(pc, c)
}

// addCandidate is best effort; callers hold candMu.
func (s *Session) addCandidate(pc core.PeerConnection, c webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		metrics.CandidatesTotal.WithLabelValues("remote", "failed").Inc()
		s.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("remote candidate rejected")
		return
	}
	metrics.CandidatesTotal.WithLabelValues("remote", "applied").Inc()
}

func (s *Session) exchange(ctx context.Context, pc core.PeerConnection) (webrtc.SessionDescription, error) {
	offer, err := pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, &core.NegotiationError{Step: "create offer", Err: err}
	}
	offer.SDP = StripRTCPFeedback(offer.SDP)
	if err := ValidateSDP(offer.SDP); err != nil {
		return webrtc.SessionDescription{}, &core.NegotiationError{Step: "offer", Err: err}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, &core.NegotiationError{Step: "set local description", Err: err}
	}

	desc := offer.SDP
	if local := pc.LocalDescription(); local != nil {
		desc = local.SDP
	}
	s.logger.Debug().Int("sdp_len", len(desc)).Msg("offer created")

	raw, err := s.bridge.Request(ctx, signaling.Request{
		Topic:         s.prefix + TopicOffer,
		Payload:       core.Payload(desc),
		ResponseTopic: s.prefix + TopicAnswer,
		Timeout:       s.opts.AnswerTimeout,
	})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer := string(raw)
	if err := ValidateSDP(answer); err != nil {
		return webrtc.SessionDescription{}, &core.NegotiationError{Step: "answer", Err: err}
	}
	s.logger.Debug().Int("sdp_len", len(answer)).Msg("answer received")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}, nil
}

func (s *Session) applyAnswer(pc core.PeerConnection, answer webrtc.SessionDescription) error {
	s.candMu.Lock()
	defer s.candMu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		return &core.NegotiationError{Step: "set remote description", Err: err}
	}
	pending := s.queue.Drain()
	s.logger.Debug().Int("candidates", len(pending)).Msg("remote description set, draining candidates")
	for _, c := range pending {
		s.addCandidate(pc, c)
	}
	return nil
}

func (s *Session) waitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		var native webrtc.PeerConnectionState
		if s.pc != nil {
			native = s.pc.ConnectionState()
		}
		ch := s.changed
		s.mu.Unlock()

		switch native {
		case webrtc.PeerConnectionStateConnected:
			return nil
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			return &core.NegotiationError{Step: "connect", Err: fmt.Errorf("peer connection %s", native)}
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()

	metrics.ConnectFailuresTotal.WithLabelValues(failureReason(err)).Inc()
	s.logger.Error().Err(err).Msg("connect failed")
	s.refresh(false)
	return err
}

func failureReason(err error) string {
	var (
		pcTimeout *core.PeerConnectionTimeoutError
		auth      *core.AuthenticationError
		timeout   *core.TimeoutError
		sig       *core.SignalingError
		neg       *core.NegotiationError
	)
	switch {
	case errors.As(err, &pcTimeout):
		return "peer_timeout"
	case errors.As(err, &auth):
		return "auth"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &sig):
		return "signaling"
	case errors.As(err, &neg):
		return "negotiation"
	}
	return "other"
}

// track keeps off for Disconnect, or runs it now if already disconnected.
func (s *Session) track(off func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		off()
		return
	}
	s.disposers = append(s.disposers, off)
	s.mu.Unlock()
}

func (s *Session) deriveLocked() domain.Status {
	switch {
	case !s.transport.Connected():
		return domain.StatusDisconnected
	case s.pc == nil:
		return domain.StatusNew
	case s.failed:
		return domain.StatusFailed
	}
	return domain.Status(s.pc.ConnectionState().String())
}

// refresh recomputes the status, notifies listeners on change and
// publishes it. After a reconnect the status is published exactly once,
// changed or not.
func (s *Session) refresh(reconnect bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.mu.Lock()
	st := s.deriveLocked()
	changed := st != s.last
	s.last = st
	close(s.changed)
	s.changed = make(chan struct{})
	listeners := make([]StatusListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	if changed {
		metrics.SessionStatusTransitionsTotal.WithLabelValues(st.String()).Inc()
		s.logger.Info().Str("status", st.String()).Msg("status changed")
		for _, l := range listeners {
			l(st)
		}
	}

	switch {
	case reconnect:
		s.publisher.Republish(st)
	case changed:
		s.publisher.Publish(st)
	}
}
