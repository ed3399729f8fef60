package session

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/deskrtc/internal/core"
	"github.com/dkeye/deskrtc/internal/metrics"
)

// PacketFunc receives every RTP packet read from a track of the sink. A
// returned error detaches it.
type PacketFunc func(track core.RemoteTrack, pkt *rtp.Packet) error

// RTCPWriter sends feedback towards the remote sender.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

type consumerState int32

const (
	consumerOk consumerState = iota
	consumerMuted
	consumerDelete
)

// Consumer is one packet subscription on a MediaSink.
type Consumer struct {
	fn    PacketFunc
	state atomic.Int32
}

func (c *Consumer) Mute()   { c.state.Store(int32(consumerMuted)) }
func (c *Consumer) Remove() { c.state.Store(int32(consumerDelete)) }

func (c *Consumer) get() consumerState { return consumerState(c.state.Load()) }

// MediaSink accumulates the remote tracks of one kind for the whole life of
// a session and pumps their packets to consumers.
type MediaSink struct {
	kind   webrtc.RTPCodecType
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	tracks    []core.RemoteTrack
	consumers map[int]*Consumer
	nextID    int
}

func NewMediaSink(kind webrtc.RTPCodecType, logger zerolog.Logger) *MediaSink {
	ctx, cancel := context.WithCancel(context.Background())
	return &MediaSink{
		kind:      kind,
		logger:    logger.With().Str("kind", kind.String()).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		consumers: make(map[int]*Consumer),
	}
}

func (m *MediaSink) Kind() webrtc.RTPCodecType { return m.kind }

// Tracks returns the tracks received so far in arrival order.
func (m *MediaSink) Tracks() []core.RemoteTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.RemoteTrack(nil), m.tracks...)
}

// Subscribe attaches fn to every current and future track.
func (m *MediaSink) Subscribe(fn PacketFunc) *Consumer {
	c := &Consumer{fn: fn}
	m.mu.Lock()
	m.consumers[m.nextID] = c
	m.nextID++
	m.mu.Unlock()
	return c
}

// AddTrack stores t and starts reading it. Video tracks get a keyframe
// request through w when w is non-nil.
func (m *MediaSink) AddTrack(t core.RemoteTrack, w RTCPWriter) {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.tracks = append(m.tracks, t)
	m.mu.Unlock()

	metrics.TracksReceivedTotal.WithLabelValues(m.kind.String()).Inc()
	m.logger.Info().
		Str("track_id", t.ID()).
		Str("stream_id", t.StreamID()).
		Uint32("ssrc", uint32(t.SSRC())).
		Msg("track added")

	if w != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
		if err := w.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())}}); err != nil {
			m.logger.Warn().Err(err).Msg("keyframe request failed")
		}
	}

	go m.loop(t)
}

// Close stops the pumps after their current read. Tracks stay listed.
func (m *MediaSink) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
}

func (m *MediaSink) loop(t core.RemoteTrack) {
	logger := m.logger.With().Str("track_id", t.ID()).Logger()
	for {
		select {
		case <-m.ctx.Done():
			logger.Debug().Msg("sink closed, stopping pump")
			return
		default:
		}
		pkt, _, err := t.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("track ended")
			} else {
				logger.Error().Err(err).Msg("read RTP error, stopping")
			}
			return
		}
		metrics.MediaPacketsReceived.WithLabelValues(m.kind.String()).Inc()
		metrics.MediaBytesReceived.WithLabelValues(m.kind.String()).Add(float64(len(pkt.Payload)))
		m.forward(t, pkt, &logger)
	}
}

func (m *MediaSink) forward(t core.RemoteTrack, pkt *rtp.Packet, logger *zerolog.Logger) {
	m.mu.RLock()
	snapshot := make(map[int]*Consumer, len(m.consumers))
	maps.Copy(snapshot, m.consumers)
	m.mu.RUnlock()

	var dirty []int
	for id, c := range snapshot {
		switch c.get() {
		case consumerDelete:
			dirty = append(dirty, id)
		case consumerMuted:
		case consumerOk:
			if err := c.fn(t, pkt); err != nil {
				logger.Warn().Err(err).Int("consumer", id).Msg("consumer failed, detaching")
				c.Remove()
				dirty = append(dirty, id)
			}
		}
	}

	if len(dirty) > 0 {
		m.mu.Lock()
		for _, id := range dirty {
			delete(m.consumers, id)
		}
		m.mu.Unlock()
	}
}
