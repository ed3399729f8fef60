package session

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/deskrtc/internal/core"
)

func sdpLines(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var testOffer = sdpLines(
	"v=0",
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0",
	"m=video 9 UDP/TLS/RTP/SAVPF 96",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=recvonly",
	"a=rtpmap:96 VP8/90000",
	"a=rtcp-fb:96 goog-remb",
	"a=rtcp-fb:96 transport-cc",
	"a=rtcp-fb:96 nack",
	"a=rtcp-fb:96 nack pli",
)

var testAnswer = sdpLines(
	"v=0",
	"o=- 1 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0",
	"m=video 9 UDP/TLS/RTP/SAVPF 96",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=sendonly",
	"a=rtpmap:96 VP8/90000",
)

var errNoRemote = errors.New("remote description not set")

// fakePeer is a scripted core.PeerConnection.
type fakePeer struct {
	mu           sync.Mutex
	cfg          webrtc.Configuration
	state        webrtc.PeerConnectionState
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	applied      []webrtc.ICECandidateInit
	transceivers []webrtc.RTPCodecType
	dcLabel      string
	dcInit       *webrtc.DataChannelInit
	dc           *fakeChannel
	rtcp         []rtcp.Packet
	offers       int
	closed       bool

	negotiationNeeded bool
	onNegotiation     func()
	onICE             func(*webrtc.ICECandidateInit)
	onTrack           func(core.RemoteTrack)
	onState           func(webrtc.PeerConnectionState)

	// script
	gather      []*webrtc.ICECandidateInit
	finalState  webrtc.PeerConnectionState
	remoteErr   error
	offerSDP    string
	openChannel bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		state:       webrtc.PeerConnectionStateNew,
		finalState:  webrtc.PeerConnectionStateConnected,
		offerSDP:    testOffer,
		openChannel: true,
	}
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.offerSDP}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	gather := p.gather
	fn := p.onICE
	p.mu.Unlock()

	if fn != nil {
		for _, c := range gather {
			fn(c)
		}
	}
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.remoteErr != nil {
		p.mu.Unlock()
		return p.remoteErr
	}
	p.remote = &d
	final := p.finalState
	open := p.openChannel
	dc := p.dc
	p.mu.Unlock()

	go func() {
		p.setState(webrtc.PeerConnectionStateConnecting)
		if open && dc != nil {
			dc.open()
		}
		p.setState(final)
	}()
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errNoRemote
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (core.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dcLabel = label
	p.dcInit = init
	p.dc = &fakeChannel{label: label, id: init.ID, state: webrtc.DataChannelStateConnecting}
	return p.dc, nil
}

func (p *fakePeer) AddTransceiver(kind webrtc.RTPCodecType, _ webrtc.RTPTransceiverDirection) error {
	p.mu.Lock()
	p.transceivers = append(p.transceivers, kind)
	fn := p.onNegotiation
	if fn == nil {
		p.negotiationNeeded = true
	}
	p.mu.Unlock()
	if fn != nil {
		go fn()
	}
	return nil
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *fakePeer) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.onNegotiation = fn
	pending := p.negotiationNeeded && fn != nil
	p.negotiationNeeded = false
	p.mu.Unlock()
	if pending {
		go fn()
	}
}

func (p *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.setState(webrtc.PeerConnectionStateClosed)
	return nil
}

func (p *fakePeer) setState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	if p.closed && st != webrtc.PeerConnectionStateClosed {
		p.mu.Unlock()
		return
	}
	p.state = st
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *fakePeer) emitTrack(t core.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *fakePeer) snapshot() (applied []webrtc.ICECandidateInit, offers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...), p.offers
}

type fakeChannel struct {
	mu     sync.Mutex
	label  string
	id     *uint16
	state  webrtc.DataChannelState
	onOpen func()
	sent   [][]byte
}

func (c *fakeChannel) Label() string { return c.label }
func (c *fakeChannel) ID() *uint16   { return c.id }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeTrack yields queued packets and then io.EOF once closed.
type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
	ssrc webrtc.SSRC
	pkts chan *rtp.Packet
}

func newFakeTrack(id string, kind webrtc.RTPCodecType, ssrc webrtc.SSRC) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, ssrc: ssrc, pkts: make(chan *rtp.Packet, 16)}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) StreamID() string          { return "stream-" + t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) SSRC() webrtc.SSRC         { return t.ssrc }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-t.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}
