package core

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the read side of an inbound media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// DataChannel is the subset of *webrtc.DataChannel the session relies on.
type DataChannel interface {
	Label() string
	ID() *uint16
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	OnOpen(f func())
	Close() error
}

// PeerConnection is the real-time peer capability set the session drives.
// Handlers registered with On* replace previously registered ones.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	// AddTransceiver adds a transceiver of the given kind and direction.
	AddTransceiver(kind webrtc.RTPCodecType, dir webrtc.RTPTransceiverDirection) error
	ConnectionState() webrtc.PeerConnectionState
	WriteRTCP(pkts []rtcp.Packet) error

	// OnNegotiationNeeded must fire even if the signal was raised before
	// the handler was installed.
	OnNegotiationNeeded(f func())
	// OnICECandidate receives nil when gathering is complete.
	OnICECandidate(f func(*webrtc.ICECandidateInit))
	OnTrack(f func(RemoteTrack))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))

	Close() error
}

// PeerConnectionFactory constructs a peer connection for session sid.
type PeerConnectionFactory func(cfg webrtc.Configuration, sid string) (PeerConnection, error)
