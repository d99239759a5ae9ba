// Package negotiation establishes one peer connection per visible live remote
// using perfect negotiation: a fixed polite/impolite role per pair resolves
// simultaneous offers without backoff.
package negotiation

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Conn is the part of a peer connection the engine drives.
// *webrtc.PeerConnection satisfies it.
type Conn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState

	OnNegotiationNeeded(f func())
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

var _ Conn = (*webrtc.PeerConnection)(nil)

// ConnFactory opens a fresh connection towards remote.
type ConnFactory func(remote string) (Conn, error)

// PionOption tunes the setting engine behind NewPionFactory.
type PionOption func(*webrtc.SettingEngine)

// WithLoopbackCandidates gathers loopback host candidates so peers on the
// same machine can connect without any other interface.
func WithLoopbackCandidates() PionOption {
	return func(se *webrtc.SettingEngine) { se.SetIncludeLoopbackCandidate(true) }
}

// NewPionFactory builds pion peer connections with the default codecs and
// interceptors, using the given STUN servers.
func NewPionFactory(stunURLs []string, opts ...PionOption) (ConnFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	for _, opt := range opts {
		opt(&settings)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}

	return func(string) (Conn, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}, nil
}

// addRecvOnlyTransceivers gives a connection without local tracks audio and
// video m-lines so its offers and answers still carry ICE credentials.
func addRecvOnlyTransceivers(conn Conn) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := conn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// requestKeyframe asks the sender of ssrc for a fresh keyframe so a newly
// attached receiver can start decoding without waiting for the next one.
func requestKeyframe(conn Conn, ssrc webrtc.SSRC) error {
	return conn.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}
