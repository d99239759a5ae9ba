package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/signaling"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"
)

// fakeConn models the signaling state machine of a peer connection. It
// reports ICE connected once it is stable with both descriptions applied.
// Like pion, it cannot roll back a local description.
type fakeConn struct {
	mu         sync.Mutex
	id         string
	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	offers     int
	closes     int
	tracks     int
	negotiated bool
	connected  bool
	rtcp       []rtcp.Packet

	onNegotiation func()
	onICEState    func(webrtc.ICEConnectionState)
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, state: webrtc.SignalingStateStable}
}

func (c *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s %d", c.id, c.offers)}, nil
}

func (c *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + c.id}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeRollback:
		return &rtcerr.InvalidModificationError{Err: errors.New("rollback of a local description")}
	case desc.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.local = &desc
		c.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveRemoteOffer:
		c.local = &desc
		c.state = webrtc.SignalingStateStable
		c.maybeConnectLocked()
	default:
		return fmt.Errorf("invalid local %s in %s", desc.Type, c.state)
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.remote = &desc
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.remote = &desc
		c.state = webrtc.SignalingStateStable
		c.maybeConnectLocked()
	default:
		return fmt.Errorf("invalid remote %s in %s", desc.Type, c.state)
	}
	return nil
}

func (c *fakeConn) maybeConnectLocked() {
	if c.connected || c.local == nil || c.remote == nil {
		return
	}
	c.connected = true
	if h := c.onICEState; h != nil {
		go h(webrtc.ICEConnectionStateConnected)
	}
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("no remote description")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnNegotiationNeeded(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNegotiation = f
}

func (c *fakeConn) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (c *fakeConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICEState = f
}

func (c *fakeConn) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (c *fakeConn) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mediaAdded()
	return nil, nil
}

func (c *fakeConn) AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	c.mediaAdded()
	return nil, nil
}

// mediaAdded fires negotiation-needed once, asynchronously, like a real
// connection coalescing several track additions.
func (c *fakeConn) mediaAdded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks++
	if c.negotiated || c.onNegotiation == nil {
		return
	}
	c.negotiated = true
	go c.onNegotiation()
}

func (c *fakeConn) WriteRTCP(pkts []rtcp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtcp = append(c.rtcp, pkts...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) stats() (closes, candidates int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes, len(c.candidates)
}

// fakeFactory records every connection it hands out.
type fakeFactory struct {
	mu    sync.Mutex
	local string
	conns map[string][]*fakeConn
}

func newFakeFactory(local string) *fakeFactory {
	return &fakeFactory{local: local, conns: make(map[string][]*fakeConn)}
}

func (f *fakeFactory) open(remote string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeConn(f.local + "->" + remote)
	f.conns[remote] = append(f.conns[remote], c)
	return c, nil
}

func (f *fakeFactory) opened(remote string) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns[remote]...)
}

// memRelay is an in-process relay. While held, published signals queue up
// until release, which lets tests force both sides to offer at once.
type memRelay struct {
	mu      sync.Mutex
	held    bool
	queued  []models.SignalMessage
	history []models.SignalMessage
	subs    map[*memSub]struct{}
}

type memSub struct {
	filter signaling.Filter
	ch     chan models.SignalMessage
}

var _ signaling.Relay = (*memRelay)(nil)

func newMemRelay() *memRelay {
	return &memRelay{subs: make(map[*memSub]struct{})}
}

func (r *memRelay) Publish(_ context.Context, msg models.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held {
		r.queued = append(r.queued, msg)
		return nil
	}
	r.deliverLocked(msg)
	return nil
}

func (r *memRelay) deliverLocked(msg models.SignalMessage) {
	r.history = append(r.history, msg)
	for sub := range r.subs {
		if sub.filter.Match(&msg) {
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

func (r *memRelay) Subscribe(ctx context.Context, f signaling.Filter, since int64) (<-chan models.SignalMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &memSub{filter: f, ch: make(chan models.SignalMessage, 256)}
	for _, msg := range r.history {
		if msg.Timestamp >= since && f.Match(&msg) {
			sub.ch <- msg
		}
	}
	r.subs[sub] = struct{}{}
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, sub)
		close(sub.ch)
	}()
	return sub.ch, nil
}

func (r *memRelay) hold() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = true
}

func (r *memRelay) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = false
	for _, msg := range r.queued {
		r.deliverLocked(msg)
	}
	r.queued = nil
}

func (r *memRelay) sent(typ models.SignalType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msg := range r.history {
		if msg.Type == typ {
			n++
		}
	}
	return n
}
