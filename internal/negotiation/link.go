package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/metrics"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle            State = "idle"
	StateMakingOffer     State = "making-offer"
	StateHaveLocalOffer  State = "have-local-offer"
	StateHaveRemoteOffer State = "have-remote-offer"
	StateStable          State = "stable"
	StateClosed          State = "closed"
)

type Health string

const (
	HealthConnecting Health = "connecting"
	HealthHealthy    Health = "healthy"
	HealthDegraded   Health = "degraded"
)

// DefaultMaxPendingCandidates bounds candidates held before a remote description exists.
const DefaultMaxPendingCandidates = 16

// publishFunc sends one signal towards the link's remote.
type publishFunc func(ctx context.Context, msg models.SignalMessage) error

// Link is the perfect-negotiation state machine for one (local, remote) pair.
// It is not safe for concurrent use; the engine drives every link from its
// dispatcher goroutine.
type Link struct {
	Local  string
	Remote string
	Role   Role

	conn        Conn
	publish     publishFunc
	log         *zap.Logger
	now         func() time.Time
	grace       time.Duration
	maxPending  int
	onHealth    func(*Link)
	state       State
	health      Health
	negotiated  bool
	makingOffer bool
	ignoreOffer bool
	startedAt   time.Time
	connectedAt time.Time
	pending     []webrtc.ICECandidateInit
	applied     []webrtc.ICECandidateInit
	replaced    int
	timer       *time.Timer

	// rebuild opens a fresh, fully wired connection to the same remote. The
	// polite side uses it to abandon a colliding local offer.
	rebuild func() (Conn, error)
}

type linkConfig struct {
	local, remote string
	conn          Conn
	publish       publishFunc
	log           *zap.Logger
	now           func() time.Time
	grace         time.Duration
	maxPending    int
	onHealth      func(*Link)
}

func newLink(cfg linkConfig) *Link {
	if cfg.maxPending <= 0 {
		cfg.maxPending = DefaultMaxPendingCandidates
	}
	role := RoleFor(cfg.local, cfg.remote)
	l := &Link{
		Local:      cfg.local,
		Remote:     cfg.remote,
		Role:       role,
		conn:       cfg.conn,
		publish:    cfg.publish,
		log:        cfg.log.With(zap.String("remote", cfg.remote), zap.Stringer("role", role)),
		now:        cfg.now,
		grace:      cfg.grace,
		maxPending: cfg.maxPending,
		onHealth:   cfg.onHealth,
		state:      StateIdle,
		health:     HealthConnecting,
		startedAt:  cfg.now(),
	}
	metrics.PeerLinks.WithLabelValues(string(HealthConnecting)).Inc()
	return l
}

func (l *Link) State() State { return l.state }

func (l *Link) Health() Health { return l.health }

func (l *Link) StartedAt() time.Time { return l.startedAt }

func (l *Link) ConnectedAt() time.Time { return l.connectedAt }

func (l *Link) PendingCandidates() int { return len(l.pending) }

// Replacements counts connections swapped in to yield to a colliding offer.
func (l *Link) Replacements() int { return l.replaced }

func (l *Link) closed() bool { return l.state == StateClosed }

// NegotiationNeeded creates and publishes an offer. makingOffer is cleared on
// every path out.
func (l *Link) NegotiationNeeded(ctx context.Context) error {
	if l.closed() {
		return nil
	}
	if l.conn.SignalingState() != webrtc.SignalingStateStable {
		// A negotiation is already in flight; it will pick up the change.
		return nil
	}

	l.makingOffer = true
	l.state = StateMakingOffer
	defer func() {
		l.makingOffer = false
		l.syncState()
	}()

	offer, err := l.conn.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.negotiated = true
	return l.send(ctx, models.SignalMessage{Type: models.SignalTypeOffer, SDP: &offer})
}

// HandleSignal applies one inbound message. Stale messages return
// errs.ErrStaleSignal; ignored offers and answers return nil.
func (l *Link) HandleSignal(ctx context.Context, msg models.SignalMessage) error {
	if l.closed() {
		return nil
	}
	if l.isStale(msg) {
		metrics.Signals.WithLabelValues(string(msg.Type), "stale").Inc()
		l.log.Debug("dropping stale signal", zap.String("type", string(msg.Type)), zap.Int64("sentAt", msg.Timestamp))
		return errs.ErrStaleSignal
	}
	return l.apply(ctx, msg)
}

// Replay applies a message the engine held before the link existed. Its
// freshness was already judged when it was held.
func (l *Link) Replay(ctx context.Context, msg models.SignalMessage) error {
	if l.closed() {
		return nil
	}
	return l.apply(ctx, msg)
}

func (l *Link) apply(ctx context.Context, msg models.SignalMessage) error {
	switch msg.Type {
	case models.SignalTypeOffer:
		return l.handleOffer(ctx, msg)
	case models.SignalTypeAnswer:
		return l.handleAnswer(msg)
	case models.SignalTypeCandidate:
		return l.handleCandidate(msg)
	default:
		return nil
	}
}

func (l *Link) handleOffer(ctx context.Context, msg models.SignalMessage) error {
	if msg.SDP == nil {
		return errors.New("offer without sdp")
	}
	collision := l.makingOffer || l.conn.SignalingState() != webrtc.SignalingStateStable
	l.ignoreOffer = l.Role == Impolite && collision
	if l.ignoreOffer {
		metrics.Signals.WithLabelValues(string(msg.Type), "ignored").Inc()
		l.log.Debug("ignoring colliding offer")
		return nil
	}

	if collision {
		if err := l.yield(); err != nil {
			return fmt.Errorf("yield to remote offer: %w", err)
		}
	}
	if err := l.conn.SetRemoteDescription(*msg.SDP); err != nil {
		l.syncState()
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.negotiated = true
	l.state = StateHaveRemoteOffer
	l.flushCandidates()

	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	l.syncState()
	return l.send(ctx, models.SignalMessage{Type: models.SignalTypeAnswer, SDP: &answer})
}

// handleAnswer applies an answer only while our offer is outstanding.
func (l *Link) handleAnswer(msg models.SignalMessage) error {
	if msg.SDP == nil || l.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		metrics.Signals.WithLabelValues(string(msg.Type), "ignored").Inc()
		return nil
	}
	if err := l.conn.SetRemoteDescription(*msg.SDP); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.syncState()
	l.flushCandidates()
	return nil
}

func (l *Link) handleCandidate(msg models.SignalMessage) error {
	if msg.Candidate == nil {
		return nil
	}
	if l.conn.RemoteDescription() == nil {
		if len(l.pending) >= l.maxPending {
			metrics.Signals.WithLabelValues(string(msg.Type), "dropped").Inc()
			return nil
		}
		l.pending = append(l.pending, *msg.Candidate)
		return nil
	}
	if err := l.conn.AddICECandidate(*msg.Candidate); err != nil {
		if !l.ignoreOffer {
			return fmt.Errorf("add candidate: %w", err)
		}
		return nil
	}
	l.remember(*msg.Candidate)
	return nil
}

func (l *Link) flushCandidates() {
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.log.Debug("buffered candidate rejected", zap.Error(err))
			continue
		}
		l.remember(c)
	}
}

// remember keeps the most recent applied remote candidates so a replacement
// connection can be given them again.
func (l *Link) remember(c webrtc.ICECandidateInit) {
	if len(l.applied) >= l.maxPending {
		l.applied = l.applied[1:]
	}
	l.applied = append(l.applied, c)
}

// yield abandons the local offer. pion cannot roll back a local description,
// so the polite side swaps in a fresh connection and answers on that one. The
// remote keeps its connection and sees an ordinary answer.
func (l *Link) yield() error {
	if l.rebuild == nil {
		return errors.New("no way to replace the connection")
	}
	conn, err := l.rebuild()
	if err != nil {
		return err
	}
	old := l.conn
	l.conn = conn
	l.replaced++
	l.negotiated = false
	l.pending = append(append([]webrtc.ICECandidateInit(nil), l.applied...), l.pending...)
	l.applied = nil
	metrics.Signals.WithLabelValues(string(models.SignalTypeOffer), "yielded").Inc()
	l.log.Debug("replaced connection to yield to remote offer")
	if err := old.Close(); err != nil {
		l.log.Debug("close replaced connection", zap.Error(err))
	}
	return nil
}

// LocalCandidate publishes a locally gathered candidate.
func (l *Link) LocalCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	if l.closed() {
		return nil
	}
	return l.send(ctx, models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &c})
}

// ICEStateChanged tracks link health. Failures degrade the link but never
// close it; only an explicit teardown does.
func (l *Link) ICEStateChanged(s webrtc.ICEConnectionState) {
	if l.closed() {
		return
	}
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if l.health != HealthHealthy {
			l.connectedAt = l.now()
		}
		l.stopTimer()
		l.setHealth(HealthHealthy)
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		l.setHealth(HealthDegraded)
	}
}

// ConnectTimedOut marks a link that never connected as degraded.
func (l *Link) ConnectTimedOut() {
	if l.closed() || l.health == HealthHealthy {
		return
	}
	l.log.Info("link did not connect in time")
	l.setHealth(HealthDegraded)
}

// Close releases the connection. Safe to call more than once.
func (l *Link) Close() {
	if l.closed() {
		return
	}
	l.stopTimer()
	metrics.PeerLinks.WithLabelValues(string(l.health)).Dec()
	l.state = StateClosed
	l.pending = nil
	if err := l.conn.Close(); err != nil {
		l.log.Debug("close connection", zap.Error(err))
	}
}

func (l *Link) isStale(msg models.SignalMessage) bool {
	return msg.Timestamp < l.startedAt.Add(-l.grace).UnixMilli()
}

func (l *Link) send(ctx context.Context, msg models.SignalMessage) error {
	msg.From = l.Local
	msg.To = l.Remote
	msg.Timestamp = l.now().UnixMilli()
	if err := l.publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return nil
}

func (l *Link) setHealth(h Health) {
	if l.health == h {
		return
	}
	metrics.PeerLinks.WithLabelValues(string(l.health)).Dec()
	metrics.PeerLinks.WithLabelValues(string(h)).Inc()
	l.health = h
	if l.onHealth != nil {
		l.onHealth(l)
	}
}

func (l *Link) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// syncState mirrors the connection's signaling state into the link state.
func (l *Link) syncState() {
	if l.closed() {
		return
	}
	switch l.conn.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		l.state = StateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		l.state = StateHaveRemoteOffer
	case webrtc.SignalingStateStable:
		if l.negotiated {
			l.state = StateStable
		} else {
			l.state = StateIdle
		}
	}
}
