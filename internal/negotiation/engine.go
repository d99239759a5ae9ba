package negotiation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	DefaultGrace          = 2 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	// DefaultMaxEarlySignals bounds signals held for a remote we have no link to yet.
	DefaultMaxEarlySignals = 32
)

type Config struct {
	Self                 string
	Grace                time.Duration
	ConnectTimeout       time.Duration
	MaxPendingCandidates int
	MaxEarlySignals      int
}

// LinkStatus is a point-in-time view of one link.
type LinkStatus struct {
	Remote string `json:"remote"`
	Health Health `json:"health"`
	State  State  `json:"state"`
}

// TrackHandler receives remote media as it arrives on a link.
type TrackHandler func(remote string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

type Option func(*Engine)

// WithTracks sets the local media attached to every link while self is live.
func WithTracks(tracks ...webrtc.TrackLocal) Option {
	return func(e *Engine) { e.tracks = tracks }
}

func WithTrackHandler(h TrackHandler) Option {
	return func(e *Engine) { e.onTrack = h }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine keeps one Link per remote that should be visible. Every link is
// driven from a single dispatcher goroutine (Run); pion callbacks and
// Reconcile post work to it.
type Engine struct {
	cfg     Config
	relay   signaling.Relay
	factory ConnFactory
	log     *zap.Logger
	now     func() time.Time
	tracks  []webrtc.TrackLocal
	onTrack TrackHandler

	actions   chan func(context.Context)
	status    chan LinkStatus
	done      chan struct{}
	closeOnce sync.Once

	// owned by the dispatcher
	links     map[string]*Link
	early     map[string][]models.SignalMessage
	closedAt  map[string]time.Time
	self      Peer
	selfKnown bool

	mu       sync.RWMutex
	snapshot map[string]LinkStatus
}

func NewEngine(cfg Config, relay signaling.Relay, factory ConnFactory, log *zap.Logger, opts ...Option) *Engine {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	if cfg.MaxEarlySignals <= 0 {
		cfg.MaxEarlySignals = DefaultMaxEarlySignals
	}
	e := &Engine{
		cfg:      cfg,
		relay:    relay,
		factory:  factory,
		log:      log.Named("negotiation").With(zap.String("self", cfg.Self)),
		now:      time.Now,
		actions:  make(chan func(context.Context), 256),
		status:   make(chan LinkStatus, 64),
		done:     make(chan struct{}),
		links:    make(map[string]*Link),
		early:    make(map[string][]models.SignalMessage),
		closedAt: make(map[string]time.Time),
		snapshot: make(map[string]LinkStatus),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status reports link health and lifecycle changes. Slow readers miss updates;
// Links always has the current view. The channel is closed when Run returns.
func (e *Engine) Status() <-chan LinkStatus {
	return e.status
}

// Links returns the current links ordered by remote id.
func (e *Engine) Links() []LinkStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]LinkStatus, 0, len(e.snapshot))
	for _, s := range e.snapshot {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

// Reconcile brings the set of links in line with the room's presence. A change
// in self's live status recreates every link so local media is renegotiated
// from scratch.
func (e *Engine) Reconcile(self Peer, participants []Peer) {
	e.post(func(ctx context.Context) { e.reconcile(ctx, self, participants) })
}

// Run subscribes to signals addressed to self and dispatches until ctx is
// done or Close is called. All links are closed on the way out.
func (e *Engine) Run(ctx context.Context) error {
	since := e.now().Add(-e.cfg.Grace).UnixMilli()
	inbox, err := e.relay.Subscribe(ctx, signaling.Filter{To: e.cfg.Self}, since)
	if err != nil {
		return err
	}
	defer e.teardown()
	defer e.Close()

	e.log.Info("negotiation engine started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case msg, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("signal subscription closed")
			}
			e.handleSignal(ctx, msg)
		case fn := <-e.actions:
			fn(ctx)
		}
		e.refreshSnapshot()
	}
}

// Close stops the engine. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Engine) post(fn func(context.Context)) {
	select {
	case e.actions <- fn:
	case <-e.done:
	}
}

func (e *Engine) reconcile(ctx context.Context, self Peer, participants []Peer) {
	if e.selfKnown && e.self.IsLive != self.IsLive {
		e.log.Info("live status changed, recreating links", zap.Bool("live", self.IsLive))
		for remote := range e.links {
			e.closeLink(remote)
		}
	}
	e.self = self
	e.selfKnown = true

	present := make(map[string]bool, len(participants))
	want := make(map[string]bool)
	for _, p := range participants {
		present[p.ID] = true
		if WantsLink(self, p) {
			want[p.ID] = true
		}
	}

	for remote := range e.links {
		if !want[remote] {
			e.closeLink(remote)
		}
	}
	for remote := range e.early {
		if !present[remote] {
			delete(e.early, remote)
		}
	}
	for remote := range e.closedAt {
		if !present[remote] {
			delete(e.closedAt, remote)
		}
	}
	for _, p := range participants {
		if want[p.ID] {
			if _, ok := e.links[p.ID]; !ok {
				e.openLink(ctx, p.ID)
			}
		}
	}
}

func (e *Engine) openLink(ctx context.Context, remote string) {
	conn, err := e.factory(remote)
	if err != nil {
		e.log.Error("failed to open connection", zap.String("remote", remote), zap.Error(err))
		return
	}

	l := newLink(linkConfig{
		local:      e.cfg.Self,
		remote:     remote,
		conn:       conn,
		publish:    e.relay.Publish,
		log:        e.log,
		now:        e.now,
		grace:      e.cfg.Grace,
		maxPending: e.cfg.MaxPendingCandidates,
		onHealth:   e.emit,
	})
	e.links[remote] = l
	l.rebuild = func() (Conn, error) {
		next, err := e.factory(remote)
		if err != nil {
			return nil, err
		}
		e.wire(l, next)
		if err := e.attachMedia(next); err != nil {
			l.log.Warn("failed to attach media", zap.Error(err))
		}
		return next, nil
	}

	e.wire(l, conn)
	l.timer = time.AfterFunc(e.cfg.ConnectTimeout, func() {
		e.post(func(context.Context) {
			if e.links[remote] == l {
				l.ConnectTimedOut()
			}
		})
	})

	if err := e.attachMedia(conn); err != nil {
		l.log.Warn("failed to attach media", zap.Error(err))
	}
	l.log.Info("link opened")
	e.emit(l)

	early := e.early[remote]
	delete(e.early, remote)
	for _, msg := range early {
		e.check(l, string(msg.Type), l.Replay(ctx, msg))
	}
}

// wire routes conn's callbacks to l. Callbacks from a connection the link no
// longer uses are dropped.
func (e *Engine) wire(l *Link, conn Conn) {
	current := func() bool { return e.links[l.Remote] == l && l.conn == conn }

	conn.OnNegotiationNeeded(func() {
		e.post(func(ctx context.Context) {
			if current() {
				e.check(l, "negotiation", l.NegotiationNeeded(ctx))
			}
		})
	})
	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.post(func(ctx context.Context) {
			if current() {
				e.check(l, "candidate", l.LocalCandidate(ctx, init))
			}
		})
	})
	conn.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.post(func(context.Context) {
			if current() {
				l.log.Debug("ice state", zap.Stringer("state", s))
				l.ICEStateChanged(s)
			}
		})
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			if err := requestKeyframe(conn, track.SSRC()); err != nil {
				l.log.Debug("keyframe request failed", zap.Error(err))
			}
		}
		if e.onTrack != nil {
			e.onTrack(l.Remote, track, receiver)
		}
	})
}

// attachMedia adds local tracks while self is live and receive-only
// transceivers otherwise.
func (e *Engine) attachMedia(conn Conn) error {
	if !e.self.IsLive || len(e.tracks) == 0 {
		return addRecvOnlyTransceivers(conn)
	}
	for _, track := range e.tracks {
		if _, err := conn.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) closeLink(remote string) {
	l, ok := e.links[remote]
	if !ok {
		return
	}
	delete(e.links, remote)
	delete(e.early, remote)
	e.closedAt[remote] = e.now()
	l.Close()
	l.log.Info("link closed")
	e.emit(l)
}

func (e *Engine) handleSignal(ctx context.Context, msg models.SignalMessage) {
	l, ok := e.links[msg.From]
	if !ok {
		// Held signals skip the link's stale check on replay, so judge them
		// here: anything sent before the grace window or before the last
		// link to this remote closed is dropped.
		cutoff := e.now().Add(-e.cfg.Grace)
		if closed, ok := e.closedAt[msg.From]; ok && closed.After(cutoff) {
			cutoff = closed
		}
		if msg.Timestamp < cutoff.UnixMilli() {
			return
		}
		buf := e.early[msg.From]
		if len(buf) >= e.cfg.MaxEarlySignals {
			return
		}
		e.early[msg.From] = append(buf, msg)
		return
	}
	e.deliver(ctx, l, msg)
}

func (e *Engine) deliver(ctx context.Context, l *Link, msg models.SignalMessage) {
	e.check(l, string(msg.Type), l.HandleSignal(ctx, msg))
}

func (e *Engine) check(l *Link, what string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrStaleSignal):
	default:
		l.log.Warn("negotiation step failed", zap.String("step", what), zap.Error(err))
	}
}

func (e *Engine) emit(l *Link) {
	select {
	case e.status <- LinkStatus{Remote: l.Remote, Health: l.Health(), State: l.State()}:
	default:
	}
}

func (e *Engine) refreshSnapshot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.snapshot)
	for remote, l := range e.links {
		e.snapshot[remote] = LinkStatus{Remote: remote, Health: l.Health(), State: l.State()}
	}
}

func (e *Engine) teardown() {
	for remote := range e.links {
		e.closeLink(remote)
	}
	clear(e.early)
	e.refreshSnapshot()
	close(e.status)
	e.log.Info("negotiation engine stopped")
}
