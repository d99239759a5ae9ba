package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/synctube/internal/drift"
	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/metrics"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/player"
	"github.com/mossy-p/synctube/internal/policy"
	"go.uber.org/zap"
)

// DefaultHeartbeat is how often a playing host pushes its position.
const DefaultHeartbeat = 4 * time.Second

// Backend is what the synchronizer needs from the room service.
type Backend interface {
	WatchRoom(ctx context.Context, roomID string) (<-chan *models.Room, error)
	WatchParticipant(ctx context.Context, roomID, participantID string) (<-chan *models.Participant, error)
	SetTransport(ctx context.Context, roomID, actor string, isPlaying *bool, position *float64) error
	Advance(ctx context.Context, roomID, actor string) error
}

type SyncConfig struct {
	Heartbeat time.Duration
	// DriftCheck enables periodic drift checks between room updates; 0 checks
	// only when the room changes.
	DriftCheck time.Duration
	Threshold  float64
}

// Synchronizer reconciles one participant's local player with the room. All
// room pushes, player events and timers are handled on the Run goroutine, so
// OnRemoteStateChange and OnLocalPlayerEvent must not be called concurrently
// with Run.
type Synchronizer struct {
	backend   Backend
	roomID    string
	self      string
	player    player.Player
	corrector *drift.Corrector
	cfg       SyncConfig
	log       *zap.Logger
	now       func() time.Time

	room   *models.Room
	errCh  chan error
	resync chan struct{}
}

func NewSynchronizer(backend Backend, roomID, self string, p player.Player, cfg SyncConfig, log *zap.Logger) *Synchronizer {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	log = log.Named("sync").With(zap.String("room", roomID), zap.String("participant", self))
	return &Synchronizer{
		backend:   backend,
		roomID:    roomID,
		self:      self,
		player:    p,
		corrector: drift.NewCorrector(p, cfg.Threshold, log),
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		errCh:     make(chan error, 16),
		resync:    make(chan struct{}, 1),
	}
}

// Errors carries mid-session failures for observability. Sends never block;
// errors are dropped when nobody reads.
func (s *Synchronizer) Errors() <-chan error {
	return s.errCh
}

// Resync asks the loop to seek to the host's position regardless of drift.
func (s *Synchronizer) Resync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// Run consumes room and self snapshots, player events and timers until ctx is
// done. It returns ErrRoomNotFound when the room disappears and a
// PermissionDenied-class error when the participant is removed.
func (s *Synchronizer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rooms, err := s.backend.WatchRoom(ctx, s.roomID)
	if err != nil {
		return fmt.Errorf("watch room: %w", err)
	}
	selfDocs, err := s.backend.WatchParticipant(ctx, s.roomID, s.self)
	if err != nil {
		return fmt.Errorf("watch participant: %w", err)
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	var driftTick <-chan time.Time
	if s.cfg.DriftCheck > 0 {
		t := time.NewTicker(s.cfg.DriftCheck)
		defer t.Stop()
		driftTick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case room, ok := <-rooms:
			if !ok {
				return ctx.Err()
			}
			if room == nil {
				s.report(errs.ErrRoomNotFound)
				return errs.ErrRoomNotFound
			}
			s.OnRemoteStateChange(room)
		case p, ok := <-selfDocs:
			if !ok {
				return ctx.Err()
			}
			if p == nil {
				err := errs.Classify(fmt.Errorf("removed from room %s: %w", s.roomID, errs.ErrPermissionDenied))
				s.report(err)
				return err
			}
		case ev := <-s.player.Events():
			s.OnLocalPlayerEvent(ctx, ev)
		case <-heartbeat.C:
			s.beat(ctx)
		case <-driftTick:
			s.checkDrift()
		case <-s.resync:
			if s.room != nil {
				s.corrector.Resync(drift.Expected(s.room, s.now()))
			}
		}
	}
}

// OnRemoteStateChange applies a pushed room snapshot to the local player.
// Everyone follows video changes; only non-hosts follow play/pause and drift,
// since the host's player is where those values come from.
func (s *Synchronizer) OnRemoteStateChange(room *models.Room) {
	s.room = room
	expected := drift.Expected(room, s.now())

	videoID := room.CurrentVideoID()
	if videoID == "" {
		if s.player.Playing() {
			s.player.Pause()
		}
		return
	}
	if s.player.VideoID() != videoID {
		s.log.Debug("loading video", zap.String("video", videoID), zap.Float64("at", expected))
		s.player.Load(videoID, expected, room.IsPlaying)
		return
	}
	if s.isHost() {
		return
	}

	switch {
	case room.IsPlaying && !s.player.Playing():
		s.player.Play()
	case !room.IsPlaying && s.player.Playing():
		s.player.Pause()
	}
	s.corrector.Reconcile(expected)
}

// OnLocalPlayerEvent turns the host's player state changes into room writes.
// It writes only when the player and the room disagree.
func (s *Synchronizer) OnLocalPlayerEvent(ctx context.Context, ev player.Event) {
	if s.room == nil || !s.isHost() {
		return
	}
	pos := ev.Position

	switch ev.Type {
	case player.EventEnded:
		if s.room.CurrentQueueIndex == -1 {
			stopped := false
			s.write(ctx, "transport", func() error {
				return s.backend.SetTransport(ctx, s.roomID, s.self, &stopped, &pos)
			})
			s.room.IsPlaying = false
			return
		}
		s.write(ctx, "advance", func() error {
			return s.backend.Advance(ctx, s.roomID, s.self)
		})
	case player.EventPlaying, player.EventBuffering:
		if s.room.IsPlaying {
			return
		}
		playing := true
		s.write(ctx, "transport", func() error {
			return s.backend.SetTransport(ctx, s.roomID, s.self, &playing, &pos)
		})
		s.room.IsPlaying = true
	case player.EventPaused:
		if !s.room.IsPlaying {
			return
		}
		paused := false
		s.write(ctx, "transport", func() error {
			return s.backend.SetTransport(ctx, s.roomID, s.self, &paused, &pos)
		})
		s.room.IsPlaying = false
	}
}

// beat pushes the host's position so viewers have a fresh reference.
func (s *Synchronizer) beat(ctx context.Context) {
	if s.room == nil || !s.isHost() || !s.player.Playing() {
		return
	}
	pos := s.player.Position()
	s.write(ctx, "heartbeat", func() error {
		return s.backend.SetTransport(ctx, s.roomID, s.self, nil, &pos)
	})
}

func (s *Synchronizer) checkDrift() {
	if s.room == nil || s.isHost() || !s.room.IsPlaying {
		return
	}
	if s.player.VideoID() != s.room.CurrentVideoID() {
		return
	}
	s.corrector.Reconcile(drift.Expected(s.room, s.now()))
}

func (s *Synchronizer) isHost() bool {
	return policy.IsHost(s.room, s.self)
}

// write runs one mid-session store write. Failures are logged and reported,
// never retried, and never interrupt local playback.
func (s *Synchronizer) write(ctx context.Context, op string, fn func() error) {
	if err := fn(); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("write failed", zap.String("op", op), zap.Error(err))
		metrics.StoreWriteFailures.WithLabelValues(op).Inc()
		s.report(errs.Classify(err))
	}
}

func (s *Synchronizer) report(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}
