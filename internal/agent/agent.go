// Package agent runs a headless participant: it joins a room, keeps a
// simulated player in sync with the host and holds peer connections to the
// live participants it may see.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/negotiation"
	"github.com/mossy-p/synctube/internal/playback"
	"github.com/mossy-p/synctube/internal/player"
	"github.com/mossy-p/synctube/internal/signaling"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	leaveTimeout  = 5 * time.Second
	frameInterval = time.Second / 30
)

// testFrame is a 320x240 VP8 keyframe header with a short body. Receivers
// only count packets, so nothing needs to decode it.
var testFrame = []byte{
	0x10, 0x02, 0x00, // frame tag: keyframe, shown
	0x9d, 0x01, 0x2a, // start code
	0x40, 0x01, 0xf0, 0x00, // 320x240
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

type Config struct {
	RoomID string
	UserID string
	Name   string
	Avatar string
	// Live asks to publish media after joining. It is dropped with a warning
	// when the room does not allow it.
	Live        bool
	PlayerTick  time.Duration
	Sync        playback.SyncConfig
	Negotiation negotiation.Config
}

type Agent struct {
	cfg     Config
	svc     *playback.Service
	relay   signaling.Relay
	factory negotiation.ConnFactory
	player  *player.Simulated
	log     *zap.Logger

	received atomic.Int64
}

func New(cfg Config, svc *playback.Service, relay signaling.Relay, factory negotiation.ConnFactory, log *zap.Logger) *Agent {
	if cfg.PlayerTick <= 0 {
		cfg.PlayerTick = 250 * time.Millisecond
	}
	cfg.Negotiation.Self = cfg.UserID
	return &Agent{
		cfg:     cfg,
		svc:     svc,
		relay:   relay,
		factory: factory,
		player:  player.NewSimulated(),
		log:     log.Named("agent").With(zap.String("room", cfg.RoomID), zap.String("user", cfg.UserID)),
	}
}

// Player exposes the simulated player driven by the agent.
func (a *Agent) Player() *player.Simulated {
	return a.player
}

// ReceivedPackets counts RTP packets read from every remote track so far.
func (a *Agent) ReceivedPackets() int64 {
	return a.received.Load()
}

// Run joins the room and participates until ctx is done, the room is deleted
// or the participant is removed. Join failures are returned unchanged so the
// caller can tell a locked or missing room from a transient error. The
// participant always leaves on the way out.
func (a *Agent) Run(ctx context.Context) error {
	res, err := a.svc.Join(ctx, a.cfg.RoomID, a.cfg.UserID, a.cfg.Name, a.cfg.Avatar)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	a.log.Info("joined room", zap.Bool("host", res.IsHost), zap.Bool("rejoined", res.Rejoined))
	defer a.leave()

	live := a.goLive(ctx, res)

	syncer := playback.NewSynchronizer(a.svc, a.cfg.RoomID, a.cfg.UserID, a.player, a.cfg.Sync, a.log)

	opts := []negotiation.Option{negotiation.WithTrackHandler(a.drainTrack)}
	var track *webrtc.TrackLocalStaticSample
	if live {
		track, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "synctube-"+a.cfg.UserID)
		if err != nil {
			return fmt.Errorf("create local track: %w", err)
		}
		opts = append(opts, negotiation.WithTracks(track))
	}
	engine := negotiation.NewEngine(a.cfg.Negotiation, a.relay, a.factory, a.log, opts...)

	g, gctx := errgroup.WithContext(ctx)

	participants, err := a.svc.WatchParticipants(gctx, a.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("watch participants: %w", err)
	}

	g.Go(func() error {
		a.player.Run(gctx, a.cfg.PlayerTick)
		return nil
	})
	g.Go(func() error { return syncer.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	if track != nil {
		g.Go(func() error {
			a.publish(gctx, track)
			return nil
		})
	}
	g.Go(func() error {
		a.reconcile(gctx, engine, res.Room.HostID, participants)
		return nil
	})
	g.Go(func() error {
		a.watch(gctx, syncer.Errors(), engine.Status())
		return nil
	})

	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// goLive publishes the live flag when requested and allowed.
func (a *Agent) goLive(ctx context.Context, res *playback.JoinResult) bool {
	if !a.cfg.Live {
		return res.Participant.IsLive
	}
	live := true
	if err := a.svc.SetPresence(ctx, a.cfg.RoomID, a.cfg.UserID, models.PresenceRequest{IsLive: &live}); err != nil {
		a.log.Warn("cannot go live, continuing as viewer", zap.Error(err))
		return false
	}
	return true
}

// reconcile feeds every participants snapshot to the negotiation engine.
func (a *Agent) reconcile(ctx context.Context, engine *negotiation.Engine, hostID string, participants <-chan []models.Participant) {
	for {
		select {
		case <-ctx.Done():
			return
		case list, ok := <-participants:
			if !ok {
				return
			}
			self, peers, present := Peers(a.cfg.UserID, hostID, list)
			if !present {
				// Removal is reported by the synchronizer.
				continue
			}
			engine.Reconcile(self, peers)
		}
	}
}

// Peers converts participant documents into negotiation peers and finds self.
func Peers(selfID, hostID string, list []models.Participant) (negotiation.Peer, []negotiation.Peer, bool) {
	var self negotiation.Peer
	present := false
	peers := make([]negotiation.Peer, 0, len(list))
	for _, p := range list {
		peer := negotiation.Peer{ID: p.ID, IsHost: p.ID == hostID, IsLive: p.IsLive}
		if p.ID == selfID {
			self, present = peer, true
		}
		peers = append(peers, peer)
	}
	return self, peers, present
}

func (a *Agent) watch(ctx context.Context, syncErrs <-chan error, status <-chan negotiation.LinkStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-syncErrs:
			a.log.Warn("sync error", zap.Error(err))
		case s, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			a.log.Info("peer link",
				zap.String("remote", s.Remote), zap.String("health", string(s.Health)), zap.String("state", string(s.State)))
		}
	}
}

// publish writes a synthetic frame to the local track at a steady rate. The
// track fans each sample out to every connection it is bound to.
func (a *Agent) publish(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: testFrame, Duration: frameInterval}); err != nil {
				a.log.Debug("write sample", zap.Error(err))
			}
		}
	}
}

// drainTrack reads remote media so the receive buffers never fill. The agent
// has no renderer, so packets are only parsed and counted.
func (a *Agent) drainTrack(remote string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log := a.log.With(zap.String("remote", remote), zap.String("kind", track.Kind().String()))
	log.Info("receiving remote track", zap.String("codec", track.Codec().MimeType))

	var stats trackStats
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			log.Info("remote track ended",
				zap.Int("packets", stats.packets), zap.Int("bytes", stats.bytes), zap.Int("malformed", stats.malformed), zap.Int("lost", stats.lost))
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			stats.malformed++
			continue
		}
		stats.add(pkt)
		a.received.Add(1)
	}
}

type trackStats struct {
	packets   int
	bytes     int
	malformed int
	lastSeq   uint16
	lost      int
}

func (s *trackStats) add(pkt *rtp.Packet) {
	if s.packets > 0 {
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.lost += int(gap - 1)
		}
	}
	s.packets++
	s.bytes += len(pkt.Payload)
	s.lastSeq = pkt.SequenceNumber
}

func (a *Agent) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	a.svc.LeaveBestEffort(ctx, a.cfg.RoomID, a.cfg.UserID)
	a.log.Info("left room")
}
