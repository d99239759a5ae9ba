package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startPionEngine(t *testing.T, self string, relay *memRelay, opts ...Option) *Engine {
	t.Helper()
	factory, err := NewPionFactory(nil, WithLoopbackCandidates())
	require.NoError(t, err)
	e := NewEngine(Config{Self: self, ConnectTimeout: 30 * time.Second}, relay, factory, zap.NewNop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return e
}

func videoTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	require.NoError(t, err)
	return track
}

func connected(a, b *Engine, aRemote, bRemote string) func() bool {
	return func() bool {
		sa, okA := linkState(a, aRemote)
		sb, okB := linkState(b, bRemote)
		return okA && okB &&
			sa.Health == HealthHealthy && sb.Health == HealthHealthy &&
			sa.State == StateStable && sb.State == StateStable
	}
}

func TestPionEngines_HostReceivesLiveGuest(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	relay := newMemRelay()
	host := startPionEngine(t, "alice", relay)
	guest := startPionEngine(t, "bob", relay, WithTracks(videoTrack(t, "bob")))

	alice := Peer{ID: "alice", IsHost: true}
	bob := Peer{ID: "bob", IsLive: true}
	host.Reconcile(alice, []Peer{alice, bob})
	guest.Reconcile(bob, []Peer{alice, bob})

	require.Eventually(t, connected(host, guest, "bob", "alice"), 15*time.Second, 20*time.Millisecond)
}

func TestPionEngines_GlareConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	relay := newMemRelay()
	alice := startPionEngine(t, "alice", relay, WithTracks(videoTrack(t, "alice")))
	bob := startPionEngine(t, "bob", relay, WithTracks(videoTrack(t, "bob")))

	peers := []Peer{{ID: "alice", IsLive: true}, {ID: "bob", IsLive: true}}

	relay.hold()
	alice.Reconcile(peers[0], peers)
	bob.Reconcile(peers[1], peers)
	require.Eventually(t, func() bool {
		a, okA := linkState(alice, "bob")
		b, okB := linkState(bob, "alice")
		return okA && okB && a.State == StateHaveLocalOffer && b.State == StateHaveLocalOffer
	}, 5*time.Second, 10*time.Millisecond)
	relay.release()

	require.Eventually(t, connected(alice, bob, "bob", "alice"), 15*time.Second, 20*time.Millisecond)
}
