package playback

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestService(t *testing.T) (*Service, *store.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewRedisStore(rdb, zap.NewNop(), store.WithTailPolling(10*time.Millisecond))
	return NewService(st, zap.NewNop(), WithClock(func() time.Time { return testNow })), st
}

func newRoom(t *testing.T, svc *Service, host string) *models.Room {
	t.Helper()
	room, err := svc.CreateRoom(context.Background(), host, "ABC234")
	require.NoError(t, err)
	return room
}

func mustRoom(t *testing.T, svc *Service, roomID string) *models.Room {
	t.Helper()
	room, err := svc.Room(context.Background(), roomID)
	require.NoError(t, err)
	return room
}

func queueItems(ids ...string) []models.QueueItem {
	out := make([]models.QueueItem, len(ids))
	for i, id := range ids {
		out[i] = models.QueueItem{VideoID: id, Title: id}
	}
	return out
}

func TestCreateRoom_Defaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	room := newRoom(t, svc, "host")

	got := mustRoom(t, svc, room.RoomID)
	assert.Equal(t, "host", got.HostID)
	assert.Equal(t, -1, got.CurrentQueueIndex)
	assert.Empty(t, got.Queue)
	assert.False(t, got.IsPlaying)
	assert.Zero(t, got.UserCount)

	byCode, err := svc.ResolveRoom(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, room.RoomID, byCode.RoomID)

	_, err = svc.ResolveRoom(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
}

func TestJoin_IsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")

	first, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)
	assert.False(t, first.Rejoined)
	assert.True(t, first.Participant.CanGoLive)

	second, err := svc.Join(ctx, room.RoomID, "u1", "Uma B", "")
	require.NoError(t, err)
	assert.True(t, second.Rejoined)

	assert.Equal(t, 1, mustRoom(t, svc, room.RoomID).UserCount)
	p, err := svc.Participant(ctx, room.RoomID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Uma B", p.Name)
}

func TestJoin_MissingRoom(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Join(context.Background(), "nope", "u1", "Uma", "")

	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
	assert.True(t, errs.IsJoinFatal(err))
}

func TestJoin_LockedRoom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	_, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)

	locked := true
	require.NoError(t, svc.UpdateSettings(ctx, room.RoomID, "host", models.SettingsRequest{IsLocked: &locked}))

	_, err = svc.Join(ctx, room.RoomID, "stranger", "S", "")
	assert.ErrorIs(t, err, errs.ErrRoomLocked)
	assert.True(t, errs.IsJoinFatal(err))

	_, err = svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)
	assert.Equal(t, 1, mustRoom(t, svc, room.RoomID).UserCount)

	_, err = svc.Join(ctx, room.RoomID, "host", "Host", "")
	require.NoError(t, err, "host always gets in")
	assert.Equal(t, 2, mustRoom(t, svc, room.RoomID).UserCount)
}

func TestJoin_RejoinKeepsLiveFlags(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	_, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)

	live, muted := true, true
	require.NoError(t, svc.SetPresence(ctx, room.RoomID, "u1", models.PresenceRequest{IsLive: &live, IsMuted: &muted}))

	res, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)
	assert.True(t, res.Participant.IsLive)
	assert.True(t, res.Participant.IsMuted)
}

func TestJoin_RestrictedRoomDeniesLiveByDefault(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	restricted := true
	require.NoError(t, svc.UpdateSettings(ctx, room.RoomID, "host", models.SettingsRequest{IsLiveDisabled: &restricted}))

	res, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)
	assert.False(t, res.Participant.CanGoLive)

	live := true
	err = svc.SetPresence(ctx, room.RoomID, "u1", models.PresenceRequest{IsLive: &live})
	assert.ErrorIs(t, err, errs.ErrLiveNotAllowed)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	require.NoError(t, svc.SetLiveAccess(ctx, room.RoomID, "host", "u1", true))
	require.NoError(t, svc.SetPresence(ctx, room.RoomID, "u1", models.PresenceRequest{IsLive: &live}))

	lives, err := svc.LiveParticipants(ctx, room.RoomID)
	require.NoError(t, err)
	require.Len(t, lives, 1)
	assert.Equal(t, "u1", lives[0].ID)

	require.NoError(t, svc.SetLiveAccess(ctx, room.RoomID, "host", "u1", false))
	p, err := svc.Participant(ctx, room.RoomID, "u1")
	require.NoError(t, err)
	assert.False(t, p.IsLive, "revoking access ends live mode")
	assert.False(t, p.CanGoLive)
}

// revokingStore revokes u1's live access right after the first presence
// transaction has read its documents and before it commits.
type revokingStore struct {
	store.Store
	roomID  string
	revoked bool
	calls   int
}

func (r *revokingStore) RunTransaction(ctx context.Context, name string, fn func(store.Tx) error) error {
	return r.Store.RunTransaction(ctx, name, func(tx store.Tx) error {
		err := fn(tx)
		if name != "presence" {
			return err
		}
		r.calls++
		if !r.revoked {
			r.revoked = true
			if uerr := r.Store.Update(ctx, UserPath(r.roomID, "u1"), store.Fields{"canGoLive": false, "isLive": false}); uerr != nil {
				return uerr
			}
		}
		return err
	})
}

func TestSetPresence_RevokeBetweenCheckAndWriteWins(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	_, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)

	racing := &revokingStore{Store: st, roomID: room.RoomID}
	racy := NewService(racing, zap.NewNop(), WithClock(func() time.Time { return testNow }))

	live := true
	err = racy.SetPresence(ctx, room.RoomID, "u1", models.PresenceRequest{IsLive: &live})

	assert.ErrorIs(t, err, errs.ErrLiveNotAllowed)
	assert.Equal(t, 2, racing.calls, "the revoke forces a retry")
	p, err := svc.Participant(ctx, room.RoomID, "u1")
	require.NoError(t, err)
	assert.False(t, p.IsLive)
	assert.False(t, p.CanGoLive)
}

func TestSetPresence_RefusedAfterRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	_, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)

	live := true
	require.NoError(t, svc.SetPresence(ctx, room.RoomID, "u1", models.PresenceRequest{IsLive: &live}))
	require.NoError(t, svc.SetLiveAccess(ctx, room.RoomID, "host", "u1", false))

	// A going-live request issued before the revoke lands after it.
	err = svc.SetPresence(ctx, room.RoomID, "u1", models.PresenceRequest{IsLive: &live})
	assert.ErrorIs(t, err, errs.ErrLiveNotAllowed)

	// Mute changes still go through.
	muted := true
	require.NoError(t, svc.SetPresence(ctx, room.RoomID, "u1", models.PresenceRequest{IsMuted: &muted}))
	p, err := svc.Participant(ctx, room.RoomID, "u1")
	require.NoError(t, err)
	assert.False(t, p.IsLive)
	assert.True(t, p.IsMuted)
}

func TestSetPresence_UnknownParticipant(t *testing.T) {
	svc, _ := newTestService(t)
	room := newRoom(t, svc, "host")

	muted := true
	err := svc.SetPresence(context.Background(), room.RoomID, "ghost", models.PresenceRequest{IsMuted: &muted})

	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLeave(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	_, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)
	_, err = svc.Join(ctx, room.RoomID, "u2", "Ulf", "")
	require.NoError(t, err)

	require.NoError(t, svc.Leave(ctx, room.RoomID, "u1"))
	require.NoError(t, svc.Leave(ctx, room.RoomID, "u1"))
	require.NoError(t, svc.Leave(ctx, room.RoomID, "never-joined"))

	assert.Equal(t, 1, mustRoom(t, svc, room.RoomID).UserCount)
	participants, err := svc.Participants(ctx, room.RoomID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, "u2", participants[0].ID)
}

func TestLeaveBestEffort_DoesNotDoubleDecrement(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	_, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)

	svc.LeaveBestEffort(ctx, room.RoomID, "u1")
	svc.LeaveBestEffort(ctx, room.RoomID, "u1")

	assert.Equal(t, 0, mustRoom(t, svc, room.RoomID).UserCount)
}

func TestKick(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	for _, id := range []string{"host", "u1", "u2"} {
		_, err := svc.Join(ctx, room.RoomID, id, id, "")
		require.NoError(t, err)
	}

	err := svc.Kick(ctx, room.RoomID, "u1", "u2")
	assert.ErrorIs(t, err, errs.ErrNotHost)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	assert.ErrorIs(t, svc.Kick(ctx, room.RoomID, "host", "host"), errs.ErrPermissionDenied)

	require.NoError(t, svc.Kick(ctx, room.RoomID, "host", "u2"))
	assert.Equal(t, 2, mustRoom(t, svc, room.RoomID).UserCount)
	_, err = svc.Participant(ctx, room.RoomID, "u2")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSetTransport_HostOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	playing, pos := true, 42.5

	err := svc.SetTransport(ctx, room.RoomID, "u1", &playing, &pos)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	require.NoError(t, svc.SetTransport(ctx, room.RoomID, "host", &playing, &pos))
	got := mustRoom(t, svc, room.RoomID)
	assert.True(t, got.IsPlaying)
	assert.Equal(t, 42.5, got.Timestamp)
	assert.Equal(t, testNow.UnixMilli(), got.UpdatedAt)

	require.NoError(t, svc.SetTransport(ctx, room.RoomID, "host", nil, nil))
}

func TestSetVideo_LeavesQueue(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	require.NoError(t, svc.EnqueueAll(ctx, room.RoomID, "host", queueItems("A", "B")))

	require.NoError(t, svc.SetVideo(ctx, room.RoomID, "host", "adhoc"))

	got := mustRoom(t, svc, room.RoomID)
	assert.Equal(t, "adhoc", got.VideoID)
	assert.Equal(t, -1, got.CurrentQueueIndex)
	assert.True(t, got.IsPlaying)
	assert.Zero(t, got.Timestamp)
	assert.Len(t, got.Queue, 2)
	assert.Equal(t, "adhoc", got.CurrentVideoID())
}

func TestQueue_EnqueueStartsIdleRoom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")

	require.NoError(t, svc.Enqueue(ctx, room.RoomID, "host", queueItems("A")[0]))

	got := mustRoom(t, svc, room.RoomID)
	assert.Equal(t, 0, got.CurrentQueueIndex)
	assert.Equal(t, "A", got.VideoID)
	assert.True(t, got.IsPlaying)

	require.NoError(t, svc.Enqueue(ctx, room.RoomID, "host", queueItems("B")[0]))
	got = mustRoom(t, svc, room.RoomID)
	assert.Equal(t, 0, got.CurrentQueueIndex)
	assert.Len(t, got.Queue, 2)
}

func TestQueue_HostOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")

	err := svc.Enqueue(ctx, room.RoomID, "u1", queueItems("A")[0])

	assert.ErrorIs(t, err, errs.ErrNotHost)
	assert.Empty(t, mustRoom(t, svc, room.RoomID).Queue)
}

func TestQueue_RemoveActiveStops(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	require.NoError(t, svc.EnqueueAll(ctx, room.RoomID, "host", queueItems("A", "B", "C")))
	require.NoError(t, svc.PlayFromQueue(ctx, room.RoomID, "host", 1))

	require.NoError(t, svc.RemoveFromQueue(ctx, room.RoomID, "host", 1))

	got := mustRoom(t, svc, room.RoomID)
	assert.Equal(t, -1, got.CurrentQueueIndex)
	assert.False(t, got.IsPlaying)
	assert.Len(t, got.Queue, 2)
}

func TestQueue_RemoveBeforeActiveKeepsPlaying(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	require.NoError(t, svc.EnqueueAll(ctx, room.RoomID, "host", queueItems("A", "B", "C")))
	require.NoError(t, svc.PlayFromQueue(ctx, room.RoomID, "host", 1))
	pos := 30.0
	require.NoError(t, svc.SetTransport(ctx, room.RoomID, "host", nil, &pos))

	require.NoError(t, svc.RemoveFromQueue(ctx, room.RoomID, "host", 0))

	got := mustRoom(t, svc, room.RoomID)
	assert.Equal(t, 0, got.CurrentQueueIndex)
	assert.Equal(t, "B", got.CurrentVideoID())
	assert.Equal(t, 30.0, got.Timestamp, "same item keeps its position")
}

func TestQueue_PlayFromQueueOutOfRange(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	require.NoError(t, svc.EnqueueAll(ctx, room.RoomID, "host", queueItems("A")))

	err := svc.PlayFromQueue(ctx, room.RoomID, "host", 4)

	assert.ErrorIs(t, err, errs.ErrInvalidIndex)
	assert.Equal(t, 0, mustRoom(t, svc, room.RoomID).CurrentQueueIndex)
}

func TestQueue_AdvanceHonorsRepeat(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	require.NoError(t, svc.EnqueueAll(ctx, room.RoomID, "host", queueItems("A", "B")))
	require.NoError(t, svc.PlayFromQueue(ctx, room.RoomID, "host", 1))

	repeat := true
	require.NoError(t, svc.UpdateSettings(ctx, room.RoomID, "host", models.SettingsRequest{Repeat: &repeat}))
	require.NoError(t, svc.Advance(ctx, room.RoomID, "host"))
	got := mustRoom(t, svc, room.RoomID)
	assert.Equal(t, 0, got.CurrentQueueIndex)
	assert.Equal(t, "A", got.VideoID)
	assert.True(t, got.IsPlaying)

	repeat = false
	require.NoError(t, svc.UpdateSettings(ctx, room.RoomID, "host", models.SettingsRequest{Repeat: &repeat}))
	require.NoError(t, svc.PlayFromQueue(ctx, room.RoomID, "host", 1))
	require.NoError(t, svc.Advance(ctx, room.RoomID, "host"))
	got = mustRoom(t, svc, room.RoomID)
	assert.Equal(t, -1, got.CurrentQueueIndex)
	assert.False(t, got.IsPlaying)
}

func TestQueue_NextPreviousPlayAllClear(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")

	require.NoError(t, svc.PlayAll(ctx, room.RoomID, "host", queueItems("A", "B", "C")))
	require.NoError(t, svc.PlayNext(ctx, room.RoomID, "host"))
	require.NoError(t, svc.PlayNext(ctx, room.RoomID, "host"))
	assert.Equal(t, "C", mustRoom(t, svc, room.RoomID).CurrentVideoID())

	require.NoError(t, svc.PlayPrevious(ctx, room.RoomID, "host"))
	assert.Equal(t, "B", mustRoom(t, svc, room.RoomID).CurrentVideoID())

	require.NoError(t, svc.ReorderQueue(ctx, room.RoomID, "host", queueItems("B", "C", "A")))
	assert.Equal(t, 0, mustRoom(t, svc, room.RoomID).CurrentQueueIndex)

	require.NoError(t, svc.ClearQueue(ctx, room.RoomID, "host"))
	got := mustRoom(t, svc, room.RoomID)
	assert.Empty(t, got.Queue)
	assert.Equal(t, -1, got.CurrentQueueIndex)
	assert.False(t, got.IsPlaying)
}

func TestReactionsAndMessages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")

	r, err := svc.AddReaction(ctx, room.RoomID, "u1", "🎉")
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)

	msg, err := svc.AddChatMessage(ctx, room.RoomID, models.ChatAuthor{UID: "u1", Name: "Uma"}, "hi", nil)
	require.NoError(t, err)
	_, err = svc.AddChatMessage(ctx, room.RoomID, models.ChatAuthor{UID: "u2", Name: "Ulf"}, "hey",
		&models.ReplyRef{MessageID: msg.ID, UserName: "Uma", Text: "hi"})
	require.NoError(t, err)

	reactions, err := svc.Reactions(ctx, room.RoomID, 0)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "🎉", reactions[0].Emoji)
	assert.Equal(t, testNow.UnixMilli(), reactions[0].Timestamp)

	msgs, err := svc.Messages(ctx, room.RoomID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)
	require.NotNil(t, msgs[1].ReplyingTo)
	assert.Equal(t, msg.ID, msgs[1].ReplyingTo.MessageID)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestDeleteRoom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room := newRoom(t, svc, "host")
	_, err := svc.Join(ctx, room.RoomID, "u1", "Uma", "")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteRoom(ctx, room.RoomID, "u1"), errs.ErrNotHost)
	require.NoError(t, svc.DeleteRoom(ctx, room.RoomID, "host"))

	_, err = svc.Room(ctx, room.RoomID)
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
	_, err = svc.ResolveRoom(ctx, "ABC234")
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
	participants, err := svc.Participants(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Empty(t, participants)
}

func TestWatchRoom_ReportsDeletion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	room := newRoom(t, svc, "host")

	rooms, err := svc.WatchRoom(ctx, room.RoomID)
	require.NoError(t, err)
	first := <-rooms
	require.NotNil(t, first)
	assert.Equal(t, room.RoomID, first.RoomID)

	require.NoError(t, svc.DeleteRoom(ctx, room.RoomID, "host"))
	assert.Eventually(t, func() bool {
		select {
		case r := <-rooms:
			return r == nil
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
