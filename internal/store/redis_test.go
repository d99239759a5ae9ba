package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/synctube/internal/errs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testEventuallyTimeout = 2 * time.Second
	testPollInterval      = 10 * time.Millisecond
)

type doc struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Count int    `json:"count"`
	Live  bool   `json:"live"`
}

func newTestStore(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	opts = append([]Option{WithTailPolling(testPollInterval)}, opts...)
	return NewRedisStore(rdb, zap.NewNop(), opts...), mr
}

func TestRedisStore_SetGetUpdateDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rooms/r1", doc{Name: "movie night", Count: 1}))

	var got doc
	require.NoError(t, s.Get(ctx, "rooms/r1", &got))
	assert.Equal(t, "movie night", got.Name)
	assert.Equal(t, "r1", got.ID)

	require.NoError(t, s.Update(ctx, "rooms/r1", Fields{"count": 7, "live": true}))
	require.NoError(t, s.Get(ctx, "rooms/r1", &got))
	assert.Equal(t, 7, got.Count)
	assert.True(t, got.Live)
	assert.Equal(t, "movie night", got.Name)

	require.NoError(t, s.Delete(ctx, "rooms/r1"))
	assert.ErrorIs(t, s.Get(ctx, "rooms/r1", &got), errs.ErrNotFound)
}

func TestRedisStore_UpdateMissingDocument(t *testing.T) {
	s, mr := newTestStore(t)

	err := s.Update(context.Background(), "rooms/ghost", Fields{"count": 1})

	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, mr.Exists("rooms:ghost"))
}

func TestRedisStore_ListAndQuery(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rooms/r1/users/b", doc{Name: "Bea", Live: true}))
	require.NoError(t, s.Set(ctx, "rooms/r1/users/a", doc{Name: "Al"}))
	require.NoError(t, s.Set(ctx, "rooms/r1/users/c", doc{Name: "Cy", Live: true}))

	all, err := s.List(ctx, "rooms/r1/users")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	live, err := s.Query(ctx, "rooms/r1/users", "live", true)
	require.NoError(t, err)
	require.Len(t, live, 2)
	var first doc
	require.NoError(t, live[0].Decode(&first))
	assert.Equal(t, "Bea", first.Name)

	require.NoError(t, s.Delete(ctx, "rooms/r1/users/b"))
	all, err = s.List(ctx, "rooms/r1/users")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRedisStore_TransactionIncrementAndMerge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rooms/r1", doc{Name: "room", Count: 0}))

	err := s.RunTransaction(ctx, "join", func(tx Tx) error {
		var room doc
		ok, err := tx.Get("rooms/r1", &room)
		if err != nil || !ok {
			return errors.New("room missing")
		}
		tx.Merge("rooms/r1/users/u1", Fields{"name": "Uma"})
		tx.Increment("rooms/r1", "count", 1)
		return nil
	})
	require.NoError(t, err)

	var room doc
	require.NoError(t, s.Get(ctx, "rooms/r1", &room))
	assert.Equal(t, 1, room.Count)

	var user doc
	require.NoError(t, s.Get(ctx, "rooms/r1/users/u1", &user))
	assert.Equal(t, "Uma", user.Name)
}

func TestRedisStore_TransactionAbortWritesNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, "abort", func(tx Tx) error {
		tx.Set("rooms/r9", doc{Name: "never"})
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Get(ctx, "rooms/r9", &doc{}), errs.ErrNotFound)
}

func TestRedisStore_TransactionRetriesOnContention(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rooms/r1", doc{Count: 0}))

	attempts := 0
	err := s.RunTransaction(ctx, "contended", func(tx Tx) error {
		attempts++
		var room doc
		if _, err := tx.Get("rooms/r1", &room); err != nil {
			return err
		}
		if attempts == 1 {
			// A concurrent writer touches the watched key before commit.
			require.NoError(t, s.Update(ctx, "rooms/r1", Fields{"name": "other"}))
		}
		tx.Increment("rooms/r1", "count", 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	var room doc
	require.NoError(t, s.Get(ctx, "rooms/r1", &room))
	assert.Equal(t, 1, room.Count)
	assert.Equal(t, "other", room.Name)
}

func TestRedisStore_TransactionConflictExhausted(t *testing.T) {
	s, _ := newTestStore(t, WithMaxRetries(2))
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rooms/r1", doc{Count: 0}))

	err := s.RunTransaction(ctx, "hot", func(tx Tx) error {
		if _, err := tx.Get("rooms/r1", nil); err != nil {
			return err
		}
		require.NoError(t, s.Update(ctx, "rooms/r1", Fields{"count": 5}))
		tx.Increment("rooms/r1", "count", 1)
		return nil
	})

	assert.ErrorIs(t, err, errs.ErrTransactionConflict)
}

func TestRedisStore_ConcurrentIncrementsAreAtomic(t *testing.T) {
	s, _ := newTestStore(t, WithMaxRetries(50))
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rooms/r1", doc{Count: 0}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunTransaction(ctx, "inc", func(tx Tx) error {
				var room doc
				if _, err := tx.Get("rooms/r1", &room); err != nil {
					return err
				}
				tx.Merge("rooms/r1", Fields{"count": room.Count + 1})
				return nil
			})
		}()
	}
	wg.Wait()

	var room doc
	require.NoError(t, s.Get(ctx, "rooms/r1", &room))
	assert.Equal(t, 10, room.Count)
}

func TestRedisStore_SubscribeDeliversInitialAndChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Set(ctx, "rooms/r1", doc{Name: "v1"}))

	snaps, err := s.Subscribe(ctx, "rooms/r1")
	require.NoError(t, err)

	first := <-snaps
	assert.True(t, first.Exists)

	require.NoError(t, s.Update(ctx, "rooms/r1", Fields{"name": "v2"}))
	assert.Eventually(t, func() bool {
		select {
		case snap := <-snaps:
			var d doc
			return snap.Decode(&d) == nil && d.Name == "v2"
		default:
			return false
		}
	}, testEventuallyTimeout, testPollInterval)

	require.NoError(t, s.Delete(ctx, "rooms/r1"))
	assert.Eventually(t, func() bool {
		select {
		case snap := <-snaps:
			return !snap.Exists
		default:
			return false
		}
	}, testEventuallyTimeout, testPollInterval)
}

func TestRedisStore_SubscribeCollection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lists, err := s.SubscribeCollection(ctx, "rooms/r1/users")
	require.NoError(t, err)
	assert.Empty(t, <-lists)

	require.NoError(t, s.Set(ctx, "rooms/r1/users/u1", doc{Name: "Uma"}))
	assert.Eventually(t, func() bool {
		select {
		case l := <-lists:
			return len(l) == 1
		default:
			return false
		}
	}, testEventuallyTimeout, testPollInterval)
}

func TestRedisStore_AddRangeAndTail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := s.Add(ctx, "rooms/r1/messages", doc{Name: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Positive(t, StreamIDMillis(id))

	all, err := s.Range(ctx, "rooms/r1/messages", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ID)

	future, err := s.Range(ctx, "rooms/r1/messages", time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, future)

	tail, err := s.Tail(ctx, "rooms/r1/messages", 0)
	require.NoError(t, err)

	var got doc
	select {
	case snap := <-tail:
		require.NoError(t, snap.Decode(&got))
		assert.Equal(t, "hello", got.Name)
	case <-time.After(testEventuallyTimeout):
		t.Fatal("tail did not replay existing entry")
	}

	_, err = s.Add(ctx, "rooms/r1/messages", doc{Name: "again"})
	require.NoError(t, err)
	select {
	case snap := <-tail:
		require.NoError(t, snap.Decode(&got))
		assert.Equal(t, "again", got.Name)
	case <-time.After(testEventuallyTimeout):
		t.Fatal("tail did not deliver new entry")
	}
}

func TestRedisStore_TTLApplied(t *testing.T) {
	s, mr := newTestStore(t, WithTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rooms/r1", doc{Name: "x"}))

	assert.Equal(t, time.Hour, mr.TTL("rooms:r1"))
}
