package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// updateScript merges fields into a hash only if it already exists.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// RedisStore implements Store on a single Redis instance.
type RedisStore struct {
	rdb *redis.Client
	log *zap.Logger

	maxRetries   int
	ttl          time.Duration
	streamMaxLen int64
	block        time.Duration
	pollInterval time.Duration
}

type Option func(*RedisStore)

// WithMaxRetries bounds the transaction retry loop.
func WithMaxRetries(n int) Option {
	return func(s *RedisStore) { s.maxRetries = n }
}

// WithTTL expires every written key after d of inactivity.
func WithTTL(d time.Duration) Option {
	return func(s *RedisStore) { s.ttl = d }
}

// WithStreamMaxLen caps append-only collections (approximate trimming).
func WithStreamMaxLen(n int64) Option {
	return func(s *RedisStore) { s.streamMaxLen = n }
}

// WithTailPolling makes Tail poll instead of using XREAD BLOCK.
func WithTailPolling(interval time.Duration) Option {
	return func(s *RedisStore) {
		s.block = 0
		s.pollInterval = interval
	}
}

func NewRedisStore(rdb *redis.Client, log *zap.Logger, opts ...Option) *RedisStore {
	s := &RedisStore{
		rdb:          rdb,
		log:          log.Named("store"),
		maxRetries:   5,
		streamMaxLen: 1000,
		block:        time.Second,
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Get(ctx context.Context, path string, dst any) error {
	snap, err := s.snapshot(ctx, path)
	if err != nil {
		return err
	}
	if !snap.Exists {
		return fmt.Errorf("%s: %w", path, errs.ErrNotFound)
	}
	return snap.Decode(dst)
}

func (s *RedisStore) Set(ctx context.Context, path string, doc any) error {
	fields, err := encodeDoc(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	key := keyFor(path)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		s.afterWrite(ctx, pipe, path, true)
		return nil
	})
	return err
}

func (s *RedisStore) Update(ctx context.Context, path string, fields Fields) error {
	encoded, err := encodeFields(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	args := make([]any, 0, len(encoded)*2)
	for k, v := range encoded {
		args = append(args, k, v)
	}
	ok, err := updateScript.Run(ctx, s.rdb, []string{keyFor(path)}, args...).Int()
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if ok == 0 {
		return fmt.Errorf("%s: %w", path, errs.ErrNotFound)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		s.afterWrite(ctx, pipe, path, false)
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	parent, id := splitPath(path)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyFor(path))
		if parent != "" {
			pipe.SRem(ctx, keyFor(parent), id)
		}
		s.publish(ctx, pipe, path)
		return nil
	})
	return err
}

func (s *RedisStore) List(ctx context.Context, collection string) ([]Snapshot, error) {
	ids, err := s.rdb.SMembers(ctx, keyFor(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, keyFor(Doc(collection, id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	snaps := make([]Snapshot, 0, len(ids))
	for i, id := range ids {
		snap := snapshotFromHash(Doc(collection, id), cmds[i].Val())
		if snap.Exists {
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

func (s *RedisStore) Query(ctx context.Context, collection, field string, value any) ([]Snapshot, error) {
	want, err := encodeFields(Fields{field: value})
	if err != nil {
		return nil, err
	}
	all, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	matched := all[:0]
	for _, snap := range all {
		if raw, ok := snap.Fields[field]; ok && string(raw) == want[field] {
			matched = append(matched, snap)
		}
	}
	return matched, nil
}

func (s *RedisStore) RunTransaction(ctx context.Context, name string, fn func(Tx) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			t := &redisTx{ctx: ctx, rtx: rtx}
			if err := fn(t); err != nil {
				return err
			}
			if len(t.ops) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, op := range t.ops {
					if err := op(pipe); err != nil {
						return err
					}
				}
				for path, isDelete := range t.touched {
					if isDelete {
						s.publish(ctx, pipe, path)
					} else {
						s.afterWrite(ctx, pipe, path, false)
					}
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("transaction contention, retrying", zap.String("tx", name), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			metrics.StoreTransactions.WithLabelValues(name, "error").Inc()
			return err
		}
		metrics.StoreTransactions.WithLabelValues(name, "committed").Inc()
		return nil
	}
	metrics.StoreTransactions.WithLabelValues(name, "conflict").Inc()
	return fmt.Errorf("%s: %w", name, errs.ErrTransactionConflict)
}

func (s *RedisStore) Subscribe(ctx context.Context, path string) (<-chan Snapshot, error) {
	ps := s.rdb.Subscribe(ctx, watchChannel(keyFor(path)))
	// Wait for the subscription to be confirmed so no change between here and
	// the initial read can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	out := make(chan Snapshot, 16)
	go func() {
		defer close(out)
		defer ps.Close()

		emit := func() bool {
			snap, err := s.snapshot(ctx, path)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("snapshot read failed", zap.String("path", path), zap.Error(err))
				}
				return ctx.Err() == nil
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		changes := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok || !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) SubscribeCollection(ctx context.Context, collection string) (<-chan []Snapshot, error) {
	ps := s.rdb.Subscribe(ctx, watchChannel(keyFor(collection)))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	out := make(chan []Snapshot, 16)
	go func() {
		defer close(out)
		defer ps.Close()

		emit := func() bool {
			snaps, err := s.List(ctx, collection)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("collection read failed", zap.String("collection", collection), zap.Error(err))
				}
				return ctx.Err() == nil
			}
			select {
			case out <- snaps:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		changes := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok || !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) snapshot(ctx context.Context, path string) (Snapshot, error) {
	vals, err := s.rdb.HGetAll(ctx, keyFor(path)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	return snapshotFromHash(path, vals), nil
}

// afterWrite registers the document in its collection, refreshes expiry and
// publishes the change.
func (s *RedisStore) afterWrite(ctx context.Context, pipe redis.Pipeliner, path string, register bool) {
	parent, id := splitPath(path)
	if register && parent != "" {
		pipe.SAdd(ctx, keyFor(parent), id)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, keyFor(path), s.ttl)
		if parent != "" {
			pipe.Expire(ctx, keyFor(parent), s.ttl)
		}
	}
	s.publish(ctx, pipe, path)
}

func (s *RedisStore) publish(ctx context.Context, pipe redis.Pipeliner, path string) {
	parent, _ := splitPath(path)
	pipe.Publish(ctx, watchChannel(keyFor(path)), path)
	if parent != "" {
		pipe.Publish(ctx, watchChannel(keyFor(parent)), path)
	}
}
