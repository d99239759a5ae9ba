package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Append-only collections live in Redis streams. The stream id's millisecond
// part is the append time, so "timestamp >= T" is a range starting at "T-0".

const streamField = "doc"

func (s *RedisStore) Add(ctx context.Context, collection string, doc any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", collection, err)
	}
	args := &redis.XAddArgs{
		Stream: keyFor(collection),
		Values: map[string]any{streamField: string(raw)},
	}
	if s.streamMaxLen > 0 {
		args.MaxLen = s.streamMaxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("append %s: %w", collection, err)
	}
	if s.ttl > 0 {
		s.rdb.Expire(ctx, keyFor(collection), s.ttl)
	}
	return id, nil
}

func (s *RedisStore) Range(ctx context.Context, collection string, sinceMillis int64) ([]Snapshot, error) {
	msgs, err := s.rdb.XRange(ctx, keyFor(collection), startID(sinceMillis), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", collection, err)
	}
	snaps := make([]Snapshot, 0, len(msgs))
	for _, m := range msgs {
		if snap, ok := streamSnapshot(collection, m); ok {
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

func (s *RedisStore) Tail(ctx context.Context, collection string, sinceMillis int64) (<-chan Snapshot, error) {
	key := keyFor(collection)
	out := make(chan Snapshot, 64)

	go func() {
		defer close(out)
		// XREAD returns entries strictly after the given id.
		last := lastIDBefore(sinceMillis)
		for {
			if ctx.Err() != nil {
				return
			}
			args := &redis.XReadArgs{Streams: []string{key, last}, Count: 100, Block: -1}
			if s.block > 0 {
				args.Block = s.block
			}
			res, err := s.rdb.XRead(ctx, args).Result()
			if errors.Is(err, redis.Nil) || (err == nil && len(res) == 0) {
				if s.block <= 0 && !sleepCtx(ctx, s.pollInterval) {
					return
				}
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("tail read failed", zap.String("collection", collection), zap.Error(err))
				if !sleepCtx(ctx, s.pollInterval) {
					return
				}
				continue
			}
			for _, stream := range res {
				for _, m := range stream.Messages {
					last = m.ID
					snap, ok := streamSnapshot(collection, m)
					if !ok {
						continue
					}
					select {
					case out <- snap:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func streamSnapshot(collection string, m redis.XMessage) (Snapshot, bool) {
	raw, ok := m.Values[streamField].(string)
	if !ok {
		return Snapshot{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Snapshot{}, false
	}
	return Snapshot{Path: Doc(collection, m.ID), ID: m.ID, Exists: true, Fields: fields}, true
}

// StreamIDMillis extracts the append time from a stream id.
func StreamIDMillis(id string) int64 {
	ms, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(ms, 10, 64)
	return n
}

func startID(sinceMillis int64) string {
	if sinceMillis <= 0 {
		return "-"
	}
	return strconv.FormatInt(sinceMillis, 10) + "-0"
}

func lastIDBefore(sinceMillis int64) string {
	if sinceMillis <= 1 {
		return "0-0"
	}
	return strconv.FormatInt(sinceMillis-1, 10) + "-18446744073709551615"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
