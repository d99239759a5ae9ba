package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type txOp func(pipe redis.Pipeliner) error

// redisTx watches every key it reads; EXEC aborts with redis.TxFailedErr when
// any of them changed before commit.
type redisTx struct {
	ctx     context.Context
	rtx     *redis.Tx
	ops     []txOp
	touched map[string]bool // path -> deleted
}

func (t *redisTx) Get(path string, dst any) (bool, error) {
	key := keyFor(path)
	if err := t.rtx.Watch(t.ctx, key).Err(); err != nil {
		return false, fmt.Errorf("watch %s: %w", path, err)
	}
	vals, err := t.rtx.HGetAll(t.ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	snap := snapshotFromHash(path, vals)
	if !snap.Exists {
		return false, nil
	}
	if dst != nil {
		if err := snap.Decode(dst); err != nil {
			return true, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (t *redisTx) Set(path string, doc any) {
	t.write(path, false, func(pipe redis.Pipeliner) error {
		fields, err := encodeDoc(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		key := keyFor(path)
		pipe.Del(t.ctx, key)
		pipe.HSet(t.ctx, key, fields)
		t.register(pipe, path)
		return nil
	})
}

func (t *redisTx) Merge(path string, fields Fields) {
	t.write(path, false, func(pipe redis.Pipeliner) error {
		encoded, err := encodeFields(fields)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		pipe.HSet(t.ctx, keyFor(path), encoded)
		t.register(pipe, path)
		return nil
	})
}

func (t *redisTx) Increment(path, field string, delta int64) {
	t.write(path, false, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(t.ctx, keyFor(path), field, delta)
		return nil
	})
}

func (t *redisTx) Delete(path string) {
	t.write(path, true, func(pipe redis.Pipeliner) error {
		parent, id := splitPath(path)
		pipe.Del(t.ctx, keyFor(path))
		if parent != "" {
			pipe.SRem(t.ctx, keyFor(parent), id)
		}
		return nil
	})
}

func (t *redisTx) write(path string, isDelete bool, op txOp) {
	if t.touched == nil {
		t.touched = make(map[string]bool)
	}
	t.touched[path] = isDelete
	t.ops = append(t.ops, op)
}

func (t *redisTx) register(pipe redis.Pipeliner, path string) {
	if parent, id := splitPath(path); parent != "" {
		pipe.SAdd(t.ctx, keyFor(parent), id)
	}
}
