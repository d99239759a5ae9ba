package playback

import (
	"context"
	"fmt"

	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/policy"
	"github.com/mossy-p/synctube/internal/queue"
	"github.com/mossy-p/synctube/internal/store"
	"go.uber.org/zap"
)

// SetTransport writes play/pause and position. Only the host writes these
// fields, so a plain update is enough.
func (s *Service) SetTransport(ctx context.Context, roomID, actor string, isPlaying *bool, position *float64) error {
	if isPlaying == nil && position == nil {
		return nil
	}
	if _, err := s.requireHost(ctx, roomID, actor); err != nil {
		return err
	}
	fields := store.Fields{"updatedAt": s.stamp()}
	if isPlaying != nil {
		fields["isPlaying"] = *isPlaying
	}
	if position != nil {
		fields["timestamp"] = *position
	}
	if err := s.store.Update(ctx, RoomPath(roomID), fields); err != nil {
		return fmt.Errorf("transport %s: %w", roomID, err)
	}
	return nil
}

// SetVideo starts ad-hoc playback outside the queue.
func (s *Service) SetVideo(ctx context.Context, roomID, actor, videoID string) error {
	if _, err := s.requireHost(ctx, roomID, actor); err != nil {
		return err
	}
	err := s.store.Update(ctx, RoomPath(roomID), store.Fields{
		"videoId":           videoID,
		"isPlaying":         true,
		"timestamp":         0,
		"currentQueueIndex": queue.NoActive,
		"updatedAt":         s.stamp(),
	})
	if err != nil {
		return fmt.Errorf("set video %s: %w", roomID, err)
	}
	return nil
}

// UpdateSettings toggles lock, live restriction and repeat.
func (s *Service) UpdateSettings(ctx context.Context, roomID, actor string, req models.SettingsRequest) error {
	if _, err := s.requireHost(ctx, roomID, actor); err != nil {
		return err
	}
	fields := store.Fields{}
	if req.IsLocked != nil {
		fields["isLocked"] = *req.IsLocked
	}
	if req.IsLiveDisabled != nil {
		fields["isLiveDisabled"] = *req.IsLiveDisabled
	}
	if req.Repeat != nil {
		fields["repeat"] = *req.Repeat
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.store.Update(ctx, RoomPath(roomID), fields); err != nil {
		return fmt.Errorf("settings %s: %w", roomID, err)
	}
	return nil
}

func (s *Service) Enqueue(ctx context.Context, roomID, actor string, item models.QueueItem) error {
	return s.mutateQueue(ctx, roomID, actor, "enqueue", false, func(q queue.State, _ *models.Room) (queue.State, error) {
		return q.Append(item), nil
	})
}

func (s *Service) EnqueueAll(ctx context.Context, roomID, actor string, items []models.QueueItem) error {
	return s.mutateQueue(ctx, roomID, actor, "enqueue_all", false, func(q queue.State, _ *models.Room) (queue.State, error) {
		return q.AppendAll(items), nil
	})
}

func (s *Service) RemoveFromQueue(ctx context.Context, roomID, actor string, index int) error {
	return s.mutateQueue(ctx, roomID, actor, "remove", false, func(q queue.State, room *models.Room) (queue.State, error) {
		return q.RemoveAt(index, room.Repeat), nil
	})
}

func (s *Service) ReorderQueue(ctx context.Context, roomID, actor string, order []models.QueueItem) error {
	return s.mutateQueue(ctx, roomID, actor, "reorder", false, func(q queue.State, _ *models.Room) (queue.State, error) {
		return q.Reorder(order), nil
	})
}

// PlayFromQueue jumps to index. Out of range is rejected so the caller can tell.
func (s *Service) PlayFromQueue(ctx context.Context, roomID, actor string, index int) error {
	return s.mutateQueue(ctx, roomID, actor, "jump", true, func(q queue.State, _ *models.Room) (queue.State, error) {
		if index < 0 || index >= len(q.Items) {
			return q, fmt.Errorf("index %d: %w", index, errs.ErrInvalidIndex)
		}
		return q.JumpTo(index), nil
	})
}

// Advance moves past the item that just ended, honoring repeat.
func (s *Service) Advance(ctx context.Context, roomID, actor string) error {
	return s.mutateQueue(ctx, roomID, actor, "advance", true, func(q queue.State, room *models.Room) (queue.State, error) {
		return q.Advance(room.Repeat), nil
	})
}

func (s *Service) PlayNext(ctx context.Context, roomID, actor string) error {
	return s.mutateQueue(ctx, roomID, actor, "next", true, func(q queue.State, _ *models.Room) (queue.State, error) {
		return q.Next(), nil
	})
}

func (s *Service) PlayPrevious(ctx context.Context, roomID, actor string) error {
	return s.mutateQueue(ctx, roomID, actor, "previous", true, func(q queue.State, _ *models.Room) (queue.State, error) {
		return q.Previous(), nil
	})
}

// PlayAll replaces the queue and starts from its first item.
func (s *Service) PlayAll(ctx context.Context, roomID, actor string, items []models.QueueItem) error {
	return s.mutateQueue(ctx, roomID, actor, "play_all", true, func(q queue.State, _ *models.Room) (queue.State, error) {
		return q.Replace(items), nil
	})
}

func (s *Service) ClearQueue(ctx context.Context, roomID, actor string) error {
	return s.mutateQueue(ctx, roomID, actor, "clear", false, func(q queue.State, _ *models.Room) (queue.State, error) {
		return q.Clear(), nil
	})
}

// mutateQueue applies fn to the room's queue in a transaction so the index
// repair always runs against the queue it was computed from. When the active
// item changes (or restart is set) playback starts from 0 on the new item;
// when nothing is active any more playback stops.
func (s *Service) mutateQueue(ctx context.Context, roomID, actor, op string, restart bool,
	fn func(queue.State, *models.Room) (queue.State, error)) error {
	path := RoomPath(roomID)
	err := s.store.RunTransaction(ctx, "queue."+op, func(tx store.Tx) error {
		var room models.Room
		ok, err := tx.Get(path, &room)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrRoomNotFound
		}
		if !policy.IsHost(&room, actor) {
			return errs.ErrNotHost
		}

		before := queue.FromRoom(&room)
		after, err := fn(before, &room)
		if err != nil {
			return err
		}

		fields := store.Fields{"queue": after.Items, "currentQueueIndex": after.Index}
		prev, hadActive := before.Current()
		cur, hasActive := after.Current()
		switch {
		case hasActive && (restart || !hadActive || prev.VideoID != cur.VideoID):
			fields["videoId"] = cur.VideoID
			fields["isPlaying"] = true
			fields["timestamp"] = 0
			fields["updatedAt"] = s.stamp()
		case !hasActive && hadActive:
			fields["isPlaying"] = false
			fields["timestamp"] = 0
			fields["updatedAt"] = s.stamp()
		}
		tx.Merge(path, fields)
		return nil
	})
	if err != nil {
		s.log.Debug("queue operation failed", zap.String("op", op), zap.String("room", roomID), zap.Error(err))
		return errs.Classify(fmt.Errorf("queue %s: %w", op, err))
	}
	return nil
}
