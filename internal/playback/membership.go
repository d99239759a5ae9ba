package playback

import (
	"context"
	"fmt"

	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/metrics"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/policy"
	"github.com/mossy-p/synctube/internal/store"
	"go.uber.org/zap"
)

// JoinResult is the state the participant entered the room with.
type JoinResult struct {
	Room        models.Room
	Participant models.Participant
	IsHost      bool
	Rejoined    bool
}

// Join adds the participant to the room in one transaction. The participant
// count is incremented only when the participant document did not exist, so a
// retried or repeated join never counts twice. Rejoining keeps the stored
// live and mute flags.
func (s *Service) Join(ctx context.Context, roomID, participantID, name, avatar string) (*JoinResult, error) {
	roomPath := RoomPath(roomID)
	userPath := UserPath(roomID, participantID)

	var res JoinResult
	err := s.store.RunTransaction(ctx, "join", func(tx store.Tx) error {
		res = JoinResult{}

		var room models.Room
		ok, err := tx.Get(roomPath, &room)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrRoomNotFound
		}

		var existing models.Participant
		present, err := tx.Get(userPath, &existing)
		if err != nil {
			return err
		}

		isHost := policy.IsHost(&room, participantID)
		if room.IsLocked && !present && !isHost {
			return errs.ErrRoomLocked
		}

		if present {
			tx.Merge(userPath, store.Fields{"name": name, "avatar": avatar})
			existing.Name, existing.Avatar = name, avatar
			res.Participant = existing
			res.Rejoined = true
		} else {
			p := models.Participant{
				ID:        participantID,
				Name:      name,
				Avatar:    avatar,
				CanGoLive: !room.IsLiveDisabled,
			}
			tx.Set(userPath, p)
			tx.Increment(roomPath, "userCount", 1)
			room.UserCount++
			res.Participant = p
		}
		res.Room = room
		res.IsHost = isHost
		return nil
	})
	if err != nil {
		s.log.Info("join rejected", zap.String("room", roomID), zap.String("participant", participantID), zap.Error(err))
		return nil, errs.Classify(fmt.Errorf("join %s: %w", roomID, err))
	}
	s.log.Info("participant joined",
		zap.String("room", roomID),
		zap.String("participant", participantID),
		zap.Bool("rejoined", res.Rejoined),
		zap.Int("userCount", res.Room.UserCount))
	return &res, nil
}

// Leave removes the participant and decrements the count in one transaction.
// Leaving twice is a no-op.
func (s *Service) Leave(ctx context.Context, roomID, participantID string) error {
	roomPath := RoomPath(roomID)
	userPath := UserPath(roomID, participantID)

	left := false
	err := s.store.RunTransaction(ctx, "leave", func(tx store.Tx) error {
		left = false
		present, err := tx.Get(userPath, nil)
		if err != nil || !present {
			return err
		}
		roomExists, err := tx.Get(roomPath, nil)
		if err != nil {
			return err
		}
		tx.Delete(userPath)
		if roomExists {
			tx.Increment(roomPath, "userCount", -1)
		}
		left = true
		return nil
	})
	if err != nil {
		return errs.Classify(fmt.Errorf("leave %s: %w", roomID, err))
	}
	if left {
		s.log.Info("participant left", zap.String("room", roomID), zap.String("participant", participantID))
	}
	return nil
}

// LeaveBestEffort is the disconnect path: the transactional leave, falling
// back to a plain delete of the participant document. The fallback never
// touches the count.
func (s *Service) LeaveBestEffort(ctx context.Context, roomID, participantID string) {
	err := s.Leave(ctx, roomID, participantID)
	if err == nil {
		return
	}
	s.log.Warn("leave failed, deleting participant without count update",
		zap.String("room", roomID), zap.String("participant", participantID), zap.Error(err))
	metrics.StoreWriteFailures.WithLabelValues("leave").Inc()
	if err := s.store.Delete(ctx, UserPath(roomID, participantID)); err != nil {
		s.log.Warn("fallback delete failed", zap.String("participant", participantID), zap.Error(err))
	}
}

// Kick removes another participant. Host only; the host cannot kick itself.
func (s *Service) Kick(ctx context.Context, roomID, actor, targetID string) error {
	if _, err := s.requireHost(ctx, roomID, actor); err != nil {
		return err
	}
	if targetID == actor {
		return fmt.Errorf("kick %s: %w", targetID, errs.ErrPermissionDenied)
	}
	if err := s.Leave(ctx, roomID, targetID); err != nil {
		return err
	}
	s.log.Info("participant kicked", zap.String("room", roomID), zap.String("participant", targetID))
	return nil
}

func (s *Service) Participants(ctx context.Context, roomID string) ([]models.Participant, error) {
	snaps, err := s.store.List(ctx, UsersPath(roomID))
	if err != nil {
		return nil, err
	}
	return s.decodeParticipants(snaps), nil
}

// LiveParticipants returns the participants currently publishing media.
func (s *Service) LiveParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	snaps, err := s.store.Query(ctx, UsersPath(roomID), "isLive", true)
	if err != nil {
		return nil, err
	}
	return s.decodeParticipants(snaps), nil
}

func (s *Service) Participant(ctx context.Context, roomID, participantID string) (*models.Participant, error) {
	var p models.Participant
	if err := s.store.Get(ctx, UserPath(roomID, participantID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPresence updates the participant's own live and mute flags. Going live
// requires the live-layer policy to allow it; the check and the write run in
// one transaction so a concurrent revoke cannot be overwritten.
func (s *Service) SetPresence(ctx context.Context, roomID, participantID string, req models.PresenceRequest) error {
	if req.IsLive == nil && req.IsMuted == nil && req.IsVideoOff == nil {
		return nil
	}
	fields := store.Fields{}
	if req.IsLive != nil {
		fields["isLive"] = *req.IsLive
	}
	if req.IsMuted != nil {
		fields["isMuted"] = *req.IsMuted
	}
	if req.IsVideoOff != nil {
		fields["isVideoOff"] = *req.IsVideoOff
	}
	goingLive := req.IsLive != nil && *req.IsLive

	roomPath := RoomPath(roomID)
	userPath := UserPath(roomID, participantID)
	err := s.store.RunTransaction(ctx, "presence", func(tx store.Tx) error {
		var p models.Participant
		ok, err := tx.Get(userPath, &p)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrNotFound
		}
		if goingLive {
			var room models.Room
			ok, err := tx.Get(roomPath, &room)
			if err != nil {
				return err
			}
			if !ok {
				return errs.ErrRoomNotFound
			}
			if !policy.ParticipantCanGoLive(&room, &p) {
				return errs.ErrLiveNotAllowed
			}
		}
		tx.Merge(userPath, fields)
		return nil
	})
	if err != nil {
		return errs.Classify(fmt.Errorf("presence %s: %w", participantID, err))
	}
	return nil
}

// SetLiveAccess grants or revokes a participant's permission to go live.
// Revoking also takes the participant out of live mode.
func (s *Service) SetLiveAccess(ctx context.Context, roomID, actor, targetID string, canGoLive bool) error {
	if _, err := s.requireHost(ctx, roomID, actor); err != nil {
		return err
	}
	fields := store.Fields{"canGoLive": canGoLive}
	if !canGoLive && targetID != actor {
		fields["isLive"] = false
	}
	if err := s.store.Update(ctx, UserPath(roomID, targetID), fields); err != nil {
		return fmt.Errorf("live access %s: %w", targetID, err)
	}
	return nil
}
