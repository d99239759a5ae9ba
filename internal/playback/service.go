// Package playback owns the room-wide transport and queue state: the
// store-level operations every participant goes through (Service) and the
// per-participant reconciliation loop (Synchronizer).
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/policy"
	"github.com/mossy-p/synctube/internal/store"
	"go.uber.org/zap"
)

// RoomCodeLength is the length of the short shareable room code.
const RoomCodeLength = 6

func RoomPath(roomID string) string { return store.Doc("rooms", roomID) }
func UsersPath(roomID string) string { return store.Doc("rooms", roomID, "users") }
func UserPath(roomID, participantID string) string { return store.Doc("rooms", roomID, "users", participantID) }
func ReactionsPath(roomID string) string { return store.Doc("rooms", roomID, "reactions") }
func MessagesPath(roomID string) string { return store.Doc("rooms", roomID, "messages") }
func codePath(code string) string { return store.Doc("codes", code) }

type codeDoc struct {
	RoomID string `json:"roomId"`
}

// Service applies room operations against the shared store. Host-only
// operations check the actor against the stored room before writing.
type Service struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, log *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{store: st, log: log.Named("playback"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRoom writes a fresh room owned by hostID. The host joins separately.
func (s *Service) CreateRoom(ctx context.Context, hostID, code string) (*models.Room, error) {
	room := &models.Room{
		RoomID:            uuid.NewString(),
		Code:              code,
		HostID:            hostID,
		Queue:             []models.QueueItem{},
		CurrentQueueIndex: -1,
		CreatedAt:         s.now().UnixMilli(),
	}
	if err := s.store.Set(ctx, RoomPath(room.RoomID), room); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if code != "" {
		if err := s.store.Set(ctx, codePath(code), codeDoc{RoomID: room.RoomID}); err != nil {
			return nil, fmt.Errorf("create room code: %w", err)
		}
	}
	s.log.Info("room created", zap.String("room", room.RoomID), zap.String("code", code), zap.String("host", hostID))
	return room, nil
}

func (s *Service) Room(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := s.store.Get(ctx, RoomPath(roomID), &room); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// ResolveRoom accepts either a room id or its short code.
func (s *Service) ResolveRoom(ctx context.Context, identifier string) (*models.Room, error) {
	roomID := identifier
	if len(identifier) == RoomCodeLength {
		var c codeDoc
		if err := s.store.Get(ctx, codePath(identifier), &c); err == nil {
			roomID = c.RoomID
		} else if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}
	return s.Room(ctx, roomID)
}

// DeleteRoom removes the room, its code and its participants. Append-only
// collections are left to expire.
func (s *Service) DeleteRoom(ctx context.Context, roomID, actor string) error {
	room, err := s.requireHost(ctx, roomID, actor)
	if err != nil {
		return err
	}
	participants, err := s.Participants(ctx, roomID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if err := s.store.Delete(ctx, UserPath(roomID, p.ID)); err != nil {
			return fmt.Errorf("delete participant %s: %w", p.ID, err)
		}
	}
	if room.Code != "" {
		if err := s.store.Delete(ctx, codePath(room.Code)); err != nil {
			return fmt.Errorf("delete room code: %w", err)
		}
	}
	if err := s.store.Delete(ctx, RoomPath(roomID)); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	s.log.Info("room deleted", zap.String("room", roomID), zap.String("by", actor))
	return nil
}

// WatchRoom pushes every room snapshot; nil means the room is gone.
func (s *Service) WatchRoom(ctx context.Context, roomID string) (<-chan *models.Room, error) {
	snaps, err := s.store.Subscribe(ctx, RoomPath(roomID))
	if err != nil {
		return nil, err
	}
	out := make(chan *models.Room, 8)
	go func() {
		defer close(out)
		for snap := range snaps {
			var room *models.Room
			if snap.Exists {
				room = &models.Room{}
				if err := snap.Decode(room); err != nil {
					s.log.Warn("undecodable room snapshot", zap.String("room", roomID), zap.Error(err))
					continue
				}
			}
			select {
			case out <- room:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchParticipant pushes the participant's own document; nil means it was removed.
func (s *Service) WatchParticipant(ctx context.Context, roomID, participantID string) (<-chan *models.Participant, error) {
	snaps, err := s.store.Subscribe(ctx, UserPath(roomID, participantID))
	if err != nil {
		return nil, err
	}
	out := make(chan *models.Participant, 8)
	go func() {
		defer close(out)
		for snap := range snaps {
			var p *models.Participant
			if snap.Exists {
				p = &models.Participant{}
				if err := snap.Decode(p); err != nil {
					s.log.Warn("undecodable participant snapshot", zap.String("participant", participantID), zap.Error(err))
					continue
				}
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) WatchParticipants(ctx context.Context, roomID string) (<-chan []models.Participant, error) {
	lists, err := s.store.SubscribeCollection(ctx, UsersPath(roomID))
	if err != nil {
		return nil, err
	}
	out := make(chan []models.Participant, 8)
	go func() {
		defer close(out)
		for list := range lists {
			select {
			case out <- s.decodeParticipants(list):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// requireHost loads the room and fails with ErrNotHost unless actor owns it.
func (s *Service) requireHost(ctx context.Context, roomID, actor string) (*models.Room, error) {
	room, err := s.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !policy.IsHost(room, actor) {
		return nil, errs.Classify(fmt.Errorf("room %s: %w", roomID, errs.ErrNotHost))
	}
	return room, nil
}

func (s *Service) decodeParticipants(snaps []store.Snapshot) []models.Participant {
	out := make([]models.Participant, 0, len(snaps))
	for _, snap := range snaps {
		var p models.Participant
		if err := snap.Decode(&p); err != nil {
			s.log.Warn("undecodable participant", zap.String("path", snap.Path), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Service) stamp() int64 {
	return s.now().UnixMilli()
}
