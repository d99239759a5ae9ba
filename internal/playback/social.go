package playback

import (
	"context"
	"fmt"

	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/store"
)

// AddReaction appends a floating emoji. Reactions are fire-and-forget; callers
// log failures instead of retrying.
func (s *Service) AddReaction(ctx context.Context, roomID, userID, emoji string) (*models.Reaction, error) {
	r := &models.Reaction{Emoji: emoji, UserID: userID, Timestamp: s.stamp()}
	id, err := s.store.Add(ctx, ReactionsPath(roomID), r)
	if err != nil {
		return nil, fmt.Errorf("reaction %s: %w", roomID, err)
	}
	r.ID = id
	return r, nil
}

// Reactions returns reactions sent at or after sinceMillis, oldest first.
func (s *Service) Reactions(ctx context.Context, roomID string, sinceMillis int64) ([]models.Reaction, error) {
	snaps, err := s.store.Range(ctx, ReactionsPath(roomID), sinceMillis)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Reaction](snaps)
}

// AddChatMessage appends a chat line authored by the given participant.
func (s *Service) AddChatMessage(ctx context.Context, roomID string, author models.ChatAuthor, text string, replyingTo *models.ReplyRef) (*models.ChatMessage, error) {
	msg := &models.ChatMessage{
		User:       author,
		Text:       text,
		ReplyingTo: replyingTo,
		Timestamp:  s.stamp(),
	}
	id, err := s.store.Add(ctx, MessagesPath(roomID), msg)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", roomID, err)
	}
	msg.ID = id
	return msg, nil
}

func (s *Service) Messages(ctx context.Context, roomID string, sinceMillis int64) ([]models.ChatMessage, error) {
	snaps, err := s.store.Range(ctx, MessagesPath(roomID), sinceMillis)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.ChatMessage](snaps)
}

func decodeAll[T any](snaps []store.Snapshot) ([]T, error) {
	out := make([]T, 0, len(snaps))
	for _, snap := range snaps {
		var v T
		if err := snap.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", snap.Path, err)
		}
		out = append(out, v)
	}
	return out, nil
}
