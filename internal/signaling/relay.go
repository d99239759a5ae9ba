// Package signaling relays offer/answer/candidate messages between
// participants through an append-only collection under the room.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/synctube/internal/metrics"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/store"
	"go.uber.org/zap"
)

// Filter selects messages by sender and recipient. Empty fields match anything.
type Filter struct {
	From string
	To   string
}

func (f Filter) Match(msg *models.SignalMessage) bool {
	return (f.From == "" || f.From == msg.From) && (f.To == "" || f.To == msg.To)
}

// Relay is the low-trust message channel the negotiation engine signals through.
type Relay interface {
	Publish(ctx context.Context, msg models.SignalMessage) error
	// Subscribe streams messages matching f that were appended at or after
	// sinceMillis, until ctx is done.
	Subscribe(ctx context.Context, f Filter, sinceMillis int64) (<-chan models.SignalMessage, error)
}

func Path(roomID string) string {
	return store.Doc("rooms", roomID, "signals")
}

// StreamRelay keeps one room's signals in a store append-only collection. The
// store trims the collection to its configured retention, so signals are
// never pruned by hand.
type StreamRelay struct {
	store  store.Store
	roomID string
	log    *zap.Logger
}

func NewStreamRelay(st store.Store, roomID string, log *zap.Logger) *StreamRelay {
	return &StreamRelay{store: st, roomID: roomID, log: log.Named("signaling").With(zap.String("room", roomID))}
}

func (r *StreamRelay) Publish(ctx context.Context, msg models.SignalMessage) error {
	if msg.From == "" || msg.To == "" {
		return errors.New("signal needs both from and to")
	}
	msg.RoomID = r.roomID
	if _, err := r.store.Add(ctx, Path(r.roomID), msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Type, msg.To, err)
	}
	metrics.Signals.WithLabelValues(string(msg.Type), "out").Inc()
	return nil
}

func (r *StreamRelay) Subscribe(ctx context.Context, f Filter, sinceMillis int64) (<-chan models.SignalMessage, error) {
	snaps, err := r.store.Tail(ctx, Path(r.roomID), sinceMillis)
	if err != nil {
		return nil, err
	}
	out := make(chan models.SignalMessage, 32)
	go func() {
		defer close(out)
		for snap := range snaps {
			var msg models.SignalMessage
			if err := snap.Decode(&msg); err != nil {
				r.log.Debug("dropping undecodable signal", zap.String("id", snap.ID), zap.Error(err))
				continue
			}
			if !f.Match(&msg) {
				continue
			}
			metrics.Signals.WithLabelValues(string(msg.Type), "in").Inc()
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
