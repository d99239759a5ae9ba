// Package queue holds the pure index-repair logic for the room playback queue.
//
// Every operation takes a State and returns a new one; the receiver is never
// modified. Index is -1 when nothing is active, otherwise a valid index into Items.
package queue

import "github.com/mossy-p/synctube/internal/models"

const NoActive = -1

type State struct {
	Items []models.QueueItem
	Index int
}

// FromRoom reads the queue pair out of a room document.
func FromRoom(room *models.Room) State {
	return State{Items: room.Queue, Index: room.CurrentQueueIndex}.normalize()
}

// Current returns the active item, if any.
func (s State) Current() (models.QueueItem, bool) {
	if s.Index < 0 || s.Index >= len(s.Items) {
		return models.QueueItem{}, false
	}
	return s.Items[s.Index], true
}

func (s State) Append(item models.QueueItem) State {
	return s.AppendAll([]models.QueueItem{item})
}

// AppendAll adds items at the end. An idle queue starts at the first item.
func (s State) AppendAll(items []models.QueueItem) State {
	if len(items) == 0 {
		return s.clone()
	}
	next := State{Items: make([]models.QueueItem, 0, len(s.Items)+len(items)), Index: s.Index}
	next.Items = append(append(next.Items, s.Items...), items...)
	if s.Index == NoActive {
		next.Index = 0
	}
	return next.normalize()
}

// RemoveAt drops item i. Removing the active item stops playback unless repeat
// is on and items remain, in which case playback wraps to the first item.
// Out of range is a no-op.
func (s State) RemoveAt(i int, repeat bool) State {
	if i < 0 || i >= len(s.Items) {
		return s.clone()
	}
	next := State{Items: make([]models.QueueItem, 0, len(s.Items)-1), Index: s.Index}
	next.Items = append(append(next.Items, s.Items[:i]...), s.Items[i+1:]...)

	switch {
	case i < s.Index:
		next.Index = s.Index - 1
	case i == s.Index:
		if repeat && len(next.Items) > 0 {
			next.Index = 0
		} else {
			next.Index = NoActive
		}
	}
	return next.normalize()
}

// Reorder replaces the order and follows the active item by video id. If the
// active item is gone from the new order the index resets to 0.
func (s State) Reorder(order []models.QueueItem) State {
	next := State{Items: append([]models.QueueItem(nil), order...), Index: s.Index}
	if cur, ok := s.Current(); ok {
		next.Index = 0
		for i, item := range order {
			if item.VideoID == cur.VideoID {
				next.Index = i
				break
			}
		}
	}
	return next.normalize()
}

// Advance moves to the next item, wrapping on repeat and stopping at the end otherwise.
func (s State) Advance(repeat bool) State {
	next := s.clone()
	last := len(s.Items) - 1
	switch {
	case last < 0:
		next.Index = NoActive
	case s.Index == last && repeat:
		next.Index = 0
	case s.Index < last:
		next.Index = s.Index + 1
	default:
		next.Index = NoActive
	}
	return next
}

// JumpTo makes item i active. Out of range returns the state unchanged.
func (s State) JumpTo(i int) State {
	next := s.clone()
	if i >= 0 && i < len(s.Items) {
		next.Index = i
	}
	return next
}

// Next is the host's skip button: like Advance but never stops on the last item.
func (s State) Next() State {
	if s.Index+1 >= len(s.Items) {
		return s.clone()
	}
	return s.JumpTo(s.Index + 1)
}

func (s State) Previous() State {
	if s.Index <= 0 {
		return s.clone()
	}
	return s.JumpTo(s.Index - 1)
}

func (s State) Clear() State {
	return State{Items: []models.QueueItem{}, Index: NoActive}
}

// Replace swaps in a new queue and starts at its first item (play all).
func (s State) Replace(items []models.QueueItem) State {
	next := State{Items: append([]models.QueueItem{}, items...), Index: 0}
	return next.normalize()
}

// Valid reports whether Index is -1 or inside Items.
func (s State) Valid() bool {
	return s.Index == NoActive || (s.Index >= 0 && s.Index < len(s.Items))
}

func (s State) clone() State {
	return State{Items: append([]models.QueueItem{}, s.Items...), Index: s.Index}
}

func (s State) normalize() State {
	if s.Items == nil {
		s.Items = []models.QueueItem{}
	}
	if !s.Valid() {
		s.Index = NoActive
	}
	return s
}
