// Package player defines the local playback engine the synchronizer drives and
// a clock-driven simulated engine used by headless participants and tests.
package player

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventPlaying   EventType = "playing"
	EventPaused    EventType = "paused"
	EventBuffering EventType = "buffering"
	EventEnded     EventType = "ended"
)

// Event is a state change reported by the local engine, with the position at
// the moment it happened.
type Event struct {
	Type     EventType
	Position float64
}

// Player is the local playback engine. Implementations report their own state
// changes on Events, including the ones caused by programmatic calls.
type Player interface {
	Load(videoID string, startSeconds float64, autoplay bool)
	Play()
	Pause()
	SeekTo(seconds float64)
	Position() float64
	Playing() bool
	VideoID() string
	Events() <-chan Event
}

// Simulated plays nothing; it advances a position against a clock and reports
// "ended" once the configured duration is reached.
type Simulated struct {
	mu sync.Mutex

	now      func() time.Time
	duration func(videoID string) float64
	events   chan Event

	videoID string
	playing bool
	ended   bool
	base    float64   // position at anchor
	anchor  time.Time // when base was taken
}

type SimOption func(*Simulated)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SimOption {
	return func(s *Simulated) { s.now = now }
}

// WithDuration sets the length of every loaded video; 0 or less never ends.
func WithDuration(fn func(videoID string) float64) SimOption {
	return func(s *Simulated) { s.duration = fn }
}

func NewSimulated(opts ...SimOption) *Simulated {
	s := &Simulated{
		now:      time.Now,
		duration: func(string) float64 { return 0 },
		events:   make(chan Event, 32),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.anchor = s.now()
	return s
}

func (s *Simulated) Load(videoID string, startSeconds float64, autoplay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoID = videoID
	s.ended = false
	s.base = startSeconds
	s.anchor = s.now()
	if autoplay && !s.playing {
		s.playing = true
		s.emit(EventPlaying)
	} else if !autoplay && s.playing {
		s.playing = false
		s.emit(EventPaused)
	}
}

func (s *Simulated) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing || s.videoID == "" {
		return
	}
	s.base = s.positionLocked()
	s.anchor = s.now()
	s.playing = true
	s.ended = false
	s.emit(EventPlaying)
}

func (s *Simulated) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.base = s.positionLocked()
	s.anchor = s.now()
	s.playing = false
	s.emit(EventPaused)
}

func (s *Simulated) SeekTo(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	s.base = seconds
	s.anchor = s.now()
	s.ended = false
}

func (s *Simulated) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Simulated) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Simulated) VideoID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoID
}

func (s *Simulated) Events() <-chan Event {
	return s.events
}

// CheckEnded emits "ended" once when a playing video reaches its duration.
func (s *Simulated) CheckEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.duration(s.videoID)
	if !s.playing || s.ended || d <= 0 || s.positionLocked() < d {
		return false
	}
	s.base = d
	s.anchor = s.now()
	s.playing = false
	s.ended = true
	s.emit(EventEnded)
	return true
}

// Run polls for the end of the current video until ctx is done.
func (s *Simulated) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckEnded()
		}
	}
}

func (s *Simulated) positionLocked() float64 {
	if !s.playing {
		return s.base
	}
	pos := s.base + s.now().Sub(s.anchor).Seconds()
	if d := s.duration(s.videoID); d > 0 && pos > d {
		return d
	}
	return pos
}

// emit drops the event when nobody keeps up; state is always queryable.
func (s *Simulated) emit(t EventType) {
	select {
	case s.events <- Event{Type: t, Position: s.positionLocked()}:
	default:
	}
}
