// Package drift keeps a non-host participant's local playback close to the
// host's authoritative position.
package drift

import (
	"math"
	"time"

	"github.com/mossy-p/synctube/internal/metrics"
	"github.com/mossy-p/synctube/internal/models"
	"go.uber.org/zap"
)

// DefaultThreshold is the divergence, in seconds, tolerated before seeking.
const DefaultThreshold = 2.5

// Seeker is the part of the local player the corrector needs.
type Seeker interface {
	Position() float64
	SeekTo(seconds float64)
}

type Corrector struct {
	Threshold float64

	player Seeker
	log    *zap.Logger
}

func NewCorrector(player Seeker, threshold float64, log *zap.Logger) *Corrector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Corrector{Threshold: threshold, player: player, log: log.Named("drift")}
}

// Reconcile seeks to authoritative only when the local position diverges by
// more than Threshold. It reports whether it seeked.
func (c *Corrector) Reconcile(authoritative float64) bool {
	local := c.player.Position()
	if math.Abs(local-authoritative) <= c.Threshold {
		return false
	}
	c.log.Debug("correcting drift",
		zap.Float64("local", local),
		zap.Float64("authoritative", authoritative))
	c.player.SeekTo(authoritative)
	metrics.DriftCorrections.WithLabelValues("threshold").Inc()
	return true
}

// Resync is the viewer's manual "sync to host": it always seeks.
func (c *Corrector) Resync(authoritative float64) {
	c.player.SeekTo(authoritative)
	metrics.DriftCorrections.WithLabelValues("manual").Inc()
}

// Expected is where the host's player should be at now: the stored position,
// plus the time since it was written while playing.
func Expected(room *models.Room, now time.Time) float64 {
	if !room.IsPlaying || room.UpdatedAt <= 0 {
		return room.Timestamp
	}
	elapsed := now.Sub(time.UnixMilli(room.UpdatedAt)).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return room.Timestamp + elapsed
}
