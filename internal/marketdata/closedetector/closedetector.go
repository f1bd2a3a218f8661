// Package closedetector captures the settled closing spot of an underlying by
// observing post-close tick stability. Feeds keep trickling quotes for a short
// while after the session ends; once the price stops changing for StableFor,
// that price is the day's close and the caller pins it as the session's
// settled spot.
package closedetector

import (
	"log"
	"time"
)

// Detector observes underlying ticks after session close and reports when the
// closing spot has settled.
type Detector struct {
	symbol      string
	lastSpot    int64 // paise
	stableSince time.Time
	closeTime   time.Time
	captured    bool

	// StableFor is how long the spot must remain constant to be considered
	// settled. Default: 30 seconds.
	StableFor time.Duration

	// MaxGrace is the hard deadline after closeTime: if the spot has not
	// settled by then, the last seen value is taken. Default: 5 minutes.
	MaxGrace time.Duration
}

// New creates a Detector for one underlying and session close time.
func New(symbol string, closeTime time.Time) *Detector {
	return &Detector{
		symbol:    symbol,
		closeTime: closeTime,
		StableFor: 30 * time.Second,
		MaxGrace:  5 * time.Minute,
	}
}

// Captured reports whether the closing spot has been taken.
func (d *Detector) Captured() bool { return d.captured }

// ClosingSpot returns the settled closing spot in paise (valid once Captured).
func (d *Detector) ClosingSpot() int64 { return d.lastSpot }

// Observe records a spot tick and returns true exactly once, when the closing
// spot settles (or the hard deadline passes).
func (d *Detector) Observe(spot int64, now time.Time) bool {
	if d.captured {
		return false
	}

	if now.After(d.closeTime.Add(d.MaxGrace)) {
		d.lastSpot = spot
		d.captured = true
		log.Printf("[closedetector] %s: hard deadline %v passed, taking spot %d as close",
			d.symbol, d.MaxGrace, spot)
		return true
	}

	// Pre-close ticks just track the running spot.
	if !now.After(d.closeTime) {
		d.lastSpot = spot
		return false
	}

	if spot != d.lastSpot {
		d.lastSpot = spot
		d.stableSince = now
		return false
	}

	if d.stableSince.IsZero() {
		d.stableSince = now
		return false
	}

	if now.Sub(d.stableSince) >= d.StableFor {
		d.captured = true
		log.Printf("[closedetector] %s: spot %d stable for %v after close, closing spot captured",
			d.symbol, d.lastSpot, d.StableFor)
		return true
	}
	return false
}
