// Package replay re-emits persisted enriched bars from SQLite at a
// configurable speed, so downstream Redis consumers can be exercised against
// recorded sessions.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"optionflow/internal/model"
)

// BarSource reads persisted bars for one timeframe across all instruments.
type BarSource interface {
	ReadAllBars(tf int, fromTS int64) ([]model.EnrichedBar, error)
}

// Replayer streams historical bars from a BarSource into a channel, pacing
// emission by the recorded bucket-time gaps.
type Replayer struct {
	src BarSource
}

// New creates a Replayer over a bar source.
func New(src BarSource) *Replayer {
	return &Replayer{src: src}
}

// Run replays all bars for the given TFs into outCh in bucket-time order.
// speed controls playback: 1.0 = real-time, 10.0 = 10x, 0 = as fast as
// possible. fromTS filters bars to those at or after this Unix timestamp.
func (r *Replayer) Run(ctx context.Context, tfs []int, fromTS int64, speed float64, outCh chan<- model.EnrichedBar) error {
	var bars []model.EnrichedBar
	for _, tf := range tfs {
		tfBars, err := r.src.ReadAllBars(tf, fromTS)
		if err != nil {
			return err
		}
		bars = append(bars, tfBars...)
	}

	if len(bars) == 0 {
		log.Println("[replay] no bars found")
		return nil
	}

	// Bars from different TFs interleave; replay strictly by bucket time.
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })

	log.Printf("[replay] loaded %d bars across %d TFs, speed=%.1fx", len(bars), len(tfs), speed)

	var prevTS time.Time
	emitted := 0

	for _, b := range bars {
		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d bars", emitted)
			return ctx.Err()
		default:
		}

		if speed > 0 && !prevTS.IsZero() {
			gap := b.TS.Sub(prevTS)
			if gap > 0 {
				scaled := time.Duration(float64(gap) / speed)
				// Overnight and session gaps would stall playback for hours.
				if scaled > 5*time.Second {
					scaled = 5 * time.Second
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		prevTS = b.TS

		select {
		case <-ctx.Done():
			return ctx.Err()
		case outCh <- b:
		}
		emitted++
	}

	log.Printf("[replay] completed: %d bars replayed", emitted)
	return nil
}
