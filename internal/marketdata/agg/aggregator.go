// Package agg builds multi-timeframe OHLC bars from a stream of quote ticks.
// One Aggregator owns all per-(token, timeframe) buffers and runs in a single
// goroutine: ticks and timer flushes never race on a bucket.
package agg

import (
	"context"
	"log"
	"sync"
	"time"

	"optionflow/internal/model"
)

// bucket is one open (or just-closed) bar bucket.
type bucket struct {
	start  int64 // Unix second, TF-aligned
	bar    *model.Bar
	closed bool
}

// bufKey addresses one instrument's buffer for one timeframe.
type bufKey struct {
	token int64
	tf    int
}

// Config configures the aggregator.
type Config struct {
	// Timeframes are all aggregated bucket widths in seconds. Must be
	// non-empty.
	Timeframes []int

	// PersistSet is the subset of Timeframes authorized for durable storage.
	// Bars for other timeframes are still built and emitted for live
	// consumers but are never tagged persistable.
	PersistSet []int

	// Grace keeps a bucket open after its boundary so bounded out-of-order
	// ticks still land in it. Defaults to 2s.
	Grace time.Duration

	// FlushInterval is the boundary-check cadence. Defaults to 1s.
	FlushInterval time.Duration
}

func (c *Config) defaults() {
	if c.Grace == 0 {
		c.Grace = 2 * time.Second
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}
}

// Aggregator accumulates ticks into bars across all configured timeframes
// and emits finalized bars once a bucket's boundary plus grace has elapsed.
type Aggregator struct {
	mu      sync.Mutex
	cfg     Config
	persist map[int]bool
	buffers map[bufKey][]*bucket // ascending by start; last entry is current

	// Metrics hooks (optional, set externally).
	OnLateTick   func()       // tick older than the tolerance window
	OnDroppedBar func()       // output channel full
	OnBar        func(tf int) // finalized bar emitted
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	cfg.defaults()
	persist := make(map[int]bool, len(cfg.PersistSet))
	for _, tf := range cfg.PersistSet {
		persist[tf] = true
	}
	return &Aggregator{
		cfg:     cfg,
		persist: persist,
		buffers: make(map[bufKey][]*bucket),
	}
}

// Run consumes ticks from tickCh and emits finalized raw bars to barCh.
// Blocks until ctx is cancelled or tickCh is closed.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.QuoteTick, barCh chan<- model.Bar) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.FlushAll(barCh)
			return
		case tick, ok := <-tickCh:
			if !ok {
				a.FlushAll(barCh)
				return
			}
			a.ApplyTick(tick)
		case <-ticker.C:
			a.Flush(time.Now(), barCh)
		}
	}
}

// ApplyTick routes a tick into the matching bucket of every timeframe.
// A tick exactly on a boundary opens the new bucket (floor alignment); a tick
// older than the oldest held bucket is dropped and counted.
func (a *Aggregator) ApplyTick(tick model.QuoteTick) {
	ts := tick.TickTS.Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tf := range a.cfg.Timeframes {
		start := ts - ts%int64(tf)
		key := bufKey{token: tick.Token, tf: tf}
		buckets := a.buffers[key]

		if len(buckets) == 0 {
			a.buffers[key] = append(buckets, &bucket{start: start, bar: model.NewBar(tick, tf, start)})
			continue
		}

		last := buckets[len(buckets)-1]
		switch {
		case start == last.start:
			last.bar.Apply(tick)
		case start > last.start:
			// Boundary crossed: the old bucket stays queued for the timer
			// flush; open a fresh one.
			a.buffers[key] = append(buckets, &bucket{start: start, bar: model.NewBar(tick, tf, start)})
		default:
			// Out-of-order: apply to a still-held historical bucket, else
			// drop with a recorded skip.
			applied := false
			for _, b := range buckets {
				if b.start == start && !b.closed {
					b.bar.Apply(tick)
					applied = true
					break
				}
			}
			if !applied && a.OnLateTick != nil {
				a.OnLateTick()
			}
		}
	}
}

// Flush closes every bucket whose boundary plus grace has elapsed and emits
// it. The persist-set filter is applied here, at the flush site, for every
// finalized bar — persistence must never be decided on a path that skips
// this tagging.
func (a *Aggregator) Flush(now time.Time, barCh chan<- model.Bar) {
	nowUnix := now.Unix()
	grace := int64(a.cfg.Grace / time.Second)

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, buckets := range a.buffers {
		kept := buckets[:0]
		for _, b := range buckets {
			end := b.start + int64(key.tf)
			if nowUnix >= end+grace {
				a.finalize(b, key.tf, barCh)
			} else {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(a.buffers, key)
		} else {
			a.buffers[key] = kept
		}
	}
}

// FlushAll finalizes every open bucket regardless of boundary (shutdown
// path). The persist-set filter applies here exactly as in Flush.
func (a *Aggregator) FlushAll(barCh chan<- model.Bar) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, buckets := range a.buffers {
		for _, b := range buckets {
			a.finalize(b, key.tf, barCh)
		}
		delete(a.buffers, key)
	}
}

// finalize closes a bucket at-most-once, tags persistence, and emits the bar.
// Callers hold a.mu.
func (a *Aggregator) finalize(b *bucket, tf int, barCh chan<- model.Bar) {
	if b.closed {
		return
	}
	b.closed = true
	b.bar.Persist = a.persist[tf]

	select {
	case barCh <- *b.bar:
		if a.OnBar != nil {
			a.OnBar(tf)
		}
	default:
		if a.OnDroppedBar != nil {
			a.OnDroppedBar()
		} else {
			log.Printf("[agg] barCh full, dropping bar token=%d tf=%d ts=%v", b.bar.Token, tf, b.bar.TS)
		}
	}
}

// Timeframes returns the configured aggregation timeframes.
func (a *Aggregator) Timeframes() []int { return a.cfg.Timeframes }

// IsPersisted reports whether a timeframe is in the persist-set.
func (a *Aggregator) IsPersisted(tf int) bool { return a.persist[tf] }
