// Package backfill populates recent history for newly subscribed instruments
// so their series are queryable within seconds. Work runs on a bounded queue
// and a fixed worker pool; everything written goes through the same enricher
// and persistence gateway as the live flush path, so overlapping or repeated
// backfills converge by upsert idempotency.
package backfill

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"optionflow/internal/analytics"
	"optionflow/internal/logger"
	"optionflow/internal/markethours"
	"optionflow/internal/model"
)

// HistoricalSource fetches minute bars from the external history store.
type HistoricalSource interface {
	FetchMinuteBars(ctx context.Context, token int64, from, to time.Time) ([]model.Bar, error)
}

// Gateway is the durable sink shared with the live flush path.
type Gateway interface {
	UpsertBars(bars []model.EnrichedBar) error
}

// Config configures the coordinator.
type Config struct {
	Lookback  time.Duration // immediate-backfill window; default 2h
	Workers   int           // concurrent backfills; default 2
	QueueSize int           // pending task bound; default 32

	// PersistSet are the timeframes written durably; minute bars are
	// resampled into each of them.
	PersistSet []int
}

func (c *Config) defaults() {
	if c.Lookback == 0 {
		c.Lookback = 2 * time.Hour
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.QueueSize == 0 {
		c.QueueSize = 32
	}
}

// task is one queued backfill request.
type task struct {
	token  int64
	symbol string
}

// Coordinator executes bounded, idempotent historical backfills.
type Coordinator struct {
	cfg      Config
	source   HistoricalSource
	gateway  Gateway
	enricher *analytics.Enricher
	registry *model.Registry
	chain    *analytics.ChainTracker

	queue chan task

	mu       sync.Mutex
	inflight map[int64]bool

	// Now is the window clock; overridable in tests.
	Now func() time.Time

	// Metrics hooks (optional).
	OnCompleted func(token int64, bars int)
	OnFailed    func(token int64)
}

// New creates a Coordinator.
func New(cfg Config, source HistoricalSource, gateway Gateway, enricher *analytics.Enricher, registry *model.Registry, chain *analytics.ChainTracker) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:      cfg,
		source:   source,
		gateway:  gateway,
		enricher: enricher,
		registry: registry,
		chain:    chain,
		queue:    make(chan task, cfg.QueueSize),
		inflight: make(map[int64]bool),
		Now:      time.Now,
	}
}

// Trigger enqueues an immediate backfill without blocking. Returns false when
// the request was deferred: queue full, or the token already has a backfill
// in flight or queued (repeats converge to the same rows anyway).
func (c *Coordinator) Trigger(token int64, symbol string) bool {
	c.mu.Lock()
	if c.inflight[token] {
		c.mu.Unlock()
		return true // already covered; nothing deferred
	}
	c.inflight[token] = true
	c.mu.Unlock()

	select {
	case c.queue <- task{token: token, symbol: symbol}:
		return true
	default:
		c.clearInflight(token)
		return false
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. In-flight
// tasks are abandoned best-effort on shutdown; partial completion is safe
// because persistence is idempotent.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-c.queue:
					if err := c.run(ctx, t); err != nil {
						log.Printf("[backfill] token=%d symbol=%s failed: %v (scheduled cycle will cover it)", t.token, t.symbol, err)
						if c.OnFailed != nil {
							c.OnFailed(t.token)
						}
					}
					c.clearInflight(t.token)
				}
			}
		}(i)
	}
	log.Printf("[backfill] %d workers started (lookback=%v, queue=%d)", c.cfg.Workers, c.cfg.Lookback, c.cfg.QueueSize)
	wg.Wait()
}

// RunScheduled re-enqueues every subscribed instrument on a fixed cadence —
// the eventual-consistency fallback when immediate backfills were deferred
// or failed. Blocks until ctx is cancelled.
func (c *Coordinator) RunScheduled(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, token := range c.registry.SubscribedTokens() {
				ins := c.registry.Lookup(token)
				symbol := ""
				if ins != nil {
					symbol = ins.TradingSymbol
				}
				c.Trigger(token, symbol)
			}
		}
	}
}

// Backfill runs one bounded backfill synchronously: fetch, resample into the
// persist-set timeframes, enrich, upsert. Exposed for direct invocation; the
// worker pool calls it through run.
func (c *Coordinator) Backfill(ctx context.Context, token int64, from, to time.Time) (int, error) {
	minuteBars, err := c.source.FetchMinuteBars(ctx, token, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch history: %w", err)
	}
	if len(minuteBars) == 0 {
		return 0, nil
	}

	ins := c.registry.Lookup(token)

	var enriched []model.EnrichedBar
	for _, tf := range c.cfg.PersistSet {
		for _, bar := range resample(minuteBars, tf) {
			bar.Persist = true
			c.chain.Observe(ins, bar.OI)
			enriched = append(enriched, c.enricher.Enrich(&bar))
		}
	}

	if err := c.gateway.UpsertBars(enriched); err != nil {
		return 0, fmt.Errorf("upsert history: %w", err)
	}
	return len(enriched), nil
}

func (c *Coordinator) run(ctx context.Context, t task) error {
	now := c.Now()
	from, to, ok := markethours.ClampWindow(now.Add(-c.cfg.Lookback), now)
	if !ok {
		log.Printf("[backfill] token=%d: no tradable time in lookback window, skipping", t.token)
		return nil
	}

	// Trace ID ties the history fetch and the upsert to one backfill run.
	tid := logger.GenerateTraceID(t.token, now)
	ctx = logger.WithTraceID(ctx, tid)

	start := time.Now()
	n, err := c.Backfill(ctx, t.token, from, to)
	if err != nil {
		return fmt.Errorf("trace=%s: %w", tid, err)
	}
	log.Printf("[backfill] trace=%s token=%d symbol=%s wrote %d bars [%s, %s) in %v",
		tid, t.token, t.symbol, n, from.Format("15:04"), to.Format("15:04"), time.Since(start))
	if c.OnCompleted != nil {
		c.OnCompleted(t.token, n)
	}
	return nil
}

func (c *Coordinator) clearInflight(token int64) {
	c.mu.Lock()
	delete(c.inflight, token)
	c.mu.Unlock()
}

// resample merges 60s bars into tf-second buckets (floor alignment). Minute
// bars pass through when tf is 60.
func resample(minuteBars []model.Bar, tf int) []model.Bar {
	if tf == 60 {
		out := make([]model.Bar, len(minuteBars))
		copy(out, minuteBars)
		return out
	}

	byBucket := make(map[int64]*model.Bar)
	var order []int64
	for i := range minuteBars {
		mb := &minuteBars[i]
		ts := mb.TS.Unix()
		start := ts - ts%int64(tf)

		b, ok := byBucket[start]
		if !ok {
			nb := *mb
			nb.TF = tf
			nb.TS = time.Unix(start, 0).UTC()
			byBucket[start] = &nb
			order = append(order, start)
			continue
		}
		if mb.High > b.High {
			b.High = mb.High
		}
		if mb.Low < b.Low {
			b.Low = mb.Low
		}
		b.Close = mb.Close
		b.Volume += mb.Volume
		if mb.OI > 0 {
			b.OI = mb.OI
		}
		b.TicksCount += mb.TicksCount
	}

	out := make([]model.Bar, 0, len(order))
	for _, start := range order {
		out = append(out, *byBucket[start])
	}
	return out
}
