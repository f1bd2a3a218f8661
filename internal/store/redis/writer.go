// Package redis is the live (non-durable) sink: every flushed bar — persisted
// or live-only — is published to Redis Streams and Pub/Sub for streaming
// consumers. Durability is the sqlite gateway's job, never this package's.
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"optionflow/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL = 30 * time.Minute

	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer publishes enriched bars to Redis behind a circuit breaker.
type Writer struct {
	client *goredis.Client
	cb     *Breaker

	// OnBreakerTrip is called when the breaker opens (optional).
	OnBreakerTrip func()
	// OnWrite is called with the wall time of each successful pipeline (optional).
	OnWrite func(d time.Duration)
}

// Client returns the underlying Redis client for health checks and pub/sub.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	w := &Writer{client: client, cb: NewBreaker(breakerMaxFailures, breakerResetTimeout)}
	w.cb.OnOpen = func() {
		if w.OnBreakerTrip != nil {
			w.OnBreakerTrip()
		}
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return w, nil
}

// Run reads enriched bars from barCh and publishes them.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.EnrichedBar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			w.writeBar(ctx, bar)
		}
	}
}

// Publish writes a single bar through the breaker. Used by the replayer;
// the live path goes through Run.
func (w *Writer) Publish(ctx context.Context, bar model.EnrichedBar) {
	w.writeBar(ctx, bar)
}

// writeBar performs the pipelined SET latest + XADD + PUBLISH for one bar.
// Rejected immediately while the breaker is open; live data is ephemeral so
// nothing is buffered.
func (w *Writer) writeBar(ctx context.Context, bar model.EnrichedBar) {
	start := time.Now()
	err := w.cb.Execute(func() error {
		tok := strconv.FormatInt(bar.Token, 10)
		streamKey := bar.StreamKey()
		latestKey := "bar:" + model.Itoa(bar.TF) + "s:latest:" + tok
		pubsubCh := "pub:" + streamKey
		jsonData := string(bar.JSON())

		// Proportional MAXLEN: ~3h of bars per TF, floor 200.
		maxLen := int64(10800/bar.TF) + 100
		if maxLen < 200 {
			maxLen = 200
		}

		pipe := w.client.Pipeline()
		pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey,
			MaxLen: maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Publish(ctx, pubsubCh, jsonData)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err == nil {
		if w.OnWrite != nil {
			w.OnWrite(time.Since(start))
		}
	} else if err != ErrBreakerOpen {
		log.Printf("[redis] pipeline error for %s: %v", bar.Key(), err)
	}
}

// BreakerState returns the current circuit breaker state for health export.
func (w *Writer) BreakerState() BreakerState { return w.cb.State() }

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
