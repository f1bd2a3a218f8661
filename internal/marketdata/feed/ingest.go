// Package feed connects to the quote WebSocket server and streams normalized
// option quotes into the aggregation pipeline.
//
// The expected JSON message format on the wire is model.QuoteTick:
//
//	{"token":67890,"price":1525,"qty":50,"bid_px":1520,"bid_qty":600,
//	 "ask_px":1530,"ask_qty":450,"oi":1250000,"tick_ts":"..."}
//
// Disconnects reconnect automatically with exponential backoff; ticks for
// instruments the registry does not track are passed through (the aggregator
// buckets by token either way).
package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"time"

	"optionflow/internal/model"

	"github.com/gorilla/websocket"
)

// Config holds configuration for the quote feed.
type Config struct {
	// URL of the quote WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Ingest connects to the quote WebSocket and pushes model.QuoteTick values
// into tickCh.
type Ingest struct {
	cfg Config

	// Optional hooks.
	OnReconnect func()
	OnDropped   func() // tickCh full, tick discarded
}

// New creates a new Ingest. Returns an error if the URL is unparseable.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &Ingest{cfg: cfg}, nil
}

// Start connects and streams ticks into tickCh. Blocks until ctx is
// cancelled. Reconnects automatically on disconnect.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.QuoteTick) error {
	delay := ing.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := ing.runOnce(ctx, tickCh)
		if err == nil {
			// Context cancelled cleanly
			return nil
		}

		log.Printf("[feed] disconnected (%v), reconnecting in %s...", err, delay)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel.
func (ing *Ingest) runOnce(ctx context.Context, tickCh chan<- model.QuoteTick) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[feed] connected to %s", ing.cfg.URL)

	// Context watcher closes the connection when ctx is cancelled; done ties
	// its lifetime to this connection so reconnects don't pile up watchers.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var tick model.QuoteTick
		if err := json.Unmarshal(raw, &tick); err != nil {
			log.Printf("[feed] parse error: %v (raw: %.200s)", err, raw)
			continue
		}

		if tick.Token <= 0 {
			log.Printf("[feed] skipping tick without token")
			continue
		}
		if tick.TickTS.IsZero() {
			tick.TickTS = time.Now().UTC()
		}

		select {
		case tickCh <- tick:
		default:
			if ing.OnDropped != nil {
				ing.OnDropped()
			}
			log.Println("[feed] tickCh full, dropping tick")
		}
	}
}
