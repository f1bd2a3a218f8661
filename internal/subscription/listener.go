// Package subscription consumes instrument lifecycle events (created /
// removed) from a Redis Pub/Sub channel and triggers immediate backfills for
// newly tracked instruments. The message loop is strictly sequential so
// create/remove ordering per instrument is preserved; backfills are handed
// off without waiting.
package subscription

import (
	"context"
	"log"
	"sync/atomic"

	"optionflow/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Listener states.
const (
	StateStopped int32 = iota
	StateListening
)

// BackfillTrigger is the optional capability the listener hands created
// events to. Trigger must not block; it returns false when the request was
// deferred (queue full) so the regular scheduled cycle picks it up.
type BackfillTrigger interface {
	Trigger(token int64, symbol string) bool
}

// Config configures the listener.
type Config struct {
	Channel string // Pub/Sub channel carrying lifecycle events
}

// Listener is the subscription event consumer.
type Listener struct {
	cfg      Config
	client   *goredis.Client
	registry *model.Registry

	// coordinator is nil when no backfill capability is wired in; that is a
	// configured state checked once, not a runtime probe.
	coordinator   BackfillTrigger
	warnedNoCoord bool

	state int32

	// Metrics hooks (optional).
	OnMalformed func()
	OnUnknown   func()
	OnCreated   func()
	OnRemoved   func()
	OnDeferred  func() // backfill deferred to the scheduled cycle
}

// New creates a Listener. coordinator may be nil.
func New(cfg Config, client *goredis.Client, registry *model.Registry, coordinator BackfillTrigger) *Listener {
	if cfg.Channel == "" {
		cfg.Channel = "events:subscription"
	}
	return &Listener{
		cfg:         cfg,
		client:      client,
		registry:    registry,
		coordinator: coordinator,
	}
}

// State returns the current listener state.
func (l *Listener) State() int32 { return atomic.LoadInt32(&l.state) }

// Run subscribes to the lifecycle channel and processes messages until ctx
// is cancelled. No single event may halt the loop.
func (l *Listener) Run(ctx context.Context) {
	pubsub := l.client.Subscribe(ctx, l.cfg.Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("[subscription] subscribe to %s failed: %v", l.cfg.Channel, err)
		return
	}

	atomic.StoreInt32(&l.state, StateListening)
	defer atomic.StoreInt32(&l.state, StateStopped)
	log.Printf("[subscription] listening on %s", l.cfg.Channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.Handle([]byte(msg.Payload))
		}
	}
}

// Handle processes one raw lifecycle message. Malformed or unknown events
// are logged and skipped.
func (l *Listener) Handle(raw []byte) {
	ev, err := model.ParseSubscriptionEvent(raw)
	if err != nil {
		log.Printf("[subscription] %v (raw: %.200s)", err, raw)
		if l.OnMalformed != nil {
			l.OnMalformed()
		}
		return
	}

	switch ev.Kind() {
	case model.EventCreated:
		l.handleCreated(ev)
	case model.EventRemoved:
		l.handleRemoved(ev)
	default:
		log.Printf("[subscription] unknown event type %q for token %d, ignoring", ev.EventType, ev.Token)
		if l.OnUnknown != nil {
			l.OnUnknown()
		}
	}
}

func (l *Listener) handleCreated(ev *model.SubscriptionEvent) {
	if err := ev.Validate(); err != nil {
		log.Printf("[subscription] rejecting created event: %v", err)
		if l.OnMalformed != nil {
			l.OnMalformed()
		}
		return
	}

	l.registry.SetSubscribed(ev.Token, true)
	if l.OnCreated != nil {
		l.OnCreated()
	}

	if l.coordinator == nil {
		if !l.warnedNoCoord {
			l.warnedNoCoord = true
			log.Printf("[subscription] WARNING: no backfill coordinator configured; new instruments wait for the scheduled cycle")
		}
		return
	}

	// Non-blocking hand-off: a slow or failing backfill must not stall
	// event consumption.
	if !l.coordinator.Trigger(ev.Token, ev.Metadata.TradingSymbol) {
		log.Printf("[subscription] backfill queue full for token %d, deferring to scheduled cycle", ev.Token)
		if l.OnDeferred != nil {
			l.OnDeferred()
		}
	}
}

func (l *Listener) handleRemoved(ev *model.SubscriptionEvent) {
	if ev.Token <= 0 {
		log.Printf("[subscription] removal event without valid token, ignoring")
		if l.OnMalformed != nil {
			l.OnMalformed()
		}
		return
	}
	l.registry.SetSubscribed(ev.Token, false)
	if l.OnRemoved != nil {
		l.OnRemoved()
	}
	log.Printf("[subscription] token %d unsubscribed (%s)", ev.Token, ev.EventType)
}
