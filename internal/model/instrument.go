package model

import (
	"sync"
	"time"
)

// OptionType classifies an instrument within an option chain.
type OptionType string

const (
	OptionCall       OptionType = "CALL"
	OptionPut        OptionType = "PUT"
	OptionFuture     OptionType = "FUTURE"
	OptionUnderlying OptionType = "UNDERLYING"
)

// Instrument represents a tradeable contract. Immutable once registered;
// looked up by token.
type Instrument struct {
	Token            int64      `json:"instrument_token"`
	TradingSymbol    string     `json:"trading_symbol"`
	Segment          string     `json:"segment"` // e.g. NFO-OPT, NFO-FUT, NSE
	UnderlyingSymbol string     `json:"underlying_symbol"`
	Expiry           time.Time  `json:"expiry"`
	Strike           int64      `json:"strike"` // paise
	OptionType       OptionType `json:"option_type"`
	LotSize          int        `json:"lot_size"`
	StrikeStep       int64      `json:"strike_step"` // chain strike spacing in paise
}

// IsOption reports whether the instrument carries option analytics.
func (i *Instrument) IsOption() bool {
	return i.OptionType == OptionCall || i.OptionType == OptionPut
}

// Registry is the in-memory instrument catalog. It also tracks the last seen
// underlying spot price (needed by the enricher) and which tokens are
// currently subscribed.
type Registry struct {
	mu         sync.RWMutex
	byToken    map[int64]*Instrument
	spots      map[string]int64     // underlying symbol → last spot (paise)
	pins       map[string]time.Time // underlying symbol → spot pinned until
	subscribed map[int64]bool

	// OnSpot is called after each accepted SetSpot, outside the lock.
	// Invoked from the spot writer's goroutine; not called by PinSpot.
	OnSpot func(symbol string, spot int64)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byToken:    make(map[int64]*Instrument),
		spots:      make(map[string]int64),
		pins:       make(map[string]time.Time),
		subscribed: make(map[int64]bool),
	}
}

// Register adds an instrument. Re-registering the same token replaces the
// entry (instrument metadata itself never mutates in place).
func (r *Registry) Register(ins *Instrument) {
	r.mu.Lock()
	r.byToken[ins.Token] = ins
	r.mu.Unlock()
}

// Lookup returns the instrument for a token, or nil if unknown.
func (r *Registry) Lookup(token int64) *Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byToken[token]
}

// SetSpot records the last underlying price for a symbol (paise). Updates are
// ignored while the symbol's spot is pinned; an expired pin is cleared and the
// update applies normally.
func (r *Registry) SetSpot(symbol string, spot int64) {
	r.mu.Lock()
	if until, ok := r.pins[symbol]; ok {
		if time.Now().Before(until) {
			r.mu.Unlock()
			return
		}
		delete(r.pins, symbol)
	}
	r.spots[symbol] = spot
	r.mu.Unlock()
	if r.OnSpot != nil {
		r.OnSpot(symbol, spot)
	}
}

// PinSpot fixes a symbol's spot until the given time. Used to hold the settled
// closing spot so post-close straggler ticks cannot move it before the next
// session opens.
func (r *Registry) PinSpot(symbol string, spot int64, until time.Time) {
	r.mu.Lock()
	r.spots[symbol] = spot
	r.pins[symbol] = until
	r.mu.Unlock()
}

// Spot returns the last underlying price for a symbol and whether one exists.
func (r *Registry) Spot(symbol string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.spots[symbol]
	return s, ok
}

// SetSubscribed flips subscription bookkeeping for a token.
func (r *Registry) SetSubscribed(token int64, on bool) {
	r.mu.Lock()
	if on {
		r.subscribed[token] = true
	} else {
		delete(r.subscribed, token)
	}
	r.mu.Unlock()
}

// IsSubscribed reports whether a token is currently subscribed.
func (r *Registry) IsSubscribed(token int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscribed[token]
}

// SubscribedTokens returns a snapshot of all subscribed tokens.
func (r *Registry) SubscribedTokens() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.subscribed))
	for t := range r.subscribed {
		out = append(out, t)
	}
	return out
}
