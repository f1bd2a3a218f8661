package model

import (
	"encoding/json"
	"time"
)

// Bar is the in-flight accumulator for one (token, timeframe, bucket).
// Owned exclusively by the aggregator until flush; prices in paise.
type Bar struct {
	Token int64     `json:"instrument_token"`
	TF    int       `json:"tf"` // timeframe width in seconds
	TS    time.Time `json:"ts"` // bucket start (UTC, TF-aligned)

	Open   int64 `json:"open"`
	High   int64 `json:"high"`
	Low    int64 `json:"low"`
	Close  int64 `json:"close"`
	Volume int64 `json:"volume"`
	OI     int64 `json:"oi"` // last cumulative OI seen in the bucket

	// Last best-book snapshot.
	BidPx  int64 `json:"bid_px"`
	BidQty int64 `json:"bid_qty"`
	AskPx  int64 `json:"ask_px"`
	AskQty int64 `json:"ask_qty"`

	// Running depth accumulators for microstructure metrics.
	CumBidQty int64 `json:"cum_bid_qty"`
	CumAskQty int64 `json:"cum_ask_qty"`

	TicksCount int `json:"ticks_count"`

	// Persist is set at flush time when TF is in the configured persist-set.
	// Only persist-tagged bars may ever reach the durable store.
	Persist bool `json:"-"`
}

// NewBar opens a bucket from its first tick.
func NewBar(tick QuoteTick, tf int, bucketStart int64) *Bar {
	return &Bar{
		Token:      tick.Token,
		TF:         tf,
		TS:         time.Unix(bucketStart, 0).UTC(),
		Open:       tick.Price,
		High:       tick.Price,
		Low:        tick.Price,
		Close:      tick.Price,
		Volume:     tick.Qty,
		OI:         tick.OI,
		BidPx:      tick.BidPx,
		BidQty:     tick.BidQty,
		AskPx:      tick.AskPx,
		AskQty:     tick.AskQty,
		CumBidQty:  tick.BidQty,
		CumAskQty:  tick.AskQty,
		TicksCount: 1,
	}
}

// Apply merges a tick into the bar. Caller guarantees the tick belongs to
// this bucket.
func (b *Bar) Apply(tick QuoteTick) {
	if tick.Price > b.High {
		b.High = tick.Price
	}
	if tick.Price < b.Low {
		b.Low = tick.Price
	}
	b.Close = tick.Price
	b.Volume += tick.Qty
	if tick.OI > 0 {
		b.OI = tick.OI
	}
	if tick.BidPx > 0 || tick.AskPx > 0 {
		b.BidPx = tick.BidPx
		b.BidQty = tick.BidQty
		b.AskPx = tick.AskPx
		b.AskQty = tick.AskQty
	}
	b.CumBidQty += tick.BidQty
	b.CumAskQty += tick.AskQty
	b.TicksCount++
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	j, _ := json.Marshal(b)
	return j
}
