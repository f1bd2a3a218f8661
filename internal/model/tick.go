package model

import "time"

// QuoteTick is a single parsed market data event for one instrument.
// Prices are stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
type QuoteTick struct {
	Token  int64     `json:"instrument_token"`
	Price  int64     `json:"price"` // last traded price, paise
	Qty    int64     `json:"qty"`   // incremental traded quantity
	BidPx  int64     `json:"bid_px"`
	BidQty int64     `json:"bid_qty"`
	AskPx  int64     `json:"ask_px"`
	AskQty int64     `json:"ask_qty"`
	OI     int64     `json:"oi"`      // cumulative open interest
	TickTS time.Time `json:"tick_ts"` // UTC timestamp
}
