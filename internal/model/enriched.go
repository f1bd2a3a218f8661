package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// EnrichedBar is a finalized bar plus derived analytics. Immutable once
// written; identified by (Token, TF, TS). OHLC stays in paise, all derived
// analytics are rupees (float64). Fields that cannot be computed for a given
// bar (missing spot, zero model price, no chain data) are nil.
type EnrichedBar struct {
	Token         int64     `json:"instrument_token"`
	TradingSymbol string    `json:"trading_symbol"`
	TF            int       `json:"tf"`
	TS            time.Time `json:"ts"`

	Open       int64 `json:"open"`
	High       int64 `json:"high"`
	Low        int64 `json:"low"`
	Close      int64 `json:"close"`
	Volume     int64 `json:"volume"`
	OI         int64 `json:"oi"`
	TicksCount int   `json:"ticks_count"`

	// Pricing / Greeks
	IV         *float64 `json:"iv"`
	Delta      *float64 `json:"delta"`
	Gamma      *float64 `json:"gamma"`
	Theta      *float64 `json:"theta"`
	ThetaDaily *float64 `json:"theta_daily"`
	Vega       *float64 `json:"vega"`
	Rho        *float64 `json:"rho"`

	Premium            float64  `json:"premium"` // = close in rupees
	Intrinsic          *float64 `json:"intrinsic"`
	Extrinsic          *float64 `json:"extrinsic"`
	ModelPrice         *float64 `json:"model_price"`
	PremiumDiscountAbs *float64 `json:"premium_discount_abs"`
	PremiumDiscountPct *float64 `json:"premium_discount_pct"`

	// Open interest analytics
	PCR *float64 `json:"pcr"` // strike-level put OI / call OI

	// Microstructure
	SpreadAbs      *float64 `json:"spread_abs"`
	SpreadPct      *float64 `json:"spread_pct"`
	DepthImbalance *float64 `json:"depth_imbalance"`
	BookPressure   *float64 `json:"book_pressure"` // clamped to [-1, 1]
	Microprice     *float64 `json:"microprice"`
	LiquidityScore *float64 `json:"liquidity_score"` // clamped to [0, 100]

	Moneyness string `json:"moneyness"` // ATM, ITM1.., OTM1.., or ""

	// Persist mirrors Bar.Persist: true only for persist-set timeframes.
	Persist bool `json:"-"`
}

// Key returns the durable identity "token:tf:ts".
func (e *EnrichedBar) Key() string {
	return strconv.FormatInt(e.Token, 10) + ":" + itoa(e.TF) + ":" + strconv.FormatInt(e.TS.Unix(), 10)
}

// StreamKey returns the Redis stream key: "bar:{TF}s:{token}".
func (e *EnrichedBar) StreamKey() string {
	return "bar:" + itoa(e.TF) + "s:" + strconv.FormatInt(e.Token, 10)
}

// JSON returns the JSON-encoded bar.
func (e *EnrichedBar) JSON() []byte {
	j, _ := json.Marshal(e)
	return j
}

// Float64 returns a pointer to v. Helper for nullable analytics fields.
func Float64(v float64) *float64 { return &v }

// Itoa exposes the allocation-light int formatter to sibling packages.
func Itoa(n int) string { return itoa(n) }

// itoa is a minimal int-to-string without importing strconv in hot paths.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
