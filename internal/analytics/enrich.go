package analytics

import (
	"math"
	"time"

	"optionflow/internal/model"
)

const (
	yearSeconds = 365.0 * 24 * 3600
	// depthNormQty normalizes book depth for the liquidity score: a bar whose
	// combined best-quote depth reaches this many units scores full depth.
	depthNormQty = 5000.0
)

// Enricher turns finalized raw bars into enriched bars. It is a pure
// transform over (bar, instrument, spot, chain state); chain OI updates are
// the caller's responsibility via ChainTracker.Observe.
type Enricher struct {
	Rate     float64 // annual risk-free rate, e.g. 0.07
	Registry *model.Registry
	Chain    *ChainTracker

	// Now is the pricing clock; defaults to time.Now. Overridable in tests.
	Now func() time.Time
}

// NewEnricher wires an enricher with the standard clock.
func NewEnricher(rate float64, reg *model.Registry, chain *ChainTracker) *Enricher {
	return &Enricher{Rate: rate, Registry: reg, Chain: chain, Now: time.Now}
}

// Enrich computes the full derived field set for a finalized bar. Fields
// whose inputs are missing come back nil rather than failing the bar.
func (en *Enricher) Enrich(bar *model.Bar) model.EnrichedBar {
	eb := model.EnrichedBar{
		Token:      bar.Token,
		TF:         bar.TF,
		TS:         bar.TS,
		Open:       bar.Open,
		High:       bar.High,
		Low:        bar.Low,
		Close:      bar.Close,
		Volume:     bar.Volume,
		OI:         bar.OI,
		TicksCount: bar.TicksCount,
		Premium:    rupees(bar.Close),
		Persist:    bar.Persist,
	}

	enrichMicrostructure(&eb, bar)

	ins := en.Registry.Lookup(bar.Token)
	if ins == nil {
		return eb
	}
	eb.TradingSymbol = ins.TradingSymbol
	if !ins.IsOption() {
		return eb
	}

	eb.PCR = en.Chain.StrikePCR(ins)

	spotPaise, haveSpot := en.Registry.Spot(ins.UnderlyingSymbol)
	if !haveSpot || spotPaise <= 0 {
		return eb
	}
	spot := rupees(spotPaise)
	strike := rupees(ins.Strike)
	call := ins.OptionType == model.OptionCall

	eb.Moneyness = classifyMoneyness(ins, spotPaise)

	var intrinsic float64
	if call {
		intrinsic = math.Max(0, spot-strike)
	} else {
		intrinsic = math.Max(0, strike-spot)
	}
	eb.Intrinsic = model.Float64(intrinsic)
	eb.Extrinsic = model.Float64(eb.Premium - intrinsic)

	now := time.Now
	if en.Now != nil {
		now = en.Now
	}
	t := ins.Expiry.Sub(now()).Seconds() / yearSeconds
	if t <= 0 {
		return eb
	}

	// IV is solved from the book midpoint when a two-sided quote exists, so
	// the model price reflects where the market quotes rather than the last
	// trade; the premium/model gap is then the traded discount. Falls back
	// to the traded premium when the book is one-sided.
	ivSource := eb.Premium
	if bar.BidPx > 0 && bar.AskPx > 0 {
		ivSource = rupees((bar.BidPx + bar.AskPx) / 2)
	}
	iv, ok := ImpliedVol(ivSource, spot, strike, en.Rate, t, call)
	if !ok {
		return eb
	}
	eb.IV = model.Float64(iv)

	g := BSGreeks(spot, strike, en.Rate, iv, t, call)
	eb.Delta = model.Float64(g.Delta)
	eb.Gamma = model.Float64(g.Gamma)
	eb.Theta = model.Float64(g.Theta)
	eb.ThetaDaily = model.Float64(g.ThetaDaily)
	eb.Vega = model.Float64(g.Vega)
	eb.Rho = model.Float64(g.Rho)

	modelPrice := BSPrice(spot, strike, en.Rate, iv, t, call)
	eb.ModelPrice = model.Float64(modelPrice)
	eb.PremiumDiscountAbs = model.Float64(eb.Premium - modelPrice)
	if modelPrice != 0 {
		eb.PremiumDiscountPct = model.Float64((eb.Premium - modelPrice) / modelPrice * 100)
	}
	return eb
}

// enrichMicrostructure fills the book-derived metrics from the bar's last
// snapshot and depth accumulators.
func enrichMicrostructure(eb *model.EnrichedBar, bar *model.Bar) {
	if bar.BidPx <= 0 || bar.AskPx <= 0 || bar.AskPx < bar.BidPx {
		return
	}
	bid := rupees(bar.BidPx)
	ask := rupees(bar.AskPx)
	mid := (bid + ask) / 2

	spread := ask - bid
	eb.SpreadAbs = model.Float64(spread)
	spreadPct := 0.0
	if mid > 0 {
		spreadPct = spread / mid * 100
		eb.SpreadPct = model.Float64(spreadPct)
	}

	if bar.BidQty+bar.AskQty > 0 {
		bq := float64(bar.BidQty)
		aq := float64(bar.AskQty)
		eb.BookPressure = model.Float64(clamp((bq-aq)/(bq+aq), -1, 1))
		eb.Microprice = model.Float64((ask*bq + bid*aq) / (bq + aq))
	}

	if bar.CumBidQty+bar.CumAskQty > 0 {
		cb := float64(bar.CumBidQty)
		ca := float64(bar.CumAskQty)
		eb.DepthImbalance = model.Float64(clamp((cb-ca)/(cb+ca), -1, 1))
	}

	// Liquidity score blends spread tightness (60%) with quoted depth (40%).
	spreadScore := 100 / (1 + spreadPct)
	depthScore := 100 * math.Min(1, float64(bar.BidQty+bar.AskQty)/depthNormQty)
	eb.LiquidityScore = model.Float64(clamp(0.6*spreadScore+0.4*depthScore, 0, 100))
}

// classifyMoneyness buckets the strike against the ATM strike derived from
// spot rounded to the contract's strike spacing: ATM, ITMn, OTMn.
func classifyMoneyness(ins *model.Instrument, spotPaise int64) string {
	step := ins.StrikeStep
	if step <= 0 {
		return ""
	}
	atm := ((spotPaise + step/2) / step) * step
	diff := ins.Strike - atm
	n := diff / step
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return "ATM"
	}
	itm := (ins.OptionType == model.OptionCall && ins.Strike < atm) ||
		(ins.OptionType == model.OptionPut && ins.Strike > atm)
	if itm {
		return "ITM" + model.Itoa(int(n))
	}
	return "OTM" + model.Itoa(int(n))
}

func rupees(paise int64) float64 { return float64(paise) / 100 }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
