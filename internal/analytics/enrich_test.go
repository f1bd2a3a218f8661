package analytics

import (
	"math"
	"testing"
	"time"

	"optionflow/internal/model"
)

// enrichFixture wires a registry with one NIFTY call, its put sibling, and a
// known spot, plus a deterministic pricing clock 30 days before expiry.
func enrichFixture() (*Enricher, *model.Instrument) {
	reg := model.NewRegistry()
	chain := NewChainTracker()

	expiry := time.Date(2026, 9, 24, 15, 30, 0, 0, time.UTC)
	call := &model.Instrument{
		Token:            501,
		TradingSymbol:    "NIFTY26SEP15000CE",
		Segment:          "NFO-OPT",
		UnderlyingSymbol: "NIFTY",
		Expiry:           expiry,
		Strike:           15000_00,
		OptionType:       model.OptionCall,
		StrikeStep:       50_00,
	}
	put := &model.Instrument{
		Token:            502,
		TradingSymbol:    "NIFTY26SEP15000PE",
		Segment:          "NFO-OPT",
		UnderlyingSymbol: "NIFTY",
		Expiry:           expiry,
		Strike:           15000_00,
		OptionType:       model.OptionPut,
		StrikeStep:       50_00,
	}
	reg.Register(call)
	reg.Register(put)
	reg.SetSpot("NIFTY", 15120_00)

	en := NewEnricher(0.07, reg, chain)
	en.Now = func() time.Time { return expiry.AddDate(0, 0, -30) }
	return en, call
}

func rawBar(token int64, closePaise int64) *model.Bar {
	return &model.Bar{
		Token:      token,
		TF:         60,
		TS:         time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Open:       closePaise - 500,
		High:       closePaise + 200,
		Low:        closePaise - 700,
		Close:      closePaise,
		Volume:     1500,
		OI:         250000,
		BidPx:      closePaise - 50,
		BidQty:     600,
		AskPx:      closePaise + 50,
		AskQty:     400,
		CumBidQty:  9000,
		CumAskQty:  6000,
		TicksCount: 25,
		Persist:    true,
	}
}

func TestEnrich_FullAnalytics(t *testing.T) {
	en, ins := enrichFixture()
	bar := rawBar(ins.Token, 250_00) // premium ₹250

	eb := en.Enrich(bar)

	if eb.TradingSymbol != ins.TradingSymbol {
		t.Errorf("symbol not resolved: %q", eb.TradingSymbol)
	}
	if eb.Premium != 250 {
		t.Errorf("premium: expected 250, got %v", eb.Premium)
	}
	if !eb.Persist {
		t.Error("persist tag lost through enrichment")
	}

	// Spot 15120, strike 15000 call: intrinsic 120.
	if eb.Intrinsic == nil || *eb.Intrinsic != 120 {
		t.Fatalf("intrinsic: expected 120, got %v", eb.Intrinsic)
	}
	if eb.Extrinsic == nil || *eb.Extrinsic != 130 {
		t.Errorf("extrinsic: expected 130, got %v", eb.Extrinsic)
	}

	if eb.IV == nil || *eb.IV <= 0 || *eb.IV >= 5 {
		t.Fatalf("IV out of range: %v", eb.IV)
	}
	if eb.Delta == nil || *eb.Delta <= 0 || *eb.Delta >= 1 {
		t.Errorf("call delta out of range: %v", eb.Delta)
	}
	if eb.ThetaDaily == nil || eb.Theta == nil ||
		math.Abs(*eb.ThetaDaily-*eb.Theta/365) > 1e-9 {
		t.Errorf("theta daily inconsistent: %v vs %v", eb.ThetaDaily, eb.Theta)
	}

	// IV comes from the book midpoint (250), premium is the trade (250): the
	// model must reprice the midpoint.
	if eb.ModelPrice == nil {
		t.Fatal("model price missing")
	}
	if math.Abs(*eb.ModelPrice-250) > 0.01 {
		t.Errorf("model price should reprice the midpoint: %v", *eb.ModelPrice)
	}
	if eb.PremiumDiscountAbs == nil || eb.PremiumDiscountPct == nil {
		t.Error("premium discount fields missing")
	}
}

func TestEnrich_DiscountFromSkewedBook(t *testing.T) {
	en, ins := enrichFixture()
	bar := rawBar(ins.Token, 250_00)
	// Book quotes well above the last trade: mid 255, trade 250.
	bar.BidPx = 253_00
	bar.AskPx = 257_00

	eb := en.Enrich(bar)
	if eb.ModelPrice == nil || eb.PremiumDiscountAbs == nil {
		t.Fatal("expected model price and discount")
	}
	if math.Abs(*eb.ModelPrice-255) > 0.01 {
		t.Errorf("model price should track the midpoint 255, got %v", *eb.ModelPrice)
	}
	if *eb.PremiumDiscountAbs >= 0 {
		t.Errorf("trade below mid must show a discount, got %v", *eb.PremiumDiscountAbs)
	}
}

func TestEnrich_DiscountArithmetic(t *testing.T) {
	en, ins := enrichFixture()
	// Trade at 175.50 against a book quoting mid 170.25.
	bar := rawBar(ins.Token, 175_50)
	bar.BidPx = 169_75
	bar.AskPx = 170_75

	eb := en.Enrich(bar)
	if eb.ModelPrice == nil || eb.PremiumDiscountAbs == nil || eb.PremiumDiscountPct == nil {
		t.Fatal("expected model price and discount fields")
	}
	if math.Abs(*eb.ModelPrice-170.25) > 0.01 {
		t.Fatalf("model price should reprice the midpoint 170.25, got %v", *eb.ModelPrice)
	}
	if math.Abs(*eb.PremiumDiscountAbs-5.25) > 0.02 {
		t.Errorf("discount abs: expected 5.25, got %v", *eb.PremiumDiscountAbs)
	}
	if math.Abs(*eb.PremiumDiscountPct-3.08) > 0.02 {
		t.Errorf("discount pct: expected about 3.08, got %v", *eb.PremiumDiscountPct)
	}
}

func TestEnrich_Microstructure(t *testing.T) {
	en, ins := enrichFixture()
	bar := rawBar(ins.Token, 250_00)

	eb := en.Enrich(bar)

	if eb.SpreadAbs == nil || *eb.SpreadAbs != 1 {
		t.Errorf("spread abs: expected 1, got %v", eb.SpreadAbs)
	}
	if eb.SpreadPct == nil || math.Abs(*eb.SpreadPct-0.4) > 1e-9 {
		t.Errorf("spread pct: expected 0.4, got %v", eb.SpreadPct)
	}
	// BidQty 600, AskQty 400: pressure (600-400)/1000 = 0.2.
	if eb.BookPressure == nil || math.Abs(*eb.BookPressure-0.2) > 1e-9 {
		t.Errorf("book pressure: expected 0.2, got %v", eb.BookPressure)
	}
	// Cum 9000/6000: imbalance 3000/15000 = 0.2.
	if eb.DepthImbalance == nil || math.Abs(*eb.DepthImbalance-0.2) > 1e-9 {
		t.Errorf("depth imbalance: expected 0.2, got %v", eb.DepthImbalance)
	}
	// Microprice weights the ask by bid qty: (250.5*600 + 249.5*400)/1000.
	if eb.Microprice == nil || math.Abs(*eb.Microprice-250.1) > 1e-9 {
		t.Errorf("microprice: expected 250.1, got %v", eb.Microprice)
	}
	if eb.LiquidityScore == nil || *eb.LiquidityScore < 0 || *eb.LiquidityScore > 100 {
		t.Errorf("liquidity score out of [0,100]: %v", eb.LiquidityScore)
	}
}

func TestEnrich_CrossedBookSkipsMicro(t *testing.T) {
	en, ins := enrichFixture()
	bar := rawBar(ins.Token, 250_00)
	bar.BidPx = 251_00
	bar.AskPx = 249_00 // crossed

	eb := en.Enrich(bar)
	if eb.SpreadAbs != nil || eb.BookPressure != nil || eb.Microprice != nil {
		t.Error("crossed book must not produce microstructure fields")
	}
}

func TestEnrich_UnknownInstrumentStillEmits(t *testing.T) {
	en, _ := enrichFixture()
	bar := rawBar(999, 250_00) // not in registry

	eb := en.Enrich(bar)
	if eb.Token != 999 || eb.Close != 250_00 {
		t.Errorf("OHLC passthrough broken: %+v", eb)
	}
	if eb.IV != nil || eb.Delta != nil || eb.Moneyness != "" {
		t.Error("unknown instrument must not get option analytics")
	}
	if eb.SpreadAbs == nil {
		t.Error("microstructure needs only the book, not the catalog")
	}
}

func TestEnrich_MissingSpotSkipsPricing(t *testing.T) {
	en, ins := enrichFixture()
	reg := en.Registry
	// Fresh registry without a spot for the underlying.
	newReg := model.NewRegistry()
	for _, tok := range []int64{501, 502} {
		if i := reg.Lookup(tok); i != nil {
			newReg.Register(i)
		}
	}
	en.Registry = newReg

	eb := en.Enrich(rawBar(ins.Token, 250_00))
	if eb.IV != nil || eb.Intrinsic != nil || eb.Moneyness != "" {
		t.Error("pricing fields must be nil without a spot")
	}
	if eb.TradingSymbol != ins.TradingSymbol {
		t.Error("symbol resolution should not need a spot")
	}
}

func TestEnrich_Moneyness(t *testing.T) {
	en, _ := enrichFixture()
	// Spot 15120 with 50-rupee steps: ATM strike rounds to 15100.
	cases := []struct {
		strike int64
		typ    model.OptionType
		want   string
	}{
		{15100_00, model.OptionCall, "ATM"},
		{15000_00, model.OptionCall, "ITM2"},
		{15250_00, model.OptionCall, "OTM3"},
		{15200_00, model.OptionPut, "ITM2"},
		{15050_00, model.OptionPut, "OTM1"},
	}
	for _, tc := range cases {
		ins := &model.Instrument{
			Token:            601,
			TradingSymbol:    "X",
			UnderlyingSymbol: "NIFTY",
			Expiry:           time.Date(2026, 9, 24, 15, 30, 0, 0, time.UTC),
			Strike:           tc.strike,
			OptionType:       tc.typ,
			StrikeStep:       50_00,
		}
		en.Registry.Register(ins)
		eb := en.Enrich(rawBar(601, 100_00))
		if eb.Moneyness != tc.want {
			t.Errorf("strike=%d %s: expected %s, got %s",
				tc.strike/100, tc.typ, tc.want, eb.Moneyness)
		}
	}
}

func TestEnrich_StrikePCRFlowsThrough(t *testing.T) {
	en, call := enrichFixture()
	put := en.Registry.Lookup(502)

	en.Chain.Observe(call, 20000)
	en.Chain.Observe(put, 30000)

	eb := en.Enrich(rawBar(call.Token, 250_00))
	if eb.PCR == nil || *eb.PCR != 1.5 {
		t.Errorf("expected PCR 1.5 on the enriched bar, got %v", eb.PCR)
	}
}
