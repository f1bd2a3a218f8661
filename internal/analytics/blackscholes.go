// Package analytics derives option pricing, Greeks, open-interest and
// market-microstructure fields for finalized bars. All functions are
// deterministic; inputs in rupees, time in year fractions.
package analytics

import "math"

// Greeks holds Black-Scholes sensitivities. Vega and Rho are per 1% move
// (divided by 100), Theta is per year with ThetaDaily = Theta/365.
type Greeks struct {
	Delta      float64
	Gamma      float64
	Theta      float64
	ThetaDaily float64
	Vega       float64
	Rho        float64
}

const (
	ivLo      = 0.001
	ivHi      = 5.0
	ivEps     = 1e-6
	ivMaxIter = 100
)

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// BSPrice returns the Black-Scholes price of a European option.
// spot, strike in rupees; r and sigma annualized; t in years; call selects
// the side. Degenerate inputs (t<=0 or sigma<=0) collapse to intrinsic.
func BSPrice(spot, strike, r, sigma, t float64, call bool) float64 {
	if t <= 0 || sigma <= 0 {
		if call {
			return math.Max(0, spot-strike)
		}
		return math.Max(0, strike-spot)
	}
	d1 := (math.Log(spot/strike) + (r+sigma*sigma/2)*t) / (sigma * math.Sqrt(t))
	d2 := d1 - sigma*math.Sqrt(t)
	if call {
		return spot*normCDF(d1) - strike*math.Exp(-r*t)*normCDF(d2)
	}
	return strike*math.Exp(-r*t)*normCDF(-d2) - spot*normCDF(-d1)
}

// BSGreeks returns the full Greek set at the given vol.
func BSGreeks(spot, strike, r, sigma, t float64, call bool) Greeks {
	if t <= 0 || sigma <= 0 || spot <= 0 || strike <= 0 {
		return Greeks{}
	}
	sqt := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (r+sigma*sigma/2)*t) / (sigma * sqt)
	d2 := d1 - sigma*sqt

	var g Greeks
	g.Gamma = normPDF(d1) / (spot * sigma * sqt)
	g.Vega = spot * normPDF(d1) * sqt / 100

	if call {
		g.Delta = normCDF(d1)
		g.Theta = -spot*normPDF(d1)*sigma/(2*sqt) - r*strike*math.Exp(-r*t)*normCDF(d2)
		g.Rho = strike * t * math.Exp(-r*t) * normCDF(d2) / 100
	} else {
		g.Delta = normCDF(d1) - 1
		g.Theta = -spot*normPDF(d1)*sigma/(2*sqt) + r*strike*math.Exp(-r*t)*normCDF(-d2)
		g.Rho = -strike * t * math.Exp(-r*t) * normCDF(-d2) / 100
	}
	g.ThetaDaily = g.Theta / 365
	return g
}

// ImpliedVol solves for the vol that reproduces price via bisection.
// Returns (vol, true) on convergence; (0, false) when the price lies outside
// the attainable range (e.g. below intrinsic) or inputs are degenerate.
func ImpliedVol(price, spot, strike, r, t float64, call bool) (float64, bool) {
	if price <= 0 || spot <= 0 || strike <= 0 || t <= 0 {
		return 0, false
	}
	lo, hi := ivLo, ivHi
	pLo := BSPrice(spot, strike, r, lo, t, call)
	pHi := BSPrice(spot, strike, r, hi, t, call)
	if price < pLo || price > pHi {
		return 0, false
	}
	for i := 0; i < ivMaxIter; i++ {
		mid := (lo + hi) / 2
		p := BSPrice(spot, strike, r, mid, t, call)
		if math.Abs(p-price) < ivEps {
			return mid, true
		}
		if p < price {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2, true
}
