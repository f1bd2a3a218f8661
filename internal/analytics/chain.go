package analytics

import (
	"sort"
	"sync"
	"time"

	"optionflow/internal/model"
)

// strikeOI is the latest call/put open interest at one strike.
type strikeOI struct {
	callOI int64
	putOI  int64
}

// chainKey identifies one option chain: underlying symbol + expiry date.
type chainKey struct {
	underlying string
	expiry     int64 // expiry date as Unix day-truncated seconds
}

// ChainTracker holds the latest open interest per strike across all tracked
// option chains. Flush and backfill paths call Observe before enrichment so
// strike-level PCR and expiry aggregates see the freshest OI.
type ChainTracker struct {
	mu     sync.RWMutex
	chains map[chainKey]map[int64]*strikeOI // strike (paise) → OI
}

// NewChainTracker creates an empty tracker.
func NewChainTracker() *ChainTracker {
	return &ChainTracker{chains: make(map[chainKey]map[int64]*strikeOI)}
}

func keyFor(ins *model.Instrument) chainKey {
	return chainKey{
		underlying: ins.UnderlyingSymbol,
		expiry:     ins.Expiry.Truncate(24 * time.Hour).Unix(),
	}
}

// Observe records the latest OI for an option contract. Non-options and
// zero OI updates are ignored.
func (ct *ChainTracker) Observe(ins *model.Instrument, oi int64) {
	if ins == nil || !ins.IsOption() || oi <= 0 {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()

	k := keyFor(ins)
	strikes, ok := ct.chains[k]
	if !ok {
		strikes = make(map[int64]*strikeOI)
		ct.chains[k] = strikes
	}
	s, ok := strikes[ins.Strike]
	if !ok {
		s = &strikeOI{}
		strikes[ins.Strike] = s
	}
	if ins.OptionType == model.OptionCall {
		s.callOI = oi
	} else {
		s.putOI = oi
	}
}

// StrikePCR returns put OI / call OI at the contract's strike, or nil when
// the chain has no call OI there (division guard).
func (ct *ChainTracker) StrikePCR(ins *model.Instrument) *float64 {
	if ins == nil || !ins.IsOption() {
		return nil
	}
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	strikes, ok := ct.chains[keyFor(ins)]
	if !ok {
		return nil
	}
	s, ok := strikes[ins.Strike]
	if !ok || s.callOI == 0 {
		return nil
	}
	return model.Float64(float64(s.putOI) / float64(s.callOI))
}

// ExpiryStats are aggregate analytics over one full chain.
type ExpiryStats struct {
	StrikeCount   int
	TotalCallOI   int64
	TotalPutOI    int64
	PCR           *float64 // nil when total call OI is zero
	MaxPainStrike int64    // paise; 0 when the chain is empty
	ATMStrike     int64    // paise; 0 when no spot or empty chain
}

// Expiry computes chain-level aggregates for (underlying, expiry). spot is
// the underlying price in paise, or 0 when unknown.
//
// Max pain uses the OI-weighted writer payout model: for a candidate
// settlement at strike K, every call struck below K pays (K-s)*callOI and
// every put struck above K pays (s-K)*putOI; the strike minimizing the total
// is max pain, ties broken by the lowest strike.
func (ct *ChainTracker) Expiry(ins *model.Instrument, spot int64) ExpiryStats {
	var st ExpiryStats
	if ins == nil || !ins.IsOption() {
		return st
	}
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	strikes, ok := ct.chains[keyFor(ins)]
	if !ok || len(strikes) == 0 {
		return st
	}

	sorted := make([]int64, 0, len(strikes))
	for k := range strikes {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	st.StrikeCount = len(sorted)
	for _, k := range sorted {
		st.TotalCallOI += strikes[k].callOI
		st.TotalPutOI += strikes[k].putOI
	}
	if st.TotalCallOI > 0 {
		st.PCR = model.Float64(float64(st.TotalPutOI) / float64(st.TotalCallOI))
	}

	var best int64
	var bestPayout int64 = -1
	for _, k := range sorted {
		var payout int64
		for _, s := range sorted {
			oi := strikes[s]
			if s < k {
				payout += (k - s) * oi.callOI
			} else if s > k {
				payout += (s - k) * oi.putOI
			}
		}
		if bestPayout < 0 || payout < bestPayout {
			bestPayout = payout
			best = k
		}
	}
	st.MaxPainStrike = best

	if spot > 0 {
		st.ATMStrike = nearestStrike(sorted, spot)
	}
	return st
}

// ATMStrike returns the chain strike nearest to spot, or 0 when unknown.
func (ct *ChainTracker) ATMStrike(ins *model.Instrument, spot int64) int64 {
	return ct.Expiry(ins, spot).ATMStrike
}

// nearestStrike picks the listed strike closest to spot; on an exact midpoint
// the lower strike wins.
func nearestStrike(sorted []int64, spot int64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= spot })
	if i == 0 {
		return sorted[0]
	}
	if i == len(sorted) {
		return sorted[len(sorted)-1]
	}
	if sorted[i]-spot < spot-sorted[i-1] {
		return sorted[i]
	}
	return sorted[i-1]
}
