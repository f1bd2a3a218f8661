package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"optionflow/internal/model"
)

// GetBars returns persisted bars for one instrument/timeframe within
// [from, to), ordered by bucket time ascending.
func (w *Writer) GetBars(token int64, tf int, from, to time.Time) ([]model.EnrichedBar, error) {
	rows, err := w.db.Query(`
		SELECT token, trading_symbol, tf, ts,
		       open, high, low, close, volume, oi, ticks_count,
		       iv, delta, gamma, theta, theta_daily, vega, rho,
		       premium, intrinsic, extrinsic, model_price,
		       premium_disc_abs, premium_disc_pct, pcr,
		       spread_abs, spread_pct, depth_imbalance, book_pressure,
		       microprice, liquidity_score, moneyness
		FROM option_bars
		WHERE token = ? AND tf = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		token, tf, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var out []model.EnrichedBar
	for rows.Next() {
		var b model.EnrichedBar
		var ts int64
		var symbol, moneyness sql.NullString
		err := rows.Scan(
			&b.Token, &symbol, &b.TF, &ts,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.OI, &b.TicksCount,
			&b.IV, &b.Delta, &b.Gamma, &b.Theta, &b.ThetaDaily, &b.Vega, &b.Rho,
			&b.Premium, &b.Intrinsic, &b.Extrinsic, &b.ModelPrice,
			&b.PremiumDiscountAbs, &b.PremiumDiscountPct, &b.PCR,
			&b.SpreadAbs, &b.SpreadPct, &b.DepthImbalance, &b.BookPressure,
			&b.Microprice, &b.LiquidityScore, &moneyness,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan bar: %w", err)
		}
		b.TS = time.Unix(ts, 0).UTC()
		b.TradingSymbol = symbol.String
		b.Moneyness = moneyness.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// ReadAllBars returns every persisted bar for one timeframe across all
// instruments, ordered by bucket time ascending. fromTS filters to bars at or
// after that Unix timestamp (0 = all). Used by the replayer.
func (w *Writer) ReadAllBars(tf int, fromTS int64) ([]model.EnrichedBar, error) {
	rows, err := w.db.Query(`
		SELECT token, trading_symbol, tf, ts,
		       open, high, low, close, volume, oi, ticks_count,
		       iv, delta, gamma, theta, theta_daily, vega, rho,
		       premium, intrinsic, extrinsic, model_price,
		       premium_disc_abs, premium_disc_pct, pcr,
		       spread_abs, spread_pct, depth_imbalance, book_pressure,
		       microprice, liquidity_score, moneyness
		FROM option_bars
		WHERE tf = ? AND ts >= ?
		ORDER BY ts ASC, token ASC`,
		tf, fromTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query all bars: %w", err)
	}
	defer rows.Close()

	var out []model.EnrichedBar
	for rows.Next() {
		var b model.EnrichedBar
		var ts int64
		var symbol, moneyness sql.NullString
		err := rows.Scan(
			&b.Token, &symbol, &b.TF, &ts,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.OI, &b.TicksCount,
			&b.IV, &b.Delta, &b.Gamma, &b.Theta, &b.ThetaDaily, &b.Vega, &b.Rho,
			&b.Premium, &b.Intrinsic, &b.Extrinsic, &b.ModelPrice,
			&b.PremiumDiscountAbs, &b.PremiumDiscountPct, &b.PCR,
			&b.SpreadAbs, &b.SpreadPct, &b.DepthImbalance, &b.BookPressure,
			&b.Microprice, &b.LiquidityScore, &moneyness,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan bar: %w", err)
		}
		b.TS = time.Unix(ts, 0).UTC()
		b.TradingSymbol = symbol.String
		b.Moneyness = moneyness.String
		b.Persist = true
		out = append(out, b)
	}
	return out, rows.Err()
}

// DistinctTFs returns every timeframe that has at least one durable row for
// the instrument. Used to verify the persist-set invariant.
func (w *Writer) DistinctTFs(token int64) ([]int, error) {
	rows, err := w.db.Query(`SELECT DISTINCT tf FROM option_bars WHERE token = ? ORDER BY tf`, token)
	if err != nil {
		return nil, fmt.Errorf("sqlite distinct tfs: %w", err)
	}
	defer rows.Close()

	var tfs []int
	for rows.Next() {
		var tf int
		if err := rows.Scan(&tf); err != nil {
			return nil, err
		}
		tfs = append(tfs, tf)
	}
	return tfs, rows.Err()
}

// CountBars returns the number of durable rows for one bucket key.
func (w *Writer) CountBars(token int64, tf int, ts time.Time) (int, error) {
	var n int
	err := w.db.QueryRow(
		`SELECT COUNT(*) FROM option_bars WHERE token = ? AND tf = ? AND ts = ?`,
		token, tf, ts.Unix(),
	).Scan(&n)
	return n, err
}
