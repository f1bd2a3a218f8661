// Package sqlite is the durable persistence gateway for enriched bars.
// One row per (token, tf, ts); writes are idempotent upserts, so the live
// flush path and the backfill path may target overlapping keys safely.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"optionflow/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond

	retryBudget    = 3
	retryBaseDelay = 100 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"

	// PersistSet is the writer's own copy of the durable timeframe set.
	// Bars outside it are refused regardless of what upstream tagged.
	PersistSet []int
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db      *sql.DB
	persist map[int]bool

	// OnRejected is called when a bar is refused for a non-persisted
	// timeframe (optional).
	OnRejected func()
	// OnDroppedBatch is called when a batch exhausts its retry budget.
	OnDroppedBatch func(n int)
	// OnCommitted is called with the wall time of each committed batch.
	OnCommitted func(d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	persist := make(map[int]bool, len(cfg.PersistSet))
	for _, tf := range cfg.PersistSet {
		persist[tf] = true
	}

	log.Printf("[sqlite] opened database at %s (persisted TFs=%v)", cfg.DBPath, cfg.PersistSet)
	return &Writer{db: db, persist: persist}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS option_bars (
			token            INTEGER NOT NULL,
			trading_symbol   TEXT,
			tf               INTEGER NOT NULL,
			ts               INTEGER NOT NULL,
			open             INTEGER NOT NULL,
			high             INTEGER NOT NULL,
			low              INTEGER NOT NULL,
			close            INTEGER NOT NULL,
			volume           INTEGER,
			oi               INTEGER,
			ticks_count      INTEGER,
			iv               REAL,
			delta            REAL,
			gamma            REAL,
			theta            REAL,
			theta_daily      REAL,
			vega             REAL,
			rho              REAL,
			premium          REAL,
			intrinsic        REAL,
			extrinsic        REAL,
			model_price      REAL,
			premium_disc_abs REAL,
			premium_disc_pct REAL,
			pcr              REAL,
			spread_abs       REAL,
			spread_pct       REAL,
			depth_imbalance  REAL,
			book_pressure    REAL,
			microprice       REAL,
			liquidity_score  REAL,
			moneyness        TEXT,
			PRIMARY KEY (token, tf, ts)
		);
	`)
	return err
}

// Run reads enriched bars from barCh and upserts them in batched
// transactions. Flushes every batchSize bars OR every flushDelay, whichever
// first. Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.EnrichedBar) {
	batch := make([]model.EnrichedBar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.UpsertBars(batch); err != nil {
			log.Printf("[sqlite] dropping %d bars after retries: %v", len(batch), err)
			if w.OnDroppedBatch != nil {
				w.OnDroppedBatch(len(batch))
			}
		} else {
			log.Printf("[sqlite] committed %d bars in %v", len(batch), time.Since(start))
			if w.OnCommitted != nil {
				w.OnCommitted(time.Since(start))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case bar, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, bar)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// UpsertBars idempotently writes a batch: a second write for the same
// (token, tf, ts) overwrites rather than duplicates. Bars whose timeframe is
// outside the persist-set are silently refused and counted. Transient store
// errors are retried with backoff up to a bounded budget.
func (w *Writer) UpsertBars(bars []model.EnrichedBar) error {
	accepted := make([]model.EnrichedBar, 0, len(bars))
	for _, b := range bars {
		if !w.persist[b.TF] {
			if w.OnRejected != nil {
				w.OnRejected()
			}
			log.Printf("[sqlite] refusing bar for non-persisted TF %d (token=%d ts=%v)", b.TF, b.Token, b.TS)
			continue
		}
		accepted = append(accepted, b)
	}
	if len(accepted) == 0 {
		return nil
	}

	var err error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryBudget; attempt++ {
		if err = w.upsertBatch(accepted); err == nil {
			return nil
		}
		log.Printf("[sqlite] upsert attempt %d failed: %v", attempt+1, err)
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func (w *Writer) upsertBatch(bars []model.EnrichedBar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO option_bars (
			token, trading_symbol, tf, ts,
			open, high, low, close, volume, oi, ticks_count,
			iv, delta, gamma, theta, theta_daily, vega, rho,
			premium, intrinsic, extrinsic, model_price,
			premium_disc_abs, premium_disc_pct, pcr,
			spread_abs, spread_pct, depth_imbalance, book_pressure,
			microprice, liquidity_score, moneyness
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range bars {
		b := &bars[i]
		_, err := stmt.Exec(
			b.Token, b.TradingSymbol, b.TF, b.TS.Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.OI, b.TicksCount,
			b.IV, b.Delta, b.Gamma, b.Theta, b.ThetaDaily, b.Vega, b.Rho,
			b.Premium, b.Intrinsic, b.Extrinsic, b.ModelPrice,
			b.PremiumDiscountAbs, b.PremiumDiscountPct, b.PCR,
			b.SpreadAbs, b.SpreadPct, b.DepthImbalance, b.BookPressure,
			b.Microprice, b.LiquidityScore, b.Moneyness,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// GetLastTimestamp returns the last stored bar timestamp for an instrument
// at a timeframe. Returns 0 if no bars exist.
func (w *Writer) GetLastTimestamp(token int64, tf int) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM option_bars WHERE token = ? AND tf = ?`,
		token, tf,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
