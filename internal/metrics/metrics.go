package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the option bar engine.
type Metrics struct {
	TicksTotal      prometheus.Counter
	FeedReconnects  prometheus.Counter
	DroppedTicks    prometheus.Counter
	LateTicks       prometheus.Counter
	BarsTotal       *prometheus.CounterVec // labels: tf
	DroppedBars     prometheus.Counter
	EnrichDur       prometheus.Histogram
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// Persistence invariant enforcement
	PersistRejections prometheus.Counter
	PersistedBars     *prometheus.CounterVec // labels: tf
	DroppedBatches    prometheus.Counter

	// Subscription lifecycle
	SubscriptionEvents   *prometheus.CounterVec // labels: type=created|removed|unknown|malformed
	BackfillsCompleted   prometheus.Counter
	BackfillsFailed      prometheus.Counter
	BackfillsDeferred    prometheus.Counter
	BackfillBarsUpserted prometheus.Counter

	// Redis circuit breaker
	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips prometheus.Counter

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Market session state
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_ticks_total",
			Help: "Total quote ticks received from the feed",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_feed_reconnects_total",
			Help: "Total feed WebSocket reconnection attempts",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_dropped_ticks_total",
			Help: "Ticks dropped (channel full)",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_late_ticks_total",
			Help: "Ticks dropped because their bucket was already flushed",
		}),
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optengine_bars_total",
			Help: "Total bars finalized (by timeframe)",
		}, []string{"tf"}),
		DroppedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_dropped_bars_total",
			Help: "Finalized bars dropped because the enrichment channel was full",
		}),
		EnrichDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optengine_enrich_duration_seconds",
			Help:    "Analytics enrichment latency per bar",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optengine_redis_write_duration_seconds",
			Help:    "Redis pipeline write latency per bar",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optengine_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		PersistRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_persist_rejections_total",
			Help: "Bars refused by the durable writer because their timeframe is not persisted",
		}),
		PersistedBars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optengine_persisted_bars_total",
			Help: "Bars upserted into the durable store (by timeframe)",
		}, []string{"tf"}),
		DroppedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_dropped_batches_total",
			Help: "Durable write batches dropped after retry budget exhaustion",
		}),

		SubscriptionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optengine_subscription_events_total",
			Help: "Subscription lifecycle events processed (by outcome)",
		}, []string{"type"}),
		BackfillsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_backfills_completed_total",
			Help: "Historical backfills completed",
		}),
		BackfillsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_backfills_failed_total",
			Help: "Historical backfills that failed after retries",
		}),
		BackfillsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_backfills_deferred_total",
			Help: "Backfill requests deferred to the scheduled cycle (queue full)",
		}),
		BackfillBarsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_backfill_bars_upserted_total",
			Help: "Bars written by the backfill path",
		}),

		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optengine_fanout_drops_total",
			Help: "Bars dropped by the FanOut bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optengine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.FeedReconnects,
		m.DroppedTicks,
		m.LateTicks,
		m.BarsTotal,
		m.DroppedBars,
		m.EnrichDur,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.PersistRejections,
		m.PersistedBars,
		m.DroppedBatches,
		m.SubscriptionEvents,
		m.BackfillsCompleted,
		m.BackfillsFailed,
		m.BackfillsDeferred,
		m.BackfillBarsUpserted,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.MarketState,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	ListenerOK     bool      `json:"listener_ok"`
	EnabledTFs     []int     `json:"enabled_tfs"`
	PersistTFs     []int     `json:"persist_tfs"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetListenerOK(v bool) {
	h.mu.Lock()
	h.ListenerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTFs(enabled, persist []int) {
	h.mu.Lock()
	h.EnabledTFs = enabled
	h.PersistTFs = persist
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		ListenerOK      bool    `json:"listener_ok"`
		EnabledTFs      []int   `json:"enabled_tfs"`
		PersistTFs      []int   `json:"persist_tfs"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		ListenerOK:      h.ListenerOK,
		EnabledTFs:      h.EnabledTFs,
		PersistTFs:      h.PersistTFs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
