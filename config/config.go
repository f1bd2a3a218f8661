package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Broker credentials for the historical data API. Optional: when absent
	// the engine runs live-only and backfill is disabled.
	BrokerAPIKey     string
	BrokerClientCode string
	BrokerPassword   string
	BrokerTOTPSecret string

	// Infrastructure
	FeedURL       string
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// InstrumentsPath points at the instrument catalog JSON export.
	InstrumentsPath string

	// Subscription lifecycle
	EventsChannel string

	// Timeframes (comma-separated seconds, e.g. "60,300,900")
	EnabledTFs string
	// PersistTFs must be a subset of EnabledTFs; only these reach SQLite.
	PersistTFs string

	// Aggregation
	GraceSeconds int

	// Backfill
	BackfillLookback  time.Duration
	BackfillWorkers   int
	BackfillQueueSize int
	BackfillInterval  time.Duration // scheduled-cycle cadence

	// Analytics
	RiskFreeRate float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		BrokerAPIKey:     getEnv("BROKER_API_KEY", ""),
		BrokerClientCode: getEnv("BROKER_CLIENT_CODE", ""),
		BrokerPassword:   getEnv("BROKER_PASSWORD", ""),
		BrokerTOTPSecret: getEnv("BROKER_TOTP_SECRET", ""),

		FeedURL:       getEnv("FEED_URL", "ws://localhost:9001/ws"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		InstrumentsPath: getEnv("INSTRUMENTS_PATH", "data/instruments.json"),

		EventsChannel: getEnv("EVENTS_CHANNEL", "events:subscription"),

		// Default TFs: 5s and 15s live-only, 1m and 5m persisted.
		EnabledTFs: getEnv("ENABLED_TFS", "5,15,60,300"),
		PersistTFs: getEnv("PERSIST_TFS", "60,300"),

		GraceSeconds: getEnvInt("GRACE_SECONDS", 2),

		BackfillLookback:  getEnvDuration("BACKFILL_LOOKBACK", 2*time.Hour),
		BackfillWorkers:   getEnvInt("BACKFILL_WORKERS", 2),
		BackfillQueueSize: getEnvInt("BACKFILL_QUEUE_SIZE", 32),
		BackfillInterval:  getEnvDuration("BACKFILL_INTERVAL", 15*time.Minute),

		RiskFreeRate: getEnvFloat("RISK_FREE_RATE", 0.07),
	}
}

// HasBrokerCreds reports whether all broker credentials are configured.
func (c *Config) HasBrokerCreds() bool {
	return c.BrokerAPIKey != "" && c.BrokerClientCode != "" &&
		c.BrokerPassword != "" && c.BrokerTOTPSecret != ""
}

// ParseTFs parses EnabledTFs into a slice of timeframe widths in seconds.
func (c *Config) ParseTFs() []int {
	return parseTFList(c.EnabledTFs)
}

// ParsePersistTFs parses PersistTFs and enforces that every persisted
// timeframe is also enabled. Violations are fatal: a persisted TF that is
// never built would silently produce no rows.
func (c *Config) ParsePersistTFs() []int {
	enabled := map[int]bool{}
	for _, tf := range c.ParseTFs() {
		enabled[tf] = true
	}
	persist := parseTFList(c.PersistTFs)
	for _, tf := range persist {
		if !enabled[tf] {
			log.Fatalf("[config] PERSIST_TFS contains %d which is not in ENABLED_TFS=%s", tf, c.EnabledTFs)
		}
	}
	if len(persist) == 0 {
		log.Fatalf("[config] PERSIST_TFS is empty; at least one durable timeframe is required")
	}
	return persist
}

func parseTFList(s string) []int {
	parts := strings.Split(s, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid TF value: %q", p)
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
