// cmd/optengine — Option bar engine.
//
// Pipeline: [Feed WS] → [Aggregator] → [Enricher] → [FanOut] → [Redis live]
//                                                            → [SQLite durable]
// plus a subscription listener that triggers bounded historical backfills
// for newly tracked instruments.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"optionflow/config"
	"optionflow/internal/analytics"
	"optionflow/internal/api"
	"optionflow/internal/backfill"
	"optionflow/internal/history"
	"optionflow/internal/marketdata/agg"
	"optionflow/internal/marketdata/bus"
	"optionflow/internal/marketdata/closedetector"
	"optionflow/internal/marketdata/feed"
	"optionflow/internal/markethours"
	"optionflow/internal/metrics"
	"optionflow/internal/model"
	redisstore "optionflow/internal/store/redis"
	sqlitestore "optionflow/internal/store/sqlite"
	"optionflow/internal/subscription"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[optengine] starting...")

	cfg := config.Load()
	enabledTFs := cfg.ParseTFs()
	persistTFs := cfg.ParsePersistTFs()
	log.Printf("[optengine] enabled TFs: %v seconds (persisted: %v)", enabledTFs, persistTFs)

	// ---- Instrument catalog ----
	registry := model.NewRegistry()
	instruments, err := model.LoadInstruments(cfg.InstrumentsPath)
	if err != nil {
		log.Printf("[optengine] WARNING: instrument catalog unavailable: %v (option analytics disabled until subscribed instruments are known)", err)
	}
	for _, ins := range instruments {
		registry.Register(ins)
	}
	log.Printf("[optengine] %d instruments registered", len(instruments))

	// ---- Analytics ----
	chain := analytics.NewChainTracker()
	enricher := analytics.NewEnricher(cfg.RiskFreeRate, registry, chain)

	// ---- Pipeline channels ----
	tickCh := make(chan model.QuoteTick, 10000)
	aggTickCh := make(chan model.QuoteTick, 10000)
	rawBarCh := make(chan model.Bar, 5000)
	enrichedCh := make(chan model.EnrichedBar, 5000)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetTFs(enabledTFs, persistTFs)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite gateway (durable) ----
	os.MkdirAll("data", 0o755)
	sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{
		DBPath:     cfg.SQLitePath,
		PersistSet: persistTFs,
	})
	if err != nil {
		log.Fatalf("[optengine] sqlite init failed: %v", err)
	}
	defer sqlWriter.Close()
	sqlWriter.OnRejected = func() { prom.PersistRejections.Inc() }
	sqlWriter.OnDroppedBatch = func(n int) { prom.DroppedBatches.Inc() }
	sqlWriter.OnCommitted = func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
	health.SetSQLiteOK(true)
	log.Println("[optengine] sqlite gateway ready")

	// ---- Redis writer (live) ----
	redisWriter, err := redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[optengine] WARNING: redis init failed: %v (continuing without live sink)", err)
		health.SetRedisConnected(false)
		redisWriter = nil
	} else {
		redisWriter.OnBreakerTrip = func() { prom.RedisBreakerTrips.Inc() }
		redisWriter.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }
		health.SetRedisConnected(true)
		log.Println("[optengine] redis live sink ready")
	}

	// ---- Liveness checks ----
	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), sqlWriter.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, sqlWriter.DB(), 10*time.Second)
	}

	// ---- Backfill (requires broker creds) ----
	var coordinator *backfill.Coordinator
	if cfg.HasBrokerCreds() {
		histClient := history.New(history.Config{
			APIKey:     cfg.BrokerAPIKey,
			ClientCode: cfg.BrokerClientCode,
			Password:   cfg.BrokerPassword,
			TOTPSecret: cfg.BrokerTOTPSecret,
		})
		coordinator = backfill.New(backfill.Config{
			Lookback:   cfg.BackfillLookback,
			Workers:    cfg.BackfillWorkers,
			QueueSize:  cfg.BackfillQueueSize,
			PersistSet: persistTFs,
		}, histClient, sqlWriter, enricher, registry, chain)
		coordinator.OnCompleted = func(token int64, bars int) {
			prom.BackfillsCompleted.Inc()
			prom.BackfillBarsUpserted.Add(float64(bars))
		}
		coordinator.OnFailed = func(token int64) { prom.BackfillsFailed.Inc() }
		go coordinator.Run(ctx)
		go coordinator.RunScheduled(ctx, cfg.BackfillInterval)
	} else {
		log.Println("[optengine] broker credentials absent, backfill disabled")
	}

	// ---- Subscription listener (needs Redis) ----
	if redisWriter != nil {
		var trigger subscription.BackfillTrigger
		if coordinator != nil {
			trigger = coordinator
		}
		listener := subscription.New(subscription.Config{Channel: cfg.EventsChannel},
			redisWriter.Client(), registry, trigger)
		listener.OnMalformed = func() { prom.SubscriptionEvents.WithLabelValues("malformed").Inc() }
		listener.OnUnknown = func() { prom.SubscriptionEvents.WithLabelValues("unknown").Inc() }
		listener.OnCreated = func() { prom.SubscriptionEvents.WithLabelValues("created").Inc() }
		listener.OnRemoved = func() { prom.SubscriptionEvents.WithLabelValues("removed").Inc() }
		listener.OnDeferred = func() { prom.BackfillsDeferred.Inc() }
		go func() {
			listener.Run(ctx)
			health.SetListenerOK(false)
		}()
		health.SetListenerOK(true)
	} else {
		log.Println("[optengine] no redis, subscription listener disabled")
	}

	// ---- FanOut for enriched bars (Redis live + SQLite durable) ----
	fanout := bus.New(5000)
	fanout.OnDrop = func(subscriberIdx int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}

	var redisBarCh <-chan model.EnrichedBar
	if redisWriter != nil {
		redisBarCh = fanout.Subscribe()
	}
	sqliteAllCh := fanout.Subscribe()
	go fanout.Run(ctx, enrichedCh)

	// Durable path takes only persist-tagged bars; the gateway re-checks the
	// timeframe set independently.
	sqliteBarCh := make(chan model.EnrichedBar, 5000)
	go func() {
		defer close(sqliteBarCh)
		for bar := range sqliteAllCh {
			if !bar.Persist {
				continue
			}
			prom.PersistedBars.WithLabelValues(strconv.Itoa(bar.TF)).Inc()
			select {
			case sqliteBarCh <- bar:
			default:
				prom.DroppedBatches.Inc()
				log.Printf("[optengine] sqlite channel full, dropping bar %s", bar.Key())
			}
		}
	}()
	go sqlWriter.Run(ctx, sqliteBarCh)
	if redisWriter != nil {
		go redisWriter.Run(ctx, redisBarCh)
	}

	// Channel saturation reporting.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, s := range fanout.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturationPct.WithLabelValues("fanout_" + strconv.Itoa(i)).Set(pct)
					}
				}
				prom.ChannelSaturationPct.WithLabelValues("ticks").Set(float64(len(tickCh)) / float64(cap(tickCh)) * 100)
				if markethours.IsMarketOpen(time.Now()) {
					prom.MarketState.Set(1)
				} else {
					prom.MarketState.Set(0)
				}
				if redisWriter != nil {
					prom.RedisBreakerState.Set(float64(redisWriter.BreakerState()))
				}
			}
		}
	}()

	// ---- Aggregator ----
	aggregator := agg.New(agg.Config{
		Timeframes: enabledTFs,
		PersistSet: persistTFs,
		Grace:      time.Duration(cfg.GraceSeconds) * time.Second,
	})
	aggregator.OnLateTick = func() { prom.LateTicks.Inc() }
	aggregator.OnDroppedBar = func() { prom.DroppedBars.Inc() }
	aggregator.OnBar = func(tf int) { prom.BarsTotal.WithLabelValues(strconv.Itoa(tf)).Inc() }
	go aggregator.Run(ctx, aggTickCh, rawBarCh)

	// Per-underlying close detectors fed through the registry's spot hook;
	// when one settles, the closing spot is pinned until the next session so
	// post-close straggler ticks cannot move it. The hook runs only on the
	// tick dispatch goroutine, so the detector map needs no lock.
	detectors := make(map[string]*closedetector.Detector)
	registry.OnSpot = func(sym string, spot int64) {
		now := time.Now()
		if !markethours.IsTradingDay(now) {
			return
		}
		// One detector per underlying per session day.
		key := sym + now.Format("|2006-01-02")
		d, ok := detectors[key]
		if !ok {
			d = closedetector.New(sym, markethours.TodayClose(now))
			detectors[key] = d
		}
		if d.Observe(spot, now) {
			registry.PinSpot(sym, d.ClosingSpot(), markethours.NextOpen(now))
		}
	}

	// ---- Tick dispatch: bookkeeping, spot capture, hand to aggregator ----
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-tickCh:
				if !ok {
					close(aggTickCh)
					return
				}
				prom.TicksTotal.Inc()
				health.SetLastTickTime(time.Now())
				if ins := registry.Lookup(tick.Token); ins != nil {
					if ins.OptionType == model.OptionUnderlying {
						sym := ins.UnderlyingSymbol
						if sym == "" {
							sym = ins.TradingSymbol
						}
						registry.SetSpot(sym, tick.Price)
					}
				}
				select {
				case aggTickCh <- tick:
				default:
					prom.DroppedTicks.Inc()
				}
			}
		}
	}()

	// ---- Enrichment: raw bars → enriched bars ----
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case bar, ok := <-rawBarCh:
				if !ok {
					return
				}
				start := time.Now()
				chain.Observe(registry.Lookup(bar.Token), bar.OI)
				eb := enricher.Enrich(&bar)
				prom.EnrichDur.Observe(time.Since(start).Seconds())
				select {
				case enrichedCh <- eb:
				default:
					prom.DroppedBars.Inc()
				}
			}
		}
	}()

	// ---- Feed ----
	ingest, err := feed.New(feed.Config{URL: cfg.FeedURL})
	if err != nil {
		log.Fatalf("[optengine] feed init failed: %v", err)
	}
	ingest.OnReconnect = func() {
		prom.FeedReconnects.Inc()
		health.SetFeedConnected(false)
	}
	ingest.OnDropped = func() { prom.DroppedTicks.Inc() }
	health.SetFeedConnected(true)
	go func() {
		if err := ingest.Start(ctx, tickCh); err != nil {
			log.Printf("[optengine] feed error: %v", err)
			health.SetFeedConnected(false)
		}
	}()

	// ---- Query API over the durable store ----
	apiSrv := &http.Server{Addr: cfg.APIAddr, Handler: api.NewRouter(sqlWriter)}
	go func() {
		log.Printf("[optengine] query API listening on %s", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[optengine] api server error: %v", err)
		}
	}()

	log.Printf("[optengine] pipeline ready: feed=%s TFs=%v persist=%v", cfg.FeedURL, enabledTFs, persistTFs)
	log.Printf("[optengine] %s", markethours.StatusString(time.Now()))

	// ---- Wait for shutdown ----
	<-sigCh
	log.Println("[optengine] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	apiSrv.Shutdown(shutdownCtx)

	if redisWriter != nil {
		redisWriter.Close()
	}

	log.Println("[optengine] shutdown complete.")
}
