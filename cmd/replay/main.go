// cmd/replay re-emits persisted enriched bars from SQLite into Redis at a
// configurable speed, so streaming consumers can be exercised against a
// recorded session without a live feed.
//
// Usage:
//
//	go run ./cmd/replay --speed=100 --tf=60,300 --from=0
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"optionflow/internal/marketdata/replay"
	"optionflow/internal/model"
	redisstore "optionflow/internal/store/redis"
	sqlitestore "optionflow/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	tfStr := flag.String("tf", "60,300", "Comma-separated TFs to replay")
	fromTS := flag.Int64("from", 0, "Unix timestamp to start replay from (0=all)")
	dbPath := flag.String("db", "data/bars.db", "Path to SQLite database")
	redisAddr := flag.String("redis", "", "Redis address; empty = count bars without publishing")
	redisPassword := flag.String("redis-password", "", "Redis password")
	flag.Parse()

	tfs := parseTFs(*tfStr)
	if len(tfs) == 0 {
		log.Fatal("[replay] no valid TFs specified")
	}

	store, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: *dbPath, PersistSet: tfs})
	if err != nil {
		log.Fatalf("[replay] sqlite open failed: %v", err)
	}
	defer store.Close()

	var sink *redisstore.Writer
	if *redisAddr != "" {
		sink, err = redisstore.New(redisstore.WriterConfig{Addr: *redisAddr, Password: *redisPassword})
		if err != nil {
			log.Fatalf("[replay] redis connect failed: %v", err)
		}
		defer sink.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	replayer := replay.New(store)
	barCh := make(chan model.EnrichedBar, 10000)

	go func() {
		if err := replayer.Run(ctx, tfs, *fromTS, *speed, barCh); err != nil && err != context.Canceled {
			log.Printf("[replay] error: %v", err)
		}
		close(barCh)
	}()

	emitted := 0
	for bar := range barCh {
		if sink != nil {
			sink.Publish(ctx, bar)
		}
		emitted++
		if emitted <= 10 || emitted%500 == 0 {
			fmt.Printf("  [%s] %s TF=%ds close=%.2f\n",
				bar.TS.Format("15:04:05"), bar.TradingSymbol, bar.TF, float64(bar.Close)/100)
		}
	}

	fmt.Printf("\n[replay] done: %d bars replayed across TFs %v\n", emitted, tfs)
}

func parseTFs(s string) []int {
	var tfs []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			tfs = append(tfs, n)
		}
	}
	return tfs
}
