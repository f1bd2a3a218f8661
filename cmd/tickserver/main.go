// cmd/tickserver — Demo WebSocket quote server.
// Broadcasts simulated option quote data for running optengine without a
// live feed.
//
// Quote JSON shape is identical to model.QuoteTick:
//
//	{"token":67890,"price":15250,"qty":50,"bid_px":15200,"bid_qty":600,
//	 "ask_px":15300,"ask_qty":450,"oi":1250000,"tick_ts":"..."}
//
// Prices are in paise (1 INR = 100 paise), same as the live feed.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  — listen address  (default: ":9001")
//	TICK_TOKENS       — comma-separated TOKEN:STARTPRICE pairs in rupees
//	                    (default: "67890:150,67891:180,99926000:25660")
//	TICK_INTERVAL_MS  — broadcast interval milliseconds (default: "100")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"optionflow/internal/model"

	"github.com/gorilla/websocket"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Token int64
	Price int64 // current simulated price in paise
	OI    int64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Write pump: sends quote JSON to this client.
		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Quote generator ─────────────────────────────────────────────────────────

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price int64) int64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	delta := int64(float64(price) * pct)
	newPrice := price + delta
	if newPrice < 100 { // floor at 1 rupee
		newPrice = 100
	}
	return newPrice
}

// makeQuote builds a two-sided book around the price with a ~0.3% spread and
// randomized depth, plus a slowly drifting OI.
func makeQuote(ins *instrument) model.QuoteTick {
	ins.Price = walkPrice(ins.Price)
	half := ins.Price * 15 / 10000 // 0.15% each side
	if half < 5 {
		half = 5
	}
	ins.OI += int64(rand.Intn(2001) - 1000)
	if ins.OI < 0 {
		ins.OI = 0
	}

	return model.QuoteTick{
		Token:  ins.Token,
		Price:  ins.Price,
		Qty:    int64(rand.Intn(100) + 1),
		BidPx:  ins.Price - half,
		BidQty: int64(rand.Intn(2000) + 50),
		AskPx:  ins.Price + half,
		AskQty: int64(rand.Intn(2000) + 50),
		OI:     ins.OI,
		TickTS: time.Now().UTC(),
	}
}

func runGenerator(h *hub, instruments []instrument, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for i := range instruments {
			quote := makeQuote(&instruments[i])
			b, err := json.Marshal(quote)
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo quote server...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	tokensEnv := envOrDefault("TICK_TOKENS", "67890:150,67891:180,99926000:25660")
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 100)

	instruments := parseInstruments(tokensEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_TOKENS")
	}
	log.Printf("[tickserver] instruments: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %dms", intervalMs)

	h := newHub()

	go runGenerator(h, instruments, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// parseInstruments parses "TOKEN:STARTPRICE" pairs with start prices in rupees.
func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[tickserver] skipping invalid token spec: %q", part)
			continue
		}
		token, err1 := strconv.ParseInt(strings.TrimSpace(seg[0]), 10, 64)
		price, err2 := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err1 != nil || err2 != nil || token <= 0 || price <= 0 {
			log.Printf("[tickserver] skipping invalid token spec: %q", part)
			continue
		}
		result = append(result, instrument{
			Token: token,
			Price: int64(price * 100),
			OI:    int64(rand.Intn(1_000_000) + 100_000),
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
