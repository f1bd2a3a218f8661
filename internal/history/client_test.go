package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXP" // valid base32, test only

// brokerStub fakes the login, candle and OI endpoints.
func brokerStub(t *testing.T, failAuthOnce *bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case loginPath:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["totp"] == "" {
				t.Error("login without TOTP code")
			}
			json.NewEncoder(w).Encode(map[string]any{
				"status": true,
				"data":   map[string]string{"jwtToken": "test-jwt"},
			})
		case candlePath:
			if failAuthOnce != nil && *failAuthOnce {
				*failAuthOnce = false
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.Header.Get("Authorization") != "Bearer test-jwt" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"status": true,
				"data": [][]any{
					{"2026-08-25T10:15:00+05:30", 152.5, 153.0, 152.0, 152.8, 4500.0},
					{"2026-08-25T10:16:00+05:30", 152.8, 154.1, 152.6, 154.0, 6200.0},
				},
			})
		case oiPath:
			json.NewEncoder(w).Encode(map[string]any{
				"status": true,
				"data": [][]any{
					{"2026-08-25T10:15:00+05:30", 1250000.0},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func testClient(rootURL string) *Client {
	return New(Config{
		APIKey:     "key",
		ClientCode: "CODE123",
		Password:   "pass",
		TOTPSecret: testTOTPSecret,
		RootURL:    rootURL,
	})
}

func TestFetchMinuteBars(t *testing.T) {
	srv := brokerStub(t, nil)
	defer srv.Close()

	c := testClient(srv.URL)
	from := time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC)
	bars, err := c.FetchMinuteBars(context.Background(), 67890, from, from.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}

	b := bars[0]
	if b.Token != 67890 || b.TF != 60 {
		t.Errorf("identity wrong: token=%d tf=%d", b.Token, b.TF)
	}
	// 152.5 rupees → 15250 paise.
	if b.Open != 15250 || b.High != 15300 || b.Low != 15200 || b.Close != 15280 {
		t.Errorf("OHLC paise conversion wrong: O=%d H=%d L=%d C=%d", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 4500 {
		t.Errorf("volume: %d", b.Volume)
	}
	if b.OI != 1250000 {
		t.Errorf("OI not merged from OI endpoint: %d", b.OI)
	}
	// Second minute has no OI row.
	if bars[1].OI != 0 {
		t.Errorf("bar without OI row must stay zero: %d", bars[1].OI)
	}
}

func TestFetchMinuteBars_SessionExpiryInvalidates(t *testing.T) {
	failOnce := true
	srv := brokerStub(t, &failOnce)
	defer srv.Close()

	c := testClient(srv.URL)
	from := time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC)

	// First fetch hits a 401 and must drop the session.
	if _, err := c.FetchMinuteBars(context.Background(), 67890, from, from.Add(time.Minute)); err == nil {
		t.Fatal("expected session-expired error")
	}
	c.mu.Lock()
	tok := c.accessToken
	c.mu.Unlock()
	if tok != "" {
		t.Error("expired session must be invalidated")
	}

	// Retry logs in again and succeeds.
	bars, err := c.FetchMinuteBars(context.Background(), 67890, from, from.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("retry fetch: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("expected 2 bars on retry, got %d", len(bars))
	}
}

func TestParseCandleRow(t *testing.T) {
	bar, ok := parseCandleRow([]any{"2026-08-25T10:15:00+05:30", 152.5, 153.0, 152.0, 152.8, 4500.0}, 7)
	if !ok {
		t.Fatal("valid row rejected")
	}
	want := time.Date(2026, 8, 25, 4, 45, 0, 0, time.UTC) // 10:15 IST
	if !bar.TS.Equal(want) {
		t.Errorf("timestamp: expected %v, got %v", want, bar.TS)
	}

	if _, ok := parseCandleRow([]any{"2026-08-25T10:15:00+05:30", 152.5}, 7); ok {
		t.Error("short row must be rejected")
	}
	if _, ok := parseCandleRow([]any{"bad-date", 1.0, 1.0, 1.0, 1.0, 1.0}, 7); ok {
		t.Error("bad timestamp must be rejected")
	}
	if _, ok := parseCandleRow([]any{"2026-08-25T10:15:00+05:30", "x", 1.0, 1.0, 1.0, 1.0}, 7); ok {
		t.Error("non-numeric price must be rejected")
	}
}
