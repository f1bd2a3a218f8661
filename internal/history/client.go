// Package history fetches historical minute bars and open interest from the
// broker's REST API. Sessions are established with a TOTP login and renewed
// lazily when the access token expires.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"optionflow/internal/logger"
	"optionflow/internal/model"

	"github.com/pquerna/otp/totp"
)

const (
	defaultRootURL = "https://apiconnect.angelone.in"
	loginPath      = "/rest/auth/angelbroking/user/v1/loginByPassword"
	candlePath     = "/rest/secure/angelbroking/historical/v1/getCandleData"
	oiPath         = "/rest/secure/angelbroking/historical/v1/getOIData"

	requestTimeout = 7 * time.Second
)

// Config configures the history client.
type Config struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	RootURL    string // defaults to the broker API root
	Exchange   string // e.g. "NFO"
}

// Client is the broker historical data client.
type Client struct {
	cfg  Config
	http *http.Client

	mu          sync.Mutex
	accessToken string
}

// New creates a Client. No network call is made until the first fetch.
func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRootURL
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "NFO"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
	}
}

// FetchMinuteBars returns 60s raw bars for the instrument in [from, to),
// with per-minute open interest merged in when the OI endpoint has data.
func (c *Client) FetchMinuteBars(ctx context.Context, token int64, from, to time.Time) ([]model.Bar, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, fmt.Errorf("history session: %w", err)
	}

	params := map[string]any{
		"exchange":    c.cfg.Exchange,
		"symboltoken": strconv.FormatInt(token, 10),
		"interval":    "ONE_MINUTE",
		"fromdate":    from.Format("2006-01-02 15:04"),
		"todate":      to.Format("2006-01-02 15:04"),
	}

	candles, err := c.postRows(ctx, candlePath, params)
	if err != nil {
		return nil, fmt.Errorf("history candles token=%d: %w", token, err)
	}

	oiByMinute := map[int64]int64{}
	if oiRows, err := c.postRows(ctx, oiPath, params); err != nil {
		// OI is an enrichment input, not a hard requirement for the bars.
		log.Printf("[history] trace=%s OI fetch failed for token %d: %v", logger.TraceID(ctx), token, err)
	} else {
		for _, row := range oiRows {
			if ts, oi, ok := parseOIRow(row); ok {
				oiByMinute[ts] = oi
			}
		}
	}

	bars := make([]model.Bar, 0, len(candles))
	for _, row := range candles {
		bar, ok := parseCandleRow(row, token)
		if !ok {
			continue
		}
		if oi, found := oiByMinute[bar.TS.Unix()]; found {
			bar.OI = oi
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// ensureSession logs in with a fresh TOTP code when no access token is held.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" {
		return nil
	}

	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("totp generate: %w", err)
	}

	body, _ := json.Marshal(map[string]string{
		"clientcode": c.cfg.ClientCode,
		"password":   c.cfg.Password,
		"totp":       code,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RootURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		Status bool `json:"status"`
		Data   struct {
			JWTToken string `json:"jwtToken"`
		} `json:"data"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("login response: %w", err)
	}
	if !out.Status || out.Data.JWTToken == "" {
		return fmt.Errorf("login failed: %s", out.Message)
	}

	c.accessToken = out.Data.JWTToken
	log.Printf("[history] session established for %s", c.cfg.ClientCode)
	return nil
}

// invalidateSession drops the token so the next call logs in again.
func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// postRows POSTs params and returns the broker's row-array payload.
func (c *Client) postRows(ctx context.Context, path string, params map[string]any) ([][]any, error) {
	body, _ := json.Marshal(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RootURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	tok := c.accessToken
	c.mu.Unlock()
	c.setHeaders(req, tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		c.invalidateSession()
		return nil, fmt.Errorf("session expired (HTTP %d)", resp.StatusCode)
	}

	var out struct {
		Status  bool    `json:"status"`
		Data    [][]any `json:"data"`
		Message string  `json:"message"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if !out.Status {
		return nil, fmt.Errorf("api error: %s", out.Message)
	}
	return out.Data, nil
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-PrivateKey", c.cfg.APIKey)
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

// parseCandleRow decodes [timestamp, open, high, low, close, volume] with
// prices in rupees into a 60s raw bar in paise.
func parseCandleRow(row []any, token int64) (model.Bar, bool) {
	if len(row) < 6 {
		return model.Bar{}, false
	}
	tsStr, ok := row[0].(string)
	if !ok {
		return model.Bar{}, false
	}
	ts, err := time.Parse("2006-01-02T15:04:05-07:00", tsStr)
	if err != nil {
		return model.Bar{}, false
	}

	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		f, ok := row[i].(float64)
		if !ok {
			return model.Bar{}, false
		}
		vals[i-1] = f
	}

	return model.Bar{
		Token:  token,
		TF:     60,
		TS:     ts.UTC().Truncate(time.Minute),
		Open:   paise(vals[0]),
		High:   paise(vals[1]),
		Low:    paise(vals[2]),
		Close:  paise(vals[3]),
		Volume: int64(vals[4]),
	}, true
}

// parseOIRow decodes [timestamp, oi] rows from the OI endpoint.
func parseOIRow(row []any) (int64, int64, bool) {
	if len(row) < 2 {
		return 0, 0, false
	}
	tsStr, ok := row[0].(string)
	if !ok {
		return 0, 0, false
	}
	ts, err := time.Parse("2006-01-02T15:04:05-07:00", tsStr)
	if err != nil {
		return 0, 0, false
	}
	oi, ok := row[1].(float64)
	if !ok {
		return 0, 0, false
	}
	return ts.UTC().Truncate(time.Minute).Unix(), int64(oi), true
}

func paise(rupees float64) int64 { return int64(rupees*100 + 0.5) }
