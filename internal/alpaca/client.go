package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/algomatic/strat-service/internal/types"
)

const (
	// MaxDaysPerChunk bounds the date range of a single request sequence.
	MaxDaysPerChunk = 25

	// maxBarsPerPage is the Alpaca API page limit.
	maxBarsPerPage = 10000
)

// Config configures the client. Zero values use the defaults.
type Config struct {
	BaseURL     string
	APIKey      string
	SecretKey   string
	Feed        string        // stock feed, "iex" by default
	MaxRetries  int           // retries after the first attempt, 3 by default
	MinInterval time.Duration // minimum delay between calls, 300ms by default
	BaseBackoff time.Duration // first retry delay, doubled per attempt, 1s by default
	Timeout     time.Duration // per-request timeout, 30s by default
}

// Client interacts with the Alpaca market data API. It is safe for
// concurrent use; calls are spaced by MinInterval across goroutines.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// NewClient creates a new Alpaca API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://data.alpaca.markets"
	}
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	} else if cfg.MinInterval == 0 {
		cfg.MinInterval = 300 * time.Millisecond
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// FetchBars fetches source bars for symbol in [start, end).
// Large date ranges are chunked into MaxDaysPerChunk windows. When retries
// are exhausted the error wraps types.ErrTransientFetch.
func (c *Client) FetchBars(ctx context.Context, symbol, granularity string, start, end time.Time) ([]types.RawBar, error) {
	if !end.After(start) {
		return nil, nil
	}
	chunks := generateDateChunks(start, end, MaxDaysPerChunk)
	c.logger.Debug("Fetching bars from Alpaca",
		"symbol", symbol,
		"timeframe", granularity,
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
		"chunks", len(chunks),
	)

	var all []types.RawBar
	for i, chunk := range chunks {
		bars, err := c.fetchChunk(ctx, symbol, granularity, chunk[0], chunk[1])
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d (%s to %s): %w",
				i+1, len(chunks),
				chunk[0].Format("2006-01-02"),
				chunk[1].Format("2006-01-02"),
				err,
			)
		}
		for _, b := range bars {
			ts := b.Timestamp.UTC()
			// The API end bound is inclusive.
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			all = append(all, types.RawBar{
				Symbol:    symbol,
				Timeframe: granularity,
				OpenTime:  ts,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    int64(b.Volume),
			})
		}
	}

	c.logger.Debug("Alpaca fetch complete",
		"symbol", symbol,
		"timeframe", granularity,
		"total_bars", len(all),
	)
	return all, nil
}

// fetchChunk fetches bars for a single date chunk, handling pagination.
func (c *Client) fetchChunk(ctx context.Context, symbol, granularity string, start, end time.Time) ([]Bar, error) {
	var all []Bar
	pageToken := ""

	for {
		if err := c.rateLimit(ctx); err != nil {
			return nil, err
		}

		params := url.Values{
			"timeframe": {granularity},
			"start":     {start.Format(time.RFC3339)},
			"end":       {end.Format(time.RFC3339)},
			"limit":     {strconv.Itoa(maxBarsPerPage)},
		}
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}

		var (
			reqURL string
			decode func([]byte) (page, error)
		)
		if IsCrypto(symbol) {
			pair := CryptoPair(symbol)
			params.Set("symbols", pair)
			reqURL = fmt.Sprintf("%s/v1beta3/crypto/us/bars?%s", c.cfg.BaseURL, params.Encode())
			decode = func(body []byte) (page, error) {
				var r cryptoBarsResponse
				if err := json.Unmarshal(body, &r); err != nil {
					return page{}, err
				}
				return page{bars: r.Bars[pair], nextToken: r.NextPageToken}, nil
			}
		} else {
			params.Set("feed", c.cfg.Feed)
			reqURL = fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.cfg.BaseURL, url.PathEscape(symbol), params.Encode())
			decode = func(body []byte) (page, error) {
				var r stockBarsResponse
				if err := json.Unmarshal(body, &r); err != nil {
					return page{}, err
				}
				return page{bars: r.Bars, nextToken: r.NextPageToken}, nil
			}
		}

		body, err := c.doWithRetry(ctx, reqURL)
		if err != nil {
			return nil, err
		}
		p, err := decode(body)
		if err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}

		all = append(all, p.bars...)
		if p.nextToken == "" {
			break
		}
		pageToken = p.nextToken
	}

	return all, nil
}

// doWithRetry executes an HTTP GET with exponential backoff retries on
// transport errors, 429 and 5xx. Other statuses fail immediately.
func (c *Client) doWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
			c.logger.Debug("Retrying Alpaca request",
				"attempt", attempt,
				"backoff", backoff,
				"url", reqURL,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
		req.Header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
			c.logger.Warn("Alpaca request failed", "attempt", attempt, "error", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("reading response body: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited (429)")
			c.logger.Warn("Alpaca rate limit hit, retrying", "attempt", attempt)

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error (status %d)", resp.StatusCode)
			c.logger.Warn("Alpaca server error, retrying",
				"status", resp.StatusCode, "attempt", attempt,
			)

		default:
			return nil, fmt.Errorf("alpaca API error: status %d, body: %s",
				resp.StatusCode, truncate(string(body), 300),
			)
		}
	}

	return nil, fmt.Errorf("all %d retries exhausted: %w: %w", c.cfg.MaxRetries, types.ErrTransientFetch, lastErr)
}

// rateLimit enforces the minimum interval between API calls.
func (c *Client) rateLimit(ctx context.Context) error {
	c.mu.Lock()
	wait := c.cfg.MinInterval - time.Since(c.lastCall)
	if wait < 0 {
		wait = 0
	}
	c.lastCall = time.Now().Add(wait)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// generateDateChunks splits a date range into chunks of maxDays.
func generateDateChunks(start, end time.Time, maxDays int) [][2]time.Time {
	var chunks [][2]time.Time
	current := start
	for current.Before(end) {
		chunkEnd := current.AddDate(0, 0, maxDays)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, [2]time.Time{current, chunkEnd})
		current = chunkEnd
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
