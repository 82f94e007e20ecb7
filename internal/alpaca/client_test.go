package alpaca

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/algomatic/strat-service/internal/types"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:     srv.URL,
		APIKey:      "key",
		SecretKey:   "secret",
		MaxRetries:  2,
		MinInterval: -1,
		BaseBackoff: time.Millisecond,
	}, nil)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode: %v", err)
	}
}

var (
	t0 = time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func TestFetchBars_Paging(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v2/stocks/AAPL/bars" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("APCA-API-KEY-ID") != "key" {
			t.Errorf("missing API key header")
		}
		if r.URL.Query().Get("feed") != "iex" {
			t.Errorf("feed = %q, want iex", r.URL.Query().Get("feed"))
		}
		switch r.URL.Query().Get("page_token") {
		case "":
			writeJSON(t, w, stockBarsResponse{
				Symbol:        "AAPL",
				Bars:          []Bar{{Timestamp: t0, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000}},
				NextPageToken: "p2",
			})
		case "p2":
			writeJSON(t, w, stockBarsResponse{
				Symbol: "AAPL",
				Bars: []Bar{
					{Timestamp: t0.Add(15 * time.Minute), Open: 100.5, High: 102, Low: 100, Close: 101, Volume: 500},
					// The API end bound is inclusive; this bar must be dropped.
					{Timestamp: t1, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
				},
			})
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("page_token"))
		}
	}))

	bars, err := c.FetchBars(t.Context(), "AAPL", "15Min", t0, t1)
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	b := bars[1]
	if b.Symbol != "AAPL" || b.Timeframe != "15Min" || !b.OpenTime.Equal(t0.Add(15*time.Minute)) {
		t.Errorf("bar = %+v", b)
	}
	if b.Volume != 500 || b.High != 102 {
		t.Errorf("bar values = %+v", b)
	}
}

func TestFetchBars_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(t, w, stockBarsResponse{Bars: []Bar{{Timestamp: t0, Open: 1, High: 2, Low: 1, Close: 2, Volume: 10}}})
	}))

	bars, err := c.FetchBars(t.Context(), "AAPL", "1Hour", t0, t1)
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 1 || calls.Load() != 2 {
		t.Errorf("bars=%d calls=%d, want 1/2", len(bars), calls.Load())
	}
}

func TestFetchBars_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.FetchBars(t.Context(), "AAPL", "1Hour", t0, t1)
	if !errors.Is(err, types.ErrTransientFetch) {
		t.Fatalf("expected ErrTransientFetch, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestFetchBars_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"forbidden"}`))
	}))

	_, err := c.FetchBars(t.Context(), "AAPL", "1Hour", t0, t1)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, types.ErrTransientFetch) {
		t.Errorf("4xx must not be transient: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchBars_Crypto(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta3/crypto/us/bars" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbols"); got != "BTC/USD" {
			t.Errorf("symbols = %q", got)
		}
		writeJSON(t, w, cryptoBarsResponse{Bars: map[string][]Bar{
			"BTC/USD": {{Timestamp: t0, Open: 1, High: 2, Low: 1, Close: 2, Volume: 3}},
		}})
	}))

	bars, err := c.FetchBars(t.Context(), "BTC", "1Hour", t0, t1)
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 1 || bars[0].Symbol != "BTC" {
		t.Errorf("bars = %+v", bars)
	}
}

func TestFetchBars_EmptyRange(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	bars, err := c.FetchBars(t.Context(), "AAPL", "1Hour", t1, t0)
	if err != nil || bars != nil {
		t.Errorf("FetchBars = %v, %v; want nil, nil", bars, err)
	}
}

func TestGenerateDateChunks(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 60)
	chunks := generateDateChunks(start, end, MaxDaysPerChunk)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if !chunks[0][0].Equal(start) || !chunks[2][1].Equal(end) {
		t.Errorf("chunks do not cover the range: %v", chunks)
	}
	for i := 1; i < len(chunks); i++ {
		if !chunks[i][0].Equal(chunks[i-1][1]) {
			t.Errorf("chunk %d does not start where %d ends", i, i-1)
		}
	}
}

func TestIsCrypto(t *testing.T) {
	tests := map[string]bool{"BTC": true, "eth": true, "BTC/USD": true, "AAPL": false}
	for sym, want := range tests {
		if got := IsCrypto(sym); got != want {
			t.Errorf("IsCrypto(%q) = %v, want %v", sym, got, want)
		}
	}
	if got := CryptoPair("sol"); got != "SOL/USD" {
		t.Errorf("CryptoPair(sol) = %q", got)
	}
}
