package alpaca

import "time"

// Bar represents a single OHLCV bar from the Alpaca API.
type Bar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// stockBarsResponse is the v2 single-symbol stock bars response.
type stockBarsResponse struct {
	Bars          []Bar  `json:"bars"`
	Symbol        string `json:"symbol"`
	NextPageToken string `json:"next_page_token"`
}

// cryptoBarsResponse is the v1beta3 crypto bars response, keyed by pair.
type cryptoBarsResponse struct {
	Bars          map[string][]Bar `json:"bars"`
	NextPageToken string           `json:"next_page_token"`
}

// page is one decoded page of bars, independent of asset class.
type page struct {
	bars      []Bar
	nextToken string
}
