package redisbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/algomatic/strat-service/internal/types"
)

// Event types published and consumed by the scanner.
const (
	EventScanRequest   = "strat_scan_request"
	EventScanCompleted = "strat_scan_completed"
	EventScanFailed    = "strat_scan_failed"
	EventSignal        = "strat_signal"
)

// Source identifies this service on the bus.
const Source = "strat-service"

// Event represents a message flowing through the Redis bus.
type Event struct {
	EventType     string
	Payload       map[string]any
	Source        string
	Timestamp     time.Time
	CorrelationID string
}

// wireEvent is the JSON layout shared with the other services on the bus.
// Timestamps inside payloads travel as {"__type__": "datetime", "value": ...}.
type wireEvent struct {
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Source        string         `json:"source"`
	Timestamp     string         `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
}

// NewEvent creates an event stamped with now. An empty correlationID gets a
// fresh UUID.
func NewEvent(eventType string, payload map[string]any, correlationID string, now time.Time) *Event {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Event{
		EventType:     eventType,
		Payload:       payload,
		Source:        Source,
		Timestamp:     now.UTC(),
		CorrelationID: correlationID,
	}
}

// Marshal serializes an event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(wireEvent{
		EventType:     e.EventType,
		Payload:       encodeMap(e.Payload),
		Source:        e.Source,
		Timestamp:     e.Timestamp.Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
	})
}

// UnmarshalEvent deserializes an event from JSON bytes.
func UnmarshalEvent(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshalling event JSON: %w", err)
	}
	if w.EventType == "" {
		return nil, fmt.Errorf("event has no event_type")
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing event timestamp: %w", err)
	}
	return &Event{
		EventType:     w.EventType,
		Payload:       decodeMap(w.Payload),
		Source:        w.Source,
		Timestamp:     ts,
		CorrelationID: w.CorrelationID,
	}, nil
}

// ---------------------------------------------------------------------------
// Domain payloads
// ---------------------------------------------------------------------------

// SignalPayload renders a signal for the strat_signal event.
func SignalPayload(sig types.Signal) map[string]any {
	m := sig.Match
	return map[string]any{
		"signal_id":          sig.ID,
		"match_id":           m.ID,
		"symbol":             m.Symbol,
		"timeframe":          m.Timeframe,
		"pattern":            string(m.Kind),
		"direction":          string(m.Direction),
		"trigger_price":      m.TriggerPrice,
		"invalidation_price": m.InvalidationPrice,
		"entry":              sig.Entry,
		"stop":               sig.Stop,
		"target":             sig.Target,
		"risk":               sig.Risk,
		"reward_risk":        sig.RewardRisk,
		"confidence":         sig.Confidence,
		"detected_at":        m.DetectedAt,
		"generated_at":       sig.GeneratedAt,
	}
}

// ScanRequest asks the listener to scan symbols now.
type ScanRequest struct {
	Symbols []string
}

// ParseScanRequest extracts a scan request from an event payload.
// Accepts "symbols" as a list or "symbol" as a single string.
func ParseScanRequest(payload map[string]any) (ScanRequest, error) {
	var req ScanRequest
	switch v := payload["symbols"].(type) {
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return req, fmt.Errorf("invalid symbol %v", item)
			}
			req.Symbols = append(req.Symbols, s)
		}
	case []string:
		req.Symbols = append(req.Symbols, v...)
	case nil:
	default:
		return req, fmt.Errorf("symbols must be a list, got %T", v)
	}
	if s, ok := payload["symbol"].(string); ok && s != "" {
		req.Symbols = append(req.Symbols, s)
	}
	if len(req.Symbols) == 0 {
		return req, fmt.Errorf("scan request has no symbols")
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Typed value encoding
// ---------------------------------------------------------------------------

// ParsePayloadTime extracts a time.Time from a payload value.
func ParsePayloadTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		return parseTimestamp(val)
	case map[string]any:
		if s, ok := val["value"].(string); ok {
			switch val["__type__"] {
			case "datetime":
				return parseTimestamp(s)
			case "date":
				return time.Parse("2006-01-02", s)
			}
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time from %T: %v", v, v)
}

// parseTimestamp tries multiple timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999+00:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		t, err := time.Parse(f, s)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp format: %s", s)
}

func encodeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]any{"__type__": "datetime", "value": val.Format(time.RFC3339Nano)}
	case map[string]any:
		return encodeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

func decodeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = decodeValue(v)
	}
	return out
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if _, tagged := val["__type__"]; tagged {
			if t, err := ParsePayloadTime(val); err == nil {
				return t
			}
		}
		return decodeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return v
	}
}
