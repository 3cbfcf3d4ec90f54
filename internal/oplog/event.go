// Package oplog records structured operation events (outbound Home
// Assistant requests, service calls, area management runs) without ever
// blocking or failing the operation that emits them.
package oplog

import (
	"encoding/json"
	"time"
)

// detailMaxChars bounds the JSON size of an event's Detail map.
const detailMaxChars = 4000

// Event types.
const (
	TypeHARequest = "ha_request"
	TypeHACall    = "ha_call"
	TypeSession   = "ha_session"
	TypeAreaOp    = "area_op"
	TypeToolCall  = "tool_call"
)

// Event is one operation log record.
type Event struct {
	EventID    string         `json:"event_id"`
	CreatedAt  time.Time      `json:"created_at"`
	EventType  string         `json:"event_type"`
	Source     string         `json:"source"`
	Action     string         `json:"action"`
	Method     string         `json:"method,omitempty"`
	Path       string         `json:"path,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	DurationMS float64        `json:"duration_ms,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Bool returns a pointer for Event.Success.
func Bool(v bool) *bool {
	return &v
}

// Millis converts a duration to fractional milliseconds rounded to two
// places.
func Millis(d time.Duration) float64 {
	return float64(d.Microseconds()/10) / 100
}

// compactDetail replaces oversized details with a truncated preview.
func compactDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return map[string]any{"value": "unserializable detail: " + err.Error()}
	}
	if len(raw) <= detailMaxChars {
		return detail
	}
	return map[string]any{
		"_truncated": true,
		"_size":      len(raw),
		"preview":    string(raw[:detailMaxChars]),
	}
}
