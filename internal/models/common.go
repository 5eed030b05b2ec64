package models

import (
	"fmt"
	"strings"
	"time"
)

// ErrorResponse is the error body returned by the resource API.
// The backend uses "detail"; older handlers answer with "message" or "error".
type ErrorResponse struct {
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Text returns the first non-empty message carried by the body.
func (e ErrorResponse) Text() string {
	for _, s := range []string{e.Detail, e.Message, e.Error} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Timestamp accepts both RFC 3339 and the zone-less ISO 8601 form the backend
// emits for naive datetimes. Zone-less values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		ts.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			ts.Time = t
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("parse timestamp %q: %w", s, lastErr)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + ts.UTC().Format(time.RFC3339Nano) + `"`), nil
}
