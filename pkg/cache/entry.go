package cache

import (
	"time"
)

// Entry is a cached successful payload.
type Entry struct {
	// Payload is the response body returned by the scraping service.
	Payload []byte `json:"payload"`

	// StatusCode is the upstream status the payload was fetched with.
	StatusCode int `json:"status_code"`

	// FetchedAt is when the payload was fetched from upstream.
	FetchedAt time.Time `json:"fetched_at"`
}

// Age returns how long ago the payload was fetched.
func (e *Entry) Age() time.Duration {
	return time.Since(e.FetchedAt)
}
