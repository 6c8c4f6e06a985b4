package cache

import (
	"strings"
)

// Key identifies a cached payload. Two jobs share an entry only when the
// target and every pass-through modifier match.
type Key struct {
	// Target is the URL the scraping service fetched.
	Target string

	// Render marks payloads produced with JavaScript rendering.
	Render bool

	// CountryCode is the exit geography the payload was fetched from.
	// Empty means the service default.
	CountryCode string
}

// String generates a deterministic cache key string.
// Format: scrape:<country>:<mode>:<target>
//
// Example:
//
//	scrape:de:render:https://shop.example.com/item/42
func (k Key) String() string {
	country := k.CountryCode
	if country == "" {
		country = "any"
	}

	mode := "plain"
	if k.Render {
		mode = "render"
	}

	return strings.Join([]string{"scrape", country, mode, k.Target}, ":")
}
