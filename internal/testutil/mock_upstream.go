// Package testutil provides testing utilities for the scrape pipeline.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines one scripted response from the mock scraping service.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockUpstream is a configurable stand-in for the scraping service. It
// routes by the `url` query parameter (the target the service would fetch),
// replays scripted response sequences per target, and records the
// concurrent-call high-water mark so tests can verify the admission limit.
type MockUpstream struct {
	server *httptest.Server

	mu           sync.Mutex
	scripts      map[string][]MockResponse
	requestCount int
	targetCounts map[string]int
	lastQuery    map[string]string

	current int
	peak    int
}

// NewMockUpstream creates and starts a mock scraping service.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		scripts:      make(map[string][]MockResponse),
		targetCounts: make(map[string]int),
		lastQuery:    make(map[string]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

func (m *MockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")

	m.mu.Lock()
	m.requestCount++
	m.targetCounts[target]++
	for key := range m.lastQuery {
		delete(m.lastQuery, key)
	}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			m.lastQuery[key] = vals[0]
		}
	}

	m.current++
	if m.current > m.peak {
		m.peak = m.current
	}

	resp := m.nextResponseLocked(target)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.current--
		m.mu.Unlock()
	}()

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// nextResponseLocked pops the next scripted response for target; the last
// scripted response repeats once the script is consumed. Unscripted targets
// get a plain 200.
func (m *MockUpstream) nextResponseLocked(target string) MockResponse {
	script, ok := m.scripts[target]
	if !ok || len(script) == 0 {
		return MockResponse{StatusCode: http.StatusOK, Body: `<html>ok</html>`}
	}
	resp := script[0]
	if len(script) > 1 {
		m.scripts[target] = script[1:]
	}
	return resp
}

// URL returns the mock server URL, usable as the upstream base URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Script sets the response sequence for a target. The final response
// repeats for any further calls.
func (m *MockUpstream) Script(target string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[target] = responses
}

// RequestCount returns the total number of calls received.
func (m *MockUpstream) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// TargetCount returns the number of calls made for one target.
func (m *MockUpstream) TargetCount(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetCounts[target]
}

// MaxConcurrent returns the concurrent-call high-water mark.
func (m *MockUpstream) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// LastQuery returns the query parameters of the most recent call.
func (m *MockUpstream) LastQuery() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.lastQuery))
	for k, v := range m.lastQuery {
		out[k] = v
	}
	return out
}

// Reset clears all tracking counters and scripts.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = make(map[string][]MockResponse)
	m.targetCounts = make(map[string]int)
	m.lastQuery = make(map[string]string)
	m.requestCount = 0
	m.current = 0
	m.peak = 0
}

// OK creates a 200 response with the given body.
func OK(body string) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: body}
}

// Slow creates a 200 response delayed by d.
func Slow(body string, d time.Duration) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: body, Delay: d}
}

// ServerError creates a 500 response.
func ServerError() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: `{"error": "internal server error"}`}
}

// RateLimited creates a 429 response.
func RateLimited() MockResponse {
	return MockResponse{StatusCode: http.StatusTooManyRequests, Body: `{"error": "rate limit exceeded"}`}
}

// NotFound creates a 404 response.
func NotFound() MockResponse {
	return MockResponse{StatusCode: http.StatusNotFound, Body: `{"error": "not found"}`}
}
