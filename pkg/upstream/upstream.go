// Package upstream implements the HTTP client for the external scraping
// service. The service is a black box: one call per attempt, parameterized
// by target URL, an opaque credential, and pass-through modifiers. Only the
// response status and body are interpreted by callers.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/umop66/scrapebatch/pkg/logging"
)

// ErrInvalidTarget is returned when the target URL cannot form a valid
// upstream request. Callers treat this as non-retryable.
var ErrInvalidTarget = errors.New("invalid target url")

// Request describes one upstream call. Render and CountryCode are forwarded
// to the scraping service unmodified and have no effect on scheduling.
type Request struct {
	// Target is the URL the scraping service should fetch.
	Target string

	// Render asks the service to execute JavaScript before returning HTML.
	Render bool

	// CountryCode selects the service's exit geography (e.g. "us", "de").
	CountryCode string
}

// Response is the raw upstream result. Body is fully read and the
// connection released before Response is returned.
type Response struct {
	StatusCode int
	Body       []byte
}

// Config holds the upstream client configuration.
type Config struct {
	// BaseURL is the scraping service endpoint.
	BaseURL string

	// APIKey is the opaque credential forwarded with every request.
	APIKey string

	// UserAgent identifies this client to the scraping service.
	UserAgent string
}

// DefaultBaseURL is the standard scraping service endpoint.
const DefaultBaseURL = "http://api.scraperapi.com"

// Client performs raw calls against the scraping service.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates an upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "scrapebatch/0.1.0"
	}

	return &Client{
		// No client-level timeout: each attempt carries its own deadline
		// via context, owned by the retry layer.
		httpClient: &http.Client{},
		config:     cfg,
		logger:     logging.NewLogger("upstream"),
	}, nil
}

// Do performs one call for the given request and returns the raw response.
// The attempt deadline is taken from ctx.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := c.buildURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "text/html, application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug().
		Str("target", req.Target).
		Int("status_code", resp.StatusCode).
		Int("body_bytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("Upstream call complete")

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// buildURL assembles the service URL with credential and modifiers.
func (c *Client) buildURL(req Request) (string, error) {
	target, err := url.Parse(req.Target)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, req.Target)
	}

	q := url.Values{}
	q.Set("api_key", c.config.APIKey)
	q.Set("url", req.Target)
	if req.Render {
		q.Set("render", "true")
	}
	if req.CountryCode != "" {
		q.Set("country_code", req.CountryCode)
	}

	return c.config.BaseURL + "/?" + q.Encode(), nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
