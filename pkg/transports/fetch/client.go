// Package fetch downloads payloads for copy-from-URL commands.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxBytes caps a single download.
const DefaultMaxBytes = 512 << 20

// Client performs HTTP GETs with a size cap.
type Client struct {
	http     *http.Client
	maxBytes int64
	logger   zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxBytes sets the download size cap.
func WithMaxBytes(n int64) Option {
	return func(c *Client) { c.maxBytes = n }
}

// New creates a fetch client.
func New(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 5 * time.Minute},
		maxBytes: DefaultMaxBytes,
		logger:   logger.With().Str("component", "fetch").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get downloads url. Non-2xx responses and bodies over the cap are errors.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", url, c.maxBytes)
	}

	c.logger.Debug().Str("url", url).Int("bytes", len(body)).Msg("Fetched")
	return body, nil
}
