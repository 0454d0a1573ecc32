package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds remote source settings
type Config struct {
	BaseURL       string        `toml:"base_url"`
	SessionCookie string        `toml:"session_cookie"`
	UserAgent     string        `toml:"user_agent"`
	Timeout       time.Duration `toml:"timeout"`
	MaxRetries    int           `toml:"max_retries"`
	RetryBackoff  time.Duration `toml:"retry_backoff"`
}

// DefaultConfig returns settings for the public site
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://www.strava.com",
		UserAgent:    "trailsync/1.0",
		Timeout:      30 * time.Second,
		MaxRetries:   5,
		RetryBackoff: time.Second,
	}
}

// ValidateConfig checks the remote settings
func ValidateConfig(cfg Config) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("remote base_url must be specified")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return fmt.Errorf("remote base_url is invalid: %w", err)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be positive, got %v", cfg.Timeout)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("remote max_retries must not be negative, got %d", cfg.MaxRetries)
	}
	return nil
}

// Standard errors. A FetchError matches these through errors.Is.
var (
	ErrThrottled = errors.New("remote: throttled")
	ErrNotFound  = errors.New("remote: not found")
)

// FetchError is a non-success HTTP response
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("remote: fetch %s: status %d", e.URL, e.StatusCode)
}

// Is classifies the status for errors.Is
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrThrottled:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// Retryable reports whether the status is a server-side failure
func (e *FetchError) Retryable() bool {
	return e.StatusCode >= 500
}

// Client is the transport used by every remote adapter
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "remote"),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch issues a GET and returns the body of a 2xx response. Server errors
// are retried with a linear backoff; 429 and other statuses fail at once.
func (c *Client) Fetch(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for retry := 0; ; retry++ {
		body, err := c.fetchOnce(ctx, target)
		if err == nil {
			return body, nil
		}

		var fe *FetchError
		if !errors.As(err, &fe) || !fe.Retryable() || retry >= c.cfg.MaxRetries {
			return nil, err
		}

		delay := time.Duration(retry+1) * c.cfg.RetryBackoff
		c.logger.Warn("server error, retrying", "url", target, "status", fe.StatusCode, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) fetchOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.SessionCookie != "" {
		req.Header.Set("Cookie", c.cfg.SessionCookie)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read %s: %w", target, err)
	}
	return body, nil
}
