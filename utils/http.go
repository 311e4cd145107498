package utils

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// RetryConfig controls the exponential backoff applied to transient
// request failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

// DefaultRetryConfig returns the standard backoff settings.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// ClientConfig configures an HTTPClient.
type ClientConfig struct {
	Timeout   time.Duration
	UserAgent string
	ProxyURL  string // http://, https:// or socks5:// proxy, empty for none
	Retry     *RetryConfig
}

// HTTPClient wraps http.Client with a default user agent, optional proxy
// support and retry-with-backoff for transient failures.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	retry     *RetryConfig
}

// NewHTTPClient builds a client from cfg. Nil fields fall back to defaults.
func NewHTTPClient(cfg *ClientConfig) (*HTTPClient, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.ProxyURL != "" {
		if err := configureProxy(transport, cfg.ProxyURL); err != nil {
			return nil, err
		}
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		userAgent: cfg.UserAgent,
		retry:     retry,
	}, nil
}

func configureProxy(transport *http.Transport, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("create socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
	}
	return nil
}

// Do executes a single request, applying the default user agent when the
// caller has not set one. No retries.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.client.Do(req)
}

// DoWithRetry executes the request produced by build, retrying network
// failures and 5xx responses with exponential backoff. build is invoked once
// per attempt so requests with bodies can be reconstructed.
func (c *HTTPClient) DoWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoffDelay(attempt)):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: HTTP %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *HTTPClient) backoffDelay(attempt int) time.Duration {
	delay := float64(c.retry.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.retry.Multiplier
	}
	if max := float64(c.retry.MaxDelay); delay > max {
		delay = max
	}
	jitter := delay * c.retry.Jitter * (2*rand.Float64() - 1)
	return time.Duration(delay + jitter)
}
