// Package httpclient builds the HTTP clients used for search API calls and
// candidate site fetches.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

// Config defines the setup for a Client.
type Config struct {
	Timeout time.Duration
	// MaxRedirects caps redirect hops. Zero means the net/http default, a
	// negative value disables redirects.
	MaxRedirects int
	UseCookieJar bool
	// Profile selects the TLS ClientHello; empty means the Go stack.
	Profile Profile
	// Proxy picks a proxy per request. Nil means no proxy.
	Proxy func(*http.Request) (*url.URL, error)
	// Transport overrides Profile and Proxy entirely.
	Transport http.RoundTripper
}

// Client wraps http.Client with a context-first Do.
type Client struct {
	*http.Client
}

// New creates a client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &http.Client{Timeout: cfg.Timeout}

	switch {
	case cfg.MaxRedirects < 0:
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case cfg.MaxRedirects > 0:
		limit := cfg.MaxRedirects
		c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	if cfg.UseCookieJar {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		c.Jar = jar
	}

	if cfg.Transport != nil {
		c.Transport = cfg.Transport
	} else {
		rt, err := Transport(cfg.Profile, cfg.Proxy)
		if err != nil {
			return nil, err
		}
		c.Transport = rt
	}

	return &Client{Client: c}, nil
}

// Do executes req under ctx. ctx bounds the whole exchange independently of
// the client timeout.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		return nil, errors.New("httpclient: nil context")
	}
	resp, err := c.Client.Do(req.Clone(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}
