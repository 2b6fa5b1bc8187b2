// Package proxy rotates outbound fetches for the enrich stage across a set
// of proxy endpoints, benching ones that keep failing.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Endpoint is one proxy and its health counters.
type Endpoint struct {
	URL           *url.URL
	Failures      int
	Successes     int
	LastUsed      time.Time
	DisabledUntil time.Time
}

// Config defines settings for the Pool.
type Config struct {
	// MaxFailures consecutive-ish failures bench an endpoint. Successes pay
	// failures back one at a time.
	MaxFailures int
	// Cooldown is how long a benched endpoint sits out.
	Cooldown time.Duration
}

// Pool hands out endpoints round robin. A nil *Pool is valid and never
// returns a proxy.
type Pool struct {
	mu          sync.Mutex
	endpoints   []*Endpoint
	cursor      int
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
}

// NewPool creates an empty pool. Zero config values get defaults.
func NewPool(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Pool{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
	}
}

// LoadFile adds one proxy per line from path. Blank lines and lines starting
// with '#' are skipped.
func (p *Pool) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open proxy list: %w", err)
	}
	defer f.Close()

	var raws []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raws = append(raws, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read proxy list %s: %w", path, err)
	}
	return p.Add(raws...)
}

// Add parses and appends proxies. A missing scheme means http. Duplicates
// are ignored.
func (p *Pool) Add(raws ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, raw := range raws {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse proxy %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("proxy %q: unsupported scheme %q", u.Redacted(), u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("proxy %q: missing host", raw)
		}
		if p.find(u) != nil {
			continue
		}
		p.endpoints = append(p.endpoints, &Endpoint{URL: u})
	}
	return nil
}

// Len reports how many endpoints the pool holds, benched or not.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Next returns the next endpoint that is not benched, or nil when the pool
// is empty or every endpoint is cooling down.
func (p *Pool) Next() *url.URL {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for range p.endpoints {
		ep := p.endpoints[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.endpoints)

		if !ep.DisabledUntil.IsZero() {
			if now.Before(ep.DisabledUntil) {
				continue
			}
			ep.DisabledUntil = time.Time{}
			ep.Failures = 0
		}
		ep.LastUsed = now
		return ep.URL
	}
	return nil
}

// Report records the outcome of a request made through u. Unknown or nil
// URLs are ignored.
func (p *Pool) Report(u *url.URL, err error) {
	if p == nil || u == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.find(u)
	if ep == nil {
		return
	}
	if err == nil {
		ep.Successes++
		if ep.Failures > 0 {
			ep.Failures--
		}
		return
	}
	ep.Failures++
	if ep.Failures >= p.maxFailures {
		ep.DisabledUntil = p.now().Add(p.cooldown)
	}
}

// Snapshot copies the endpoint counters.
func (p *Pool) Snapshot() []Endpoint {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
	}
	return out
}

// find must be called with mu held.
func (p *Pool) find(u *url.URL) *Endpoint {
	target := u.String()
	for _, ep := range p.endpoints {
		if ep.URL.String() == target {
			return ep
		}
	}
	return nil
}

type ctxKey struct{}

// WithProxy pins u as the proxy for requests made under ctx.
func WithProxy(ctx context.Context, u *url.URL) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromRequest is an http.Transport Proxy func that honours WithProxy. A
// request without a pinned proxy goes direct.
func FromRequest(req *http.Request) (*url.URL, error) {
	if u, ok := req.Context().Value(ctxKey{}).(*url.URL); ok {
		return u, nil
	}
	return nil, nil
}
