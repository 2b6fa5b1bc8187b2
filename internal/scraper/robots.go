package scraper

import (
	"context"
	"log/slog"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// Robots caches robots.txt per origin. A robots.txt that cannot be fetched
// allows everything; a 5xx answer disallows everything, as robotstxt
// interprets status codes.
type Robots struct {
	fetcher *Fetcher
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobots creates an empty cache backed by fetcher.
func NewRobots(fetcher *Fetcher, logger *slog.Logger) *Robots {
	if logger == nil {
		logger = slog.Default()
	}
	return &Robots{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether agent may fetch u.
func (r *Robots) Allowed(ctx context.Context, u *url.URL, agent string) bool {
	data := r.load(ctx, origin(u))
	if data == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, agent)
}

// Sitemaps returns the Sitemap: lines of u's robots.txt.
func (r *Robots) Sitemaps(ctx context.Context, u *url.URL) []string {
	data := r.load(ctx, origin(u))
	if data == nil {
		return nil
	}
	return data.Sitemaps
}

func (r *Robots) load(ctx context.Context, key string) *robotstxt.RobotsData {
	r.mu.RLock()
	data, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return data
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		data, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return data, nil
		}
		data = r.fetch(ctx, key)
		if ctx.Err() == nil {
			r.mu.Lock()
			r.cache[key] = data
			r.mu.Unlock()
		}
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (r *Robots) fetch(ctx context.Context, key string) *robotstxt.RobotsData {
	page, err := r.fetcher.Fetch(ctx, key+"/robots.txt")
	if err != nil {
		r.logger.Debug("robots.txt unavailable, allowing", "origin", key, "err", err)
		return nil
	}
	if page.Blocked() {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(page.StatusCode, page.Body)
	if err != nil {
		r.logger.Debug("robots.txt unparsable, allowing", "origin", key, "err", err)
		return nil
	}
	return data
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
