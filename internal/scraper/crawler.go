package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxSiteText = 64 << 10

// CrawlConfig bounds how much of each candidate site is read.
type CrawlConfig struct {
	// MaxPages counts the home page. Default 6.
	MaxPages int
	// Concurrency caps parallel fetches within one site. Default 3.
	Concurrency   int
	RespectRobots bool
	// UseSitemap tops up contact pages from the site's sitemap when the home
	// page does not link enough of them.
	UseSitemap bool
	// UserAgent is the robots.txt group to test against. Default "*".
	UserAgent string
}

// PageResult summarises one fetched page.
type PageResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Wall       string `json:"wall,omitempty"`
	Err        string `json:"error,omitempty"`
}

// Site is what a crawl learned about one candidate website.
type Site struct {
	URL    string
	Title  string
	Text   string
	Emails []string
	Pages  []PageResult
	// Wall is set when the home page was a bot wall.
	Wall       string
	Reachable  bool
	Disallowed bool
}

// Crawler reads a candidate's home page plus the pages most likely to carry
// contact details.
type Crawler struct {
	cfg      CrawlConfig
	fetcher  *Fetcher
	robots   *Robots
	sitemaps *SitemapReader
	logger   *slog.Logger
}

// NewCrawler creates a contact crawler.
func NewCrawler(cfg CrawlConfig, fetcher *Fetcher, logger *slog.Logger) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 6
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Crawler{
		cfg:      cfg,
		fetcher:  fetcher,
		sitemaps: NewSitemapReader(fetcher, logger),
		logger:   logger,
	}
	if cfg.RespectRobots {
		c.robots = NewRobots(fetcher, logger)
	}
	return c
}

type visitResult struct {
	page PageResult
	doc  *document
}

// Crawl visits siteURL. Unreachable, blocked or disallowed sites are
// reported on the returned Site; only a bad URL or a cancelled ctx is an
// error.
func (c *Crawler) Crawl(ctx context.Context, siteURL string) (*Site, error) {
	home, err := url.Parse(siteURL)
	if err != nil || (home.Scheme != "http" && home.Scheme != "https") || home.Host == "" {
		return nil, fmt.Errorf("crawl %q: not an http(s) url", siteURL)
	}
	site := &Site{URL: home.String()}

	if !c.allowed(ctx, home) {
		site.Disallowed = true
		return site, ctx.Err()
	}

	first := c.visit(ctx, home)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	site.add(first)
	if first.doc == nil {
		site.Wall = first.page.Wall
		return site, nil
	}
	site.Reachable = true
	site.Title = first.doc.title

	targets := c.contactPages(ctx, home, first.doc)
	results := make([]visitResult, len(targets))

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			if !c.allowed(ctx, target) {
				results[i].page = PageResult{URL: target.String(), Err: "disallowed by robots.txt"}
				return nil
			}
			results[i] = c.visit(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, r := range results {
		site.add(r)
	}
	site.Emails = rankEmails(uniq(site.Emails), home)

	c.logger.Debug("crawled site", "url", site.URL, "pages", len(site.Pages), "emails", len(site.Emails))
	return site, nil
}

func (c *Crawler) allowed(ctx context.Context, u *url.URL) bool {
	if c.robots == nil {
		return true
	}
	return c.robots.Allowed(ctx, u, c.cfg.UserAgent)
}

func (c *Crawler) visit(ctx context.Context, u *url.URL) visitResult {
	res := visitResult{page: PageResult{URL: u.String()}}
	page, err := c.fetcher.Fetch(ctx, u.String())
	if err != nil {
		res.page.Err = err.Error()
		return res
	}
	res.page.StatusCode = page.StatusCode
	res.page.Wall = page.Wall
	if !page.OK() || !page.HTML() {
		return res
	}

	base := u
	if final, err := url.Parse(page.FinalURL); err == nil {
		base = final
	}
	doc, err := parseDocument(base, page.Body)
	if err != nil {
		res.page.Err = fmt.Sprintf("parse html: %v", err)
		return res
	}
	res.doc = doc
	return res
}

// contactPages picks up to MaxPages-1 same-site pages to read after the
// home page, linked pages first, then sitemap entries.
func (c *Crawler) contactPages(ctx context.Context, home *url.URL, doc *document) []*url.URL {
	limit := c.cfg.MaxPages - 1
	if limit <= 0 {
		return nil
	}

	seen := map[string]bool{pageKey(home): true}
	type ranked struct {
		u    *url.URL
		rank int
	}
	var linked []ranked
	for _, l := range doc.links {
		if !sameSite(home, l.url) || seen[pageKey(l.url)] {
			continue
		}
		if r := contactRank(l); r >= 0 {
			seen[pageKey(l.url)] = true
			linked = append(linked, ranked{l.url, r})
		}
	}
	slices.SortStableFunc(linked, func(a, b ranked) int { return a.rank - b.rank })

	out := make([]*url.URL, 0, limit)
	for _, r := range linked {
		if len(out) == limit {
			return out
		}
		out = append(out, r.u)
	}
	if !c.cfg.UseSitemap || len(out) == limit {
		return out
	}

	keep := func(loc string) bool {
		u, err := url.Parse(loc)
		if err != nil || !sameSite(home, u) || seen[pageKey(u)] {
			return false
		}
		return contactRank(link{url: u}) >= 0
	}
	for _, sm := range c.sitemapURLs(ctx, home) {
		locs, err := c.sitemaps.URLs(ctx, sm, keep, limit-len(out))
		if err != nil {
			c.logger.Debug("sitemap skipped", "url", sm, "err", err)
		}
		for _, loc := range locs {
			u, _ := url.Parse(loc)
			if seen[pageKey(u)] {
				continue
			}
			seen[pageKey(u)] = true
			out = append(out, u)
		}
		if len(out) >= limit {
			return out[:limit]
		}
	}
	return out
}

func (c *Crawler) sitemapURLs(ctx context.Context, home *url.URL) []string {
	if c.robots != nil {
		if listed := c.robots.Sitemaps(ctx, home); len(listed) > 0 {
			return listed
		}
	}
	return []string{origin(home) + "/sitemap.xml"}
}

func (s *Site) add(r visitResult) {
	s.Pages = append(s.Pages, r.page)
	if r.doc == nil {
		return
	}
	s.Emails = append(s.Emails, r.doc.emails...)
	if room := maxSiteText - len(s.Text); room > 0 && r.doc.text != "" {
		text := r.doc.text
		if len(text) > room {
			text = text[:room]
		}
		if s.Text != "" {
			s.Text += "\n"
		}
		s.Text += text
	}
}

func pageKey(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host + strings.TrimSuffix(u.EscapedPath(), "/")
}
