// Package scraper fetches candidate websites and pulls contact details out of
// them for the enrich stage.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/prospector/internal/bypass"
	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/pkg/httpclient"
	"github.com/FranksOps/prospector/pkg/proxy"
	"github.com/FranksOps/prospector/pkg/ratelimit"
	"github.com/FranksOps/prospector/pkg/useragent"
)

const defaultMaxBody = 2 << 20

// FetchConfig configures a Fetcher.
type FetchConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool
	Profile      httpclient.Profile
	Proxies      *proxy.Pool
	UserAgents   *useragent.Pool
	// Limiter paces requests per host. Nil means unpaced.
	Limiter *ratelimit.HostLimiter
	// MaxBodyBytes truncates large pages. Zero means 2 MiB.
	MaxBodyBytes int64
	Detectors    []bypass.Detector
	Logger       *slog.Logger
}

// Page is one fetched URL.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	// Wall names the bot protection vendor that challenged the request.
	Wall string
}

// Blocked reports whether a bot wall answered instead of the site.
func (p *Page) Blocked() bool { return p.Wall != "" }

// OK reports a 2xx answer that was not a bot wall.
func (p *Page) OK() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300 && !p.Blocked()
}

// HTML reports whether the page declared an HTML content type. Pages
// without a Content-Type are treated as HTML.
func (p *Page) HTML() bool {
	ct := p.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

// Fetcher performs GETs with rotated proxies and User-Agents. One Fetcher
// holds one client, so connections and cookies persist across fetches.
type Fetcher struct {
	cfg    FetchConfig
	client *httpclient.Client
}

// NewFetcher builds a Fetcher. The default TLS profile is Chrome.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.NewPool(nil)
	}
	if cfg.Profile == "" {
		cfg.Profile = httpclient.ProfileChrome
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Detectors == nil {
		cfg.Detectors = bypass.DefaultDetectors()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Profile:      cfg.Profile,
		Proxy:        proxy.FromRequest,
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher client: %w", err)
	}
	return &Fetcher{cfg: cfg, client: client}, nil
}

// Fetch GETs rawURL. Transport failures return an error; any HTTP answer,
// including 4xx/5xx and bot walls, returns a Page.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	host := u.Hostname()

	if err := f.cfg.Limiter.Wait(ctx, host); err != nil {
		return nil, err
	}

	via := f.cfg.Proxies.Next()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgents.For(host))
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.7")

	start := time.Now()
	resp, err := f.client.Do(proxy.WithProxy(ctx, via), req)
	if err != nil {
		f.cfg.Proxies.Report(via, err)
		if via != nil {
			metrics.RecordProxyFailure(via.Redacted())
		}
		metrics.RecordFetch(host, metrics.Fetch{Err: err, Duration: time.Since(start)})
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	f.cfg.Proxies.Report(via, err)
	if err != nil {
		metrics.RecordFetch(host, metrics.Fetch{StatusCode: resp.StatusCode, Err: err, Duration: time.Since(start)})
		return nil, fmt.Errorf("read %s: %w", u.Redacted(), err)
	}

	page := &Page{
		URL:        rawURL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}
	page.Wall, _ = bypass.Detect(bypass.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, f.cfg.Detectors)
	if page.Blocked() {
		f.cfg.Logger.Debug("bot wall", "url", rawURL, "vendor", page.Wall, "status", resp.StatusCode)
	}

	metrics.RecordFetch(host, metrics.Fetch{
		StatusCode:   resp.StatusCode,
		DetectedBot:  page.Blocked(),
		DetectionSrc: page.Wall,
		Bytes:        len(body),
		Duration:     page.Duration,
	})
	return page, nil
}
