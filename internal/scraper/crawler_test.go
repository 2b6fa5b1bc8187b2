package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
)

type site struct {
	pages map[string]string
	mu    sync.Mutex
	hits  []string
}

func (s *site) serve(t *testing.T) *httptest.Server {
	t.Helper()
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits = append(s.hits, r.URL.Path)
		s.mu.Unlock()
		body, ok := s.pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".xml") {
			w.Header().Set("Content-Type", "application/xml")
		} else if r.URL.Path != "/robots.txt" {
			w.Header().Set("Content-Type", "text/html")
		}
		_, _ = fmt.Fprint(w, strings.ReplaceAll(body, "{{base}}", ts.URL))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (s *site) fetched(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.hits, path)
}

func html(body string) string {
	return "<html><head><title>Acme Plumbing</title></head><body>" + body + "</body></html>"
}

func TestCrawler_FindsContactEmails(t *testing.T) {
	s := &site{pages: map[string]string{
		"/": html(`<nav><a href="/blog">Blog</a><a href="/about-us">About</a><a href="/contact#form">Contact</a>
			<a href="https://other.test/contact">Partner</a></nav>
			<p>Emergency plumbing in Leeds.</p><footer><a href="mailto:Info@Acme.test?subject=Hi">Info@Acme.test</a></footer>`),
		"/contact":  html(`<p>Write to sales (at) acme.test or call us.</p><img srcset="logo@2x.png 2x">`),
		"/about-us": html(`<p>Family run since 1982. info@acme.test</p><script>var x = "tracker@sentry.io";</script>`),
		"/blog":     html(`<p>press@acme.test</p>`),
	}}
	ts := s.serve(t)

	c := NewCrawler(CrawlConfig{}, newTestFetcher(t, FetchConfig{}), nil)
	got, err := c.Crawl(context.Background(), ts.URL+"/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !got.Reachable || got.Wall != "" || got.Title != "Acme Plumbing" {
		t.Errorf("unexpected site summary: %+v", got)
	}
	wantEmails := []string{"info@acme.test", "sales@acme.test"}
	if !slices.Equal(got.Emails, wantEmails) {
		t.Errorf("Emails = %v, want %v", got.Emails, wantEmails)
	}
	if len(got.Pages) != 3 {
		t.Errorf("expected home plus two contact pages, got %+v", got.Pages)
	}
	if s.fetched("/blog") {
		t.Error("blog is not a contact page and should not be fetched")
	}
	if !strings.Contains(got.Text, "Emergency plumbing") || !strings.Contains(got.Text, "Family run") {
		t.Errorf("expected page text to be collected, got %q", got.Text)
	}
	if strings.Contains(got.Text, "tracker") {
		t.Error("script content leaked into page text")
	}
}

func TestCrawler_HomeBlocked(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	got, err := NewCrawler(CrawlConfig{}, newTestFetcher(t, FetchConfig{}), nil).Crawl(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Reachable || got.Wall != "Cloudflare" {
		t.Errorf("expected a Cloudflare wall, got %+v", got)
	}
}

func TestCrawler_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	got, err := NewCrawler(CrawlConfig{}, newTestFetcher(t, FetchConfig{}), nil).Crawl(context.Background(), addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Reachable || len(got.Pages) != 1 || got.Pages[0].Err == "" {
		t.Errorf("expected one failed page, got %+v", got)
	}
}

func TestCrawler_RespectsRobots(t *testing.T) {
	s := &site{pages: map[string]string{
		"/robots.txt": "User-agent: *\nDisallow: /team\n",
		"/":           html(`<a href="/contact">Contact</a><a href="/team">Team</a>`),
		"/contact":    html(`hello@acme.test`),
		"/team":       html(`ceo@acme.test`),
	}}
	ts := s.serve(t)

	c := NewCrawler(CrawlConfig{RespectRobots: true}, newTestFetcher(t, FetchConfig{}), nil)
	got, err := c.Crawl(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.fetched("/team") {
		t.Error("/team is disallowed and must not be fetched")
	}
	if !slices.Equal(got.Emails, []string{"hello@acme.test"}) {
		t.Errorf("Emails = %v", got.Emails)
	}
	var disallowed bool
	for _, p := range got.Pages {
		if strings.HasSuffix(p.URL, "/team") && p.Err == "disallowed by robots.txt" {
			disallowed = true
		}
	}
	if !disallowed {
		t.Errorf("expected /team to be reported as disallowed, got %+v", got.Pages)
	}
}

func TestCrawler_HomeDisallowed(t *testing.T) {
	s := &site{pages: map[string]string{
		"/robots.txt": "User-agent: *\nDisallow: /\n",
		"/":           html(`x`),
	}}
	ts := s.serve(t)

	got, err := NewCrawler(CrawlConfig{RespectRobots: true}, newTestFetcher(t, FetchConfig{}), nil).Crawl(context.Background(), ts.URL+"/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Disallowed || got.Reachable || s.fetched("/") {
		t.Errorf("expected the site to be skipped, got %+v", got)
	}
}

func TestCrawler_SitemapTopUp(t *testing.T) {
	s := &site{pages: map[string]string{
		"/robots.txt":   "User-agent: *\nAllow: /\nSitemap: {{base}}/site-map.xml\n",
		"/":             html(`<a href="/services">Services</a>`),
		"/site-map.xml": urlset("{{base}}/", "{{base}}/services", "{{base}}/impressum", "https://elsewhere.test/contact"),
		"/impressum":    html(`Verantwortlich: office@acme.test`),
	}}
	ts := s.serve(t)

	c := NewCrawler(CrawlConfig{RespectRobots: true, UseSitemap: true}, newTestFetcher(t, FetchConfig{}), nil)
	got, err := c.Crawl(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(got.Emails, []string{"office@acme.test"}) {
		t.Errorf("Emails = %v", got.Emails)
	}
	if s.fetched("/services") {
		t.Error("services is not a contact page")
	}
}

func TestCrawler_MaxPages(t *testing.T) {
	var links strings.Builder
	pages := map[string]string{}
	for i := 0; i < 8; i++ {
		p := fmt.Sprintf("/contact-%d", i)
		fmt.Fprintf(&links, `<a href="%s">x</a>`, p)
		pages[p] = html("")
	}
	pages["/"] = html(links.String())
	s := &site{pages: pages}
	ts := s.serve(t)

	got, err := NewCrawler(CrawlConfig{MaxPages: 3}, newTestFetcher(t, FetchConfig{}), nil).Crawl(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Pages) != 3 {
		t.Errorf("expected 3 pages, got %d", len(got.Pages))
	}
}

func TestCrawler_BadURL(t *testing.T) {
	c := NewCrawler(CrawlConfig{}, newTestFetcher(t, FetchConfig{}), nil)
	for _, raw := range []string{"ftp://acme.test", "acme.test", "http://"} {
		if _, err := c.Crawl(context.Background(), raw); err == nil {
			t.Errorf("Crawl(%q) expected an error", raw)
		}
	}
}

func TestCrawler_Cancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewCrawler(CrawlConfig{}, newTestFetcher(t, FetchConfig{}), nil).Crawl(ctx, ts.URL); err == nil {
		t.Error("expected the cancellation to surface")
	}
}
