package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FranksOps/prospector/pkg/httpclient"
	"github.com/FranksOps/prospector/pkg/proxy"
	"github.com/FranksOps/prospector/pkg/useragent"
)

func newTestFetcher(t *testing.T, cfg FetchConfig) *Fetcher {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Profile = httpclient.ProfileGo
	f, err := NewFetcher(cfg)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func TestFetcher_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "TestBrowser/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer ts.Close()

	f := newTestFetcher(t, FetchConfig{UserAgents: useragent.NewPool([]string{"TestBrowser/1.0"})})
	page, err := f.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !page.OK() || !page.HTML() {
		t.Errorf("expected an OK html page, got status %d type %q", page.StatusCode, page.Header.Get("Content-Type"))
	}
	if string(page.Body) != "<html>ok</html>" {
		t.Errorf("unexpected body %q", page.Body)
	}
	if page.FinalURL != ts.URL {
		t.Errorf("FinalURL = %q, want %q", page.FinalURL, ts.URL)
	}
	if page.Duration <= 0 {
		t.Error("expected a positive duration")
	}
}

func TestFetcher_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	page, err := newTestFetcher(t, FetchConfig{}).Fetch(context.Background(), ts.URL+"/old")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.URL != ts.URL+"/old" || page.FinalURL != ts.URL+"/new" {
		t.Errorf("URL/FinalURL = %q/%q", page.URL, page.FinalURL)
	}
}

func TestFetcher_BotWall(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Attention Required! | Cloudflare"))
	}))
	defer ts.Close()

	page, err := newTestFetcher(t, FetchConfig{}).Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("a bot wall is a page, not an error: %v", err)
	}
	if !page.Blocked() || page.Wall != "Cloudflare" || page.OK() {
		t.Errorf("expected a Cloudflare wall, got wall=%q status=%d", page.Wall, page.StatusCode)
	}
}

func TestFetcher_HTTPErrorIsAPage(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	page, err := newTestFetcher(t, FetchConfig{}).Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.StatusCode != http.StatusNotFound || page.OK() {
		t.Errorf("expected a non-OK 404 page, got %d", page.StatusCode)
	}
}

func TestFetcher_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer ts.Close()

	f := newTestFetcher(t, FetchConfig{Timeout: 10 * time.Millisecond})
	if _, err := f.Fetch(context.Background(), ts.URL); err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestFetcher_TruncatesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789abcdef"))
	}))
	defer ts.Close()

	page, err := newTestFetcher(t, FetchConfig{MaxBodyBytes: 10}).Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(page.Body) != "0123456789" {
		t.Errorf("expected a 10 byte body, got %q", page.Body)
	}
}

func TestFetcher_Proxy(t *testing.T) {
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host != "acme.test" {
			t.Errorf("proxy got request for %q", r.URL.Host)
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	defer proxyServer.Close()

	pool := proxy.NewPool(proxy.Config{MaxFailures: 1, Cooldown: time.Minute})
	if err := pool.Add(proxyServer.URL); err != nil {
		t.Fatalf("add proxy: %v", err)
	}

	page, err := newTestFetcher(t, FetchConfig{Proxies: pool}).Fetch(context.Background(), "http://acme.test/contact")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.StatusCode != http.StatusTeapot {
		t.Errorf("expected 418 from the proxy, got %d", page.StatusCode)
	}
	if snap := pool.Snapshot(); snap[0].Successes != 1 {
		t.Errorf("expected the proxy to be credited, got %+v", snap[0])
	}
}

func TestFetcher_DeadProxyIsBenched(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	pool := proxy.NewPool(proxy.Config{MaxFailures: 1, Cooldown: time.Minute})
	if err := pool.Add(deadURL); err != nil {
		t.Fatalf("add proxy: %v", err)
	}

	if _, err := newTestFetcher(t, FetchConfig{Proxies: pool}).Fetch(context.Background(), "http://acme.test/"); err == nil {
		t.Fatal("expected an error through a dead proxy")
	}
	if u := pool.Next(); u != nil {
		t.Errorf("expected the dead proxy to be benched, got %v", u)
	}
}

func TestPage_HTML(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"", true},
		{"text/html", true},
		{"text/html; charset=ISO-8859-1", true},
		{"application/xhtml+xml", true},
		{"application/pdf", false},
		{"application/xml", false},
		{"text/plain", false},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.ct != "" {
			h.Set("Content-Type", tt.ct)
		}
		if got := (&Page{Header: h}).HTML(); got != tt.want {
			t.Errorf("HTML() with %q = %v, want %v", tt.ct, got, tt.want)
		}
	}
}
