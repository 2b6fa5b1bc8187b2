package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestPool(t *testing.T, cfg Config, raws ...string) (*Pool, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := NewPool(cfg)
	p.now = c.now
	if err := p.Add(raws...); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return p, c
}

func TestPool_AddAndNext(t *testing.T) {
	pool, _ := newTestPool(t, Config{}, "127.0.0.1:8080", "http://127.0.0.1:8081", "socks5://127.0.0.1:9050", "http://127.0.0.1:8081")

	if pool.Len() != 3 {
		t.Fatalf("expected duplicates to be dropped, got %d endpoints", pool.Len())
	}

	want := []string{"http://127.0.0.1:8080", "http://127.0.0.1:8081", "socks5://127.0.0.1:9050", "http://127.0.0.1:8080"}
	for i, w := range want {
		if u := pool.Next(); u == nil || u.String() != w {
			t.Errorf("Next #%d = %v, want %s", i, u, w)
		}
	}
}

func TestPool_AddRejects(t *testing.T) {
	pool := NewPool(Config{})
	for _, raw := range []string{"ftp://proxy.test:21", "http://", "http://bad host"} {
		if err := pool.Add(raw); err == nil {
			t.Errorf("Add(%q) expected an error", raw)
		}
	}
	if pool.Len() != 0 {
		t.Errorf("expected no endpoints, got %d", pool.Len())
	}
}

func TestPool_Benching(t *testing.T) {
	pool, clk := newTestPool(t, Config{MaxFailures: 2, Cooldown: time.Minute}, "http://a", "http://b")
	fail := errors.New("connection reset")

	a := pool.Next()
	if a.String() != "http://a" {
		t.Fatalf("expected http://a, got %v", a)
	}
	pool.Report(a, fail)
	pool.Report(a, fail)

	for i := 0; i < 2; i++ {
		if u := pool.Next(); u.String() != "http://b" {
			t.Fatalf("expected http://b while a cools down, got %v", u)
		}
	}

	clk.t = clk.t.Add(time.Minute)
	if u := pool.Next(); u.String() != "http://a" {
		t.Fatalf("expected http://a after cooldown, got %v", u)
	}
	if snap := pool.Snapshot(); snap[0].Failures != 0 || !snap[0].DisabledUntil.IsZero() {
		t.Errorf("expected revived endpoint to start clean, got %+v", snap[0])
	}
}

func TestPool_SuccessPaysBackFailures(t *testing.T) {
	pool, _ := newTestPool(t, Config{MaxFailures: 2}, "http://a")
	a := pool.Next()

	pool.Report(a, errors.New("timeout"))
	pool.Report(a, nil)
	pool.Report(a, errors.New("timeout"))

	if u := pool.Next(); u == nil {
		t.Fatal("expected endpoint to stay in rotation")
	}
	snap := pool.Snapshot()
	if snap[0].Successes != 1 || snap[0].Failures != 1 {
		t.Errorf("unexpected counters: %+v", snap[0])
	}
}

func TestPool_AllBenched(t *testing.T) {
	pool, _ := newTestPool(t, Config{MaxFailures: 1, Cooldown: time.Hour}, "http://a")
	pool.Report(pool.Next(), errors.New("refused"))

	if u := pool.Next(); u != nil {
		t.Errorf("expected nil when every endpoint is benched, got %v", u)
	}
}

func TestPool_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	content := `
# residential
http://proxy1.test
proxy2.test:80

socks5://proxy3.test:1080
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write proxy file: %v", err)
	}

	pool := NewPool(Config{})
	if err := pool.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	want := []string{"http://proxy1.test", "http://proxy2.test:80", "socks5://proxy3.test:1080"}
	for i, w := range want {
		if u := pool.Next(); u == nil || u.String() != w {
			t.Errorf("Next #%d = %v, want %s", i, u, w)
		}
	}

	if err := pool.LoadFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestPool_ReportUnknown(t *testing.T) {
	pool, _ := newTestPool(t, Config{MaxFailures: 1}, "http://a")
	unknown, _ := url.Parse("http://unknown")

	pool.Report(unknown, errors.New("boom"))
	pool.Report(nil, errors.New("boom"))

	if u := pool.Next(); u == nil {
		t.Error("reports for unknown endpoints must not bench known ones")
	}
}

func TestPool_Nil(t *testing.T) {
	var pool *Pool
	if u := pool.Next(); u != nil {
		t.Errorf("expected nil from nil pool, got %v", u)
	}
	pool.Report(nil, nil)
	if pool.Len() != 0 || pool.Snapshot() != nil {
		t.Error("nil pool should be empty")
	}
}

func TestFromRequest(t *testing.T) {
	u, _ := url.Parse("http://proxy.test:3128")

	req, _ := http.NewRequestWithContext(WithProxy(context.Background(), u), http.MethodGet, "https://acme.test", nil)
	got, err := FromRequest(req)
	if err != nil || got != u {
		t.Errorf("FromRequest = (%v, %v), want %v", got, err, u)
	}

	direct, _ := http.NewRequestWithContext(WithProxy(context.Background(), nil), http.MethodGet, "https://acme.test", nil)
	if got, _ := FromRequest(direct); got != nil {
		t.Errorf("expected direct connection, got %v", got)
	}
}
