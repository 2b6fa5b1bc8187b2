// Package useragent supplies browser User-Agent strings for site fetches.
package useragent

import (
	"crypto/rand"
	"hash/fnv"
	"math/big"
	"strings"
	"sync/atomic"
)

// Defaults is a set of current desktop browser User-Agents.
var Defaults = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:131.0) Gecko/20100101 Firefox/131.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.7; rv:131.0) Gecko/20100101 Firefox/131.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0",
}

// Pool is safe for concurrent use.
type Pool struct {
	uas     []string
	counter atomic.Uint64
}

// NewPool copies uas into a pool, dropping blanks. An empty list falls back
// to Defaults.
func NewPool(uas []string) *Pool {
	kept := make([]string, 0, len(uas))
	for _, ua := range uas {
		if ua = strings.TrimSpace(ua); ua != "" {
			kept = append(kept, ua)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, Defaults...)
	}
	return &Pool{uas: kept}
}

// Next returns User-Agents round robin.
func (p *Pool) Next() string {
	idx := p.counter.Add(1) - 1
	return p.uas[idx%uint64(len(p.uas))]
}

// Random picks a User-Agent with crypto/rand, falling back to Next.
func (p *Pool) Random() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.uas))))
	if err != nil {
		return p.Next()
	}
	return p.uas[n.Int64()]
}

// For returns the same User-Agent every time it is asked about host, so a
// site sees one consistent browser across its home and contact pages.
func (p *Pool) For(host string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(host)))
	return p.uas[h.Sum32()%uint32(len(p.uas))]
}

// Len reports the pool size.
func (p *Pool) Len() int { return len(p.uas) }
