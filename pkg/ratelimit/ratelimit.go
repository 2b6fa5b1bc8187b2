package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces operations with a token bucket and optional jitter.
// It is safe for concurrent use by multiple goroutines.
type Limiter struct {
	lim      *rate.Limiter
	jitter   float64 // 0.0 to 1.0
	interval time.Duration
}

// NewLimiter creates a limiter allowing rps operations per second with a
// burst of one. Jitter must be between 0.0 and 1.0.
// If rps is <= 0, the limiter does not block.
func NewLimiter(rps float64, jitter float64) *Limiter {
	if rps <= 0 {
		return &Limiter{}
	}

	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}

	return &Limiter{
		lim:      rate.NewLimiter(rate.Limit(rps), 1),
		jitter:   jitter,
		interval: time.Duration(float64(time.Second) / rps),
	}
}

// Wait blocks until the next operation may run, or until the context is
// canceled. Positive jitter adds up to jitter*interval of extra delay.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return nil
	}
	if err := l.lim.Wait(ctx); err != nil {
		return err
	}
	if l.jitter <= 0 {
		return nil
	}

	extra := time.Duration(float64(l.interval) * l.jitter * rand.Float64())
	if extra <= 0 {
		return nil
	}
	t := time.NewTimer(extra)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HostLimiter keeps one Limiter per host so crawls stay polite per site
// while different sites proceed in parallel.
type HostLimiter struct {
	rps    float64
	jitter float64

	mu    sync.Mutex
	hosts map[string]*Limiter
}

// NewHostLimiter returns a per-host limiter. rps <= 0 disables pacing.
func NewHostLimiter(rps, jitter float64) *HostLimiter {
	return &HostLimiter{rps: rps, jitter: jitter, hosts: make(map[string]*Limiter)}
}

// Wait paces an operation against host.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	if h == nil || h.rps <= 0 {
		return nil
	}
	h.mu.Lock()
	l, ok := h.hosts[host]
	if !ok {
		l = NewLimiter(h.rps, h.jitter)
		h.hosts[host] = l
	}
	h.mu.Unlock()
	return l.Wait(ctx)
}
