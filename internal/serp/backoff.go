package serp

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy controls the poll loop.
type Policy struct {
	// InitialDelay is waited once before the first poll.
	InitialDelay time.Duration
	// Interval is the first backoff between polls.
	Interval time.Duration
	// Multiplier grows Interval after each pending poll.
	Multiplier float64
	// MaxInterval caps the backoff.
	MaxInterval time.Duration
	// NotFoundDelay is the fixed wait after the remote reports it has no
	// record of the task yet.
	NotFoundDelay time.Duration
	// MaxAttempts bounds the number of polls.
	MaxAttempts int
	// JitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	JitterFrac float64
}

// DefaultPolicy returns the production polling policy.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:  3 * time.Second,
		Interval:      2 * time.Second,
		Multiplier:    2,
		MaxInterval:   30 * time.Second,
		NotFoundDelay: 10 * time.Second,
		MaxAttempts:   20,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.NotFoundDelay <= 0 {
		p.NotFoundDelay = d.NotFoundDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.JitterFrac < 0 {
		p.JitterFrac = 0
	}
	return p
}

// Backoff returns the wait after the step-th pending poll (0-based).
func (p Policy) Backoff(step int) time.Duration {
	sleep := p.Interval
	for i := 0; i < step && sleep < p.MaxInterval; i++ {
		sleep = time.Duration(float64(sleep) * p.Multiplier)
		if sleep > p.MaxInterval {
			sleep = p.MaxInterval
			break
		}
	}
	if p.JitterFrac <= 0 {
		return sleep
	}
	j := 1 + (rand.Float64()*2-1)*p.JitterFrac
	return time.Duration(float64(sleep) * j)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
