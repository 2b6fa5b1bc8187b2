package serp

import (
	"context"
	"fmt"
	"sync"
)

// Lazy defers building a Client until the first call. A failed build is
// returned to that caller and retried on the next one, so a missing
// credential only breaks the stages that actually search.
type Lazy struct {
	build func() (*Client, error)

	mu     sync.Mutex
	client *Client
}

var _ Searcher = (*Lazy)(nil)

// NewLazy returns a Searcher that builds its Client from cfg on demand.
func NewLazy(cfg Config) *Lazy {
	return &Lazy{build: func() (*Client, error) { return NewClient(cfg) }}
}

func (l *Lazy) get() (*Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	c, err := l.build()
	if err != nil {
		return nil, fmt.Errorf("search client unavailable: %w", err)
	}
	l.client = c
	return c, nil
}

func (l *Lazy) Submit(ctx context.Context, q Query) (*Task, error) {
	c, err := l.get()
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, q)
}

func (l *Lazy) Resolve(ctx context.Context, task *Task) (*ResultSet, error) {
	c, err := l.get()
	if err != nil {
		return nil, err
	}
	return c.Resolve(ctx, task)
}
