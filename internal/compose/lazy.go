package compose

import (
	"context"
	"fmt"
	"sync"
)

// Lazy defers building a Composer until the first Compose call. A failed
// build is returned to that caller and retried on the next one, so a bad
// LLM setting only breaks the stages that compose.
type Lazy struct {
	build func(ctx context.Context) (Composer, error)

	mu       sync.Mutex
	composer Composer
}

var _ Composer = (*Lazy)(nil)

// NewLazy returns a Composer that runs build on demand.
func NewLazy(build func(ctx context.Context) (Composer, error)) *Lazy {
	return &Lazy{build: build}
}

// NewLazyGemini returns a Composer that builds a Gemini client from cfg on
// first use.
func NewLazyGemini(cfg GeminiConfig) *Lazy {
	return NewLazy(func(ctx context.Context) (Composer, error) {
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	})
}

func (l *Lazy) get(ctx context.Context) (Composer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.composer != nil {
		return l.composer, nil
	}
	c, err := l.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("composer unavailable: %w", err)
	}
	l.composer = c
	return c, nil
}

func (l *Lazy) Compose(ctx context.Context, req Request) (Draft, error) {
	c, err := l.get(ctx)
	if err != nil {
		return Draft{}, err
	}
	return c.Compose(ctx, req)
}
