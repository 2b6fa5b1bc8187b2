// Package dedup partitions a batch of candidates into new and already-known
// entries without writing anything.
package dedup

import (
	"context"
	"fmt"
)

// ExistenceChecker reports whether a natural key is already stored.
type ExistenceChecker interface {
	ExistsCandidate(ctx context.Context, key string) (bool, error)
}

// Partition is the outcome of a gate pass. Both slices keep input order.
type Partition[T any] struct {
	New       []T
	Duplicate []T
}

// Split classifies items by key. The first occurrence of a key within the
// batch is new if the store doesn't know it; every later occurrence is a
// duplicate, even when the key was never persisted.
func Split[T any](ctx context.Context, items []T, key func(T) string, exists ExistenceChecker) (Partition[T], error) {
	var p Partition[T]
	seen := make(map[string]bool, len(items))

	for _, item := range items {
		k := key(item)
		if seen[k] {
			p.Duplicate = append(p.Duplicate, item)
			continue
		}
		seen[k] = true

		known, err := exists.ExistsCandidate(ctx, k)
		if err != nil {
			return Partition[T]{}, fmt.Errorf("check %s: %w", k, err)
		}
		if known {
			p.Duplicate = append(p.Duplicate, item)
			continue
		}
		p.New = append(p.New, item)
	}
	return p, nil
}

// Keys is Split for plain identifiers.
func Keys(ctx context.Context, keys []string, exists ExistenceChecker) (Partition[string], error) {
	return Split(ctx, keys, func(k string) string { return k }, exists)
}
