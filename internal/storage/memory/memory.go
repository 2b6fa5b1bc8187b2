// Package memory provides an in-process storage.Backend. When given a file
// path it also appends every write to an NDJSON journal and replays that
// journal on open, so local runs survive restarts without a database.
package memory

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/FranksOps/prospector/internal/storage"
)

// ensure memoryBackend implements storage.Backend
var _ storage.Backend = (*memoryBackend)(nil)

type memoryBackend struct {
	mu         sync.RWMutex
	jobs       map[string]*storage.Job
	candidates map[string]*storage.Candidate
	keys       map[string]string // natural key -> candidate id
	journal    *os.File
}

// entry is one journal line; exactly one of Job or Candidate is set.
type entry struct {
	Job       *storage.Job       `json:"job,omitempty"`
	Candidate *storage.Candidate `json:"candidate,omitempty"`
}

// New returns an empty in-memory backend without a journal.
func New() storage.Backend {
	return newBackend()
}

// Open returns a backend journaled to filePath, replaying existing entries.
func Open(filePath string) (storage.Backend, error) {
	b := newBackend()

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("replay journal: %w", err)
		}
		if e.Job != nil {
			b.jobs[e.Job.ID] = e.Job
		}
		if e.Candidate != nil {
			b.candidates[e.Candidate.ID] = e.Candidate
			b.keys[e.Candidate.Key] = e.Candidate.ID
		}
	}
	if err := scanner.Err(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	b.journal = f
	return b, nil
}

func newBackend() *memoryBackend {
	return &memoryBackend{
		jobs:       make(map[string]*storage.Job),
		candidates: make(map[string]*storage.Candidate),
		keys:       make(map[string]string),
	}
}

// appendLocked writes e to the journal. Callers hold b.mu.
func (b *memoryBackend) appendLocked(e entry) error {
	if b.journal == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if _, err := b.journal.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func (b *memoryBackend) CreateJob(ctx context.Context, job *storage.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, storage.ErrDuplicateKey)
	}
	cp := job.Clone()
	if err := b.appendLocked(entry{Job: cp}); err != nil {
		return err
	}
	b.jobs[job.ID] = cp
	return nil
}

func (b *memoryBackend) LoadJob(ctx context.Context, id string) (*storage.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	return j.Clone(), nil
}

func (b *memoryBackend) SaveJob(ctx context.Context, job *storage.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, storage.ErrNotFound)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", job.ID, cur.Status, storage.ErrInvalidTransition)
	}
	cp := job.Clone()
	if err := b.appendLocked(entry{Job: cp}); err != nil {
		return err
	}
	b.jobs[job.ID] = cp
	return nil
}

func (b *memoryBackend) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*storage.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*storage.Job
	for _, j := range b.jobs {
		if filter.Stage != "" && j.Stage != filter.Stage {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *storage.Job) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (b *memoryBackend) ExistsCandidate(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.keys[key]
	return ok, nil
}

func (b *memoryBackend) CreateCandidate(ctx context.Context, c *storage.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.keys[c.Key]; ok {
		return fmt.Errorf("candidate %s: %w", c.Key, storage.ErrDuplicateKey)
	}
	if _, ok := b.candidates[c.ID]; ok {
		return fmt.Errorf("candidate %s: %w", c.ID, storage.ErrDuplicateKey)
	}
	cp := c.Clone()
	if err := b.appendLocked(entry{Candidate: cp}); err != nil {
		return err
	}
	b.candidates[c.ID] = cp
	b.keys[c.Key] = c.ID
	return nil
}

func (b *memoryBackend) GetCandidate(ctx context.Context, id string) (*storage.Candidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", id, storage.ErrNotFound)
	}
	return c.Clone(), nil
}

func (b *memoryBackend) UpdateCandidate(ctx context.Context, c *storage.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.candidates[c.ID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", c.ID, storage.ErrNotFound)
	}
	cp := c.Clone()
	// the natural key never changes after creation
	cp.Key = cur.Key
	if err := b.appendLocked(entry{Candidate: cp}); err != nil {
		return err
	}
	b.candidates[c.ID] = cp
	return nil
}

func (b *memoryBackend) ListCandidates(ctx context.Context, filter storage.CandidateFilter) ([]*storage.Candidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*storage.Candidate
	if len(filter.IDs) > 0 {
		// keep the caller's order for explicit id lists
		for _, id := range filter.IDs {
			c, ok := b.candidates[id]
			if !ok || !matches(c, filter) {
				continue
			}
			out = append(out, c.Clone())
		}
		return page(out, filter.Offset, filter.Limit), nil
	}

	for _, c := range b.candidates {
		if matches(c, filter) {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *storage.Candidate) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Key, b.Key))
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.journal == nil {
		return nil
	}
	err := b.journal.Close()
	b.journal = nil
	return err
}

func matches(c *storage.Candidate, filter storage.CandidateFilter) bool {
	if filter.Status != "" && c.Status != filter.Status {
		return false
	}
	if filter.JobID != "" && c.JobID != filter.JobID {
		return false
	}
	return true
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
