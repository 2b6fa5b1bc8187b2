package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job or candidate does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateKey is returned by CreateCandidate when the natural key is taken.
	// Callers treat it as "already exists".
	ErrDuplicateKey = errors.New("storage: duplicate key")
)

// JobFilter narrows ListJobs.
type JobFilter struct {
	Stage  Stage
	Status Status
	Limit  int
	Offset int
}

// CandidateFilter narrows ListCandidates.
type CandidateFilter struct {
	IDs    []string
	Status CandidateStatus
	JobID  string
	Limit  int
	Offset int
}

// JobStore persists Job records. SaveJob writes status, result, error and
// timestamps in a single statement so no reader sees a completed job without
// its result.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	LoadJob(ctx context.Context, id string) (*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// CandidateStore persists discovered prospects.
type CandidateStore interface {
	ExistsCandidate(ctx context.Context, key string) (bool, error)
	CreateCandidate(ctx context.Context, c *Candidate) error
	GetCandidate(ctx context.Context, id string) (*Candidate, error)
	UpdateCandidate(ctx context.Context, c *Candidate) error
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]*Candidate, error)
}

// Backend is the full persistence surface used by the pipeline.
type Backend interface {
	JobStore
	CandidateStore
	Close() error
}

// now is swapped in tests that need stable timestamps.
var now = func() time.Time { return time.Now().UTC() }
