package storage

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// ErrInvalidTransition is returned when a job status change would move
// backwards or leave a terminal state.
var ErrInvalidTransition = errors.New("storage: invalid job transition")

// Stage identifies one phase of the outreach pipeline.
type Stage string

const (
	StageDiscover     Stage = "discover"
	StageEnrich       Stage = "enrich"
	StageSend         Stage = "send"
	StageScore        Stage = "score"
	StageFollowup     Stage = "followup"
	StageCheckReplies Stage = "check_replies"
)

// Stages lists every known stage in pipeline order.
var Stages = []Stage{StageDiscover, StageEnrich, StageSend, StageScore, StageFollowup, StageCheckReplies}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if slices.Contains(Stages, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Parameters is the immutable input snapshot of a job.
type Parameters struct {
	Keywords    []string `json:"keywords,omitempty"`
	Locations   []int    `json:"locations,omitempty"`
	Language    string   `json:"language,omitempty"`
	Device      string   `json:"device,omitempty"`
	Depth       int      `json:"depth,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	TargetIDs   []string `json:"target_ids,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Template    string   `json:"template,omitempty"`
	SenderName  string   `json:"sender_name,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
	ParentJobID string   `json:"parent_job_id,omitempty"`
}

// Clone returns a deep copy so the caller's slices cannot alias the snapshot.
func (p Parameters) Clone() Parameters {
	p.Keywords = slices.Clone(p.Keywords)
	p.Locations = slices.Clone(p.Locations)
	p.TargetIDs = slices.Clone(p.TargetIDs)
	return p
}

// Outcome distinguishes the variants of a stage result.
type Outcome string

const (
	OutcomeDone          Outcome = "done"
	OutcomeUnimplemented Outcome = "unimplemented"
)

// Result is the structured summary of a completed job.
type Result struct {
	Outcome      Outcome        `json:"outcome"`
	Stats        map[string]int `json:"stats,omitempty"`
	CandidateIDs []string       `json:"candidate_ids,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Count returns a stat or zero.
func (r *Result) Count(name string) int {
	if r == nil || r.Stats == nil {
		return 0
	}
	return r.Stats[name]
}

// Job is one stage execution and its outcome.
type Job struct {
	ID          string     `json:"id"`
	Stage       Stage      `json:"stage"`
	Status      Status     `json:"status"`
	Parameters  Parameters `json:"parameters"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob returns a pending job holding a private copy of params.
func NewJob(id string, stage Stage, params Parameters) *Job {
	ts := now()
	return &Job{
		ID:         id,
		Stage:      stage,
		Status:     StatusPending,
		Parameters: params.Clone(),
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
}

// Start moves a pending job to running.
func (j *Job) Start() error {
	if j.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusRunning)
	}
	ts := now()
	j.Status = StatusRunning
	j.StartedAt = &ts
	j.UpdatedAt = ts
	return nil
}

// Complete records the result and moves a running job to completed.
func (j *Job) Complete(res Result) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	if res.Outcome == "" {
		res.Outcome = OutcomeDone
	}
	ts := now()
	j.Status = StatusCompleted
	j.Result = &res
	j.CompletedAt = &ts
	j.UpdatedAt = ts
	return nil
}

// Fail records cause and moves a non-terminal job to failed. Pending jobs may
// fail directly when their launch never happened.
func (j *Job) Fail(cause error) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
	}
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	ts := now()
	j.Status = StatusFailed
	j.Error = msg
	j.Result = nil
	j.CompletedAt = &ts
	j.UpdatedAt = ts
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Parameters = j.Parameters.Clone()
	if j.Result != nil {
		r := *j.Result
		r.Stats = maps.Clone(j.Result.Stats)
		r.CandidateIDs = slices.Clone(j.Result.CandidateIDs)
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
