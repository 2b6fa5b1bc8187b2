package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/FranksOps/prospector/internal/storage"
	"github.com/google/uuid"
)

// ErrNotRunning is returned by Cancel for jobs this process is not running.
var ErrNotRunning = errors.New("job is not running in this process")

// maxOrphans bounds how many stale jobs RecoverOrphans handles per call.
const maxOrphans = 1000

// Options configures a Registry.
type Options struct {
	// Context bounds every launched unit. Defaults to context.Background().
	Context  context.Context
	Launcher Launcher
	// AutoSend chains a send job after an enrich job that found contacts.
	AutoSend bool
	Logger   *slog.Logger
}

// Registry is the entry point for submitting and inspecting jobs. Only the
// registry that created a job launches its runner.
type Registry struct {
	store  storage.JobStore
	runner *Runner
	chain  *ChainTrigger
	logger *slog.Logger
	newID  func() string
}

// NewRegistry wires a runner over store. Stages missing from stages
// complete with the unimplemented outcome.
func NewRegistry(store storage.JobStore, stages map[storage.Stage]StageFunc, opts Options) *Registry {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Launcher == nil {
		opts.Launcher = GoLauncher
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		store:  store,
		logger: opts.Logger,
		newID:  uuid.NewString,
	}
	r.runner = newRunner(opts.Context, store, stages, opts.Launcher, opts.Logger)
	r.chain = NewChainTrigger(r, opts.AutoSend, opts.Logger)
	r.runner.onComplete = r.chain.Fire
	return r
}

// CreateJob persists a pending job, launches it, and returns its id without
// waiting for the stage to run. A launch failure is recorded on the job.
func (r *Registry) CreateJob(ctx context.Context, stage storage.Stage, params storage.Parameters) (string, error) {
	if _, err := storage.ParseStage(string(stage)); err != nil {
		return "", err
	}

	job := storage.NewJob(r.newID(), stage, params)
	if err := r.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create %s job: %w", stage, err)
	}
	r.logger.Debug("job created", "job_id", job.ID, "stage", stage, "parent_job_id", params.ParentJobID)

	r.runner.Start(job.ID)
	return job.ID, nil
}

// GetJob returns the current snapshot of a job.
func (r *Registry) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	return r.store.LoadJob(ctx, id)
}

// ListJobs returns jobs matching filter, newest first.
func (r *Registry) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*storage.Job, error) {
	return r.store.ListJobs(ctx, filter)
}

// Cancel stops a job running in this process. The job ends failed with
// ErrCancelled as its error. Chained jobs it already triggered keep running.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	h, ok := r.runner.handle(id)
	if !ok {
		if _, err := r.store.LoadJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s: %w", id, ErrNotRunning)
	}
	h.Cancel()
	return nil
}

// Wait blocks until every job launched by this registry has finished,
// including jobs chained while waiting.
func (r *Registry) Wait(ctx context.Context) error {
	return r.runner.wait(ctx)
}

// RecoverOrphans fails jobs left pending or running by a previous process.
// Call it before creating new jobs; nothing resumes a half-run stage.
func (r *Registry) RecoverOrphans(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []storage.Status{storage.StatusRunning, storage.StatusPending} {
		stale, err := r.store.ListJobs(ctx, storage.JobFilter{Status: status, Limit: maxOrphans})
		if err != nil {
			return recovered, fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range stale {
			if _, ok := r.runner.handle(job.ID); ok {
				continue
			}
			if err := job.Fail(errors.New("interrupted: process exited before the job finished")); err != nil {
				continue
			}
			if err := r.store.SaveJob(ctx, job); err != nil {
				r.logger.Warn("failed to recover orphaned job", "job_id", job.ID, "err", err)
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		r.logger.Info("failed orphaned jobs from a previous run", "count", recovered)
	}
	return recovered, nil
}
