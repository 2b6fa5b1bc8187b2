// Package jobs runs pipeline stages as supervised background units and
// keeps their Job records moving through pending, running and a single
// terminal state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/storage"
)

// ErrCancelled is the cause recorded on jobs stopped through Cancel.
var ErrCancelled = errors.New("job cancelled")

const (
	reloadAttempts = 3
	reloadDelay    = 50 * time.Millisecond
)

// StageFunc is the body of one stage. The job passed in is a private copy.
type StageFunc func(ctx context.Context, job *storage.Job) (storage.Result, error)

// Launcher starts fn in the background. An error means fn will never run.
type Launcher interface {
	Launch(fn func()) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(fn func()) error

func (f LauncherFunc) Launch(fn func()) error { return f(fn) }

// GoLauncher runs each unit on its own goroutine.
var GoLauncher Launcher = LauncherFunc(func(fn func()) error {
	go fn()
	return nil
})

// Handle supervises one launched unit.
type Handle struct {
	JobID  string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Done is closed once the unit has written its terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops the unit's context.
func (h *Handle) Cancel() { h.cancel(ErrCancelled) }

// Runner executes stage bodies against the job store.
type Runner struct {
	base       context.Context
	store      storage.JobStore
	stages     map[storage.Stage]StageFunc
	launcher   Launcher
	logger     *slog.Logger
	onComplete func(ctx context.Context, job *storage.Job)

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
}

func newRunner(base context.Context, store storage.JobStore, stages map[storage.Stage]StageFunc, launcher Launcher, logger *slog.Logger) *Runner {
	return &Runner{
		base:     base,
		store:    store,
		stages:   stages,
		launcher: launcher,
		logger:   logger,
		handles:  make(map[string]*Handle),
	}
}

// Start launches the job's stage in the background and returns once the
// launch itself has succeeded or been recorded as a failure.
func (r *Runner) Start(jobID string) *Handle {
	ctx, cancel := context.WithCancelCause(r.base)
	h := &Handle{JobID: jobID, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.handles[jobID] = h
	r.mu.Unlock()
	r.wg.Add(1)

	if err := r.launch(func() { r.run(ctx, h) }); err != nil {
		r.logger.Error("failed to launch job", "job_id", jobID, "err", err)
		r.failUnstarted(jobID, fmt.Errorf("launch: %w", err))
		r.release(h)
		return h
	}
	return h
}

func (r *Runner) launch(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("launcher panicked: %v", p)
		}
	}()
	return r.launcher.Launch(fn)
}

// release forgets h and marks it done.
func (r *Runner) release(h *Handle) {
	r.mu.Lock()
	delete(r.handles, h.JobID)
	r.mu.Unlock()
	h.cancel(nil)
	close(h.done)
	r.wg.Done()
}

func (r *Runner) handle(jobID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[jobID]
	return h, ok
}

// wait blocks until every launched unit, including ones launched while
// waiting, has finished.
func (r *Runner) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, h *Handle) {
	defer r.release(h)

	// writes must land even after the unit's context is cancelled
	saveCtx := context.WithoutCancel(ctx)

	job, err := r.store.LoadJob(saveCtx, h.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("job vanished before it started", "job_id", h.JobID)
			return
		}
		r.logger.Error("failed to load job", "job_id", h.JobID, "err", err)
		r.failUnstarted(h.JobID, fmt.Errorf("load job: %w", err))
		return
	}

	if err := job.Start(); err != nil {
		r.logger.Error("job is not startable", "job_id", job.ID, "status", job.Status, "err", err)
		return
	}
	if err := r.save(saveCtx, job); err != nil {
		r.logger.Error("failed to mark job running", "job_id", job.ID, "err", err)
		r.fail(saveCtx, job, fmt.Errorf("mark running: %w", err))
		return
	}

	logger := r.logger.With("job_id", job.ID, "stage", job.Stage)
	logger.Info("job started")

	start := time.Now()
	res, err := r.invoke(ctx, job)
	if errors.Is(context.Cause(ctx), ErrCancelled) && (err == nil || errors.Is(err, context.Canceled)) {
		err = ErrCancelled
	}
	if err != nil {
		metrics.ObserveStage(string(job.Stage), "failed", time.Since(start))
		logger.Warn("job failed", "err", err, "duration", time.Since(start))
		r.fail(saveCtx, job, err)
		return
	}

	running := job.Clone()
	if err := job.Complete(res); err != nil {
		r.fail(saveCtx, running, err)
		return
	}
	if err := r.save(saveCtx, job); err != nil {
		logger.Error("failed to save job result", "err", err)
		r.fail(saveCtx, running, fmt.Errorf("save result: %w", err))
		return
	}
	metrics.ObserveStage(string(job.Stage), string(job.Result.Outcome), time.Since(start))
	logger.Info("job completed", "outcome", job.Result.Outcome, "duration", time.Since(start))

	if r.onComplete != nil {
		r.onComplete(saveCtx, job.Clone())
	}
}

// invoke runs the stage body, converting panics into errors.
func (r *Runner) invoke(ctx context.Context, job *storage.Job) (res storage.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s panicked: %v", job.Stage, p)
		}
	}()

	fn, ok := r.stages[job.Stage]
	if !ok {
		return Unimplemented(ctx, job)
	}
	return fn(ctx, job.Clone())
}

func (r *Runner) save(ctx context.Context, job *storage.Job) error {
	if err := r.store.SaveJob(ctx, job); err != nil {
		return err
	}
	metrics.RecordJobTransition(string(job.Stage), string(job.Status))
	return nil
}

func (r *Runner) fail(ctx context.Context, job *storage.Job, cause error) {
	if err := job.Fail(cause); err != nil {
		r.logger.Error("cannot fail job", "job_id", job.ID, "status", job.Status, "err", err)
		return
	}
	if err := r.save(ctx, job); err != nil {
		r.logger.Error("failed to save failed job", "job_id", job.ID, "cause", cause, "err", err)
	}
}

// failUnstarted records cause on a job that never ran. The load is retried
// a few times since the cause may itself be a storage error.
func (r *Runner) failUnstarted(jobID string, cause error) {
	ctx := context.WithoutCancel(r.base)
	var (
		job *storage.Job
		err error
	)
	for attempt := 0; attempt < reloadAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * reloadDelay)
		}
		job, err = r.store.LoadJob(ctx, jobID)
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			break
		}
	}
	if err != nil {
		r.logger.Error("failed to load job to record failure", "job_id", jobID, "cause", cause, "err", err)
		return
	}
	r.fail(ctx, job, cause)
}

// Unimplemented is the stage body for stages without an implementation.
func Unimplemented(ctx context.Context, job *storage.Job) (storage.Result, error) {
	return storage.Result{
		Outcome: storage.OutcomeUnimplemented,
		Message: fmt.Sprintf("stage %s is not implemented", job.Stage),
	}, nil
}
