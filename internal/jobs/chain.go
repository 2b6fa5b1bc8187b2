package jobs

import (
	"context"
	"log/slog"

	"github.com/FranksOps/prospector/internal/storage"
)

// Scheduler creates and launches jobs.
type Scheduler interface {
	CreateJob(ctx context.Context, stage storage.Stage, params storage.Parameters) (string, error)
}

// ChainTrigger schedules the follow-up stage of a completed job. It never
// changes the outcome of the job that triggered it.
type ChainTrigger struct {
	scheduler Scheduler
	autoSend  bool
	logger    *slog.Logger
}

func NewChainTrigger(s Scheduler, autoSend bool, logger *slog.Logger) *ChainTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainTrigger{scheduler: s, autoSend: autoSend, logger: logger}
}

// Next decides which stage, if any, follows job.
func (c *ChainTrigger) Next(job *storage.Job) (storage.Stage, storage.Parameters, bool) {
	if job == nil || job.Status != storage.StatusCompleted || job.Result == nil {
		return "", storage.Parameters{}, false
	}
	if job.Result.Outcome != storage.OutcomeDone || len(job.Result.CandidateIDs) == 0 {
		return "", storage.Parameters{}, false
	}

	switch job.Stage {
	case storage.StageDiscover:
		if job.Result.Count("new") == 0 {
			return "", storage.Parameters{}, false
		}
		return storage.StageEnrich, storage.Parameters{
			TargetIDs:   job.Result.CandidateIDs,
			Keywords:    job.Parameters.Keywords,
			ParentJobID: job.ID,
		}, true
	case storage.StageEnrich:
		if !c.autoSend || job.Result.Count("enriched") == 0 {
			return "", storage.Parameters{}, false
		}
		return storage.StageSend, storage.Parameters{
			TargetIDs:   job.Result.CandidateIDs,
			Keywords:    job.Parameters.Keywords,
			ParentJobID: job.ID,
		}, true
	}
	return "", storage.Parameters{}, false
}

// Fire schedules the follow-up of job. Failures are logged and dropped.
func (c *ChainTrigger) Fire(ctx context.Context, job *storage.Job) {
	stage, params, ok := c.Next(job)
	if !ok {
		return
	}

	id, err := c.scheduler.CreateJob(ctx, stage, params)
	if err != nil {
		c.logger.Warn("failed to schedule chained job", "parent_job_id", job.ID, "stage", stage, "err", err)
		return
	}
	c.logger.Info("chained job scheduled", "parent_job_id", job.ID, "job_id", id, "stage", stage, "targets", len(params.TargetIDs))
}
