package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/FranksOps/prospector/internal/compose"
	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/sender"
	"github.com/FranksOps/prospector/internal/storage"
)

// Send composes and delivers one message per enriched target. Failures are
// counted per recipient; the job fails only when every attempt failed.
func (p *Pipeline) Send(ctx context.Context, job *storage.Job) (storage.Result, error) {
	if p.deps.Candidates == nil {
		return storage.Result{}, errors.New("send: no candidate store configured")
	}
	params := job.Parameters
	logger := p.logger.With("job_id", job.ID, "stage", job.Stage, "dry_run", params.DryRun)

	out := p.deps.Sender
	if params.DryRun {
		out = p.deps.DryRun
	}
	if out == nil {
		return storage.Result{}, errors.New("send: no sender configured")
	}
	composer, err := p.composer(params)
	if err != nil {
		return storage.Result{}, err
	}

	targets, missing, err := p.targets(ctx, job, storage.CandidateEnriched)
	if err != nil {
		return storage.Result{}, err
	}
	logger.Info("send started", "targets", len(targets), "missing", missing)

	stats := map[string]int{"targets": len(targets), "missing": missing}
	var ids []string
	var lastErr error
	attempted := 0
	for _, c := range targets {
		if err := ctx.Err(); err != nil {
			return storage.Result{}, context.Cause(ctx)
		}
		to, ok := c.PrimaryEmail()
		if c.Status != storage.CandidateEnriched || !ok {
			stats["skipped"]++
			continue
		}

		attempted++
		id, err := p.deliver(ctx, job, composer, out, c, to)
		if err != nil {
			if ctx.Err() != nil {
				return storage.Result{}, context.Cause(ctx)
			}
			lastErr = err
			stats["failed"]++
			metrics.RecordMessage("failed")
			logger.Warn("send failed", "candidate_id", c.ID, "to", to, "err", err)
			continue
		}

		if params.DryRun {
			stats["dry_run"]++
			metrics.RecordMessage("dry_run")
			ids = append(ids, c.ID)
			continue
		}
		c.MarkContacted(id)
		if err := p.deps.Candidates.UpdateCandidate(ctx, c); err != nil {
			return storage.Result{}, fmt.Errorf("update candidate %s after send %s: %w", c.ID, id, err)
		}
		stats["sent"]++
		metrics.RecordMessage("sent")
		ids = append(ids, c.ID)
		logger.Debug("message sent", "candidate_id", c.ID, "message_id", id)
	}

	if attempted > 0 && stats["failed"] == attempted {
		return storage.Result{}, fmt.Errorf("send: all %d messages failed: %w", attempted, lastErr)
	}
	logger.Info("send finished", "stats", stats)
	return storage.Result{Outcome: storage.OutcomeDone, Stats: stats, CandidateIDs: ids}, nil
}

func (p *Pipeline) deliver(ctx context.Context, job *storage.Job, composer compose.Composer, out sender.Sender, c *storage.Candidate, to string) (string, error) {
	params := job.Parameters
	draft, err := composer.Compose(ctx, compose.Request{
		Candidate:  c,
		Subject:    params.Subject,
		Template:   params.Template,
		SenderName: params.SenderName,
		Keywords:   params.Keywords,
	})
	if err != nil {
		return "", fmt.Errorf("compose: %w", err)
	}
	return out.Send(ctx, sender.Message{
		CandidateID: c.ID,
		JobID:       job.ID,
		To:          to,
		ToName:      c.Title,
		Subject:     draft.Subject,
		Text:        draft.Body,
	})
}

// composer picks templates when the job carries its own, else the
// configured composer, else the built-in templates.
func (p *Pipeline) composer(params storage.Parameters) (compose.Composer, error) {
	if params.Subject == "" && params.Template == "" && p.deps.Composer != nil {
		return p.deps.Composer, nil
	}
	t, err := compose.NewTemplates(params.Subject, params.Template)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return t, nil
}
