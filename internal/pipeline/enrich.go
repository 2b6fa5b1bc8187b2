package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/prospector/internal/analyzer"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/internal/storage"
)

// enrichment is the verdict for one candidate.
type enrichment struct {
	status    storage.CandidateStatus
	emails    []string
	relevance float64
	note      string
}

// Enrich crawls each target website for contact emails and scores it against
// the job keywords. Social profiles have no site to crawl and are skipped.
func (p *Pipeline) Enrich(ctx context.Context, job *storage.Job) (storage.Result, error) {
	if p.deps.Candidates == nil {
		return storage.Result{}, errors.New("enrich: no candidate store configured")
	}
	if p.deps.Crawler == nil {
		return storage.Result{}, errors.New("enrich: no crawler configured")
	}
	logger := p.logger.With("job_id", job.ID, "stage", job.Stage)

	targets, missing, err := p.targets(ctx, job, storage.CandidateNew)
	if err != nil {
		return storage.Result{}, err
	}
	logger.Info("enrich started", "targets", len(targets), "missing", missing)

	var (
		mu    sync.Mutex
		stats = map[string]int{"targets": len(targets), "missing": missing}
		found = make([]bool, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.deps.Defaults.CrawlConcurrency)
	for i, c := range targets {
		g.Go(func() error {
			if c.Status == storage.CandidateContacted {
				mu.Lock()
				stats["skipped"]++
				mu.Unlock()
				return nil
			}
			e, err := p.enrichOne(gctx, c, job.Parameters.Keywords)
			if err != nil {
				return err
			}
			c.MarkEnriched(e.status, e.emails, e.relevance, e.note)
			if err := p.deps.Candidates.UpdateCandidate(gctx, c); err != nil {
				return fmt.Errorf("update candidate %s: %w", c.ID, err)
			}
			logger.Debug("candidate enriched", "candidate_id", c.ID, "key", c.Key, "status", e.status, "emails", len(e.emails), "relevance", e.relevance)

			mu.Lock()
			stats[string(e.status)]++
			found[i] = e.status == storage.CandidateEnriched
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return storage.Result{}, err
	}

	var ids []string
	for i, c := range targets {
		if found[i] {
			ids = append(ids, c.ID)
		}
	}
	stats["enriched"] = len(ids)
	logger.Info("enrich finished", "enriched", len(ids), "stats", stats)
	return storage.Result{Outcome: storage.OutcomeDone, Stats: stats, CandidateIDs: ids}, nil
}

func (p *Pipeline) enrichOne(ctx context.Context, c *storage.Candidate, keywords []string) (enrichment, error) {
	if c.IsProfile() {
		return enrichment{status: storage.CandidateSkipped, note: "social profile"}, nil
	}

	site, err := p.deps.Crawler.Crawl(ctx, c.URL)
	if err != nil {
		if ctx.Err() != nil {
			return enrichment{}, context.Cause(ctx)
		}
		return enrichment{status: storage.CandidateUnreachable, note: err.Error()}, nil
	}

	relevance := analyzer.Score(site.Title+"\n"+site.Text, keywords).Score
	switch {
	case site.Disallowed:
		return enrichment{status: storage.CandidateSkipped, note: "disallowed by robots.txt"}, nil
	case site.Wall != "":
		return enrichment{status: storage.CandidateBlocked, note: "bot wall: " + site.Wall}, nil
	case !site.Reachable:
		return enrichment{status: storage.CandidateUnreachable, note: unreachableNote(site)}, nil
	case len(site.Emails) == 0:
		return enrichment{status: storage.CandidateNoContact, relevance: relevance, note: fmt.Sprintf("%d pages read", len(site.Pages))}, nil
	}
	return enrichment{status: storage.CandidateEnriched, emails: site.Emails, relevance: relevance}, nil
}

func unreachableNote(site *scraper.Site) string {
	for _, pg := range site.Pages {
		if pg.Err != "" {
			return pg.Err
		}
		if pg.StatusCode != 0 {
			return fmt.Sprintf("status %d", pg.StatusCode)
		}
	}
	return "no response"
}

// targets loads the job's explicit targets, or up to limit records in
// fallback status. Target ids that no longer exist are counted, not fatal.
func (p *Pipeline) targets(ctx context.Context, job *storage.Job, fallback storage.CandidateStatus) ([]*storage.Candidate, int, error) {
	params := job.Parameters
	if len(params.TargetIDs) == 0 {
		list, err := p.deps.Candidates.ListCandidates(ctx, storage.CandidateFilter{
			Status: fallback,
			Limit:  limitOr(params.Limit, p.deps.Defaults.Limit),
		})
		if err != nil {
			return nil, 0, fmt.Errorf("list %s candidates: %w", fallback, err)
		}
		return list, 0, nil
	}

	list, err := p.deps.Candidates.ListCandidates(ctx, storage.CandidateFilter{IDs: params.TargetIDs})
	if err != nil {
		return nil, 0, fmt.Errorf("load targets: %w", err)
	}
	return list, len(params.TargetIDs) - len(list), nil
}
