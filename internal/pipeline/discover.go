package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/prospector/internal/dedup"
	"github.com/FranksOps/prospector/internal/normalize"
	"github.com/FranksOps/prospector/internal/serp"
	"github.com/FranksOps/prospector/internal/storage"
)

// Discover runs one search per keyword and location, gates the combined hits
// against the store and creates a record for each new natural key. Every
// search must resolve before anything is written; one failed search fails
// the job.
func (p *Pipeline) Discover(ctx context.Context, job *storage.Job) (storage.Result, error) {
	if p.deps.Search == nil {
		return storage.Result{}, errors.New("discover: no search client configured")
	}
	if p.deps.Candidates == nil {
		return storage.Result{}, errors.New("discover: no candidate store configured")
	}

	queries, err := p.queries(job)
	if err != nil {
		return storage.Result{}, err
	}
	logger := p.logger.With("job_id", job.ID, "stage", job.Stage)
	logger.Info("discover started", "queries", len(queries), "platform", job.Parameters.Platform)

	sets := make([]*serp.ResultSet, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.deps.Defaults.SearchConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			rs, err := serp.Search(gctx, p.deps.Search, q)
			if err != nil {
				return fmt.Errorf("search %q (location %d): %w", q.Keyword, q.LocationCode, err)
			}
			if rs == nil {
				return fmt.Errorf("search %q (location %d): no result set returned", q.Keyword, q.LocationCode)
			}
			logger.Debug("search resolved", "keyword", q.Keyword, "location", q.LocationCode, "task_id", rs.TaskID, "records", len(rs.Records))
			sets[i] = rs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return storage.Result{}, err
	}

	platform := strings.ToLower(strings.TrimSpace(job.Parameters.Platform))
	var records []normalize.Record
	dropped := 0
	for _, rs := range sets {
		dropped += rs.Dropped()
		for _, rec := range rs.Records {
			if platform != "" && rec.Platform != canonicalPlatform(platform) {
				dropped++
				continue
			}
			records = append(records, rec)
		}
	}

	part, err := dedup.Split(ctx, records, func(r normalize.Record) string { return r.Identifier }, p.deps.Candidates)
	if err != nil {
		return storage.Result{}, fmt.Errorf("dedup: %w", err)
	}

	limit := limitOr(job.Parameters.Limit, p.deps.Defaults.Limit)
	duplicates := len(part.Duplicate)
	var ids []string
	for _, rec := range part.New {
		if len(ids) >= limit {
			logger.Info("discover limit reached", "limit", limit, "remaining", len(part.New)-len(ids))
			break
		}
		c := newCandidate(job.ID, rec)
		if err := p.deps.Candidates.CreateCandidate(ctx, c); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				duplicates++
				continue
			}
			return storage.Result{}, fmt.Errorf("create candidate %s: %w", rec.Identifier, err)
		}
		ids = append(ids, c.ID)
	}

	res := storage.Result{
		Outcome: storage.OutcomeDone,
		Stats: map[string]int{
			"queries":    len(queries),
			"found":      len(records),
			"new":        len(ids),
			"duplicates": duplicates,
			"dropped":    dropped,
		},
		CandidateIDs: ids,
	}
	logger.Info("discover finished", "found", len(records), "new", len(ids), "duplicates", duplicates, "dropped", dropped)
	return res, nil
}

func (p *Pipeline) queries(job *storage.Job) ([]serp.Query, error) {
	params := job.Parameters
	def := p.deps.Defaults

	var keywords []string
	for _, k := range params.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		return nil, errors.New("discover: no keywords")
	}

	prefix := ""
	if params.Platform != "" {
		host := normalize.PlatformHost(params.Platform)
		if host == "" {
			return nil, fmt.Errorf("discover: unknown platform %q", params.Platform)
		}
		prefix = "site:" + host + " "
	}

	locations := params.Locations
	if len(locations) == 0 {
		locations = def.Locations
	}
	base := serp.Query{
		LanguageCode: def.Language,
		Device:       def.Device,
		Depth:        def.Depth,
		Tag:          job.ID,
	}
	if params.Language != "" {
		base.LanguageCode = params.Language
	}
	if params.Device != "" {
		base.Device = params.Device
	}
	if params.Depth > 0 {
		base.Depth = params.Depth
	}

	queries := make([]serp.Query, 0, len(keywords)*len(locations))
	for _, k := range keywords {
		for _, loc := range locations {
			q := base
			q.Keyword = prefix + k
			q.LocationCode = loc
			queries = append(queries, q)
		}
	}
	return queries, nil
}

// canonicalPlatform maps aliases accepted on input to the platform name
// records carry.
func canonicalPlatform(platform string) string {
	if platform == "twitter" {
		return "x"
	}
	return platform
}

func newCandidate(jobID string, rec normalize.Record) *storage.Candidate {
	c := storage.NewCandidate(uuid.NewString(), rec.Identifier, rec.URL)
	c.Title = rec.Title
	c.Description = rec.Description
	c.Platform = rec.Platform
	c.JobID = jobID
	if rec.Raw != nil {
		if raw, err := json.Marshal(rec.Raw); err == nil {
			c.Raw = raw
		}
	}
	return c
}
