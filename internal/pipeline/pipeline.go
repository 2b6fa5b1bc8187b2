// Package pipeline holds the stage bodies run by the job registry:
// discover finds candidates, enrich crawls them for contacts, send
// delivers outreach.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/FranksOps/prospector/internal/compose"
	"github.com/FranksOps/prospector/internal/jobs"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/internal/sender"
	"github.com/FranksOps/prospector/internal/serp"
	"github.com/FranksOps/prospector/internal/storage"
)

// SiteCrawler reads a candidate website.
type SiteCrawler interface {
	Crawl(ctx context.Context, siteURL string) (*scraper.Site, error)
}

// Defaults fill parameters a job leaves empty.
type Defaults struct {
	Locations []int
	Language  string
	Device    string
	Depth     int
	// Limit caps records created by discover and selected by enrich/send.
	Limit int
	// SearchConcurrency caps parallel searches within one discover job. The
	// search client bounds poll loops process-wide on top of this.
	SearchConcurrency int
	// CrawlConcurrency caps parallel site crawls within one enrich job.
	CrawlConcurrency int
}

// DefaultDefaults are US English desktop results, ten per query.
func DefaultDefaults() Defaults {
	return Defaults{
		Locations:         []int{2840},
		Language:          "en",
		Device:            "desktop",
		Depth:             10,
		Limit:             100,
		SearchConcurrency: 4,
		CrawlConcurrency:  4,
	}
}

func (d Defaults) withFallbacks() Defaults {
	def := DefaultDefaults()
	if len(d.Locations) == 0 {
		d.Locations = def.Locations
	}
	if d.Language == "" {
		d.Language = def.Language
	}
	if d.Device == "" {
		d.Device = def.Device
	}
	if d.Depth <= 0 {
		d.Depth = def.Depth
	}
	if d.Limit <= 0 {
		d.Limit = def.Limit
	}
	if d.SearchConcurrency <= 0 {
		d.SearchConcurrency = def.SearchConcurrency
	}
	if d.CrawlConcurrency <= 0 {
		d.CrawlConcurrency = def.CrawlConcurrency
	}
	return d
}

// Deps are the clients the stage bodies use. Clients are passed in, never
// looked up globally; a nil client fails only the stage that needs it.
type Deps struct {
	Candidates storage.CandidateStore
	Search     serp.Searcher
	Crawler    SiteCrawler
	Composer   compose.Composer
	Sender     sender.Sender
	// DryRun handles send jobs with dry_run set. Defaults to a logging sender.
	DryRun   sender.Sender
	Defaults Defaults
	Logger   *slog.Logger
}

// Pipeline binds stage bodies to their dependencies.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

// New applies defaults to deps.
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DryRun == nil {
		deps.DryRun = sender.NewDryRun(deps.Logger)
	}
	deps.Defaults = deps.Defaults.withFallbacks()
	return &Pipeline{deps: deps, logger: deps.Logger}
}

// Stages maps every stage to its body. Stages without a body here complete
// with the unimplemented outcome.
func (p *Pipeline) Stages() map[storage.Stage]jobs.StageFunc {
	return map[storage.Stage]jobs.StageFunc{
		storage.StageDiscover:     p.Discover,
		storage.StageEnrich:       p.Enrich,
		storage.StageSend:         p.Send,
		storage.StageScore:        jobs.Unimplemented,
		storage.StageFollowup:     jobs.Unimplemented,
		storage.StageCheckReplies: jobs.Unimplemented,
	}
}

func limitOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
