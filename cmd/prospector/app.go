package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/FranksOps/prospector/internal/compose"
	"github.com/FranksOps/prospector/internal/config"
	"github.com/FranksOps/prospector/internal/jobs"
	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/pipeline"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/internal/sender"
	"github.com/FranksOps/prospector/internal/serp"
	"github.com/FranksOps/prospector/internal/storage"
	"github.com/FranksOps/prospector/internal/storage/memory"
	"github.com/FranksOps/prospector/internal/storage/postgres"
	"github.com/FranksOps/prospector/internal/storage/sqlite"
	"github.com/FranksOps/prospector/pkg/httpclient"
	"github.com/FranksOps/prospector/pkg/proxy"
	"github.com/FranksOps/prospector/pkg/ratelimit"
	"github.com/FranksOps/prospector/pkg/useragent"
)

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case "memory":
		if cfg.DSN == "" {
			return memory.New(), nil
		}
		return memory.Open(cfg.DSN)
	case "sqlite":
		return sqlite.New(cfg.DSN)
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// runtime is everything a stage-running command needs.
type runtime struct {
	store    storage.Backend
	registry *jobs.Registry
	metrics  *metrics.Server
	logger   *slog.Logger
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: store, logger: logger}

	deps, err := buildDeps(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	p := pipeline.New(deps)
	rt.registry = jobs.NewRegistry(store, p.Stages(), jobs.Options{
		Context:  ctx,
		AutoSend: cfg.Pipeline.AutoSend,
		Logger:   logger,
	})
	if cfg.Metrics.Port > 0 {
		rt.metrics = metrics.Start(cfg.Metrics.Port, logger)
		logger.Info("metrics listening", "port", cfg.Metrics.Port)
	}
	return rt, nil
}

func (rt *runtime) Close() error {
	var errs []error
	if err := rt.metrics.Stop(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("stop metrics: %w", err))
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func buildDeps(cfg *config.Config, store storage.Backend, logger *slog.Logger) (pipeline.Deps, error) {
	search := serp.NewLazy(serp.Config{
		BaseURL:            cfg.Search.BaseURL,
		Login:              cfg.Search.Login,
		Password:           cfg.Search.Password,
		MaxConcurrentPolls: cfg.Search.MaxConcurrentPolls,
		RequestsPerSecond:  cfg.Search.RequestsPerSecond,
		Policy: serp.Policy{
			InitialDelay:  cfg.Search.Poll.InitialDelay,
			Interval:      cfg.Search.Poll.Interval,
			Multiplier:    cfg.Search.Poll.Multiplier,
			MaxInterval:   cfg.Search.Poll.MaxInterval,
			NotFoundDelay: cfg.Search.Poll.NotFoundDelay,
			MaxAttempts:   cfg.Search.Poll.MaxAttempts,
			JitterFrac:    cfg.Search.Poll.Jitter,
		},
		Logger: logger,
	})

	crawler, err := buildCrawler(cfg, logger)
	if err != nil {
		return pipeline.Deps{}, err
	}
	composer, err := buildComposer(cfg.Compose)
	if err != nil {
		return pipeline.Deps{}, err
	}

	var out sender.Sender
	if cfg.SendGrid.APIKey != "" {
		sg, err := sender.NewSendGrid(sender.SendGridConfig{
			APIKey:    cfg.SendGrid.APIKey,
			FromEmail: cfg.SendGrid.FromEmail,
			FromName:  cfg.SendGrid.FromName,
			Host:      cfg.SendGrid.Host,
		})
		if err != nil {
			return pipeline.Deps{}, err
		}
		out = sg
	}

	return pipeline.Deps{
		Candidates: store,
		Search:     search,
		Crawler:    crawler,
		Composer:   composer,
		Sender:     out,
		DryRun:     sender.NewDryRun(logger),
		Defaults: pipeline.Defaults{
			Locations:         cfg.Pipeline.Locations,
			Language:          cfg.Pipeline.Language,
			Device:            cfg.Pipeline.Device,
			Depth:             cfg.Pipeline.Depth,
			Limit:             cfg.Pipeline.Limit,
			SearchConcurrency: cfg.Pipeline.SearchConcurrency,
			CrawlConcurrency:  cfg.Pipeline.CrawlConcurrency,
		},
		Logger: logger,
	}, nil
}

func buildCrawler(cfg *config.Config, logger *slog.Logger) (*scraper.Crawler, error) {
	profile, err := httpclient.ParseProfile(cfg.Fetch.Profile)
	if err != nil {
		return nil, err
	}

	var proxies *proxy.Pool
	if cfg.Fetch.ProxiesFile != "" {
		proxies = proxy.NewPool(proxy.Config{})
		if err := proxies.LoadFile(cfg.Fetch.ProxiesFile); err != nil {
			return nil, fmt.Errorf("load proxies: %w", err)
		}
		logger.Info("proxy pool loaded", "proxies", proxies.Len())
	}

	fetcher, err := scraper.NewFetcher(scraper.FetchConfig{
		Timeout:      cfg.Fetch.Timeout,
		MaxRedirects: cfg.Fetch.MaxRedirects,
		UseCookieJar: cfg.Fetch.CookieJar,
		Profile:      profile,
		Proxies:      proxies,
		UserAgents:   useragent.NewPool(cfg.Fetch.UserAgents),
		Limiter:      ratelimit.NewHostLimiter(cfg.Fetch.RequestsPerSecond, cfg.Fetch.Jitter),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}

	return scraper.NewCrawler(scraper.CrawlConfig{
		MaxPages:      cfg.Crawl.MaxPages,
		Concurrency:   cfg.Crawl.Concurrency,
		RespectRobots: cfg.Crawl.RespectRobots,
		UseSitemap:    cfg.Crawl.UseSitemap,
		UserAgent:     cfg.Crawl.UserAgent,
	}, fetcher, logger), nil
}

func buildComposer(cfg config.ComposeConfig) (compose.Composer, error) {
	if cfg.Provider == "gemini" {
		return compose.NewLazyGemini(compose.GeminiConfig{
			APIKey:  cfg.Gemini.APIKey,
			Model:   cfg.Gemini.Model,
			BaseURL: cfg.Gemini.BaseURL,
		}), nil
	}

	var body string
	if cfg.TemplateFile != "" {
		b, err := os.ReadFile(cfg.TemplateFile)
		if err != nil {
			return nil, fmt.Errorf("read template: %w", err)
		}
		body = string(b)
	}
	t, err := compose.NewTemplates(cfg.Subject, body)
	if err != nil {
		return nil, err
	}
	return t, nil
}
