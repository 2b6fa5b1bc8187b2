package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	sitemap "github.com/oxffaa/gopher-parse-sitemap"
)

const maxSitemapDepth = 2

var errEnough = errors.New("enough sitemap entries")

// SitemapReader walks sitemaps and sitemap indexes looking for pages worth
// crawling.
type SitemapReader struct {
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewSitemapReader creates a reader backed by fetcher.
func NewSitemapReader(fetcher *Fetcher, logger *slog.Logger) *SitemapReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &SitemapReader{fetcher: fetcher, logger: logger}
}

// URLs returns the locations in sitemapURL for which keep reports true,
// following nested indexes. It stops once limit locations are collected;
// limit <= 0 means no cap.
func (s *SitemapReader) URLs(ctx context.Context, sitemapURL string, keep func(string) bool, limit int) ([]string, error) {
	var out []string
	err := s.walk(ctx, sitemapURL, 0, func(loc string) error {
		if keep != nil && !keep(loc) {
			return nil
		}
		out = append(out, loc)
		if limit > 0 && len(out) >= limit {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return out, err
	}
	return out, nil
}

func (s *SitemapReader) walk(ctx context.Context, sitemapURL string, depth int, emit func(string) error) error {
	s.logger.Debug("reading sitemap", "url", sitemapURL, "depth", depth)

	page, err := s.fetcher.Fetch(ctx, sitemapURL)
	if err != nil {
		return fmt.Errorf("fetch sitemap: %w", err)
	}
	if !page.OK() {
		return fmt.Errorf("sitemap %s: status %d", sitemapURL, page.StatusCode)
	}

	var seen int
	err = sitemap.Parse(bytes.NewReader(page.Body), func(e sitemap.Entry) error {
		seen++
		return emit(e.GetLocation())
	})
	if errors.Is(err, errEnough) {
		return err
	}
	if err == nil && seen > 0 {
		return nil
	}

	var nested []string
	indexErr := sitemap.ParseIndex(bytes.NewReader(page.Body), func(e sitemap.IndexEntry) error {
		nested = append(nested, e.GetLocation())
		return nil
	})
	if indexErr != nil {
		return fmt.Errorf("parse sitemap %s: %w", sitemapURL, indexErr)
	}
	if len(nested) == 0 {
		if err != nil {
			return fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
		}
		return nil
	}
	if depth >= maxSitemapDepth {
		return nil
	}

	for _, loc := range nested {
		if err := s.walk(ctx, loc, depth+1, emit); err != nil {
			if errors.Is(err, errEnough) || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("nested sitemap failed", "url", loc, "err", err)
		}
	}
	return nil
}
