// Package ingest pulls new papers from the configured sources into the papers
// table and queues the unassessed ones for triage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/papersources"
)

const (
	DefaultDaysBack   = 7
	DefaultMaxEnqueue = 100
)

// Searcher runs a search against every enabled source.
type Searcher interface {
	SearchAll(ctx context.Context, params papersources.SearchParams) []papersources.SourceResult
}

// PaperStore upserts fetched papers.
type PaperStore interface {
	Upsert(ctx context.Context, paper *domain.Paper) (bool, error)
}

// Enqueuer queues unassessed papers.
type Enqueuer interface {
	EnqueueUnassessed(ctx context.Context, priority, limit int) (*domain.EnqueueResult, error)
}

// ScanConfig controls one scan.
type ScanConfig struct {
	Query string

	// DaysBack limits results to papers published in the last DaysBack days.
	DaysBack int

	// MaxResults is passed to each source. 0 uses the source default.
	MaxResults int

	// MaxEnqueue caps how many unassessed papers are queued after the scan.
	// A negative value disables enqueueing.
	MaxEnqueue int
}

// SourceReport summarizes one source in a scan.
type SourceReport struct {
	Source   domain.SourceType `json:"source"`
	Fetched  int               `json:"fetched"`
	Inserted int               `json:"inserted"`
	Updated  int               `json:"updated"`
	Failed   int               `json:"failed"`
	Error    string            `json:"error,omitempty"`
}

// ScanReport is the outcome of a scan.
type ScanReport struct {
	Sources  []SourceReport        `json:"sources"`
	Enqueue  *domain.EnqueueResult `json:"enqueue,omitempty"`
	Duration time.Duration         `json:"duration"`
}

// Inserted returns the number of new papers across all sources.
func (r *ScanReport) Inserted() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Inserted
	}
	return n
}

// FailedSources returns the number of sources whose search failed.
func (r *ScanReport) FailedSources() int {
	n := 0
	for _, s := range r.Sources {
		if s.Error != "" {
			n++
		}
	}
	return n
}

// Scanner searches the sources, stores the results and queues unassessed papers.
type Scanner struct {
	sources  Searcher
	papers   PaperStore
	enqueuer Enqueuer
	cfg      ScanConfig
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewScanner creates a Scanner. enqueuer may be nil to only store papers.
func NewScanner(sources Searcher, papers PaperStore, enqueuer Enqueuer, cfg ScanConfig, logger zerolog.Logger, metrics *observability.Metrics) (*Scanner, error) {
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, errors.New("scan query is required")
	}
	if cfg.DaysBack <= 0 {
		cfg.DaysBack = DefaultDaysBack
	}
	if cfg.MaxEnqueue == 0 {
		cfg.MaxEnqueue = DefaultMaxEnqueue
	}

	return &Scanner{
		sources:  sources,
		papers:   papers,
		enqueuer: enqueuer,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scanner").Logger(),
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Scan runs one pass. Source failures and individual upsert failures are
// recorded in the report and never fail the scan; only an enqueue failure or a
// cancelled context does.
func (s *Scanner) Scan(ctx context.Context) (*ScanReport, error) {
	start := s.now()
	from := start.UTC().AddDate(0, 0, -s.cfg.DaysBack)

	results := s.sources.SearchAll(ctx, papersources.SearchParams{
		Query:      s.cfg.Query,
		DateFrom:   &from,
		MaxResults: s.cfg.MaxResults,
	})

	report := &ScanReport{Sources: make([]SourceReport, 0, len(results))}
	for _, sr := range results {
		report.Sources = append(report.Sources, s.store(ctx, sr))
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if s.enqueuer != nil && s.cfg.MaxEnqueue > 0 {
		res, err := s.enqueuer.EnqueueUnassessed(ctx, domain.DefaultBulkPriority, s.cfg.MaxEnqueue)
		if err != nil {
			return report, fmt.Errorf("failed to enqueue unassessed papers: %w", err)
		}
		report.Enqueue = res
	}

	report.Duration = time.Since(start)
	event := s.logger.Info().
		Int("sources", len(report.Sources)).
		Int("failed_sources", report.FailedSources()).
		Int("inserted", report.Inserted()).
		Dur("duration", report.Duration)
	if report.Enqueue != nil {
		event = event.Int("enqueued", report.Enqueue.Added)
	}
	event.Msg("scan completed")

	return report, nil
}

func (s *Scanner) store(ctx context.Context, sr papersources.SourceResult) SourceReport {
	rep := SourceReport{Source: sr.Source}
	logger := observability.WithSourceContext(s.logger, string(sr.Source), s.cfg.Query)

	if sr.Error != nil {
		rep.Error = sr.Error.Error()
		logger.Warn().Err(sr.Error).Msg("source search failed")
		return rep
	}
	if sr.Result == nil {
		return rep
	}

	rep.Fetched = len(sr.Result.Papers)
	if s.metrics != nil {
		s.metrics.RecordPapersFetched(string(sr.Source), rep.Fetched)
	}

	for _, paper := range sr.Result.Papers {
		if ctx.Err() != nil {
			break
		}
		inserted, err := s.papers.Upsert(ctx, paper)
		if err != nil {
			rep.Failed++
			logger.Error().Err(err).
				Str("external_id", paper.ExternalID).
				Msg("failed to store paper")
			continue
		}
		if inserted {
			rep.Inserted++
		} else {
			rep.Updated++
		}
		if s.metrics != nil {
			s.metrics.RecordPaperStored(inserted)
		}
	}

	logger.Debug().
		Int("fetched", rep.Fetched).
		Int("inserted", rep.Inserted).
		Int("updated", rep.Updated).
		Msg("source stored")
	return rep
}
