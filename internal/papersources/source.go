// Package papersources provides clients for the literature sources scanned for
// new papers.
//
// Each upstream implements PaperSource and returns domain.Paper values keyed by
// (source, external_id), ready for the papers upsert. Clients share HTTPClient
// for rate limiting and retries.
//
//	client := arxiv.New(arxiv.Config{Enabled: true})
//	result, err := client.Search(ctx, papersources.SearchParams{
//		Query:    "gain of function",
//		DateFrom: &since,
//	})
package papersources

import (
	"context"
	"time"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

// SearchParams defines a search against a paper source.
type SearchParams struct {
	// Query is the search query string (required).
	Query string

	// DateFrom filters papers published on or after this date.
	DateFrom *time.Time

	// DateTo filters papers published on or before this date.
	DateTo *time.Time

	// MaxResults limits the number of papers returned. 0 uses the source default.
	MaxResults int

	// Offset specifies the starting position for paginated results.
	Offset int
}

// SearchResult contains the papers returned by one search.
type SearchResult struct {
	Papers []*domain.Paper

	// TotalResults is the upstream's count of matching papers, which may be an estimate.
	TotalResults int

	// HasMore indicates whether another page is available at NextOffset.
	HasMore    bool
	NextOffset int

	Source         domain.SourceType
	SearchDuration time.Duration
}

// PaperSource is implemented by every upstream client.
type PaperSource interface {
	// Search queries the source. Implementations respect ctx cancellation and
	// wrap non-200 responses in domain.ExternalAPIError.
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)

	// SourceType returns the papers.source value this client produces.
	SourceType() domain.SourceType

	// Name returns a human-readable name used in logs and metrics labels.
	Name() string

	// IsEnabled reports whether scans should include this source.
	IsEnabled() bool
}
