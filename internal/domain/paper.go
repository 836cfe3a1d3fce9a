package domain

import (
	"time"

	"github.com/google/uuid"
)

// SourceType represents the upstream service a paper was fetched from.
// These values must match the papers.source check constraint.
type SourceType string

const (
	SourceTypeArXiv   SourceType = "arxiv"
	SourceTypeBioRxiv SourceType = "biorxiv"
	SourceTypeMedRxiv SourceType = "medrxiv"
	SourceTypePubMed  SourceType = "pubmed"
	SourceTypeManual  SourceType = "manual"
)

// IsValid reports whether s is a known source.
func (s SourceType) IsValid() bool {
	switch s {
	case SourceTypeArXiv, SourceTypeBioRxiv, SourceTypeMedRxiv, SourceTypePubMed, SourceTypeManual:
		return true
	default:
		return false
	}
}

// Paper is a scientific paper awaiting or having received risk triage.
type Paper struct {
	ID            uuid.UUID  `json:"id"`
	Source        SourceType `json:"source"`
	ExternalID    string     `json:"external_id"`
	Title         string     `json:"title"`
	Authors       []string   `json:"authors"`
	Affiliations  []string   `json:"affiliations,omitempty"`
	Abstract      string     `json:"abstract,omitempty"`
	FullText      string     `json:"full_text,omitempty"`
	URL           string     `json:"url,omitempty"`
	PDFURL        string     `json:"pdf_url,omitempty"`
	PublishedDate *time.Time `json:"published_date,omitempty"`
	Categories    []string   `json:"categories,omitempty"`
	Processed     bool       `json:"processed"`
	FetchedAt     time.Time  `json:"fetched_at"`
}

// Facility is a research facility with known containment information.
type Facility struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Aliases []string  `json:"aliases,omitempty"`
	Country string    `json:"country,omitempty"`
	City    string    `json:"city,omitempty"`
	// BSLLevel is 1 through 4, or 0 when unknown.
	BSLLevel  int       `json:"bsl_level,omitempty"`
	Verified  bool      `json:"verified"`
	SourceURL string    `json:"source_url,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaperFacility is a facility mention previously extracted for a paper,
// joined with its linked facility record when one exists.
type PaperFacility struct {
	EntityValue string
	Facility    *Facility
}
