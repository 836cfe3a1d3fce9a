// Package biorxiv searches bioRxiv and medRxiv preprints through the Europe PMC
// REST API, which indexes both servers with full-text search.
package biorxiv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/papersources"
)

const (
	DefaultBaseURL    = "https://www.ebi.ac.uk/europepmc/webservices/rest"
	DefaultRateLimit  = 5.0
	DefaultBurstSize  = 5
	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 100

	sourceName = "bioRxiv"
)

// DefaultServers are the preprint servers included in searches.
var DefaultServers = []string{"bioRxiv", "medRxiv"}

// Config holds configuration for the Europe PMC preprint client.
type Config struct {
	BaseURL string

	// Servers are matched against the Europe PMC PUBLISHER field.
	Servers []string

	Timeout    time.Duration
	RateLimit  float64
	BurstSize  int
	MaxResults int
	Enabled    bool

	Metrics *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if len(c.Servers) == 0 {
		c.Servers = DefaultServers
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.BurstSize == 0 {
		c.BurstSize = DefaultBurstSize
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
}

// Client implements papersources.PaperSource for bioRxiv and medRxiv.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
	now        func() time.Time
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates a preprint client.
func New(cfg Config) *Client {
	cfg.applyDefaults()

	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Source:    string(domain.SourceTypeBioRxiv),
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		BurstSize: cfg.BurstSize,
		Metrics:   cfg.Metrics,
	})

	return NewWithHTTPClient(cfg, httpClient)
}

// NewWithHTTPClient creates a preprint client around an existing HTTPClient.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Search queries Europe PMC for preprints. Papers are tagged biorxiv or medrxiv
// from the record's publisher.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	startTime := time.Now()

	searchURL, err := c.buildSearchURL(params)
	if err != nil {
		return nil, fmt.Errorf("building search URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError("Europe PMC", resp.StatusCode, string(body), nil)
	}

	var searchResp SearchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	fetchedAt := c.now().UTC()
	papers := make([]*domain.Paper, 0, len(searchResp.ResultList.Result))
	for i := range searchResp.ResultList.Result {
		if paper := articleToPaper(&searchResp.ResultList.Result[i], fetchedAt); paper != nil {
			papers = append(papers, paper)
		}
	}

	nextOffset := params.Offset + len(searchResp.ResultList.Result)
	return &papersources.SearchResult{
		Papers:         papers,
		TotalResults:   searchResp.HitCount,
		HasMore:        nextOffset < searchResp.HitCount,
		NextOffset:     nextOffset,
		Source:         domain.SourceTypeBioRxiv,
		SearchDuration: time.Since(startTime),
	}, nil
}

func (c *Client) SourceType() domain.SourceType { return domain.SourceTypeBioRxiv }

func (c *Client) Name() string { return sourceName }

func (c *Client) IsEnabled() bool { return c.config.Enabled }

// buildSearchURL renders
// "{query} AND (SRC:PPR) AND (PUBLISHER:"bioRxiv" OR ...) AND (FIRST_PDATE:[a TO b])".
// Europe PMC pages by cursor, so offsets beyond the first page are not supported.
func (c *Client) buildSearchURL(params papersources.SearchParams) (string, error) {
	baseURL, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	baseURL.Path = strings.TrimRight(baseURL.Path, "/") + "/search"

	parts := make([]string, 0, 4)
	if q := strings.TrimSpace(params.Query); q != "" {
		parts = append(parts, "("+q+")")
	}
	parts = append(parts, "(SRC:PPR)")

	publishers := make([]string, len(c.config.Servers))
	for i, s := range c.config.Servers {
		publishers[i] = fmt.Sprintf("PUBLISHER:%q", s)
	}
	parts = append(parts, "("+strings.Join(publishers, " OR ")+")")

	if params.DateFrom != nil || params.DateTo != nil {
		parts = append(parts, buildDateFilter(params.DateFrom, params.DateTo))
	}

	query := url.Values{}
	query.Set("query", strings.Join(parts, " AND "))
	query.Set("format", "json")
	query.Set("resultType", "core")
	query.Set("sort", "FIRST_PDATE desc")

	maxResults := params.MaxResults
	if maxResults == 0 {
		maxResults = c.config.MaxResults
	}
	query.Set("pageSize", strconv.Itoa(maxResults))
	query.Set("cursorMark", "*")

	baseURL.RawQuery = query.Encode()
	return baseURL.String(), nil
}

func buildDateFilter(from, to *time.Time) string {
	fromStr, toStr := "*", "*"
	if from != nil {
		fromStr = from.UTC().Format("2006-01-02")
	}
	if to != nil {
		toStr = to.UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("(FIRST_PDATE:[%s TO %s])", fromStr, toStr)
}

// articleToPaper keys preprints by DOI. Records without a DOI or title are dropped.
func articleToPaper(article *Article, fetchedAt time.Time) *domain.Paper {
	doi := strings.TrimSpace(article.DOI)
	title := strings.TrimSpace(article.Title)
	if doi == "" || title == "" {
		return nil
	}

	source := domain.SourceTypeBioRxiv
	host := "www.biorxiv.org"
	if strings.EqualFold(strings.TrimSpace(article.PublisherName), "medRxiv") {
		source = domain.SourceTypeMedRxiv
		host = "www.medrxiv.org"
	}

	var pubDate *time.Time
	if t, err := time.Parse("2006-01-02", article.FirstPublicationDate); err == nil {
		pubDate = &t
	}

	authors, affiliations := parseAuthorList(article.AuthorList)
	if len(authors) == 0 {
		authors = parseAuthorString(article.AuthorString)
	}

	return &domain.Paper{
		Source:        source,
		ExternalID:    doi,
		Title:         title,
		Authors:       authors,
		Affiliations:  affiliations,
		Abstract:      strings.TrimSpace(article.AbstractText),
		URL:           "https://doi.org/" + doi,
		PDFURL:        "https://" + host + "/content/" + doi + ".full.pdf",
		PublishedDate: pubDate,
		Categories:    article.KeywordList.Keyword,
		FetchedAt:     fetchedAt,
	}
}

func parseAuthorList(list AuthorList) (authors, affiliations []string) {
	seen := make(map[string]bool)
	for _, a := range list.Author {
		if name := strings.TrimSpace(a.FullName); name != "" {
			authors = append(authors, name)
		}
		for _, aff := range a.Affiliations.AuthorAffiliation {
			v := strings.TrimSpace(aff.Affiliation)
			if v != "" && !seen[v] {
				seen[v] = true
				affiliations = append(affiliations, v)
			}
		}
	}
	return authors, affiliations
}

// parseAuthorString splits "Smith A, Jones B." into names.
func parseAuthorString(s string) []string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ", ")
	authors := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			authors = append(authors, name)
		}
	}
	return authors
}
