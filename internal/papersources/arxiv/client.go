// Package arxiv searches the arXiv Atom API.
package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/papersources"
)

const (
	DefaultBaseURL    = "https://export.arxiv.org/api"
	DefaultRateLimit  = 3.0
	DefaultBurstSize  = 3
	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 100

	sourceName = "arXiv"
)

// BiologyCategories are the quantitative biology subject classes scans are
// limited to by default.
var BiologyCategories = []string{
	"q-bio.BM", "q-bio.CB", "q-bio.GN", "q-bio.MN", "q-bio.NC",
	"q-bio.OT", "q-bio.PE", "q-bio.QM", "q-bio.SC", "q-bio.TO",
}

// arxivIDRegex matches "http://arxiv.org/abs/2301.12345v1" and old-style
// "http://arxiv.org/abs/hep-th/9901001v1", dropping the version.
var arxivIDRegex = regexp.MustCompile(`arxiv\.org/abs/(.+?)(?:v\d+)?$`)

// Config holds configuration for the arXiv client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64
	BurstSize  int
	MaxResults int
	Enabled    bool

	// Categories restricts searches to these subject classes. Empty searches all of arXiv.
	Categories []string

	Metrics *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
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

// Client implements papersources.PaperSource for arXiv.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
	now        func() time.Time
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates an arXiv client.
func New(cfg Config) *Client {
	cfg.applyDefaults()

	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Source:    string(domain.SourceTypeArXiv),
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		BurstSize: cfg.BurstSize,
		Metrics:   cfg.Metrics,
	})

	return NewWithHTTPClient(cfg, httpClient)
}

// NewWithHTTPClient creates an arXiv client around an existing HTTPClient.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Search queries arXiv, newest submissions first.
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
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
	}

	var feed Feed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	fetchedAt := c.now().UTC()
	papers := make([]*domain.Paper, 0, len(feed.Entries))
	for i := range feed.Entries {
		if paper := entryToPaper(&feed.Entries[i], fetchedAt); paper != nil {
			papers = append(papers, paper)
		}
	}

	nextOffset := params.Offset + len(feed.Entries)
	return &papersources.SearchResult{
		Papers:         papers,
		TotalResults:   feed.TotalResults,
		HasMore:        nextOffset < feed.TotalResults,
		NextOffset:     nextOffset,
		Source:         domain.SourceTypeArXiv,
		SearchDuration: time.Since(startTime),
	}, nil
}

func (c *Client) SourceType() domain.SourceType { return domain.SourceTypeArXiv }

func (c *Client) Name() string { return sourceName }

func (c *Client) IsEnabled() bool { return c.config.Enabled }

func (c *Client) buildSearchURL(params papersources.SearchParams) (string, error) {
	baseURL, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	baseURL.Path = strings.TrimRight(baseURL.Path, "/") + "/query"

	parts := make([]string, 0, 3)
	if q := strings.TrimSpace(params.Query); q != "" {
		parts = append(parts, "all:("+q+")")
	}
	if len(c.config.Categories) > 0 {
		cats := make([]string, len(c.config.Categories))
		for i, cat := range c.config.Categories {
			cats[i] = "cat:" + cat
		}
		parts = append(parts, "("+strings.Join(cats, " OR ")+")")
	}
	if params.DateFrom != nil || params.DateTo != nil {
		parts = append(parts, buildDateFilter(params.DateFrom, params.DateTo))
	}

	query := url.Values{}
	query.Set("search_query", strings.Join(parts, " AND "))

	maxResults := params.MaxResults
	if maxResults == 0 {
		maxResults = c.config.MaxResults
	}
	query.Set("max_results", strconv.Itoa(maxResults))
	if params.Offset > 0 {
		query.Set("start", strconv.Itoa(params.Offset))
	}
	query.Set("sortBy", "submittedDate")
	query.Set("sortOrder", "descending")

	baseURL.RawQuery = query.Encode()
	return baseURL.String(), nil
}

// buildDateFilter renders submittedDate:[YYYYMMDDHHMM TO YYYYMMDDHHMM].
func buildDateFilter(from, to *time.Time) string {
	fromStr, toStr := "*", "*"
	if from != nil {
		fromStr = from.UTC().Format("20060102") + "0000"
	}
	if to != nil {
		toStr = to.UTC().Format("20060102") + "2359"
	}
	return fmt.Sprintf("submittedDate:[%s TO %s]", fromStr, toStr)
}

// entryToPaper returns nil for entries without a recognisable arXiv ID or title.
func entryToPaper(entry *Entry, fetchedAt time.Time) *domain.Paper {
	arxivID := extractArXivID(strings.TrimSpace(entry.ID))
	title := normalizeWhitespace(entry.Title)
	if arxivID == "" || title == "" {
		return nil
	}

	var pubDate *time.Time
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(entry.Published)); err == nil {
		t = t.UTC()
		pubDate = &t
	}

	authors := make([]string, 0, len(entry.Authors))
	var affiliations []string
	seen := make(map[string]bool)
	for _, a := range entry.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			authors = append(authors, name)
		}
		if aff := strings.TrimSpace(a.Affiliation); aff != "" && !seen[aff] {
			seen[aff] = true
			affiliations = append(affiliations, aff)
		}
	}

	pdfURL := ""
	for _, link := range entry.Links {
		if link.Title == "pdf" || link.Type == "application/pdf" {
			pdfURL = link.Href
			break
		}
	}
	if pdfURL == "" {
		pdfURL = "https://arxiv.org/pdf/" + arxivID
	}

	categories := make([]string, 0, len(entry.Categories))
	for _, cat := range entry.Categories {
		if cat.Term != "" {
			categories = append(categories, cat.Term)
		}
	}

	return &domain.Paper{
		Source:        domain.SourceTypeArXiv,
		ExternalID:    arxivID,
		Title:         title,
		Authors:       authors,
		Affiliations:  affiliations,
		Abstract:      normalizeWhitespace(entry.Summary),
		URL:           "https://arxiv.org/abs/" + arxivID,
		PDFURL:        pdfURL,
		PublishedDate: pubDate,
		Categories:    categories,
		FetchedAt:     fetchedAt,
	}
}

func extractArXivID(entryURL string) string {
	matches := arxivIDRegex.FindStringSubmatch(entryURL)
	if len(matches) < 2 {
		return ""
	}
	return matches[1]
}

// normalizeWhitespace collapses the line breaks arXiv puts in titles and abstracts.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
