package pubmed

import (
	"context"
	"encoding/xml"
	"errors"
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
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// DefaultRateLimit is the keyless E-utilities limit. A key raises it to 10/s.
	DefaultRateLimit  = 3.0
	DefaultBurstSize  = 3
	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 100

	// MaxResultsLimit is the largest retmax esearch accepts.
	MaxResultsLimit = 10000

	sourceName = "PubMed"
)

// ErrDisabled is returned by Search on a disabled client.
var ErrDisabled = errors.New("pubmed source is disabled")

// Config holds configuration for the PubMed client.
type Config struct {
	BaseURL string
	// APIKey is the optional NCBI API key.
	APIKey     string
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

// Client implements papersources.PaperSource for PubMed.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
	now        func() time.Time
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates a PubMed client.
func New(cfg Config) *Client {
	cfg.applyDefaults()

	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Source:    string(domain.SourceTypePubMed),
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		BurstSize: cfg.BurstSize,
		Metrics:   cfg.Metrics,
	})

	return NewWithHTTPClient(cfg, httpClient)
}

// NewWithHTTPClient creates a PubMed client around an existing HTTPClient.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Search runs esearch for matching PMIDs, newest first, then efetch for
// their records.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	if !c.config.Enabled {
		return nil, ErrDisabled
	}
	startTime := time.Now()

	found, err := c.esearch(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("esearch failed: %w", err)
	}

	result := &papersources.SearchResult{
		Papers:     []*domain.Paper{},
		NextOffset: params.Offset,
		Source:     domain.SourceTypePubMed,
	}

	// PhraseNotFound means nothing matched. Count is unreliable in that case.
	if found.ErrorList != nil && len(found.ErrorList.PhraseNotFound) > 0 {
		result.SearchDuration = time.Since(startTime)
		return result, nil
	}

	result.TotalResults = found.Count
	if len(found.IDList.IDs) == 0 {
		result.SearchDuration = time.Since(startTime)
		return result, nil
	}

	set, err := c.efetch(ctx, found.IDList.IDs)
	if err != nil {
		return nil, fmt.Errorf("efetch failed: %w", err)
	}

	fetchedAt := c.now().UTC()
	for i := range set.Articles {
		if paper := articleToPaper(&set.Articles[i], fetchedAt); paper != nil {
			result.Papers = append(result.Papers, paper)
		}
	}

	result.NextOffset = params.Offset + len(found.IDList.IDs)
	result.HasMore = result.NextOffset < found.Count
	result.SearchDuration = time.Since(startTime)
	return result, nil
}

func (c *Client) SourceType() domain.SourceType { return domain.SourceTypePubMed }

func (c *Client) Name() string { return sourceName }

func (c *Client) IsEnabled() bool { return c.config.Enabled }

func (c *Client) esearch(ctx context.Context, params papersources.SearchParams) (*ESearchResult, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("term", params.Query)
	q.Set("retmode", "xml")
	q.Set("sort", "pub_date")

	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = c.config.MaxResults
	}
	q.Set("retmax", strconv.Itoa(min(maxResults, MaxResultsLimit)))
	if params.Offset > 0 {
		q.Set("retstart", strconv.Itoa(params.Offset))
	}

	if params.DateFrom != nil || params.DateTo != nil {
		// E-utilities requires both bounds once either is set.
		q.Set("datetype", "pdat")
		mindate, maxdate := "1800/01/01", "3000/12/31"
		if params.DateFrom != nil {
			mindate = params.DateFrom.UTC().Format("2006/01/02")
		}
		if params.DateTo != nil {
			maxdate = params.DateTo.UTC().Format("2006/01/02")
		}
		q.Set("mindate", mindate)
		q.Set("maxdate", maxdate)
	}

	var result ESearchResult
	if err := c.get(ctx, "esearch.fcgi", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) efetch(ctx context.Context, pmids []string) (*ArticleSet, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("id", strings.Join(pmids, ","))
	q.Set("retmode", "xml")
	q.Set("rettype", "abstract")

	var result ArticleSet
	if err := c.get(ctx, "efetch.fcgi", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// get issues one E-utilities GET and decodes the XML body into out.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	u, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/") + "/" + endpoint)
	if err != nil {
		return fmt.Errorf("parsing base URL: %w", err)
	}
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
	}

	if err := xml.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// articleToPaper returns nil for records without a PMID or title.
func articleToPaper(article *Article, fetchedAt time.Time) *domain.Paper {
	citation := &article.Citation
	pmid := strings.TrimSpace(citation.PMID)
	title := normalizeWhitespace(citation.Article.ArticleTitle)
	if pmid == "" || title == "" {
		return nil
	}

	authors, affiliations := extractAuthors(citation.Article.AuthorList)

	var categories []string
	if citation.MeshHeadingList != nil {
		for _, mh := range citation.MeshHeadingList.Headings {
			if term := strings.TrimSpace(mh.Descriptor); term != "" {
				categories = append(categories, term)
			}
		}
	}
	if citation.KeywordList != nil {
		for _, kw := range citation.KeywordList.Keywords {
			if kw = strings.TrimSpace(kw); kw != "" {
				categories = append(categories, kw)
			}
		}
	}

	pdfURL := ""
	if pmcid := articleID(article, "pmc"); pmcid != "" {
		pdfURL = "https://www.ncbi.nlm.nih.gov/pmc/articles/" + pmcid + "/pdf/"
	}

	return &domain.Paper{
		Source:        domain.SourceTypePubMed,
		ExternalID:    pmid,
		Title:         title,
		Authors:       authors,
		Affiliations:  affiliations,
		Abstract:      extractAbstract(citation.Article.Abstract),
		URL:           "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
		PDFURL:        pdfURL,
		PublishedDate: extractPublicationDate(&citation.Article),
		Categories:    categories,
		FetchedAt:     fetchedAt,
	}
}

func articleID(article *Article, idType string) string {
	for _, id := range article.Data.ArticleIDs {
		if id.IDType == idType {
			return strings.TrimSpace(id.Value)
		}
	}
	return ""
}

// extractAuthors skips authors marked invalid and dedups affiliations in
// first-seen order.
func extractAuthors(list *AuthorList) ([]string, []string) {
	if list == nil {
		return []string{}, nil
	}

	authors := make([]string, 0, len(list.Authors))
	var affiliations []string
	seen := make(map[string]bool)
	for _, a := range list.Authors {
		if a.ValidYN == "N" {
			continue
		}
		name := strings.TrimSpace(a.CollectiveName)
		if name == "" {
			name = strings.TrimSpace(strings.TrimSpace(a.ForeName) + " " + strings.TrimSpace(a.LastName))
		}
		if name == "" {
			continue
		}
		authors = append(authors, name)

		for _, info := range a.AffiliationInfo {
			if aff := normalizeWhitespace(info.Affiliation); aff != "" && !seen[aff] {
				seen[aff] = true
				affiliations = append(affiliations, aff)
			}
		}
	}
	return authors, affiliations
}

// extractAbstract joins structured sections as "LABEL: text".
func extractAbstract(abstract *Abstract) string {
	if abstract == nil {
		return ""
	}
	parts := make([]string, 0, len(abstract.Texts))
	for _, at := range abstract.Texts {
		text := normalizeWhitespace(at.Value)
		if text == "" {
			continue
		}
		if at.Label != "" {
			text = at.Label + ": " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// extractPublicationDate prefers the electronic ArticleDate and falls back to
// the journal issue date.
func extractPublicationDate(article *ArticleMeta) *time.Time {
	for _, ad := range article.ArticleDates {
		if ad.DateType == "" || strings.EqualFold(ad.DateType, "electronic") {
			if t := parseDate(ad.Year, ad.Month, ad.Day); t != nil {
				return t
			}
		}
	}

	pub := article.Journal.JournalIssue.PubDate
	if t := parseDate(pub.Year, pub.Month, pub.Day); t != nil {
		return t
	}
	if fields := strings.Fields(pub.MedlineDate); len(fields) > 0 {
		year, _, _ := strings.Cut(fields[0], "-")
		return parseDate(year, "", "")
	}
	return nil
}

func parseDate(year, month, day string) *time.Time {
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil {
		return nil
	}
	d, err := strconv.Atoi(strings.TrimSpace(day))
	if err != nil || d < 1 || d > 31 {
		d = 1
	}
	t := time.Date(y, parseMonth(month), d, 0, 0, 0, 0, time.UTC)
	return &t
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// parseMonth accepts "3", "03", "Mar" or "March". Anything else is January.
func parseMonth(month string) time.Month {
	month = strings.TrimSpace(month)
	if m, err := strconv.Atoi(month); err == nil && m >= 1 && m <= 12 {
		return time.Month(m)
	}
	if len(month) >= 3 {
		if m, ok := monthNames[strings.ToLower(month[:3])]; ok {
			return m
		}
	}
	return time.January
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
