package assessment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

const (
	// DefaultFullTextLimit caps the full-text excerpt, in characters.
	DefaultFullTextLimit = 15000

	// maxPromptAuthors is how many authors are named in the prompt.
	maxPromptAuthors = 5

	noAbstractPlaceholder = "No abstract available"
)

// SystemPrompt frames the model as a biosecurity analyst scoring four dimensions.
var SystemPrompt = `You are an expert biosecurity analyst evaluating research papers for potential biosecurity risks. Assess each paper on four dimensions:

1. Pathogen risk: dangerous pathogens mentioned, such as WHO priority pathogens, CDC select agents, or novel and engineered organisms.
2. Gain-of-function: research that enhances pathogen capabilities such as transmissibility, virulence, host range or immune evasion. Indicators include: ` + strings.Join(GOFIndicators, ", ") + `.
3. Containment adequacy: whether the work appears to be conducted at an appropriate biosafety level.
4. Dual-use concern: whether the methodology could be misused. Indicators include: ` + strings.Join(DualUseIndicators, ", ") + `.

Be thorough but balanced. Not all pathogen research is concerning; focus on genuinely risky elements. Report only entities that appear in the paper.`

const scoreBands = `Score interpretation:
- 0-20: Minimal concern
- 21-40: Low concern
- 41-60: Moderate concern
- 61-80: High concern
- 81-100: Critical concern`

// BuildUserPrompt renders the paper and its known facility context.
// fullTextLimit <= 0 uses DefaultFullTextLimit.
func BuildUserPrompt(paper *domain.Paper, facilities []domain.PaperFacility, fullTextLimit int) string {
	if fullTextLimit <= 0 {
		fullTextLimit = DefaultFullTextLimit
	}

	var b strings.Builder
	b.WriteString("Analyze this research paper for biosecurity concerns.\n\n")
	fmt.Fprintf(&b, "Title: %s\n\n", paper.Title)
	fmt.Fprintf(&b, "Authors: %s\n\n", formatAuthors(paper.Authors))

	abstract := strings.TrimSpace(paper.Abstract)
	if abstract == "" {
		abstract = noAbstractPlaceholder
	}
	fmt.Fprintf(&b, "Abstract: %s\n\n", abstract)

	if text := strings.TrimSpace(paper.FullText); text != "" {
		fmt.Fprintf(&b, "Full text (excerpt):\n%s\n\n", truncateRunes(text, fullTextLimit))
	}

	if ctx := facilityContext(facilities); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}

	b.WriteString(scoreBands)
	return b.String()
}

func formatAuthors(authors []string) string {
	if len(authors) > maxPromptAuthors {
		authors = authors[:maxPromptAuthors]
	}
	return strings.Join(authors, ", ")
}

// facilityContext renders one line per facility mention, or "" when there are none.
func facilityContext(facilities []domain.PaperFacility) string {
	if len(facilities) == 0 {
		return ""
	}

	lines := make([]string, 0, len(facilities)+1)
	lines = append(lines, "Known facility information:")
	for _, pf := range facilities {
		if pf.Facility == nil {
			lines = append(lines, fmt.Sprintf("- %s (unverified)", pf.EntityValue))
			continue
		}
		bsl := "Unknown"
		if pf.Facility.BSLLevel > 0 {
			bsl = strconv.Itoa(pf.Facility.BSLLevel)
		}
		location := pf.Facility.Country
		if location == "" {
			location = "Unknown location"
		}
		lines = append(lines, fmt.Sprintf("- %s: BSL-%s, %s", pf.Facility.Name, bsl, location))
	}
	return strings.Join(lines, "\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
