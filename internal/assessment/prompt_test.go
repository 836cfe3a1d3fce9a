package assessment

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

func TestBuildUserPrompt(t *testing.T) {
	t.Parallel()

	paper := &domain.Paper{
		Title:    "Airborne transmission of H5N1 between ferrets",
		Authors:  []string{"A", "B", "C", "D", "E", "F", "G"},
		Abstract: "  We passaged the virus serially.  ",
	}

	prompt := BuildUserPrompt(paper, nil, 0)

	assert.Contains(t, prompt, "Title: Airborne transmission of H5N1 between ferrets")
	assert.Contains(t, prompt, "Authors: A, B, C, D, E\n")
	assert.NotContains(t, prompt, "F, G")
	assert.Contains(t, prompt, "Abstract: We passaged the virus serially.")
	assert.NotContains(t, prompt, "Full text")
	assert.NotContains(t, prompt, "Known facility information")
	assert.True(t, strings.HasSuffix(prompt, scoreBands))
}

func TestBuildUserPrompt_NoAbstract(t *testing.T) {
	t.Parallel()

	prompt := BuildUserPrompt(&domain.Paper{Title: "Untitled"}, nil, 0)
	assert.Contains(t, prompt, "Abstract: "+noAbstractPlaceholder)
}

func TestBuildUserPrompt_TruncatesFullText(t *testing.T) {
	t.Parallel()

	paper := &domain.Paper{Title: "T", FullText: strings.Repeat("é", 50)}

	prompt := BuildUserPrompt(paper, nil, 10)
	assert.Contains(t, prompt, "Full text (excerpt):\n"+strings.Repeat("é", 10)+"\n")
	assert.NotContains(t, prompt, strings.Repeat("é", 11))

	prompt = BuildUserPrompt(paper, nil, 0)
	assert.Contains(t, prompt, strings.Repeat("é", 50))
}

func TestBuildUserPrompt_FacilityContext(t *testing.T) {
	t.Parallel()

	facilities := []domain.PaperFacility{
		{EntityValue: "Wuhan Institute of Virology", Facility: &domain.Facility{
			ID: uuid.New(), Name: "Wuhan Institute of Virology", BSLLevel: 4, Country: "China",
		}},
		{EntityValue: "Some Lab", Facility: &domain.Facility{ID: uuid.New(), Name: "Some Lab"}},
		{EntityValue: "Basement Lab"},
	}

	prompt := BuildUserPrompt(&domain.Paper{Title: "T"}, facilities, 0)

	assert.Contains(t, prompt, "Known facility information:\n")
	assert.Contains(t, prompt, "- Wuhan Institute of Virology: BSL-4, China\n")
	assert.Contains(t, prompt, "- Some Lab: BSL-Unknown, Unknown location\n")
	assert.Contains(t, prompt, "- Basement Lab (unverified)\n")
}

func TestSystemPromptListsIndicators(t *testing.T) {
	t.Parallel()

	assert.Contains(t, SystemPrompt, "serial passage")
	assert.Contains(t, SystemPrompt, "de novo synthesis")
}
