package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/llm"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

const (
	// maxResearchText bounds the text sent for facility discovery, in characters.
	maxResearchText = 5000

	// maxResearchFacilities caps how many discovered facilities are stored per call.
	maxResearchFacilities = 5

	// OperationResearch labels facility research calls in gateway metrics.
	OperationResearch = "facility_research"

	researchSchemaName = "facility_research"
	researchMaxTokens  = 1024
)

const researchSystemPrompt = `You identify research facilities and laboratories named in scientific text. For each one give its country, city and biosafety level (1-4) if it is publicly known. Use 0 for an unknown biosafety level and empty strings for unknown locations. Only list institutions that do laboratory work.`

// FacilityResearcher discovers facilities in paper text and records new ones as
// unverified so later assessments have containment context.
type FacilityResearcher struct {
	gateway    llm.Gateway
	facilities repository.FacilityRepository
	logger     zerolog.Logger
}

// NewFacilityResearcher creates a FacilityResearcher.
func NewFacilityResearcher(gateway llm.Gateway, facilities repository.FacilityRepository, logger zerolog.Logger) *FacilityResearcher {
	return &FacilityResearcher{
		gateway:    gateway,
		facilities: facilities,
		logger:     logger.With().Str("component", "facility_researcher").Logger(),
	}
}

var _ Researcher = (*FacilityResearcher)(nil)

type researchedFacility struct {
	Name       string `json:"name"`
	Country    string `json:"country"`
	City       string `json:"city"`
	BSLLevel   int    `json:"bsl_level"`
	Confidence string `json:"confidence"`
}

type researchResult struct {
	Facilities []researchedFacility `json:"facilities"`
}

// ResearchFromText asks the model for facilities named in text and creates those
// not already known. It returns the facilities it created.
func (r *FacilityResearcher) ResearchFromText(ctx context.Context, text string) ([]*domain.Facility, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	resp, err := r.gateway.Complete(ctx, llm.Request{
		System:     researchSystemPrompt,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "Text:\n" + truncateRunes(text, maxResearchText)}},
		MaxTokens:  researchMaxTokens,
		Schema:     researchSchema(),
		SchemaName: researchSchemaName,
	})
	if err != nil {
		return nil, fmt.Errorf("facility research call failed: %w", err)
	}
	if resp.Refused() || resp.Empty() {
		r.logger.Debug().Msg("model returned no facility research")
		return nil, nil
	}

	var result researchResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return nil, fmt.Errorf("failed to decode facility research: %w", err)
	}

	found := result.Facilities
	if len(found) > maxResearchFacilities {
		found = found[:maxResearchFacilities]
	}

	var created []*domain.Facility
	for _, rf := range found {
		name := strings.TrimSpace(rf.Name)
		if name == "" {
			continue
		}

		_, err := r.facilities.FindByName(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, fmt.Errorf("failed to look up facility %q: %w", name, err)
		}

		facility := &domain.Facility{
			Name:    name,
			Country: strings.TrimSpace(rf.Country),
			City:    strings.TrimSpace(rf.City),
			Notes:   fmt.Sprintf("discovered by model research (confidence: %s)", rf.Confidence),
		}
		if rf.BSLLevel >= 1 && rf.BSLLevel <= 4 {
			facility.BSLLevel = rf.BSLLevel
		}

		if err := r.facilities.Create(ctx, facility); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			return created, fmt.Errorf("failed to store facility %q: %w", name, err)
		}

		r.logger.Info().
			Str("facility", facility.Name).
			Int("bsl_level", facility.BSLLevel).
			Str("confidence", rf.Confidence).
			Msg("recorded unverified facility")
		created = append(created, facility)
	}

	return created, nil
}

func researchSchema() map[string]any {
	facility := object(map[string]any{
		"name":      stringProperty(),
		"country":   stringProperty(),
		"city":      stringProperty(),
		"bsl_level": map[string]any{"type": "integer", "description": "biosafety level 1-4, or 0 if unknown"},
		"confidence": map[string]any{
			"type": "string",
			"enum": []any{"high", "medium", "low"},
		},
	})
	return object(map[string]any{
		"facilities": map[string]any{"type": "array", "items": facility},
	})
}
