package assessment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

// AnalysisResult is the structured output the model returns for one paper.
type AnalysisResult struct {
	PathogenAnalysis    PathogenAnalysis  `json:"pathogen_analysis"`
	GOFAnalysis         GOFAnalysis       `json:"gof_analysis"`
	ContainmentAnalysis ConcernAnalysis   `json:"containment_analysis"`
	DualUseAnalysis     ConcernAnalysis   `json:"dual_use_analysis"`
	OverallAssessment   OverallAssessment `json:"overall_assessment"`
	ExtractedEntities   ExtractedEntities `json:"extracted_entities"`
}

// PathogenAnalysis scores the pathogens a paper works with.
type PathogenAnalysis struct {
	Score               int      `json:"score"`
	PathogensIdentified []string `json:"pathogens_identified"`
	Rationale           string   `json:"rationale"`
}

// GOFAnalysis scores gain-of-function indicators.
type GOFAnalysis struct {
	Score           int      `json:"score"`
	IndicatorsFound []string `json:"indicators_found"`
	Rationale       string   `json:"rationale"`
}

// ConcernAnalysis scores the containment and dual-use dimensions.
type ConcernAnalysis struct {
	Score     int      `json:"score"`
	Concerns  []string `json:"concerns"`
	Rationale string   `json:"rationale"`
}

// OverallAssessment is the model's summary judgement.
type OverallAssessment struct {
	RiskSummary       string                   `json:"risk_summary"`
	KeyConcerns       []string                 `json:"key_concerns"`
	RecommendedAction domain.RecommendedAction `json:"recommended_action"`
}

// ExtractedEntities lists named entities found in the paper.
type ExtractedEntities struct {
	Facilities []string `json:"facilities"`
	Pathogens  []string `json:"pathogens"`
	Techniques []string `json:"techniques"`
}

// ParseAnalysis decodes model text into an AnalysisResult and checks its ranges.
func ParseAnalysis(text string) (*AnalysisResult, error) {
	var result AnalysisResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return &result, nil
}

// Validate checks score ranges and the recommended action.
func (r *AnalysisResult) Validate() error {
	scores := []struct {
		field string
		value int
	}{
		{"pathogen_analysis.score", r.PathogenAnalysis.Score},
		{"gof_analysis.score", r.GOFAnalysis.Score},
		{"containment_analysis.score", r.ContainmentAnalysis.Score},
		{"dual_use_analysis.score", r.DualUseAnalysis.Score},
	}
	for _, s := range scores {
		if s.value < 0 || s.value > 100 {
			return domain.NewValidationError(s.field, fmt.Sprintf("must be between 0 and 100, got %d", s.value))
		}
	}
	if !r.OverallAssessment.RecommendedAction.IsValid() {
		return domain.NewValidationError("overall_assessment.recommended_action",
			fmt.Sprintf("unknown action %q", r.OverallAssessment.RecommendedAction))
	}
	return nil
}
