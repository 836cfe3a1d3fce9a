package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RiskGrade is the letter band derived from an overall risk score.
// A is the lowest concern, F the highest.
type RiskGrade string

const (
	RiskGradeA RiskGrade = "A"
	RiskGradeB RiskGrade = "B"
	RiskGradeC RiskGrade = "C"
	RiskGradeD RiskGrade = "D"
	RiskGradeF RiskGrade = "F"
)

// GradeForScore maps a 0-100 overall score onto half-open bands:
// [0,20) A, [20,40) B, [40,60) C, [60,80) D, [80,100] F.
func GradeForScore(score float64) RiskGrade {
	switch {
	case score < 20:
		return RiskGradeA
	case score < 40:
		return RiskGradeB
	case score < 60:
		return RiskGradeC
	case score < 80:
		return RiskGradeD
	default:
		return RiskGradeF
	}
}

// ParseRiskGrade validates a stored grade.
func ParseRiskGrade(s string) (RiskGrade, error) {
	switch g := RiskGrade(s); g {
	case RiskGradeA, RiskGradeB, RiskGradeC, RiskGradeD, RiskGradeF:
		return g, nil
	default:
		return "", fmt.Errorf("%w: unknown risk grade %q", ErrCorruptRecord, s)
	}
}

// RecommendedAction is the model's suggested handling of a paper.
type RecommendedAction string

const (
	ActionFlagForReview RecommendedAction = "flag_for_review"
	ActionMonitor       RecommendedAction = "monitor"
	ActionNoAction      RecommendedAction = "no_action"
)

// IsValid reports whether a is one of the known actions.
func (a RecommendedAction) IsValid() bool {
	switch a {
	case ActionFlagForReview, ActionMonitor, ActionNoAction:
		return true
	default:
		return false
	}
}

// Assessment is one immutable evaluation of a paper. A paper may accumulate
// several; the most recent by AssessedAt is current.
type Assessment struct {
	ID      uuid.UUID `json:"id"`
	PaperID uuid.UUID `json:"paper_id"`

	RiskGrade        RiskGrade `json:"risk_grade"`
	OverallScore     float64   `json:"overall_score"`
	PathogenScore    float64   `json:"pathogen_score"`
	GOFScore         float64   `json:"gof_score"`
	ContainmentScore float64   `json:"containment_score"`
	DualUseScore     float64   `json:"dual_use_score"`

	Flagged    bool   `json:"flagged"`
	FlagReason string `json:"flag_reason,omitempty"`

	// Rationale holds the full structured model output.
	Rationale           json.RawMessage   `json:"rationale"`
	ConcernsSummary     string            `json:"concerns_summary,omitempty"`
	PathogensIdentified []string          `json:"pathogens_identified,omitempty"`
	RecommendedAction   RecommendedAction `json:"recommended_action,omitempty"`
	Refused             bool              `json:"refused"`

	ModelVersion string `json:"model_version,omitempty"`
	InputPrompt  string `json:"-"`
	RawOutput    string `json:"-"`

	AssessedAt time.Time `json:"assessed_at"`
}

// EntityType classifies an extracted entity.
type EntityType string

const (
	EntityTypeFacility  EntityType = "facility"
	EntityTypePathogen  EntityType = "pathogen"
	EntityTypeTechnique EntityType = "technique"
)

// ParseEntityType validates a stored entity type.
func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(s); t {
	case EntityTypeFacility, EntityTypePathogen, EntityTypeTechnique:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown entity type %q", ErrCorruptRecord, s)
	}
}

// ExtractedEntity is a named entity pulled from an assessment's model output.
type ExtractedEntity struct {
	ID           uuid.UUID  `json:"id"`
	AssessmentID uuid.UUID  `json:"assessment_id"`
	PaperID      uuid.UUID  `json:"paper_id"`
	Type         EntityType `json:"entity_type"`
	Value        string     `json:"entity_value"`
	FacilityID   *uuid.UUID `json:"facility_id,omitempty"`
	ExtractedAt  time.Time  `json:"extracted_at"`
}
