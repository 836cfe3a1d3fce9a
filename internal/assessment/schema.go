package assessment

import (
	"maps"
	"slices"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

// AnalysisSchemaName labels the assessment schema for providers that require a name.
const AnalysisSchemaName = "biosecurity_assessment"

// AnalysisSchema returns the JSON Schema for AnalysisResult. Every property is
// required and no extra properties are allowed. Score ranges are described
// rather than constrained because not every provider accepts numeric bounds in
// structured output; AnalysisResult.Validate enforces them.
func AnalysisSchema() map[string]any {
	return object(map[string]any{
		"pathogen_analysis": object(map[string]any{
			"score":                scoreProperty(),
			"pathogens_identified": stringArray(),
			"rationale":            stringProperty(),
		}),
		"gof_analysis": object(map[string]any{
			"score":            scoreProperty(),
			"indicators_found": stringArray(),
			"rationale":        stringProperty(),
		}),
		"containment_analysis": object(map[string]any{
			"score":     scoreProperty(),
			"concerns":  stringArray(),
			"rationale": stringProperty(),
		}),
		"dual_use_analysis": object(map[string]any{
			"score":     scoreProperty(),
			"concerns":  stringArray(),
			"rationale": stringProperty(),
		}),
		"overall_assessment": object(map[string]any{
			"risk_summary": stringProperty(),
			"key_concerns": stringArray(),
			"recommended_action": map[string]any{
				"type": "string",
				"enum": []any{
					string(domain.ActionFlagForReview),
					string(domain.ActionMonitor),
					string(domain.ActionNoAction),
				},
			},
		}),
		"extracted_entities": object(map[string]any{
			"facilities": stringArray(),
			"pathogens":  stringArray(),
			"techniques": stringArray(),
		}),
	})
}

// object builds a closed object schema requiring every listed property.
func object(props map[string]any) map[string]any {
	required := make([]any, 0, len(props))
	for _, name := range slices.Sorted(maps.Keys(props)) {
		required = append(required, name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func scoreProperty() map[string]any {
	return map[string]any{"type": "integer", "description": "risk score from 0 (none) to 100 (critical)"}
}

func stringProperty() map[string]any {
	return map[string]any{"type": "string"}
}

func stringArray() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}
