// Package assessment scores papers for biosecurity risk with a language model
// and persists each result together with the entities it names.
package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/llm"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

// ErrMalformedOutput is returned when the model's answer cannot be decoded
// into a valid AnalysisResult. Nothing is persisted in that case.
var ErrMalformedOutput = errors.New("malformed model output")

const (
	// RefusalReason is the flag reason recorded when the model declines.
	RefusalReason = "Model declined to assess this paper; manual review required"

	// DefaultFlagThreshold is the overall score at which papers are flagged.
	DefaultFlagThreshold = 70.0

	// defaultFlagReason is used when a flagged result lists no key concerns.
	defaultFlagReason = "High overall risk score"

	// rawSnippetLength bounds the model text logged for malformed output.
	rawSnippetLength = 500

	// OperationAssess labels scoring calls in gateway metrics.
	OperationAssess = "assess_paper"
)

// Config holds scoring parameters.
type Config struct {
	Weights       Weights
	FlagThreshold float64
	FullTextLimit int
	MaxTokens     int
}

// DefaultConfig returns the standard scoring configuration.
func DefaultConfig() Config {
	return Config{
		Weights:       DefaultWeights(),
		FlagThreshold: DefaultFlagThreshold,
		FullTextLimit: DefaultFullTextLimit,
	}
}

// Researcher discovers facilities named in free text before a paper is scored.
type Researcher interface {
	ResearchFromText(ctx context.Context, text string) ([]*domain.Facility, error)
}

// Assessor runs one model round-trip per paper and stores the outcome.
type Assessor struct {
	gateway     llm.Gateway
	papers      repository.PaperRepository
	facilities  repository.FacilityRepository
	assessments repository.AssessmentRepository
	cfg         Config
	logger      zerolog.Logger
	researcher  Researcher           // nil = facility research disabled
	metrics     *observability.Metrics // nil = metrics disabled
}

// Option configures optional Assessor dependencies.
type Option func(*Assessor)

// WithResearcher enables facility research on the abstract before scoring.
func WithResearcher(r Researcher) Option {
	return func(a *Assessor) { a.researcher = r }
}

// WithMetrics records assessment outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Assessor) { a.metrics = m }
}

// NewAssessor validates cfg and builds an Assessor.
func NewAssessor(
	gateway llm.Gateway,
	papers repository.PaperRepository,
	facilities repository.FacilityRepository,
	assessments repository.AssessmentRepository,
	cfg Config,
	logger zerolog.Logger,
	opts ...Option,
) (*Assessor, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid assessment config: %w", err)
	}
	if cfg.FlagThreshold < 0 || cfg.FlagThreshold > 100 {
		return nil, fmt.Errorf("invalid assessment config: flag threshold %v outside 0..100", cfg.FlagThreshold)
	}

	a := &Assessor{
		gateway:     gateway,
		papers:      papers,
		facilities:  facilities,
		assessments: assessments,
		cfg:         cfg,
		logger:      logger.With().Str("component", "assessor").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Assess scores one paper and persists the assessment, its entities and the
// paper's processed flag atomically. A refusal is persisted as a maximum-risk
// sentinel rather than returned as an error.
func (a *Assessor) Assess(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error) {
	if observability.PaperIDFromContext(ctx) == "" {
		ctx = observability.WithPaperID(ctx, paperID.String())
	}
	log := observability.LoggerFromContext(ctx, a.logger)

	paper, err := a.papers.Get(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to load paper: %w", err)
	}
	log = observability.WithPaperContext(log, string(paper.Source), paper.ExternalID)

	if a.researcher != nil && strings.TrimSpace(paper.Abstract) != "" {
		if _, err := a.researcher.ResearchFromText(ctx, paper.Abstract); err != nil {
			log.Warn().Err(err).Msg("facility research failed, continuing without it")
		}
	}

	known, err := a.facilities.ListPaperFacilities(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facility context: %w", err)
	}

	prompt := BuildUserPrompt(paper, known, a.cfg.FullTextLimit)
	start := time.Now()
	resp, err := a.gateway.Complete(ctx, llm.Request{
		System:     SystemPrompt,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:  a.cfg.MaxTokens,
		Schema:     AnalysisSchema(),
		SchemaName: AnalysisSchemaName,
	})
	if err != nil {
		if errors.Is(err, llm.ErrSchemaViolation) {
			return nil, a.malformed(log, resp, err)
		}
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	modelVersion := resp.Model
	if modelVersion == "" {
		modelVersion = a.gateway.Model()
	}

	var (
		assessment *domain.Assessment
		entities   []*domain.ExtractedEntity
	)
	if resp.Refused() || resp.Empty() {
		log.Warn().Str("stop_reason", string(resp.StopReason)).Msg("model declined to assess paper")
		assessment = refusalAssessment(paperID, resp)
	} else {
		result, err := ParseAnalysis(resp.Text)
		if err != nil {
			return nil, a.malformed(log, resp, err)
		}
		assessment, entities, err = a.buildAssessment(ctx, paperID, result, known)
		if err != nil {
			return nil, err
		}
	}
	assessment.ModelVersion = modelVersion
	assessment.InputPrompt = prompt
	assessment.RawOutput = resp.Text

	if err := a.assessments.Create(ctx, assessment, entities); err != nil {
		return nil, fmt.Errorf("failed to persist assessment: %w", err)
	}

	log.Info().
		Str("assessment_id", assessment.ID.String()).
		Str("grade", string(assessment.RiskGrade)).
		Float64("overall_score", assessment.OverallScore).
		Bool("flagged", assessment.Flagged).
		Bool("refused", assessment.Refused).
		Int("entities", len(entities)).
		Dur("duration", time.Since(start)).
		Msg("paper assessed")

	if a.metrics != nil {
		a.metrics.RecordAssessment(string(assessment.RiskGrade), assessment.OverallScore, assessment.Flagged, assessment.Refused)
	}
	return assessment, nil
}

func (a *Assessor) malformed(log zerolog.Logger, resp *llm.Response, cause error) error {
	var raw string
	if resp != nil {
		raw = resp.Text
	}
	log.Error().
		Err(cause).
		Str("raw_output", domain.TruncateMessage(raw, rawSnippetLength)).
		Msg("model returned malformed output")
	if a.metrics != nil {
		a.metrics.RecordMalformedOutput()
	}
	return fmt.Errorf("%w: %v", ErrMalformedOutput, cause)
}

// buildAssessment scores result and resolves facility links. Lookups happen
// here, before the write transaction opens.
func (a *Assessor) buildAssessment(
	ctx context.Context,
	paperID uuid.UUID,
	result *AnalysisResult,
	known []domain.PaperFacility,
) (*domain.Assessment, []*domain.ExtractedEntity, error) {
	pathogen := float64(result.PathogenAnalysis.Score)
	gof := float64(result.GOFAnalysis.Score)
	containment := float64(result.ContainmentAnalysis.Score)
	dualUse := float64(result.DualUseAnalysis.Score)
	overall := a.cfg.Weights.Overall(pathogen, gof, containment, dualUse)

	rationale, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode rationale: %w", err)
	}

	assessment := &domain.Assessment{
		ID:                  uuid.New(),
		PaperID:             paperID,
		RiskGrade:           domain.GradeForScore(overall),
		OverallScore:        overall,
		PathogenScore:       pathogen,
		GOFScore:            gof,
		ContainmentScore:    containment,
		DualUseScore:        dualUse,
		Flagged:             overall >= a.cfg.FlagThreshold,
		Rationale:           rationale,
		ConcernsSummary:     result.OverallAssessment.RiskSummary,
		PathogensIdentified: result.PathogenAnalysis.PathogensIdentified,
		RecommendedAction:   result.OverallAssessment.RecommendedAction,
		AssessedAt:          time.Now().UTC(),
	}

	entities, linked, err := a.resolveEntities(ctx, paperID, result.ExtractedEntities)
	if err != nil {
		return nil, nil, err
	}

	if assessment.Flagged {
		reasons := nonEmpty(result.OverallAssessment.KeyConcerns)
		if len(reasons) == 0 {
			reasons = []string{defaultFlagReason}
		}
		for _, f := range known {
			if f.Facility != nil {
				linked = append(linked, f.Facility)
			}
		}
		reasons = append(reasons, containmentGaps(result.PathogenAnalysis.PathogensIdentified, linked)...)
		assessment.FlagReason = strings.Join(reasons, "; ")
	}

	return assessment, entities, nil
}

// resolveEntities converts extracted names into entity rows and returns the
// facilities they linked to.
func (a *Assessor) resolveEntities(ctx context.Context, paperID uuid.UUID, extracted ExtractedEntities) ([]*domain.ExtractedEntity, []*domain.Facility, error) {
	var (
		entities []*domain.ExtractedEntity
		linked   []*domain.Facility
	)

	for _, name := range nonEmpty(extracted.Facilities) {
		entity := &domain.ExtractedEntity{PaperID: paperID, Type: domain.EntityTypeFacility, Value: name}
		facility, err := a.facilities.FindByName(ctx, name)
		switch {
		case err == nil:
			id := facility.ID
			entity.FacilityID = &id
			linked = append(linked, facility)
		case errors.Is(err, domain.ErrNotFound):
		default:
			return nil, nil, fmt.Errorf("failed to link facility %q: %w", name, err)
		}
		entities = append(entities, entity)
	}
	for _, name := range nonEmpty(extracted.Pathogens) {
		entities = append(entities, &domain.ExtractedEntity{PaperID: paperID, Type: domain.EntityTypePathogen, Value: name})
	}
	for _, name := range nonEmpty(extracted.Techniques) {
		entities = append(entities, &domain.ExtractedEntity{PaperID: paperID, Type: domain.EntityTypeTechnique, Value: name})
	}

	return entities, linked, nil
}

// containmentGaps lists every identified pathogen that requires a higher
// biosafety level than a linked facility with a known level provides.
func containmentGaps(pathogens []string, facilities []*domain.Facility) []string {
	var gaps []string
	seen := make(map[uuid.UUID]bool, len(facilities))
	for _, f := range facilities {
		if f.BSLLevel <= 0 || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		for _, p := range nonEmpty(pathogens) {
			if required := RequiredBSL(p); f.BSLLevel < required {
				gaps = append(gaps, fmt.Sprintf("containment gap: %s requires BSL-%d, %s is BSL-%d", p, required, f.Name, f.BSLLevel))
			}
		}
	}
	return gaps
}

// refusalAssessment is the maximum-risk sentinel stored when the model declines.
func refusalAssessment(paperID uuid.UUID, resp *llm.Response) *domain.Assessment {
	rationale, _ := json.Marshal(map[string]any{
		"refused":     true,
		"stop_reason": resp.StopReason,
		"message":     RefusalReason,
	})

	return &domain.Assessment{
		ID:                uuid.New(),
		PaperID:           paperID,
		RiskGrade:         domain.RiskGradeF,
		OverallScore:      100,
		PathogenScore:     100,
		GOFScore:          100,
		ContainmentScore:  100,
		DualUseScore:      100,
		Flagged:           true,
		FlagReason:        RefusalReason,
		Rationale:         rationale,
		ConcernsSummary:   RefusalReason,
		RecommendedAction: domain.ActionFlagForReview,
		Refused:           true,
		AssessedAt:        time.Now().UTC(),
	}
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
