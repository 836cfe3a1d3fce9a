package papersources

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

// SourceResult holds the outcome of searching one source. Exactly one of
// Result and Error is set.
type SourceResult struct {
	Source domain.SourceType
	Name   string
	Result *SearchResult
	Error  error
}

// Registry holds the configured paper sources and searches them concurrently.
type Registry struct {
	mu      sync.RWMutex
	sources map[domain.SourceType]PaperSource
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[domain.SourceType]PaperSource),
	}
}

// Register adds source, replacing any source of the same type.
func (r *Registry) Register(source PaperSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source.SourceType()] = source
}

// Get returns the source of the given type, or nil.
func (r *Registry) Get(sourceType domain.SourceType) PaperSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[sourceType]
}

// EnabledSources returns a snapshot of the enabled sources ordered by type.
func (r *Registry) EnabledSources() []PaperSource {
	r.mu.RLock()
	sources := make([]PaperSource, 0, len(r.sources))
	for _, source := range r.sources {
		if source.IsEnabled() {
			sources = append(sources, source)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(sources, func(a, b PaperSource) int {
		return cmp.Compare(a.SourceType(), b.SourceType())
	})
	return sources
}

// SearchAll searches every enabled source concurrently. Failures are reported
// per source and never cancel the other searches. Results follow the order of
// EnabledSources.
func (r *Registry) SearchAll(ctx context.Context, params SearchParams) []SourceResult {
	sources := r.EnabledSources()
	if len(sources) == 0 {
		return nil
	}

	results := make([]SourceResult, len(sources))
	var wg sync.WaitGroup
	for i, source := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := source.Search(ctx, params)
			results[i] = SourceResult{
				Source: source.SourceType(),
				Name:   source.Name(),
				Result: result,
				Error:  err,
			}
		}()
	}
	wg.Wait()

	return results
}
