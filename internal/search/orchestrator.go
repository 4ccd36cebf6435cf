package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/telemetry"
)

// Request describes one orchestrated search.
type Request struct {
	Query   string
	Types   []string
	Sources []string
	Limit   int
}

// LocalSource runs the catalog-side sub-search.
type LocalSource interface {
	SearchLocal(ctx context.Context, query string, entityTypes []string, limit int) ([]models.UnifiedSearchResult, error)
}

// ProviderSource runs one external provider's sub-search. Implementations
// route through the provider's rate-limited queue; the orchestrator only
// sees results or an error.
type ProviderSource interface {
	SearchProvider(ctx context.Context, provider, query string, entityTypes []string, limit int) ([]models.UnifiedSearchResult, error)
}

// Orchestrator fans a query out to the local store and each requested
// provider, waits for every sub-search to settle, and fuses the answers
// into one deduplicated, ranked list. A failing source degrades to zero
// results; it never fails the search.
type Orchestrator struct {
	local     LocalSource
	providers ProviderSource
	known     []string
	timeout   time.Duration
	defLimit  int
}

func NewOrchestrator(local LocalSource, providerSource ProviderSource, knownProviders []string, timeout time.Duration, defaultLimit int) *Orchestrator {
	if timeout == 0 {
		timeout = 8 * time.Second
	}
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	return &Orchestrator{
		local:     local,
		providers: providerSource,
		known:     knownProviders,
		timeout:   timeout,
		defLimit:  defaultLimit,
	}
}

type sourceOutcome struct {
	order   int
	timing  models.SourceTiming
	results []models.UnifiedSearchResult
}

// Search executes the fan-out. Sub-searches run concurrently across
// sources; the join waits for all of them to settle, success or failure.
func (o *Orchestrator) Search(ctx context.Context, req Request) models.SearchResponse {
	started := time.Now()
	if req.Limit <= 0 {
		req.Limit = o.defLimit
	}
	sources := req.Sources
	if len(sources) == 0 {
		sources = append([]string{models.SourceLocal}, o.known...)
	}

	outcomes := make([]sourceOutcome, len(sources))
	var wg sync.WaitGroup
	for i, source := range sources {
		wg.Add(1)
		go func(order int, source string) {
			defer wg.Done()
			outcomes[order] = o.searchOne(ctx, source, req, order)
		}(i, source)
	}
	wg.Wait()

	var all []models.UnifiedSearchResult
	timings := make([]models.SourceTiming, 0, len(outcomes))
	for _, oc := range outcomes {
		all = append(all, oc.results...)
		timings = append(timings, oc.timing)
	}

	fused, removed := Fuse(all)
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].RelevanceScore > fused[j].RelevanceScore
	})
	if len(fused) > req.Limit {
		fused = fused[:req.Limit]
	}

	return models.SearchResponse{
		Query:             req.Query,
		Results:           fused,
		PerSourceTiming:   timings,
		DuplicatesRemoved: removed,
		TookMs:            time.Since(started).Milliseconds(),
	}
}

func (o *Orchestrator) searchOne(ctx context.Context, source string, req Request, order int) sourceOutcome {
	subCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	started := time.Now()
	telemetry.SearchFanout.WithLabelValues(source).Inc()

	var results []models.UnifiedSearchResult
	var err error
	if strings.EqualFold(source, models.SourceLocal) {
		results, err = o.local.SearchLocal(subCtx, req.Query, req.Types, req.Limit)
	} else {
		results, err = o.providers.SearchProvider(subCtx, source, req.Query, req.Types, req.Limit)
	}

	timing := models.SourceTiming{
		Source:     source,
		DurationMs: time.Since(started).Milliseconds(),
		Count:      len(results),
	}
	if err != nil {
		telemetry.SearchErrors.WithLabelValues(source).Inc()
		timing.Error = err.Error()
		results = nil
		timing.Count = 0
	}
	return sourceOutcome{order: order, timing: timing, results: results}
}
