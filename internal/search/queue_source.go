package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"music-enrichment-pipeline/internal/config"
	"music-enrichment-pipeline/internal/correlate"
	"music-enrichment-pipeline/internal/eligibility"
	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/providers"
	"music-enrichment-pipeline/internal/queue"
	"music-enrichment-pipeline/internal/store"
	"music-enrichment-pipeline/internal/telemetry"
)

// QueueSource implements ProviderSource by enqueuing search-by-name jobs
// through each provider's durable queue and awaiting the results. External
// search traffic therefore obeys the same rate budget as enrichment;
// nothing talks to a provider around the limiter.
type QueueSource struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.RedisQueue
	correlator *correlate.Correlator
}

func NewQueueSource(cfg config.Config, st *store.Store, q *queue.RedisQueue, c *correlate.Correlator) *QueueSource {
	return &QueueSource{cfg: cfg, store: st, queue: q, correlator: c}
}

// SearchProvider fans one provider's search out across the requested
// entity types in parallel, one job per type, and merges what settles.
func (s *QueueSource) SearchProvider(ctx context.Context, provider, query string, entityTypes []string, limit int) ([]models.UnifiedSearchResult, error) {
	if len(entityTypes) == 0 {
		entityTypes = []string{models.EntityArtist, models.EntityAlbum, models.EntityTrack}
	}

	results := make([][]models.UnifiedSearchResult, len(entityTypes))
	errs := make([]error, len(entityTypes))
	var wg sync.WaitGroup
	for i, entityType := range entityTypes {
		wg.Add(1)
		go func(i int, entityType string) {
			defer wg.Done()
			results[i], errs[i] = s.searchType(ctx, provider, query, entityType, limit)
		}(i, entityType)
	}
	wg.Wait()

	var merged []models.UnifiedSearchResult
	failures := 0
	for i := range entityTypes {
		if errs[i] != nil {
			failures++
			continue
		}
		merged = append(merged, results[i]...)
	}
	if failures == len(entityTypes) {
		return nil, fmt.Errorf("all %s sub-searches failed: %w", provider, errors.Join(errs...))
	}
	return merged, nil
}

func (s *QueueSource) searchType(ctx context.Context, provider, query, entityType string, limit int) ([]models.UnifiedSearchResult, error) {
	job, _, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:     models.JobSearchByName,
		Provider: provider,
		Priority: eligibility.Priority(eligibility.SourceSearch, 5),
		Payload: map[string]any{
			"query":       query,
			"entity_type": entityType,
			"limit":       limit,
		},
		RunAt:       time.Now(),
		MaxAttempts: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create search job: %w", err)
	}

	if err := s.correlator.Register(job.ID); err != nil {
		return nil, fmt.Errorf("register waiter: %w", err)
	}
	if err := s.queue.Enqueue(ctx, provider, job.ID, job.Priority, job.NextRunAt); err != nil {
		s.correlator.Forget(job.ID)
		return nil, fmt.Errorf("enqueue search job: %w", err)
	}
	telemetry.EnqueueCounter.WithLabelValues(provider).Inc()

	timeout := s.cfg.SearchTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	result, err := s.correlator.Await(ctx, job.ID, timeout)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("%s search failed: %s", provider, result.Error.Message)
	}
	return decodeSearchHits(provider, result.Data)
}

// decodeSearchHits converts a search job's result payload back into
// unified results. The payload crossed Redis as JSON, so it round-trips
// through encoding once more here.
func decodeSearchHits(provider string, data map[string]any) ([]models.UnifiedSearchResult, error) {
	raw, err := json.Marshal(data["results"])
	if err != nil {
		return nil, fmt.Errorf("marshal search hits: %w", err)
	}
	var hits []providers.Result
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, fmt.Errorf("unmarshal search hits: %w", err)
	}

	out := make([]models.UnifiedSearchResult, 0, len(hits))
	for _, hit := range hits {
		markers := map[string]string{provider: hit.ExternalID}
		if hit.CatalogURI != "" {
			markers["uri"] = hit.CatalogURI
		}
		out = append(out, models.UnifiedSearchResult{
			ID:             provider + ":" + hit.ExternalID,
			Type:           hit.Type,
			Title:          hit.Title,
			Artist:         hit.Artist,
			ReleaseDate:    hit.ReleaseDate,
			Image:          hit.ImageURL,
			TrackCount:     hit.TrackCount,
			RelevanceScore: hit.Score,
			Source:         provider,
			SourceMarkers:  markers,
		})
	}
	return out, nil
}
