package worker

import (
	"context"
	"log"

	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/providers"
	"music-enrichment-pipeline/internal/store"
)

// BatchHandler executes sync-batch jobs: one browse call against the
// provider, upserting preview records for entities the catalog hasn't
// fully enriched yet. Background discovery runs at the lowest priority,
// so these never crowd out user-facing work.
type BatchHandler struct {
	store    *store.Store
	provider providers.Provider
}

func NewBatchHandler(st *store.Store, p providers.Provider) *BatchHandler {
	return &BatchHandler{store: st, provider: p}
}

func (h *BatchHandler) Handle(ctx context.Context, job models.Job) (map[string]any, error) {
	entityType, _ := job.Payload["entity_type"].(string)
	if entityType == "" {
		return nil, providers.Malformed("sync-batch job requires entity_type")
	}
	offset := intFromPayload(job.Payload, "offset", 0)
	limit := intFromPayload(job.Payload, "limit", 50)

	hits, err := h.provider.Browse(ctx, entityType, offset, limit)
	if providers.IsNotFound(err) {
		hits = nil
	} else if err != nil {
		return nil, err
	}

	discovered := 0
	for _, hit := range hits {
		entityID := h.provider.Name() + ":" + hit.ExternalID
		if _, err := h.store.GetRecord(ctx, entityType, entityID); err == nil {
			continue
		}
		record := models.EnrichmentRecord{
			EntityType:       entityType,
			EntityID:         entityID,
			EnrichmentStatus: models.EnrichPreview,
			DataQuality:      models.QualityLow,
			ExternalIDs:      map[string]string{h.provider.Name(): hit.ExternalID},
			Name:             hit.Title,
			Artist:           hit.Artist,
			ReleaseDate:      hit.ReleaseDate,
			ImageURL:         hit.ImageURL,
		}
		if err := h.store.UpsertRecord(ctx, record); err != nil {
			log.Printf("batch[%s]: upsert preview %s/%s: %v", h.provider.Name(), entityType, entityID, err)
			continue
		}
		h.logPreview(ctx, record)
		discovered++
	}

	return map[string]any{"discovered": discovered, "scanned": len(hits)}, nil
}

func (h *BatchHandler) logPreview(ctx context.Context, record models.EnrichmentRecord) {
	err := h.store.AppendEnrichmentLog(ctx, models.EnrichmentLog{
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		Status:     models.EnrichPreview,
		Sources:    []string{h.provider.Name()},
	})
	if err != nil {
		log.Printf("batch[%s]: append preview log %s/%s: %v", h.provider.Name(), record.EntityType, record.EntityID, err)
	}
}
