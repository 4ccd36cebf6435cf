package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"music-enrichment-pipeline/internal/config"
	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/providers"
	"music-enrichment-pipeline/internal/queue"
	"music-enrichment-pipeline/internal/store"
)

// EnrichHandler executes lookup-by-id jobs: one provider call, merge the
// hit into the entity's enrichment record, release the IN_PROGRESS claim,
// and append the audit row. Transient provider errors bubble up so the
// processor can retry; the claim stays held across retries.
type EnrichHandler struct {
	cfg      config.Config
	store    *store.Store
	provider providers.Provider
	queue    *queue.RedisQueue
}

func NewEnrichHandler(cfg config.Config, st *store.Store, p providers.Provider, q *queue.RedisQueue) *EnrichHandler {
	return &EnrichHandler{cfg: cfg, store: st, provider: p, queue: q}
}

// Handle performs one enrichment attempt.
func (h *EnrichHandler) Handle(ctx context.Context, job models.Job) (map[string]any, error) {
	entityType, _ := job.Payload["entity_type"].(string)
	entityID, _ := job.Payload["entity_id"].(string)
	if entityType == "" || entityID == "" {
		return nil, providers.Malformed("enrich job requires entity_type and entity_id")
	}

	record, err := h.store.GetRecord(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("load enrichment record: %w", err)
	}

	started := time.Now()
	apiCalls := 0

	hit, err := h.fetch(ctx, record, &apiCalls)
	if providers.IsNotFound(err) || (err == nil && hit == nil) {
		// Absence of data is a valid outcome, not an operational failure.
		finished := time.Now()
		if rerr := h.store.ReleaseEnrichment(ctx, entityType, entityID, models.EnrichNoDataAvailable, finished); rerr != nil {
			return nil, fmt.Errorf("release enrichment: %w", rerr)
		}
		h.appendLog(ctx, record, models.EnrichNoDataAvailable, nil, "", time.Since(started), apiCalls)
		return map[string]any{"status": models.EnrichNoDataAvailable}, nil
	}
	if err != nil {
		return nil, err
	}

	fields := mergeHit(&record, h.provider.Name(), hit)
	record.DataQuality = qualityFor(record)

	status := models.EnrichCompleted
	if len(record.MissingFields()) > 0 {
		status = models.EnrichPartialSuccess
	}
	finished := time.Now()
	record.EnrichmentStatus = status
	record.LastEnriched = &finished

	if err := h.store.UpsertRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("write back enrichment: %w", err)
	}
	h.appendLog(ctx, record, status, fields, "", time.Since(started), apiCalls)

	if containsField(fields, "image") && record.ImageURL != "" {
		h.enqueueArtwork(ctx, record, job)
	}

	return map[string]any{
		"status":          status,
		"data_quality":    record.DataQuality,
		"fields_enriched": fields,
		"external_id":     record.ExternalIDs[h.provider.Name()],
	}, nil
}

// OnTerminalFailure releases the claim and logs the failed attempt when
// the processor gives up on the job.
func (h *EnrichHandler) OnTerminalFailure(ctx context.Context, job models.Job, jerr *providers.Error) {
	entityType, _ := job.Payload["entity_type"].(string)
	entityID, _ := job.Payload["entity_id"].(string)
	if entityType == "" || entityID == "" {
		return
	}
	now := time.Now()
	if err := h.store.ReleaseEnrichment(ctx, entityType, entityID, models.EnrichFailed, now); err != nil {
		log.Printf("enrich[%s]: release %s/%s after failure: %v", h.provider.Name(), entityType, entityID, err)
	}
	h.appendLog(ctx, models.EnrichmentRecord{EntityType: entityType, EntityID: entityID},
		models.EnrichFailed, nil, jerr.Error(), 0, 0)
}

// fetch resolves the entity at the provider: direct lookup when an
// external id is known, otherwise a name search taking the best match.
func (h *EnrichHandler) fetch(ctx context.Context, record models.EnrichmentRecord, apiCalls *int) (*providers.Result, error) {
	if externalID := record.ExternalIDs[h.provider.Name()]; externalID != "" {
		*apiCalls++
		return h.provider.Lookup(ctx, record.EntityType, externalID)
	}

	query := record.Name
	if record.Artist != "" && record.EntityType != models.EntityArtist {
		query = record.Artist + " " + record.Name
	}
	if query == "" {
		return nil, providers.Malformed("entity has neither external id nor name to match on")
	}
	*apiCalls++
	hits, err := h.provider.Search(ctx, query, record.EntityType, 1)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	return &hits[0], nil
}

func (h *EnrichHandler) appendLog(ctx context.Context, record models.EnrichmentRecord, status string, fields []string, errMsg string, duration time.Duration, apiCalls int) {
	logRow := models.EnrichmentLog{
		EntityType:     record.EntityType,
		EntityID:       record.EntityID,
		Status:         status,
		Sources:        []string{h.provider.Name()},
		FieldsEnriched: fields,
		ErrorMessage:   errMsg,
		DurationMs:     duration.Milliseconds(),
		APICallCount:   apiCalls,
	}
	if err := h.store.AppendEnrichmentLog(ctx, logRow); err != nil {
		log.Printf("enrich[%s]: append log for %s/%s: %v", h.provider.Name(), record.EntityType, record.EntityID, err)
	}
}

func (h *EnrichHandler) enqueueArtwork(ctx context.Context, record models.EnrichmentRecord, parent models.Job) {
	job, reused, err := h.store.CreateJob(ctx, store.CreateJobParams{
		Type:     models.JobArtworkFetch,
		Provider: h.provider.Name(),
		Priority: 8,
		Payload: map[string]any{
			"entity_type": record.EntityType,
			"entity_id":   record.EntityID,
			"source_url":  record.ImageURL,
			"output_key":  fmt.Sprintf("%s/%s.png", record.EntityType, record.EntityID),
		},
		RequestID:   parent.RequestID,
		DedupKey:    fmt.Sprintf("artwork:%s:%s:%s", h.provider.Name(), record.EntityType, record.EntityID),
		RunAt:       time.Now(),
		MaxAttempts: 2,
		DedupTTL:    h.cfg.DedupTTL,
	})
	if err != nil {
		log.Printf("enrich[%s]: enqueue artwork for %s/%s: %v", h.provider.Name(), record.EntityType, record.EntityID, err)
		return
	}
	if reused {
		return
	}
	if err := h.queue.Enqueue(ctx, h.provider.Name(), job.ID, job.Priority, job.NextRunAt); err != nil {
		log.Printf("enrich[%s]: queue artwork job %s: %v", h.provider.Name(), job.ID, err)
	}
}

// mergeHit fills the record's empty fields from a provider hit and
// returns the fields that changed.
func mergeHit(record *models.EnrichmentRecord, provider string, hit *providers.Result) []string {
	var fields []string
	if record.ExternalIDs == nil {
		record.ExternalIDs = make(map[string]string)
	}
	if hit.ExternalID != "" && record.ExternalIDs[provider] != hit.ExternalID {
		record.ExternalIDs[provider] = hit.ExternalID
		fields = append(fields, "external id")
	}
	if record.Name == "" && hit.Title != "" {
		record.Name = hit.Title
		fields = append(fields, "name")
	}
	if record.Artist == "" && hit.Artist != "" {
		record.Artist = hit.Artist
		fields = append(fields, "artist")
	}
	if record.ReleaseDate == nil && hit.ReleaseDate != nil {
		record.ReleaseDate = hit.ReleaseDate
		fields = append(fields, "release date")
	}
	if record.Biography == "" && hit.Biography != "" {
		record.Biography = hit.Biography
		fields = append(fields, "biography")
	}
	if record.ImageURL == "" && hit.ImageURL != "" {
		record.ImageURL = hit.ImageURL
		fields = append(fields, "image")
	}
	return fields
}

// qualityFor grades completeness of the identifying fields.
func qualityFor(record models.EnrichmentRecord) string {
	missing := len(record.MissingFields())
	switch {
	case missing == 0:
		return models.QualityHigh
	case missing == 1:
		return models.QualityMedium
	default:
		return models.QualityLow
	}
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
