package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"music-enrichment-pipeline/internal/config"
	"music-enrichment-pipeline/internal/correlate"
	"music-enrichment-pipeline/internal/eligibility"
	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/queue"
	"music-enrichment-pipeline/internal/store"
	"music-enrichment-pipeline/internal/telemetry"
)

// Outcome reports what the pipeline did with an enrichment request.
// When the engine declines, Job is nil and Decision says why; declining
// is a normal outcome, not an error.
type Outcome struct {
	Decision eligibility.Decision `json:"decision"`
	Job      *models.Job          `json:"job,omitempty"`
	Reused   bool                 `json:"reused,omitempty"`
}

// Service is the caller-facing enrichment surface: eligibility gate,
// IN_PROGRESS claim, durable enqueue, and result await.
type Service struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.RedisQueue
	correlator *correlate.Correlator
	engine     *eligibility.Engine
}

func NewService(cfg config.Config, st *store.Store, q *queue.RedisQueue, c *correlate.Correlator) *Service {
	policy := eligibility.Policy{LowQualityMaxAge: cfg.LowQualityMaxAge}
	engine := eligibility.NewEngine(policy, st, cfg.NoDataCooldown, cfg.FailedCooldown)
	return &Service{cfg: cfg, store: st, queue: q, correlator: c, engine: engine}
}

// Enqueue gates an enrichment request through the eligibility engine and,
// if authorized, claims the entity and queues a job on the provider's
// queue. The record read happens here, immediately before enqueue, so the
// decision never rests on stale state.
func (s *Service) Enqueue(ctx context.Context, entityType, entityID, provider, source string, priority int, requestID string) (Outcome, error) {
	record, err := s.store.GetRecord(ctx, entityType, entityID)
	if errors.Is(err, store.ErrRecordNotFound) {
		record = models.EnrichmentRecord{
			EntityType:       entityType,
			EntityID:         entityID,
			EnrichmentStatus: models.EnrichPending,
			DataQuality:      models.QualityLow,
		}
		if err := s.store.UpsertRecord(ctx, record); err != nil {
			return Outcome{}, fmt.Errorf("create enrichment record: %w", err)
		}
	} else if err != nil {
		return Outcome{}, err
	}

	decision, err := s.engine.Decide(ctx, record, time.Now())
	if err != nil {
		return Outcome{}, err
	}
	if !decision.ShouldEnrich {
		return Outcome{Decision: decision}, nil
	}

	claimed, err := s.store.ClaimEnrichment(ctx, entityType, entityID)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		// Someone else won the conditional update between our read and now.
		return Outcome{Decision: eligibility.Decision{
			ShouldEnrich: false,
			Reason:       "enrichment claimed concurrently",
			Confidence:   eligibility.ConfidenceHigh,
		}}, nil
	}

	job, reused, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:     models.JobLookupByID,
		Provider: provider,
		Priority: eligibility.Priority(source, priority),
		Payload: map[string]any{
			"entity_type": entityType,
			"entity_id":   entityID,
		},
		RequestID:   requestID,
		DedupKey:    fmt.Sprintf("enrich:%s:%s:%s", provider, entityType, entityID),
		RunAt:       time.Now(),
		MaxAttempts: s.cfg.MaxAttempts,
		DedupTTL:    s.cfg.DedupTTL,
	})
	if err != nil {
		// Roll the claim back so the entity isn't stuck IN_PROGRESS.
		_ = s.store.ReleaseEnrichment(ctx, entityType, entityID, record.EnrichmentStatus, time.Now())
		return Outcome{}, fmt.Errorf("create enrichment job: %w", err)
	}

	if !reused {
		if err := s.queue.Enqueue(ctx, provider, job.ID, job.Priority, job.NextRunAt); err != nil {
			_ = s.store.MarkFailed(ctx, job.ID, err.Error())
			_ = s.store.ReleaseEnrichment(ctx, entityType, entityID, record.EnrichmentStatus, time.Now())
			return Outcome{}, fmt.Errorf("enqueue enrichment job: %w", err)
		}
		telemetry.EnqueueCounter.WithLabelValues(provider).Inc()
	}

	return Outcome{Decision: decision, Job: &job, Reused: reused}, nil
}

// EnqueueSync queues one background discovery batch against a provider.
// Discovery runs at the lowest priority and dedupes per page, so repeated
// kicks of the same page share one job.
func (s *Service) EnqueueSync(ctx context.Context, provider, entityType string, offset, limit int) (models.Job, bool, error) {
	job, reused, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:     models.JobSyncBatch,
		Provider: provider,
		Priority: eligibility.Priority(eligibility.SourceBackground, 10),
		Payload: map[string]any{
			"entity_type": entityType,
			"offset":      offset,
			"limit":       limit,
		},
		DedupKey:    fmt.Sprintf("sync:%s:%s:%d", provider, entityType, offset),
		RunAt:       time.Now(),
		MaxAttempts: s.cfg.MaxAttempts,
		DedupTTL:    s.cfg.DedupTTL,
	})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("create sync job: %w", err)
	}
	if !reused {
		if err := s.queue.Enqueue(ctx, provider, job.ID, job.Priority, job.NextRunAt); err != nil {
			_ = s.store.MarkFailed(ctx, job.ID, err.Error())
			return models.Job{}, false, fmt.Errorf("enqueue sync job: %w", err)
		}
		telemetry.EnqueueCounter.WithLabelValues(provider).Inc()
	}
	return job, reused, nil
}

// AwaitResult blocks until the job's result is available or the timeout
// elapses. A timeout abandons only this wait; the job keeps running.
func (s *Service) AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (models.JobResult, error) {
	if result, found, err := s.store.GetResult(ctx, jobID); err != nil {
		return models.JobResult{}, err
	} else if found {
		return result, nil
	}

	// No result yet. Waiting is only worthwhile if the job exists; an
	// unknown id would otherwise block the caller for the full timeout.
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return models.JobResult{}, err
	}

	if err := s.correlator.Register(jobID); err != nil {
		return models.JobResult{}, err
	}
	result, err := s.correlator.Await(ctx, jobID, timeout)
	if errors.Is(err, correlate.ErrAwaitTimeout) {
		// The job may have finished between the store check and our
		// registration; look once more before reporting a timeout.
		if result, found, serr := s.store.GetResult(ctx, jobID); serr == nil && found {
			return result, nil
		}
		return models.JobResult{}, err
	}
	return result, err
}
