package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"music-enrichment-pipeline/internal/config"
	"music-enrichment-pipeline/internal/correlate"
	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/providers"
	"music-enrichment-pipeline/internal/queue"
	"music-enrichment-pipeline/internal/ratelimit"
	"music-enrichment-pipeline/internal/store"
	"music-enrichment-pipeline/internal/telemetry"
)

// Handler executes one job and returns the result data payload.
type Handler func(ctx context.Context, job models.Job) (map[string]any, error)

// FailureHook runs when a job of the given type reaches a terminal
// failure, so domain state (e.g. an IN_PROGRESS enrichment claim) can be
// released even though the handler won't run again.
type FailureHook func(ctx context.Context, job models.Job, jobErr *providers.Error)

// Processor drives one provider's execution loop. It owns the only path
// that consumes the provider's rate budget: at most one leased job at a
// time, dispatched only when the shared fixed-window counter permits.
type Processor struct {
	cfg          config.Config
	provider     string
	queue        *queue.RedisQueue
	store        *store.Store
	limiter      *ratelimit.FixedWindow
	publisher    *correlate.Publisher
	handlers     map[string]Handler
	failureHooks map[string]FailureHook
}

func NewProcessor(cfg config.Config, provider string, q *queue.RedisQueue, st *store.Store, limiter *ratelimit.FixedWindow, pub *correlate.Publisher) *Processor {
	return &Processor{
		cfg:          cfg,
		provider:     provider,
		queue:        q,
		store:        st,
		limiter:      limiter,
		publisher:    pub,
		handlers:     make(map[string]Handler),
		failureHooks: make(map[string]FailureHook),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// RegisterFailureHook binds a terminal-failure hook to a job type.
func (p *Processor) RegisterFailureHook(jobType string, hook FailureHook) {
	if jobType == "" || hook == nil {
		return
	}
	p.failureHooks[jobType] = hook
}

// Run starts the provider loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pruneTicker.C:
			if n, err := p.store.PruneTerminal(ctx, p.provider, p.cfg.CompletedRetention); err == nil && n > 0 {
				log.Printf("worker[%s]: pruned %d terminal jobs", p.provider, n)
			}
		default:
		}

		now := time.Now()
		_, _ = p.queue.PromoteScheduled(ctx, p.provider, now, 100)
		if reclaimed, _ := p.queue.RequeueExpired(ctx, p.provider, now, 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				if job, err := p.store.GetJob(ctx, id); err == nil {
					_ = p.store.UpdateJobStatus(ctx, id, models.StatusQueued, job.Attempts, now, job.LastError)
				}
			}
			log.Printf("worker[%s]: reclaimed %d stalled jobs", p.provider, len(reclaimed))
		}

		stats, err := p.queue.QueueStats(ctx, p.provider)
		if err != nil {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		telemetry.QueueDepthGauge.WithLabelValues(p.provider).Set(float64(stats.Ready))
		if stats.Ready == 0 || stats.Paused {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		// The budget check sits between "a job is ready" and "dispatch":
		// whatever else happens, dispatch rate never exceeds the window.
		allowed, retryAfter, err := p.limiter.Allow(ctx, p.provider)
		if err != nil {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if !allowed {
			telemetry.RateLimitWaits.WithLabelValues(p.provider).Inc()
			p.sleep(ctx, retryAfter)
			continue
		}

		jobID, err := p.queue.DequeueWithLease(ctx, p.provider)
		if err != nil || jobID == "" {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.execute(ctx, jobID)
	}
}

func (p *Processor) execute(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		_ = p.queue.Ack(ctx, p.provider, jobID)
		return
	}

	_ = p.store.UpdateJobStatus(ctx, job.ID, models.StatusLeased, job.Attempts, job.NextRunAt, nil)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	started := time.Now()
	data, runErr := p.runJob(ctx, job)
	duration := time.Since(started)

	if runErr == nil {
		result := models.JobResult{
			JobID:    job.ID,
			Success:  true,
			Data:     data,
			Metadata: resultMetadata(job, started, duration),
		}
		_ = p.store.MarkCompleted(ctx, job.ID)
		_ = p.store.SaveResult(ctx, result)
		_ = p.queue.Ack(ctx, p.provider, job.ID)
		p.publish(ctx, result)
		telemetry.WorkerSuccess.WithLabelValues(p.provider).Inc()
		return
	}

	jerr := providers.Classify(runErr)
	attempts := job.Attempts + 1

	if jerr.Retryable && attempts < job.MaxAttempts {
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
		if jerr.RetryAfter > backoff {
			backoff = jerr.RetryAfter
		}
		nextRun := time.Now().Add(backoff)
		_ = p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, jerr.Error())
		_ = p.queue.Retry(ctx, p.provider, job.ID, nextRun)
		telemetry.WorkerRetries.WithLabelValues(p.provider).Inc()
		return
	}

	// Terminal failure: exhausted retries or a non-retryable error.
	result := models.JobResult{
		JobID:   job.ID,
		Success: false,
		Error: &models.JobError{
			Message:   jerr.Message,
			Code:      jerr.Code,
			Retryable: jerr.Retryable,
		},
		Metadata: resultMetadata(job, started, duration),
	}
	if jerr.Retryable {
		_ = p.store.MarkAbandoned(ctx, job.ID, jerr.Error())
	} else {
		_ = p.store.MarkFailed(ctx, job.ID, jerr.Error())
	}
	if !jerr.Retryable && (jerr.Code == providers.CodeMalformedRequest || jerr.Code == providers.CodeAuthError) {
		// Configuration bug, not provider weather. Make it visible.
		log.Printf("worker[%s]: job %s (%s) rejected by provider: %s", p.provider, job.ID, job.Type, jerr.Error())
	}
	_ = p.store.SaveResult(ctx, result)
	_ = p.queue.Ack(ctx, p.provider, job.ID)
	_ = p.queue.DLQPush(ctx, p.provider, job.ID)
	if hook, ok := p.failureHooks[job.Type]; ok {
		hook(ctx, job, jerr)
	}
	p.publish(ctx, result)
	telemetry.WorkerFailures.WithLabelValues(p.provider).Inc()
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (map[string]any, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, providers.Malformed(fmt.Sprintf("no handler registered for type %q", job.Type))
	}
	_ = p.store.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, job.Attempts, job.NextRunAt, nil)
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()
	return handler(callCtx, job)
}

func (p *Processor) publish(ctx context.Context, result models.JobResult) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, p.provider, result); err != nil {
		log.Printf("worker[%s]: publish result for %s: %v", p.provider, result.JobID, err)
	}
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = p.cfg.WorkerPollInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func resultMetadata(job models.Job, started time.Time, duration time.Duration) models.ResultMetadata {
	return models.ResultMetadata{
		DurationMs: duration.Milliseconds(),
		Timestamp:  started.UTC(),
		RequestID:  job.RequestID,
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
