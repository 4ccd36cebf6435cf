package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"music-enrichment-pipeline/internal/models"
)

// ErrJobNotFound reports a lookup for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type        string
	Provider    string
	Priority    int
	Payload     map[string]any
	RequestID   string
	DedupKey    string
	RunAt       time.Time
	MaxAttempts int
	DedupTTL    time.Duration
}

// CreateJob inserts a job row. When a dedup key is given and a live job
// already holds it, that job is returned instead of creating a second one;
// the boolean reports reuse. This is the fan-in point: concurrent
// identical requests share one job rather than sharing one waiter.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	if p.DedupKey != "" {
		if existing, found, err := s.FindByDedupKey(ctx, p.DedupKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, provider, priority, payload, status, attempts, max_attempts, request_id, next_run_at, dedup_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11, $11)
	`, id, p.Type, p.Provider, p.Priority, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RequestID, p.RunAt, emptyToNil(p.DedupKey), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.DedupKey != "" {
		expires := now.Add(p.DedupTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO job_dedup (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.DedupKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert dedup key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return their job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after dedup conflict: %w", err)
			}
			existing, found, err := s.FindByDedupKey(ctx, p.DedupKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("dedup conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:          id,
		Type:        p.Type,
		Provider:    p.Provider,
		Priority:    p.Priority,
		Payload:     p.Payload,
		Status:      models.StatusQueued,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		RequestID:   p.RequestID,
		NextRunAt:   p.RunAt,
		DedupKey:    emptyToNil(p.DedupKey),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, false, nil
}

// FindByDedupKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByDedupKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM job_dedup WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query dedup key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, provider, priority, payload, status, attempts, max_attempts, request_id, next_run_at, last_error, dedup_key, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text
	var dedup pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &job.Provider, &job.Priority, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.RequestID, &job.NextRunAt, &lastErr, &dedup, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.DedupKey = textPtr(dedup)
	return job, nil
}

// UpdateJobStatus sets status, attempts, next_run_at and last_error atomically.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, nextRun, lastError)
	return err
}

// MarkCompleted transitions a job to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// MarkFailed flags a job as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, lastError)
	return err
}

// MarkAbandoned flags a job whose retries were exhausted.
func (s *Store) MarkAbandoned(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusAbandoned, lastError)
	return err
}

// UpdateAttempts re-queues a job after a retryable failure.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// SaveResult persists a terminal JobResult for later retrieval.
func (s *Store) SaveResult(ctx context.Context, result models.JobResult) error {
	dataJSON, err := json.Marshal(result.Data)
	if err != nil {
		return fmt.Errorf("marshal result data: %w", err)
	}
	var errJSON []byte
	if result.Error != nil {
		if errJSON, err = json.Marshal(result.Error); err != nil {
			return fmt.Errorf("marshal result error: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_results (job_id, success, data, error, duration_ms, ts, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING
	`, result.JobID, result.Success, dataJSON, errJSON, result.Metadata.DurationMs, result.Metadata.Timestamp, result.Metadata.RequestID)
	return err
}

// GetResult fetches a persisted JobResult, if the job has finished.
func (s *Store) GetResult(ctx context.Context, jobID string) (models.JobResult, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, success, data, error, duration_ms, ts, request_id
		FROM job_results WHERE job_id = $1
	`, jobID)

	var result models.JobResult
	var dataJSON, errJSON []byte
	err := row.Scan(&result.JobID, &result.Success, &dataJSON, &errJSON,
		&result.Metadata.DurationMs, &result.Metadata.Timestamp, &result.Metadata.RequestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobResult{}, false, nil
	}
	if err != nil {
		return models.JobResult{}, false, fmt.Errorf("scan job result: %w", err)
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &result.Data); err != nil {
			return models.JobResult{}, false, fmt.Errorf("unmarshal result data: %w", err)
		}
	}
	if len(errJSON) > 0 {
		result.Error = &models.JobError{}
		if err := json.Unmarshal(errJSON, result.Error); err != nil {
			return models.JobResult{}, false, fmt.Errorf("unmarshal result error: %w", err)
		}
	}
	return result, true, nil
}

// PruneTerminal deletes terminal jobs (and their results) beyond the
// newest keep rows per provider. This is an observability window, not a
// cache; dropping rows never affects correctness.
func (s *Store) PruneTerminal(ctx context.Context, provider string, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE provider = $1
		  AND status IN ($2, $3, $4)
		  AND id NOT IN (
			SELECT id FROM jobs
			WHERE provider = $1 AND status IN ($2, $3, $4)
			ORDER BY updated_at DESC
			LIMIT $5
		  )
	`, provider, models.StatusCompleted, models.StatusFailed, models.StatusAbandoned, keep)
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
