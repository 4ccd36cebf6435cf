package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"music-enrichment-pipeline/internal/models"
)

// ErrRecordNotFound reports an unknown catalog entity.
var ErrRecordNotFound = errors.New("enrichment record not found")

// GetRecord fetches the enrichment state for one catalog entity. The
// engine reads this immediately before enqueue so decisions never rest on
// stale state.
func (s *Store) GetRecord(ctx context.Context, entityType, entityID string) (models.EnrichmentRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT entity_type, entity_id, enrichment_status, data_quality, last_enriched,
		       external_ids, release_date, biography, image_url, name, artist, updated_at
		FROM enrichment_records WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)
	return scanRecord(row)
}

// UpsertRecord creates or refreshes an entity's enrichment row.
func (s *Store) UpsertRecord(ctx context.Context, r models.EnrichmentRecord) error {
	idsJSON, err := json.Marshal(r.ExternalIDs)
	if err != nil {
		return fmt.Errorf("marshal external ids: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO enrichment_records
			(entity_type, entity_id, enrichment_status, data_quality, last_enriched,
			 external_ids, release_date, biography, image_url, name, artist, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			enrichment_status = EXCLUDED.enrichment_status,
			data_quality = EXCLUDED.data_quality,
			last_enriched = EXCLUDED.last_enriched,
			external_ids = EXCLUDED.external_ids,
			release_date = EXCLUDED.release_date,
			biography = EXCLUDED.biography,
			image_url = EXCLUDED.image_url,
			name = EXCLUDED.name,
			artist = EXCLUDED.artist,
			updated_at = NOW()
	`, r.EntityType, r.EntityID, r.EnrichmentStatus, r.DataQuality, r.LastEnriched,
		idsJSON, r.ReleaseDate, r.Biography, r.ImageURL, r.Name, r.Artist)
	return err
}

// ClaimEnrichment atomically flips an entity to IN_PROGRESS. It is the
// shared mutual-exclusion guard: exactly one of any number of concurrent
// claimants gets true, everyone else keeps their hands off the entity.
func (s *Store) ClaimEnrichment(ctx context.Context, entityType, entityID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_records
		SET enrichment_status = $3, updated_at = NOW()
		WHERE entity_type = $1 AND entity_id = $2 AND enrichment_status <> $3
	`, entityType, entityID, models.EnrichInProgress)
	if err != nil {
		return false, fmt.Errorf("claim enrichment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseEnrichment records the terminal outcome of an attempt, clearing
// the IN_PROGRESS guard.
func (s *Store) ReleaseEnrichment(ctx context.Context, entityType, entityID, status string, finishedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrichment_records
		SET enrichment_status = $3, last_enriched = $4, updated_at = NOW()
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID, status, finishedAt)
	return err
}

// AppendEnrichmentLog adds one immutable audit row per attempt.
func (s *Store) AppendEnrichmentLog(ctx context.Context, l models.EnrichmentLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_logs
			(entity_type, entity_id, status, sources, fields_enriched, error_message, duration_ms, api_call_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, l.EntityType, l.EntityID, l.Status, l.Sources, l.FieldsEnriched, l.ErrorMessage, l.DurationMs, l.APICallCount)
	return err
}

// LastAttemptAt returns when the entity last logged the given status, or
// nil if it never has. Feeds the eligibility cooldown checks.
func (s *Store) LastAttemptAt(ctx context.Context, entityType, entityID, status string) (*time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM enrichment_logs
		WHERE entity_type = $1 AND entity_id = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1
	`, entityType, entityID, status).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last attempt: %w", err)
	}
	return &ts, nil
}

// SearchLocal runs the catalog-side sub-search over stored entities.
func (s *Store) SearchLocal(ctx context.Context, query string, entityTypes []string, limit int) ([]models.UnifiedSearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	if len(entityTypes) == 0 {
		entityTypes = []string{models.EntityArtist, models.EntityAlbum, models.EntityTrack}
	}
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, enrichment_status, data_quality, last_enriched,
		       external_ids, release_date, biography, image_url, name, artist, updated_at
		FROM enrichment_records
		WHERE entity_type = ANY($1) AND (name ILIKE $2 OR artist ILIKE $2)
		ORDER BY name
		LIMIT $3
	`, entityTypes, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("local search: %w", err)
	}
	defer rows.Close()

	var out []models.UnifiedSearchResult
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, models.UnifiedSearchResult{
			ID:             record.EntityID,
			Type:           record.EntityType,
			Title:          record.Name,
			Artist:         record.Artist,
			ReleaseDate:    record.ReleaseDate,
			Image:          record.ImageURL,
			RelevanceScore: localRelevance(query, record.Name),
			Source:         models.SourceLocal,
			SourceMarkers:  record.ExternalIDs,
		})
	}
	return out, rows.Err()
}

// localRelevance scores a catalog hit against the query so local results
// rank sensibly next to provider scores. Exact title matches outrank
// prefix matches, which outrank substring hits.
func localRelevance(query, name string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case q == n:
		return 1.0
	case strings.HasPrefix(n, q):
		return 0.85
	default:
		return 0.6
	}
}

func scanRecord(row pgx.Row) (models.EnrichmentRecord, error) {
	var r models.EnrichmentRecord
	var idsJSON []byte
	var lastEnriched, releaseDate pgtype.Timestamptz
	var biography, imageURL, name, artist pgtype.Text

	err := row.Scan(&r.EntityType, &r.EntityID, &r.EnrichmentStatus, &r.DataQuality, &lastEnriched,
		&idsJSON, &releaseDate, &biography, &imageURL, &name, &artist, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EnrichmentRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return models.EnrichmentRecord{}, fmt.Errorf("scan enrichment record: %w", err)
	}

	if len(idsJSON) > 0 {
		if err := json.Unmarshal(idsJSON, &r.ExternalIDs); err != nil {
			return models.EnrichmentRecord{}, fmt.Errorf("unmarshal external ids: %w", err)
		}
	}
	if lastEnriched.Valid {
		t := lastEnriched.Time
		r.LastEnriched = &t
	}
	if releaseDate.Valid {
		t := releaseDate.Time
		r.ReleaseDate = &t
	}
	r.Biography = biography.String
	r.ImageURL = imageURL.String
	r.Name = name.String
	r.Artist = artist.String
	return r, nil
}
