package models

import (
	"time"
)

// Entity types the pipeline enriches.
const (
	EntityArtist = "artist"
	EntityAlbum  = "album"
	EntityTrack  = "track"
)

// Enrichment status values stored on EnrichmentRecord and EnrichmentLog.
const (
	EnrichPending         = "PENDING"
	EnrichInProgress      = "IN_PROGRESS"
	EnrichCompleted       = "COMPLETED"
	EnrichFailed          = "FAILED"
	EnrichPartialSuccess  = "PARTIAL_SUCCESS"
	EnrichNoDataAvailable = "NO_DATA_AVAILABLE"
	EnrichSkipped         = "SKIPPED"
	EnrichPreview         = "PREVIEW"
)

// Data quality levels, a coarse completeness signal.
const (
	QualityLow    = "LOW"
	QualityMedium = "MEDIUM"
	QualityHigh   = "HIGH"
)

// EnrichmentRecord is the per-entity eligibility state. It is read
// immediately before enqueue and mutated around each attempt; the
// IN_PROGRESS status doubles as the mutual-exclusion guard.
type EnrichmentRecord struct {
	EntityType       string            `json:"entity_type"`
	EntityID         string            `json:"entity_id"`
	EnrichmentStatus string            `json:"enrichment_status"`
	DataQuality      string            `json:"data_quality"`
	LastEnriched     *time.Time        `json:"last_enriched,omitempty"`
	ExternalIDs      map[string]string `json:"external_ids,omitempty"`
	ReleaseDate      *time.Time        `json:"release_date,omitempty"`
	Biography        string            `json:"biography,omitempty"`
	ImageURL         string            `json:"image_url,omitempty"`
	Name             string            `json:"name,omitempty"`
	Artist           string            `json:"artist,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// MissingFields lists the identifying fields the entity type needs but
// the record lacks. Artists want a biography and portrait, albums a
// release date and cover, tracks a release date; everything wants at
// least one external id.
func (r EnrichmentRecord) MissingFields() []string {
	var missing []string
	if len(r.ExternalIDs) == 0 {
		missing = append(missing, "external id")
	}
	switch r.EntityType {
	case EntityArtist:
		if r.Biography == "" {
			missing = append(missing, "biography")
		}
		if r.ImageURL == "" {
			missing = append(missing, "image")
		}
	case EntityAlbum:
		if r.ReleaseDate == nil {
			missing = append(missing, "release date")
		}
		if r.ImageURL == "" {
			missing = append(missing, "image")
		}
	case EntityTrack:
		if r.ReleaseDate == nil {
			missing = append(missing, "release date")
		}
	}
	return missing
}

// EnrichmentLog is one immutable row per attempt, used for cooldown
// calculations and operator review. Never updated after insert.
type EnrichmentLog struct {
	ID             int64     `json:"id"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Status         string    `json:"status"`
	Sources        []string  `json:"sources"`
	FieldsEnriched []string  `json:"fields_enriched"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	APICallCount   int       `json:"api_call_count"`
	CreatedAt      time.Time `json:"created_at"`
}
