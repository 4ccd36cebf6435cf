package models

import (
	"time"
)

// SourceLocal is the catalog store's source name in search results and
// per-source timings. External sources use their provider name.
const SourceLocal = "local"

// UnifiedSearchResult is one fused search hit. SourceMarkers carries
// provider identifiers (UUIDs, catalog URIs) used only for deduplication.
type UnifiedSearchResult struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Title          string            `json:"title"`
	Artist         string            `json:"artist,omitempty"`
	ReleaseDate    *time.Time        `json:"release_date,omitempty"`
	Image          string            `json:"image,omitempty"`
	TrackCount     int               `json:"track_count,omitempty"`
	RelevanceScore float64           `json:"relevance_score"`
	Source         string            `json:"source"`
	SourceMarkers  map[string]string `json:"source_markers,omitempty"`
}

// SourceTiming records one sub-search's contribution for observability.
type SourceTiming struct {
	Source     string `json:"source"`
	DurationMs int64  `json:"duration_ms"`
	Count      int    `json:"count"`
	Error      string `json:"error,omitempty"`
}

// SearchResponse is the orchestrator's fused, deduplicated answer.
type SearchResponse struct {
	Query             string                `json:"query"`
	Results           []UnifiedSearchResult `json:"results"`
	PerSourceTiming   []SourceTiming        `json:"per_source_timing"`
	DuplicatesRemoved int                   `json:"duplicates_removed"`
	TookMs            int64                 `json:"took_ms"`
}
