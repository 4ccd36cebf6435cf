package search

import (
	"strings"

	"music-enrichment-pipeline/internal/models"
)

// Fuse deduplicates concatenated sub-search results. The dedup key is the
// first available of: an exact external identifier (any source marker),
// falling back to a normalized artist:title composite. On collision a
// single winner survives, chosen by precedence; order of first appearance
// is otherwise preserved.
func Fuse(results []models.UnifiedSearchResult) ([]models.UnifiedSearchResult, int) {
	type slot struct {
		index int
	}
	byKey := make(map[string]slot)
	var fused []models.UnifiedSearchResult
	removed := 0

	for _, r := range results {
		keys := dedupKeys(r)
		winnerAt := -1
		for _, key := range keys {
			if s, ok := byKey[key]; ok {
				winnerAt = s.index
				break
			}
		}

		if winnerAt == -1 {
			fused = append(fused, r)
			for _, key := range keys {
				byKey[key] = slot{index: len(fused) - 1}
			}
			continue
		}

		removed++
		winner := prefer(fused[winnerAt], r)
		fused[winnerAt] = winner
		// A merged entry answers to every key either candidate carried.
		for _, key := range keys {
			byKey[key] = slot{index: winnerAt}
		}
	}
	return fused, removed
}

// dedupKeys derives identity keys for one result: one per external
// marker, plus the composite fallback when no marker exists.
func dedupKeys(r models.UnifiedSearchResult) []string {
	var keys []string
	for provider, id := range r.SourceMarkers {
		if id != "" {
			keys = append(keys, "ext:"+provider+":"+id)
		}
	}
	if len(keys) == 0 {
		keys = append(keys, "name:"+normalizeKey(r.Artist)+":"+normalizeKey(r.Title))
	}
	return keys
}

// prefer picks the surviving record for a key collision. A locally-stored
// record always beats an external one (already vetted, richer links);
// between externals richness wins: image, then track listings, then a
// known release date, then the provider's own relevance score. Ties keep
// the first-seen.
func prefer(a, b models.UnifiedSearchResult) models.UnifiedSearchResult {
	aLocal := a.Source == models.SourceLocal
	bLocal := b.Source == models.SourceLocal
	if aLocal != bLocal {
		if aLocal {
			return a
		}
		return b
	}

	if (a.Image != "") != (b.Image != "") {
		if a.Image != "" {
			return a
		}
		return b
	}
	if (a.TrackCount > 0) != (b.TrackCount > 0) {
		if a.TrackCount > 0 {
			return a
		}
		return b
	}
	if (a.ReleaseDate != nil) != (b.ReleaseDate != nil) {
		if a.ReleaseDate != nil {
			return a
		}
		return b
	}
	if b.RelevanceScore > a.RelevanceScore {
		return b
	}
	return a
}

// normalizeKey lowercases and collapses whitespace so near-identical
// titles from different providers land on the same composite key.
func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
