package eligibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"music-enrichment-pipeline/internal/models"
)

// completeArtist returns a record with every field the policy checks
// populated, so individual tests can blank out exactly one of them.
func completeArtist(lastEnriched time.Time) models.EnrichmentRecord {
	return models.EnrichmentRecord{
		EntityType:       models.EntityArtist,
		EntityID:         "artist-1",
		EnrichmentStatus: models.EnrichCompleted,
		DataQuality:      models.QualityHigh,
		LastEnriched:     &lastEnriched,
		ExternalIDs:      map[string]string{"musicbrainz": "mbid-123"},
		Biography:        "Trumpeter and bandleader.",
		ImageURL:         "https://img.example.com/artist-1.png",
		Name:             "Miles Davis",
	}
}

func TestDecideNeverEnriched(t *testing.T) {
	now := time.Now()
	p := Policy{}

	d := p.Decide(models.EnrichmentRecord{EntityType: models.EntityArtist, EntityID: "a"}, now)
	assert.True(t, d.ShouldEnrich)
	assert.Equal(t, "never enriched", d.Reason)
	assert.Equal(t, ConfidenceHigh, d.Confidence)

	pending := completeArtist(now.Add(-time.Hour))
	pending.EnrichmentStatus = models.EnrichPending
	d = p.Decide(pending, now)
	assert.True(t, d.ShouldEnrich, "PENDING counts as never enriched")
}

func TestDecideInProgressBlocks(t *testing.T) {
	now := time.Now()
	rec := completeArtist(now.Add(-time.Hour))
	rec.EnrichmentStatus = models.EnrichInProgress
	// Blank a field too: IN_PROGRESS must win over every yes rule.
	rec.Biography = ""

	d := Policy{}.Decide(rec, now)
	assert.False(t, d.ShouldEnrich)
	assert.Equal(t, "enrichment already in progress", d.Reason)
}

func TestDecideFailedRetries(t *testing.T) {
	now := time.Now()
	rec := completeArtist(now.Add(-time.Hour))
	rec.EnrichmentStatus = models.EnrichFailed

	d := Policy{}.Decide(rec, now)
	assert.True(t, d.ShouldEnrich)
	assert.Equal(t, "previous attempt failed", d.Reason)
}

func TestDecideMissingFields(t *testing.T) {
	now := time.Now()

	rec := completeArtist(now.Add(-time.Hour))
	rec.Biography = ""
	d := Policy{}.Decide(rec, now)
	assert.True(t, d.ShouldEnrich)
	assert.Contains(t, d.Reason, "biography")

	release := now.AddDate(-30, 0, 0)
	album := models.EnrichmentRecord{
		EntityType:       models.EntityAlbum,
		EntityID:         "album-1",
		EnrichmentStatus: models.EnrichCompleted,
		DataQuality:      models.QualityHigh,
		LastEnriched:     &now,
		ExternalIDs:      map[string]string{"discogs": "123"},
		ReleaseDate:      &release,
	}
	d = Policy{}.Decide(album, now)
	assert.True(t, d.ShouldEnrich)
	assert.Contains(t, d.Reason, "image")
}

func TestDecideLowQualityStaleness(t *testing.T) {
	now := time.Now()
	p := Policy{LowQualityMaxAge: 30 * 24 * time.Hour}

	fresh := completeArtist(now.Add(-24 * time.Hour))
	fresh.DataQuality = models.QualityLow
	d := p.Decide(fresh, now)
	assert.False(t, d.ShouldEnrich, "fresh low-quality data stays put")

	stale := completeArtist(now.Add(-31 * 24 * time.Hour))
	stale.DataQuality = models.QualityLow
	d = p.Decide(stale, now)
	assert.True(t, d.ShouldEnrich)
	assert.Equal(t, "low quality data is stale", d.Reason)
	assert.Equal(t, ConfidenceMedium, d.Confidence)
}

func TestDecideCurrentDataDeclines(t *testing.T) {
	now := time.Now()
	rec := completeArtist(now.Add(-24 * time.Hour))

	d := Policy{}.Decide(rec, now)
	assert.False(t, d.ShouldEnrich)
	assert.Equal(t, "data is current", d.Reason)
	assert.Equal(t, ConfidenceHigh, d.Confidence)
}
