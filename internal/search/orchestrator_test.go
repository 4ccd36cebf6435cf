package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"music-enrichment-pipeline/internal/models"
)

type fakeLocal struct {
	results []models.UnifiedSearchResult
	err     error
	delay   time.Duration
}

func (f *fakeLocal) SearchLocal(ctx context.Context, _ string, _ []string, _ int) ([]models.UnifiedSearchResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.results, f.err
}

type fakeProviders struct {
	byProvider map[string][]models.UnifiedSearchResult
	errs       map[string]error
}

func (f *fakeProviders) SearchProvider(_ context.Context, provider, _ string, _ []string, _ int) ([]models.UnifiedSearchResult, error) {
	if err := f.errs[provider]; err != nil {
		return nil, err
	}
	return f.byProvider[provider], nil
}

func hit(id, source string, score float64) models.UnifiedSearchResult {
	return models.UnifiedSearchResult{
		ID:             id,
		Title:          id,
		Source:         source,
		RelevanceScore: score,
		SourceMarkers:  map[string]string{source: id},
	}
}

func TestSearchFansOutToAllSources(t *testing.T) {
	local := &fakeLocal{results: []models.UnifiedSearchResult{hit("l1", models.SourceLocal, 0.9)}}
	providers := &fakeProviders{byProvider: map[string][]models.UnifiedSearchResult{
		"musicbrainz": {hit("m1", "musicbrainz", 0.8)},
		"discogs":     {hit("d1", "discogs", 0.7)},
	}}

	o := NewOrchestrator(local, providers, []string{"musicbrainz", "discogs"}, time.Second, 20)
	resp := o.Search(context.Background(), Request{Query: "blue"})

	assert.Len(t, resp.Results, 3)
	assert.Len(t, resp.PerSourceTiming, 3)
	assert.Zero(t, resp.DuplicatesRemoved)
	// Ranked by relevance, local entry first here.
	assert.Equal(t, "l1", resp.Results[0].ID)
}

func TestSearchPartialFailureStillAnswers(t *testing.T) {
	local := &fakeLocal{results: []models.UnifiedSearchResult{hit("l1", models.SourceLocal, 0.9)}}
	providers := &fakeProviders{
		byProvider: map[string][]models.UnifiedSearchResult{
			"discogs": {hit("d1", "discogs", 0.7)},
		},
		errs: map[string]error{"musicbrainz": errors.New("provider down")},
	}

	o := NewOrchestrator(local, providers, []string{"musicbrainz", "discogs"}, time.Second, 20)
	resp := o.Search(context.Background(), Request{Query: "blue"})

	assert.Len(t, resp.Results, 2, "failed source contributes nothing, others survive")

	var failed *models.SourceTiming
	for i := range resp.PerSourceTiming {
		if resp.PerSourceTiming[i].Source == "musicbrainz" {
			failed = &resp.PerSourceTiming[i]
		}
	}
	if assert.NotNil(t, failed) {
		assert.Equal(t, "provider down", failed.Error)
		assert.Zero(t, failed.Count)
	}
}

func TestSearchAllSourcesFailingYieldsEmpty(t *testing.T) {
	local := &fakeLocal{err: errors.New("db down")}
	providers := &fakeProviders{errs: map[string]error{"musicbrainz": errors.New("down")}}

	o := NewOrchestrator(local, providers, []string{"musicbrainz"}, time.Second, 20)
	resp := o.Search(context.Background(), Request{Query: "blue"})

	assert.Empty(t, resp.Results)
	assert.Len(t, resp.PerSourceTiming, 2)
	for _, timing := range resp.PerSourceTiming {
		assert.NotEmpty(t, timing.Error)
	}
}

func TestSearchRespectsRequestedSources(t *testing.T) {
	local := &fakeLocal{results: []models.UnifiedSearchResult{hit("l1", models.SourceLocal, 0.9)}}
	providers := &fakeProviders{byProvider: map[string][]models.UnifiedSearchResult{
		"musicbrainz": {hit("m1", "musicbrainz", 0.8)},
	}}

	o := NewOrchestrator(local, providers, []string{"musicbrainz", "discogs"}, time.Second, 20)
	resp := o.Search(context.Background(), Request{Query: "blue", Sources: []string{"musicbrainz"}})

	assert.Len(t, resp.Results, 1)
	assert.Equal(t, "m1", resp.Results[0].ID)
	assert.Len(t, resp.PerSourceTiming, 1)
}

func TestSearchDeduplicatesAcrossSources(t *testing.T) {
	shared := map[string]string{"musicbrainz": "mbid-abc"}
	local := &fakeLocal{results: []models.UnifiedSearchResult{{
		ID: "local-1", Title: "Kind of Blue", Source: models.SourceLocal,
		RelevanceScore: 0.5, SourceMarkers: shared,
	}}}
	providers := &fakeProviders{byProvider: map[string][]models.UnifiedSearchResult{
		"musicbrainz": {{
			ID: "ext-1", Title: "Kind of Blue", Source: "musicbrainz",
			RelevanceScore: 0.95, SourceMarkers: shared,
		}},
	}}

	o := NewOrchestrator(local, providers, []string{"musicbrainz"}, time.Second, 20)
	resp := o.Search(context.Background(), Request{Query: "kind of blue"})

	assert.Len(t, resp.Results, 1)
	assert.Equal(t, 1, resp.DuplicatesRemoved)
	assert.Equal(t, "local-1", resp.Results[0].ID)
}

func TestSearchTruncatesToLimit(t *testing.T) {
	providers := &fakeProviders{byProvider: map[string][]models.UnifiedSearchResult{
		"musicbrainz": {
			hit("m1", "musicbrainz", 0.9),
			hit("m2", "musicbrainz", 0.8),
			hit("m3", "musicbrainz", 0.7),
		},
	}}

	o := NewOrchestrator(&fakeLocal{}, providers, []string{"musicbrainz"}, time.Second, 20)
	resp := o.Search(context.Background(), Request{Query: "blue", Sources: []string{"musicbrainz"}, Limit: 2})

	assert.Len(t, resp.Results, 2)
	assert.Equal(t, "m1", resp.Results[0].ID)
	assert.Equal(t, "m2", resp.Results[1].ID)
}

func TestSearchSlowSourceHitsTimeout(t *testing.T) {
	local := &fakeLocal{delay: 500 * time.Millisecond}
	providers := &fakeProviders{byProvider: map[string][]models.UnifiedSearchResult{
		"musicbrainz": {hit("m1", "musicbrainz", 0.8)},
	}}

	o := NewOrchestrator(local, providers, []string{"musicbrainz"}, 50*time.Millisecond, 20)
	resp := o.Search(context.Background(), Request{Query: "blue"})

	assert.Len(t, resp.Results, 1)
	assert.Equal(t, "m1", resp.Results[0].ID)
	for _, timing := range resp.PerSourceTiming {
		if timing.Source == models.SourceLocal {
			assert.NotEmpty(t, timing.Error)
		}
	}
}
