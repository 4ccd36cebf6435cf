package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/providers"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		exp := base * time.Duration(1<<(attempt-1))
		if exp > max {
			exp = max
		}
		for i := 0; i < 20; i++ {
			wait := backoffWithJitter(base, max, attempt)
			if wait < exp/2 || wait > exp {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, wait, exp/2, exp)
			}
		}
	}

	if got := backoffWithJitter(base, max, 0); got != base {
		t.Fatalf("attempt 0 should return base, got %v", got)
	}
}

type stubProvider struct {
	name       string
	searchHits []providers.Result
	searchErr  error
	lookupHit  *providers.Result
	lookupErr  error
	// captured
	lastQuery string
	lastID    string
	calls     int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Search(_ context.Context, query, _ string, _ int) ([]providers.Result, error) {
	s.calls++
	s.lastQuery = query
	return s.searchHits, s.searchErr
}

func (s *stubProvider) Lookup(_ context.Context, _, externalID string) (*providers.Result, error) {
	s.calls++
	s.lastID = externalID
	return s.lookupHit, s.lookupErr
}

func (s *stubProvider) Browse(_ context.Context, _ string, _, _ int) ([]providers.Result, error) {
	s.calls++
	return s.searchHits, s.searchErr
}

func TestSearchHandlerReturnsHits(t *testing.T) {
	p := &stubProvider{
		name: "musicbrainz",
		searchHits: []providers.Result{
			{ExternalID: "mbid-1", Title: "Kind of Blue", Score: 0.9},
		},
	}
	h := NewSearchHandler(p)

	job := models.Job{
		Type:    models.JobSearchByName,
		Payload: map[string]any{"query": "kind of blue", "entity_type": "album", "limit": float64(5)},
	}
	data, err := h.Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	results, ok := data["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("unexpected results payload: %+v", data)
	}
	if p.lastQuery != "kind of blue" {
		t.Fatalf("query not forwarded: %q", p.lastQuery)
	}
}

func TestSearchHandlerNotFoundIsEmpty(t *testing.T) {
	p := &stubProvider{name: "musicbrainz", searchErr: providers.NotFound("nothing")}
	h := NewSearchHandler(p)

	data, err := h.Handle(context.Background(), models.Job{
		Payload: map[string]any{"query": "obscure"},
	})
	if err != nil {
		t.Fatalf("NotFound must not fail the job: %v", err)
	}
	if results := data["results"].([]any); len(results) != 0 {
		t.Fatalf("expected empty results, got %v", results)
	}
}

func TestSearchHandlerRequiresQuery(t *testing.T) {
	h := NewSearchHandler(&stubProvider{name: "musicbrainz"})

	_, err := h.Handle(context.Background(), models.Job{Payload: map[string]any{}})
	var perr *providers.Error
	if !errors.As(err, &perr) || perr.Code != providers.CodeMalformedRequest {
		t.Fatalf("expected MALFORMED_REQUEST, got %v", err)
	}
}

func TestSearchHandlerPropagatesRetryable(t *testing.T) {
	p := &stubProvider{name: "musicbrainz", searchErr: providers.Unavailable("down", nil)}
	h := NewSearchHandler(p)

	_, err := h.Handle(context.Background(), models.Job{Payload: map[string]any{"query": "x"}})
	perr := providers.Classify(err)
	if perr.Code != providers.CodeServiceUnavailable || !perr.Retryable {
		t.Fatalf("expected retryable SERVICE_UNAVAILABLE, got %+v", perr)
	}
}

func TestMergeHitFillsOnlyEmptyFields(t *testing.T) {
	release := time.Date(1959, 8, 17, 0, 0, 0, 0, time.UTC)
	record := models.EnrichmentRecord{
		EntityType: models.EntityAlbum,
		EntityID:   "album-1",
		Name:       "Kind of Blue",
	}
	hit := &providers.Result{
		ExternalID:  "mbid-1",
		Title:       "Kind Of Blue (Legacy Edition)",
		Artist:      "Miles Davis",
		ReleaseDate: &release,
		ImageURL:    "https://img.example.com/cover.png",
	}

	fields := mergeHit(&record, "musicbrainz", hit)

	if record.Name != "Kind of Blue" {
		t.Fatalf("existing name overwritten: %q", record.Name)
	}
	if record.Artist != "Miles Davis" || record.ReleaseDate == nil || record.ImageURL == "" {
		t.Fatalf("empty fields not filled: %+v", record)
	}
	if record.ExternalIDs["musicbrainz"] != "mbid-1" {
		t.Fatalf("external id not recorded: %+v", record.ExternalIDs)
	}
	for _, f := range fields {
		if f == "name" {
			t.Fatalf("name reported as changed: %v", fields)
		}
	}
	if !containsField(fields, "image") || !containsField(fields, "external id") {
		t.Fatalf("changed fields missing from report: %v", fields)
	}
}

func TestQualityForGradesCompleteness(t *testing.T) {
	release := time.Date(1959, 8, 17, 0, 0, 0, 0, time.UTC)

	full := models.EnrichmentRecord{
		EntityType:  models.EntityAlbum,
		ExternalIDs: map[string]string{"musicbrainz": "mbid-1"},
		ReleaseDate: &release,
		ImageURL:    "https://img",
	}
	if got := qualityFor(full); got != models.QualityHigh {
		t.Fatalf("expected HIGH, got %s", got)
	}

	oneMissing := full
	oneMissing.ImageURL = ""
	if got := qualityFor(oneMissing); got != models.QualityMedium {
		t.Fatalf("expected MEDIUM, got %s", got)
	}

	bare := models.EnrichmentRecord{EntityType: models.EntityAlbum}
	if got := qualityFor(bare); got != models.QualityLow {
		t.Fatalf("expected LOW, got %s", got)
	}
}

func TestIntFromPayload(t *testing.T) {
	payload := map[string]any{
		"float": float64(7),
		"int":   3,
		"str":   "nope",
	}
	if got := intFromPayload(payload, "float", 1); got != 7 {
		t.Fatalf("float: got %d", got)
	}
	if got := intFromPayload(payload, "int", 1); got != 3 {
		t.Fatalf("int: got %d", got)
	}
	if got := intFromPayload(payload, "str", 9); got != 9 {
		t.Fatalf("non-numeric should fall back, got %d", got)
	}
	if got := intFromPayload(payload, "missing", 4); got != 4 {
		t.Fatalf("missing key should fall back, got %d", got)
	}
}
