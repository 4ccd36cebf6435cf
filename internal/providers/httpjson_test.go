package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSearchDecodesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "kind of blue" {
			t.Errorf("unexpected query %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"external_id": "mbid-1", "type": "album", "title": "Kind of Blue", "artist": "Miles Davis", "score": 0.97},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("musicbrainz", srv.URL, "tok", time.Second)
	results, err := p.Search(context.Background(), "kind of blue", "album", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ExternalID != "mbid-1" || results[0].Score != 0.97 {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestLookupDecodesSingleResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/artist/mbid-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"external_id": "mbid-1", "type": "artist", "title": "Miles Davis"})
	}))
	defer srv.Close()

	p := NewHTTPProvider("musicbrainz", srv.URL, "", time.Second)
	result, err := p.Lookup(context.Background(), "artist", "mbid-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if result.ExternalID != "mbid-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestStatusCodeClassification(t *testing.T) {
	cases := []struct {
		status    int
		header    http.Header
		wantCode  string
		retryable bool
	}{
		{status: http.StatusNotFound, wantCode: CodeNotFound, retryable: false},
		{status: http.StatusTooManyRequests, header: http.Header{"Retry-After": []string{"30"}}, wantCode: CodeRateLimited, retryable: true},
		{status: http.StatusUnauthorized, wantCode: CodeAuthError, retryable: false},
		{status: http.StatusForbidden, wantCode: CodeAuthError, retryable: false},
		{status: http.StatusBadRequest, wantCode: CodeMalformedRequest, retryable: false},
		{status: http.StatusInternalServerError, wantCode: CodeServiceUnavailable, retryable: true},
		{status: http.StatusBadGateway, wantCode: CodeServiceUnavailable, retryable: true},
		{status: http.StatusTeapot, wantCode: CodeUnknown, retryable: true},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, vs := range tc.header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(tc.status)
		}))

		p := NewHTTPProvider("test", srv.URL, "", time.Second)
		_, err := p.Search(context.Background(), "x", "album", 1)
		srv.Close()

		var perr *Error
		if !errors.As(err, &perr) {
			t.Fatalf("status %d: expected *Error, got %v", tc.status, err)
		}
		if perr.Code != tc.wantCode {
			t.Errorf("status %d: expected code %s, got %s", tc.status, tc.wantCode, perr.Code)
		}
		if perr.Retryable != tc.retryable {
			t.Errorf("status %d: expected retryable=%v", tc.status, tc.retryable)
		}
		if tc.status == http.StatusTooManyRequests && perr.RetryAfter != 30*time.Second {
			t.Errorf("expected Retry-After honored, got %v", perr.RetryAfter)
		}
	}
}

func TestTimeoutClassifiedRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTPProvider("slow", srv.URL, "", 20*time.Millisecond)
	_, err := p.Search(context.Background(), "x", "album", 1)

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Code != CodeTimeout || !perr.Retryable {
		t.Fatalf("expected retryable TIMEOUT, got %+v", perr)
	}
}

func TestClassifyPassthroughAndFallback(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Fatalf("nil error classified as %+v", got)
	}

	orig := NotFound("nope")
	if got := Classify(orig); got != orig {
		t.Fatalf("classified error not passed through: %+v", got)
	}

	got := Classify(context.DeadlineExceeded)
	if got.Code != CodeTimeout || !got.Retryable {
		t.Fatalf("deadline not classified as timeout: %+v", got)
	}

	got = Classify(errors.New("boom"))
	if got.Code != CodeUnknown || !got.Retryable {
		t.Fatalf("unknown error must be retryable: %+v", got)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NotFound("x")) {
		t.Fatal("NotFound not detected")
	}
	if IsNotFound(Unavailable("x", nil)) {
		t.Fatal("Unavailable misdetected as NotFound")
	}
	if IsNotFound(errors.New("plain")) {
		t.Fatal("plain error misdetected as NotFound")
	}
}

func TestRegistryOrderAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(NewHTTPProvider("musicbrainz", "http://mb", "", time.Second))
	r.Register(NewHTTPProvider("discogs", "http://dc", "", time.Second))
	r.Register(NewHTTPProvider("musicbrainz", "http://mb2", "", time.Second))

	names := r.Names()
	if len(names) != 2 || names[0] != "musicbrainz" || names[1] != "discogs" {
		t.Fatalf("unexpected names %v", names)
	}
	if r.Get("discogs") == nil {
		t.Fatal("discogs missing")
	}
	if r.Get("spotify") != nil {
		t.Fatal("unregistered provider returned")
	}
}
