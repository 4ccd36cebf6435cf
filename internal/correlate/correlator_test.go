package correlate

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"music-enrichment-pipeline/internal/models"
)

func newTestCorrelator(t *testing.T) (*Correlator, *Publisher) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewCorrelator(context.Background(), client)
	t.Cleanup(func() { c.Close() })
	return c, NewPublisher(client)
}

func TestAwaitReceivesPublishedResult(t *testing.T) {
	ctx := context.Background()
	c, pub := newTestCorrelator(t)

	if err := c.Register("job-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	want := models.JobResult{
		JobID:   "job-1",
		Success: true,
		Data:    map[string]any{"name": "Kind of Blue"},
	}

	done := make(chan error, 1)
	go func() {
		// Publish after Await is in flight; the buffered waiter channel
		// also covers the publish-first ordering.
		time.Sleep(50 * time.Millisecond)
		done <- pub.Publish(ctx, "musicbrainz", want)
	}()

	got, err := c.Await(ctx, "job-1", 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got.JobID != want.JobID || !got.Success {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Data["name"] != "Kind of Blue" {
		t.Fatalf("unexpected payload: %+v", got.Data)
	}
	if err := <-done; err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestAwaitTimesOutAndPurges(t *testing.T) {
	ctx := context.Background()
	c, pub := newTestCorrelator(t)

	if err := c.Register("job-2"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := c.Await(ctx, "job-2", 50*time.Millisecond)
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}

	// The slot must be free again after the timeout purge.
	if err := c.Register("job-2"); err != nil {
		t.Fatalf("re-register after timeout: %v", err)
	}

	// A late event for a purged wait is dropped without error.
	if err := pub.Publish(ctx, "discogs", models.JobResult{JobID: "gone"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestSecondRegisterRejected(t *testing.T) {
	c, _ := newTestCorrelator(t)

	if err := c.Register("job-3"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Register("job-3"); !errors.Is(err, ErrAlreadyAwaited) {
		t.Fatalf("expected ErrAlreadyAwaited, got %v", err)
	}

	c.Forget("job-3")
	if err := c.Register("job-3"); err != nil {
		t.Fatalf("register after forget: %v", err)
	}
}

func TestAwaitWithoutRegisterFails(t *testing.T) {
	c, _ := newTestCorrelator(t)

	_, err := c.Await(context.Background(), "never-registered", time.Second)
	if err == nil {
		t.Fatal("expected error for unregistered job id")
	}
}

func TestResultsRouteToMatchingWaiter(t *testing.T) {
	ctx := context.Background()
	c, pub := newTestCorrelator(t)

	for _, id := range []string{"job-a", "job-b"} {
		if err := c.Register(id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = pub.Publish(ctx, "musicbrainz", models.JobResult{JobID: "job-b", Success: true})
		_ = pub.Publish(ctx, "discogs", models.JobResult{JobID: "job-a", Success: false, Error: &models.JobError{Code: "TIMEOUT"}})
	}()

	resB, err := c.Await(ctx, "job-b", 5*time.Second)
	if err != nil {
		t.Fatalf("await job-b: %v", err)
	}
	if !resB.Success {
		t.Fatalf("job-b should succeed: %+v", resB)
	}

	resA, err := c.Await(ctx, "job-a", 5*time.Second)
	if err != nil {
		t.Fatalf("await job-a: %v", err)
	}
	if resA.Success || resA.Error == nil || resA.Error.Code != "TIMEOUT" {
		t.Fatalf("job-a should carry the failure: %+v", resA)
	}
}

func TestAwaitHonorsContextCancel(t *testing.T) {
	c, _ := newTestCorrelator(t)

	if err := c.Register("job-4"); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := c.Await(ctx, "job-4", 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
