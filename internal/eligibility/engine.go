package eligibility

import (
	"context"
	"fmt"
	"time"

	"music-enrichment-pipeline/internal/models"
)

// History exposes the slice of the audit trail the cooldown rules need.
type History interface {
	LastAttemptAt(ctx context.Context, entityType, entityID, status string) (*time.Time, error)
}

// Engine layers asynchronous cooldown checks over the pure Policy. With a
// nil History it degrades to the synchronous policy alone, which keeps the
// two layers separately testable.
type Engine struct {
	policy  Policy
	history History

	noDataCooldown time.Duration
	failedCooldown time.Duration
}

func NewEngine(policy Policy, history History, noDataCooldown, failedCooldown time.Duration) *Engine {
	if noDataCooldown == 0 {
		noDataCooldown = 90 * 24 * time.Hour
	}
	if failedCooldown == 0 {
		failedCooldown = 7 * 24 * time.Hour
	}
	return &Engine{
		policy:         policy,
		history:        history,
		noDataCooldown: noDataCooldown,
		failedCooldown: failedCooldown,
	}
}

// Decide runs the cooldown short-circuits, then falls through to the pure
// policy. The IN_PROGRESS check runs first in all cases: two simultaneous
// enrichments of one entity are never authorized.
func (e *Engine) Decide(ctx context.Context, record models.EnrichmentRecord, now time.Time) (Decision, error) {
	if record.EnrichmentStatus == models.EnrichInProgress {
		return Decision{ShouldEnrich: false, Reason: "enrichment already in progress", Confidence: ConfidenceHigh}, nil
	}

	if e.history != nil {
		noData, err := e.history.LastAttemptAt(ctx, record.EntityType, record.EntityID, models.EnrichNoDataAvailable)
		if err != nil {
			return Decision{}, fmt.Errorf("no-data cooldown lookup: %w", err)
		}
		if noData != nil && now.Sub(*noData) < e.noDataCooldown {
			return Decision{
				ShouldEnrich: false,
				Reason:       "provider confirmed no data within cooldown",
				Confidence:   ConfidenceHigh,
			}, nil
		}

		failed, err := e.history.LastAttemptAt(ctx, record.EntityType, record.EntityID, models.EnrichFailed)
		if err != nil {
			return Decision{}, fmt.Errorf("failure cooldown lookup: %w", err)
		}
		if failed != nil && now.Sub(*failed) < e.failedCooldown {
			return Decision{
				ShouldEnrich: false,
				Reason:       "recent failed attempt within cooldown",
				Confidence:   ConfidenceHigh,
			}, nil
		}
	}

	return e.policy.Decide(record, now), nil
}
