package eligibility

import (
	"fmt"
	"strings"
	"time"

	"music-enrichment-pipeline/internal/models"
)

// Confidence tiers attached to a decision.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Decision is the outcome of an eligibility check. "Don't enrich" is a
// normal, successful decision, never an error.
type Decision struct {
	ShouldEnrich bool   `json:"should_enrich"`
	Reason       string `json:"reason"`
	Confidence   string `json:"confidence"`
}

// Policy is the pure, stateless decision function. Cooldown checks that
// need the audit trail live in Engine; everything here derives from the
// record alone.
type Policy struct {
	// LowQualityMaxAge is how stale LOW-quality data must be before a
	// refresh is worthwhile. Fresh low-quality data is left alone: if the
	// provider had nothing better recently, hammering it won't help.
	LowQualityMaxAge time.Duration
}

// Decide applies the stateless rules in order.
func (p Policy) Decide(record models.EnrichmentRecord, now time.Time) Decision {
	if record.EnrichmentStatus == models.EnrichInProgress {
		return Decision{ShouldEnrich: false, Reason: "enrichment already in progress", Confidence: ConfidenceHigh}
	}

	if record.LastEnriched == nil || record.EnrichmentStatus == "" || record.EnrichmentStatus == models.EnrichPending {
		return Decision{ShouldEnrich: true, Reason: "never enriched", Confidence: ConfidenceHigh}
	}

	if record.EnrichmentStatus == models.EnrichFailed {
		return Decision{ShouldEnrich: true, Reason: "previous attempt failed", Confidence: ConfidenceHigh}
	}

	if missing := record.MissingFields(); len(missing) > 0 {
		return Decision{
			ShouldEnrich: true,
			Reason:       fmt.Sprintf("missing fields: %s", strings.Join(missing, ", ")),
			Confidence:   ConfidenceHigh,
		}
	}

	maxAge := p.LowQualityMaxAge
	if maxAge == 0 {
		maxAge = 30 * 24 * time.Hour
	}
	if record.DataQuality == models.QualityLow && now.Sub(*record.LastEnriched) > maxAge {
		return Decision{ShouldEnrich: true, Reason: "low quality data is stale", Confidence: ConfidenceMedium}
	}

	return Decision{ShouldEnrich: false, Reason: "data is current", Confidence: ConfidenceHigh}
}
