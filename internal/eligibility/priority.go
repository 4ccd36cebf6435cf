package eligibility

// Enrichment trigger sources, in decreasing urgency. Lower job priority
// numbers dispatch sooner, so urgent sources subtract from the base tier.
const (
	SourceUserAction = "user-action"
	SourceSearch     = "search"
	SourceBackground = "background"
)

// Priority maps a trigger source and an explicit priority tier onto the
// 0..10 queue priority. Direct user actions jump two tiers and
// search-triggered enrichments one; background discovery keeps its tier.
// User-facing latency matters more than background completeness.
func Priority(source string, explicit int) int {
	p := explicit
	switch source {
	case SourceUserAction:
		p -= 2
	case SourceSearch:
		p -= 1
	}
	if p < 0 {
		p = 0
	}
	if p > 10 {
		p = 10
	}
	return p
}
