package worker

import (
	"context"

	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/providers"
)

// SearchHandler executes search-by-name jobs on behalf of the search
// orchestrator, so external search traffic flows through the same
// rate-limited queue as enrichment. NotFound from the provider is an
// empty result set, not a failure.
type SearchHandler struct {
	provider providers.Provider
}

func NewSearchHandler(p providers.Provider) *SearchHandler {
	return &SearchHandler{provider: p}
}

func (h *SearchHandler) Handle(ctx context.Context, job models.Job) (map[string]any, error) {
	query, _ := job.Payload["query"].(string)
	if query == "" {
		return nil, providers.Malformed("search job requires a query")
	}
	entityType, _ := job.Payload["entity_type"].(string)
	limit := intFromPayload(job.Payload, "limit", 20)

	hits, err := h.provider.Search(ctx, query, entityType, limit)
	if providers.IsNotFound(err) {
		hits = nil
	} else if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(hits))
	for _, hit := range hits {
		out = append(out, hit)
	}
	return map[string]any{"results": out}, nil
}

func intFromPayload(payload map[string]any, key string, def int) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}
