package providers

import (
	"context"
	"time"
)

// Result is one metadata hit returned by a provider. ExternalID and
// CatalogURI feed deduplication markers; the rest feeds enrichment
// write-back and search fusion.
type Result struct {
	ExternalID  string     `json:"external_id"`
	CatalogURI  string     `json:"catalog_uri,omitempty"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Artist      string     `json:"artist,omitempty"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Biography   string     `json:"biography,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	TrackCount  int        `json:"track_count,omitempty"`
	Score       float64    `json:"score"`
}

// Provider is the interface boundary to one external metadata source.
// Implementations own auth and endpoint shapes; the pipeline only sees the
// operations, the timeout, and the error taxonomy. Every call counts one
// request against the provider's rate budget.
type Provider interface {
	Name() string
	Search(ctx context.Context, query, entityType string, limit int) ([]Result, error)
	Lookup(ctx context.Context, entityType, externalID string) (*Result, error)
	Browse(ctx context.Context, entityType string, offset, limit int) ([]Result, error)
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any previous one with the same name.
func (r *Registry) Register(p Provider) {
	name := p.Name()
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

// Get returns the named provider, or nil if unconfigured.
func (r *Registry) Get(name string) Provider {
	return r.providers[name]
}

// Names lists registered providers in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
