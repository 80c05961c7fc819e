package retrieval

import (
	"context"
	"time"
)

// Result is the unit returned by one backend call. Owned transiently by the
// aggregator, never mutated after creation.
type Result struct {
	URL       string                 `json:"url"`
	Payload   map[string]interface{} `json:"payload"`
	Name      string                 `json:"name"`
	Site      string                 `json:"site"`
	BackendID string                 `json:"backend_id"`
}

// Document is the unit accepted by the write backend.
type Document struct {
	URL        string                 `json:"url"`
	Site       string                 `json:"site"`
	Name       string                 `json:"name"`
	SchemaType string                 `json:"schema_type"`
	Text       string                 `json:"text"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	IngestedAt time.Time              `json:"ingested_at"`
}

// Backend is the retrieval capability contract. Implementations are pluggable;
// the aggregator depends only on this interface.
type Backend interface {
	ID() string

	// Search returns candidates for a query scoped to one site.
	Search(ctx context.Context, query, site string, limit int) ([]Result, error)

	// SearchAllSites returns candidates across every site the backend holds.
	SearchAllSites(ctx context.Context, query string, limit int) ([]Result, error)

	// SearchByURL returns the stored record for an exact URL, or nil when the
	// backend has never seen it.
	SearchByURL(ctx context.Context, url string) (*Result, error)

	// Sites lists the site identifiers the backend can serve.
	Sites(ctx context.Context) ([]string, error)
}

// WriteBackend extends Backend with index maintenance. Exactly one backend per
// deployment is write-capable.
type WriteBackend interface {
	Backend
	Index(ctx context.Context, docs []Document) error
	DeleteByURL(ctx context.Context, url string) error

	// URLs enumerates every document URL currently indexed.
	URLs(ctx context.Context) ([]string, error)
}
