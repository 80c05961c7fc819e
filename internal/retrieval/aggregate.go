package retrieval

import (
	"context"
	"errors"
	"log"

	"github.com/sitequery/sitequery/internal/scatter"
)

// ErrNoBackendAvailable distinguishes "every backend failed" from an empty
// result set, so the coordinator can report "no sources" instead of an
// internal fault.
var ErrNoBackendAvailable = errors.New("no retrieval backend succeeded")

// Aggregated is one merged record keyed by URL. For a fixed query and fixed
// set of backend responses the merge is deterministic regardless of the order
// in which concurrent backend calls complete.
type Aggregated struct {
	URL      string                 `json:"url"`
	Merged   map[string]interface{} `json:"merged"`
	Name     string                 `json:"name"`
	Site     string                 `json:"site"`
	Backends []string               `json:"backends"`
}

// Aggregator fans a query out to every enabled backend and merges the
// responses by URL.
type Aggregator struct {
	registry *Registry
	pool     *scatter.Pool
	logger   *log.Logger
}

// NewAggregator wires the aggregator to the registry and the shared worker pool.
func NewAggregator(registry *Registry, pool *scatter.Pool) *Aggregator {
	return &Aggregator{
		registry: registry,
		pool:     pool,
		logger:   log.New(log.Writer(), "[AGGREGATE] ", log.LstdFlags),
	}
}

// backendCall is one scatter task: a backend paired with one site from the scope.
type backendCall struct {
	entry Entry
	site  string
}

// Aggregate issues concurrent searches to all enabled backends, waits for
// completion or the ctx deadline (whichever first), and merges by URL.
// Partial completions are used as-is; a slow backend never blocks the rest.
// Returns ErrNoBackendAvailable only when every single call failed.
func (a *Aggregator) Aggregate(ctx context.Context, query string, sites []string, limit int) ([]Aggregated, error) {
	if len(sites) == 0 {
		sites = []string{"all"}
	}
	var calls []backendCall
	for _, e := range a.registry.ReadBackends() {
		for _, site := range sites {
			calls = append(calls, backendCall{entry: e, site: site})
		}
	}
	if len(calls) == 0 {
		return nil, ErrNoBackendAvailable
	}

	outcomes := scatter.Gather(ctx, a.pool, len(calls), func(ctx context.Context, i int) ([]Result, error) {
		c := calls[i]
		return a.registry.search(ctx, c.entry, query, c.site, limit)
	})

	// Merge in task index order, never completion order: calls were built by
	// walking backends in priority order, which keeps the merge deterministic.
	failures := 0
	merged := make(map[string]*Aggregated)
	var order []string
	for _, o := range outcomes {
		if o.Err != nil {
			failures++
			continue
		}
		for _, res := range o.Value {
			if res.URL == "" {
				continue
			}
			agg, ok := merged[res.URL]
			if !ok {
				agg = &Aggregated{
					URL:    res.URL,
					Merged: map[string]interface{}{},
					Name:   res.Name,
					Site:   res.Site,
				}
				merged[res.URL] = agg
				order = append(order, res.URL)
			}
			// First writer wins per key: backends are visited highest priority
			// first, so an existing value always came from an equal-or-higher
			// priority backend. Re-delivering the same payload is a no-op.
			for k, v := range res.Payload {
				if _, exists := agg.Merged[k]; !exists {
					agg.Merged[k] = v
				}
			}
			if agg.Name == "" {
				agg.Name = res.Name
			}
			if agg.Site == "" {
				agg.Site = res.Site
			}
			if !contains(agg.Backends, res.BackendID) {
				agg.Backends = append(agg.Backends, res.BackendID)
			}
		}
	}

	if failures == len(calls) {
		return nil, ErrNoBackendAvailable
	}

	out := make([]Aggregated, 0, len(order))
	for _, url := range order {
		out = append(out, *merged[url])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	a.logger.Printf("aggregated %d results from %d calls (%d failed) for %q", len(out), len(calls), failures, query)
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
