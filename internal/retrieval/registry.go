package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/sitequery/sitequery/internal/telemetry"
)

// ErrConfiguration marks fatal registry misconfiguration detected at startup.
var ErrConfiguration = errors.New("backend configuration invalid")

// Entry pairs a live backend handle with its registry settings.
type Entry struct {
	Backend  Backend
	Priority int
	Timeout  time.Duration
	Write    bool
}

// Registry holds live handles for every enabled retrieval backend and exactly
// one write-capable backend. Read-only after construction, safe for
// unsynchronized concurrent reads.
type Registry struct {
	entries []Entry // sorted by priority descending, declaration order breaks ties
	write   WriteBackend
	logger  *log.Logger
}

// NewRegistry validates the entry set and fixes the merge priority order.
// Exactly one entry must be write-capable and implement WriteBackend.
func NewRegistry(entries []Entry) (*Registry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no backends configured", ErrConfiguration)
	}
	var write WriteBackend
	writes := 0
	for _, e := range entries {
		if e.Backend == nil {
			return nil, fmt.Errorf("%w: nil backend handle", ErrConfiguration)
		}
		if e.Write {
			writes++
			wb, ok := e.Backend.(WriteBackend)
			if !ok {
				return nil, fmt.Errorf("%w: backend %s marked write but is read-only", ErrConfiguration, e.Backend.ID())
			}
			write = wb
		}
	}
	if writes != 1 {
		return nil, fmt.Errorf("%w: exactly one write backend required, got %d", ErrConfiguration, writes)
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	return &Registry{
		entries: sorted,
		write:   write,
		logger:  log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags),
	}, nil
}

// ReadBackends returns the enabled backends in merge priority order.
func (r *Registry) ReadBackends() []Entry {
	return r.entries
}

// WriteBackend returns the single write-capable backend.
func (r *Registry) WriteBackend() WriteBackend {
	return r.write
}

// Sites returns the union of site identifiers across all backends.
func (r *Registry) Sites(ctx context.Context) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range r.entries {
		sites, err := e.Backend.Sites(ctx)
		if err != nil {
			r.logger.Printf("backend %s: listing sites failed: %v", e.Backend.ID(), err)
			continue
		}
		for _, s := range sites {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Lookup returns the highest-priority backend's stored record for an
// exact URL, or nil when no backend has seen it. Backend failures are
// logged and skipped, matching the aggregation policy.
func (r *Registry) Lookup(ctx context.Context, url string) *Result {
	for _, e := range r.entries {
		callCtx := ctx
		if e.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.Timeout)
			defer cancel()
		}
		res, err := e.Backend.SearchByURL(callCtx, url)
		if err != nil {
			telemetry.BackendFailures.WithLabelValues(e.Backend.ID()).Inc()
			r.logger.Printf("backend %s: lookup %s failed: %v", e.Backend.ID(), url, err)
			continue
		}
		if res != nil {
			res.BackendID = e.Backend.ID()
			return res
		}
	}
	return nil
}

// search runs one backend call under its per-backend timeout. A timeout or
// backend error is logged and counted here; the caller decides whether the
// failure matters (it only does when every backend fails).
func (r *Registry) search(ctx context.Context, e Entry, query, site string, limit int) ([]Result, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	start := time.Now()
	var (
		results []Result
		err     error
	)
	if site == "" || site == "all" {
		results, err = e.Backend.SearchAllSites(ctx, query, limit)
	} else {
		results, err = e.Backend.Search(ctx, query, site, limit)
	}
	telemetry.BackendSearchDuration.WithLabelValues(e.Backend.ID()).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.BackendFailures.WithLabelValues(e.Backend.ID()).Inc()
		r.logger.Printf("backend %s failed for site %q: %v", e.Backend.ID(), site, err)
		return nil, err
	}
	for i := range results {
		results[i].BackendID = e.Backend.ID()
	}
	return results, nil
}
