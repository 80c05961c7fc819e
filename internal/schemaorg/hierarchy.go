package schemaorg

import (
	"fmt"
	"sort"
)

// defaultParents is a small schema.org subset covering the item types the
// retrieval backends index. Deployments extend it through config.
var defaultParents = map[string][]string{
	"CreativeWork":  {"Thing"},
	"Article":       {"CreativeWork"},
	"NewsArticle":   {"Article"},
	"Recipe":        {"CreativeWork"},
	"Movie":         {"CreativeWork"},
	"TVSeries":      {"CreativeWork"},
	"Podcast":       {"CreativeWork"},
	"Product":       {"Thing"},
	"Offer":         {"Thing"},
	"Event":         {"Thing"},
	"Place":         {"Thing"},
	"LocalBusiness": {"Place"},
	"Restaurant":    {"LocalBusiness"},
	"RealEstateListing": {"CreativeWork"},
	"Item":          {"Thing"},
}

// Hierarchy is a static directed acyclic ancestor map over schema types.
// Built once at startup and read-only thereafter, so concurrent lookups need
// no synchronization.
type Hierarchy struct {
	parents   map[string][]string
	ancestors map[string][]string // memoized transitive closure, includes self
}

// New builds a Hierarchy from the built-in subset merged with extra
// child -> parents edges from configuration. Returns an error on cycles.
func New(extra map[string][]string) (*Hierarchy, error) {
	parents := make(map[string][]string, len(defaultParents)+len(extra))
	for child, ps := range defaultParents {
		parents[child] = append([]string(nil), ps...)
	}
	for child, ps := range extra {
		parents[child] = append([]string(nil), ps...)
	}

	h := &Hierarchy{parents: parents, ancestors: make(map[string][]string, len(parents))}
	types := make([]string, 0, len(parents))
	for t := range parents {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if _, err := h.closure(t, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// closure computes the ancestor chain for t, self first then breadth-first
// through the parent edges. Order is deterministic for a fixed edge set.
func (h *Hierarchy) closure(t string, visiting map[string]bool) ([]string, error) {
	if cached, ok := h.ancestors[t]; ok {
		return cached, nil
	}
	if visiting[t] {
		return nil, fmt.Errorf("type hierarchy cycle through %q", t)
	}
	visiting[t] = true
	defer delete(visiting, t)

	chain := []string{t}
	seen := map[string]bool{t: true}
	for _, p := range h.parents[t] {
		anc, err := h.closure(p, visiting)
		if err != nil {
			return nil, err
		}
		for _, a := range anc {
			if !seen[a] {
				seen[a] = true
				chain = append(chain, a)
			}
		}
	}
	h.ancestors[t] = chain
	return chain, nil
}

// Ancestors returns the ancestor chain of t including t itself. Unknown types
// resolve to just themselves, so a backend can return types the hierarchy has
// never heard of without breaking dispatch.
func (h *Hierarchy) Ancestors(t string) []string {
	if chain, ok := h.ancestors[t]; ok {
		return chain
	}
	return []string{t}
}

// Intersects reports whether any ancestor of t is contained in set.
func (h *Hierarchy) Intersects(t string, set map[string]bool) bool {
	for _, a := range h.Ancestors(t) {
		if set[a] {
			return true
		}
	}
	return false
}

// Known reports whether t appears in the hierarchy.
func (h *Hierarchy) Known(t string) bool {
	_, ok := h.ancestors[t]
	return ok
}
