package schemaorg

import (
	"reflect"
	"testing"
)

func TestAncestorsIncludeSelfAndChain(t *testing.T) {
	h, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := h.Ancestors("Restaurant")
	want := []string{"Restaurant", "LocalBusiness", "Place", "Thing"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Ancestors(Restaurant) = %v, want %v", got, want)
	}
}

func TestAncestorsUnknownTypeResolvesToSelf(t *testing.T) {
	h, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := h.Ancestors("Gadget")
	if len(got) != 1 || got[0] != "Gadget" {
		t.Fatalf("Ancestors(Gadget) = %v, want [Gadget]", got)
	}
}

func TestConfigEdgesExtendHierarchy(t *testing.T) {
	h, err := New(map[string][]string{"Cookbook": {"Recipe"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	set := map[string]bool{"CreativeWork": true}
	if !h.Intersects("Cookbook", set) {
		t.Fatalf("expected Cookbook to inherit CreativeWork applicability")
	}
}

func TestCycleDetection(t *testing.T) {
	_, err := New(map[string][]string{
		"A": {"B"},
		"B": {"A"},
	})
	if err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestIntersectsHonorsInheritance(t *testing.T) {
	h, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !h.Intersects("NewsArticle", map[string]bool{"Article": true}) {
		t.Fatalf("NewsArticle should match a tool registered on Article")
	}
	if h.Intersects("Product", map[string]bool{"Article": true}) {
		t.Fatalf("Product should not match a tool registered on Article")
	}
}
