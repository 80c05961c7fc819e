package blevelocal

import (
	"context"
	"testing"
	"time"

	"github.com/sitequery/sitequery/internal/retrieval"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewInMemory("local")
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func seed(t *testing.T, b *Backend) {
	t.Helper()
	err := b.Index(context.Background(), []retrieval.Document{
		{
			URL:        "https://shop.example/espresso-machine",
			Site:       "shop.example",
			Name:       "Espresso Machine",
			SchemaType: "Product",
			Text:       "A countertop espresso machine with a steam wand.",
			Payload:    map[string]interface{}{"price": "199.00", "brand": "Brewco"},
			IngestedAt: time.Now(),
		},
		{
			URL:        "https://blog.example/espresso-guide",
			Site:       "blog.example",
			Name:       "Espresso Brewing Guide",
			SchemaType: "Article",
			Text:       "How to pull the perfect espresso shot at home.",
			Payload:    map[string]interface{}{"author": "J. Crema"},
		},
		{
			URL:        "https://shop.example/kettle",
			Site:       "shop.example",
			Name:       "Gooseneck Kettle",
			SchemaType: "Product",
			Text:       "A pour-over kettle with temperature control.",
			Payload:    map[string]interface{}{"price": "79.00"},
		},
	})
	if err != nil {
		t.Fatalf("indexing: %v", err)
	}
}

func TestSearchScopedToSite(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b)

	results, err := b.Search(context.Background(), "espresso", "shop.example", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].URL != "https://shop.example/espresso-machine" {
		t.Fatalf("unexpected url %s", results[0].URL)
	}
	if results[0].Payload["price"] != "199.00" {
		t.Fatalf("payload not restored: %v", results[0].Payload)
	}
}

func TestSearchAllSites(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b)

	results, err := b.SearchAllSites(context.Background(), "espresso", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestSearchByURL(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b)

	r, err := b.SearchByURL(context.Background(), "https://shop.example/kettle")
	if err != nil {
		t.Fatalf("search by url: %v", err)
	}
	if r == nil {
		t.Fatal("expected a result")
	}
	if r.Name != "Gooseneck Kettle" {
		t.Fatalf("unexpected name %q", r.Name)
	}

	missing, err := b.SearchByURL(context.Background(), "https://shop.example/nope")
	if err != nil {
		t.Fatalf("search by url: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown url, got %+v", missing)
	}
}

func TestSites(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b)

	sites, err := b.Sites(context.Background())
	if err != nil {
		t.Fatalf("sites: %v", err)
	}
	if len(sites) != 2 || sites[0] != "blog.example" || sites[1] != "shop.example" {
		t.Fatalf("unexpected sites %v", sites)
	}
}

func TestReindexReplacesDocument(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b)

	err := b.Index(context.Background(), []retrieval.Document{{
		URL:        "https://shop.example/kettle",
		Site:       "shop.example",
		Name:       "Gooseneck Kettle v2",
		SchemaType: "Product",
		Text:       "Updated pour-over kettle.",
		Payload:    map[string]interface{}{"price": "89.00"},
	}})
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}

	r, err := b.SearchByURL(context.Background(), "https://shop.example/kettle")
	if err != nil || r == nil {
		t.Fatalf("search by url: %v %v", r, err)
	}
	if r.Payload["price"] != "89.00" {
		t.Fatalf("expected updated payload, got %v", r.Payload)
	}
}

func TestDeleteByURL(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b)

	if err := b.DeleteByURL(context.Background(), "https://shop.example/kettle"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	r, err := b.SearchByURL(context.Background(), "https://shop.example/kettle")
	if err != nil {
		t.Fatalf("search by url: %v", err)
	}
	if r != nil {
		t.Fatalf("expected document gone, got %+v", r)
	}
}
