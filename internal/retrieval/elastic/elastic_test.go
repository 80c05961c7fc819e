package elastic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	configpkg "github.com/sitequery/sitequery/config"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	b, err := New(configpkg.BackendConfig{
		ID:        "es",
		Addresses: []string{srv.URL},
		Index:     "documents",
	})
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	return b
}

func TestSearchParsesHits(t *testing.T) {
	var captured map[string]interface{}
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"hits": {"hits": [
				{"_source": {"url": "https://shop.example/machine", "site": "shop.example",
				             "name": "Espresso Machine", "payload": {"price": "199.00"}}}
			]}
		}`))
	})

	results, err := b.Search(context.Background(), "espresso", "shop.example", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].URL != "https://shop.example/machine" {
		t.Fatalf("unexpected url %s", results[0].URL)
	}
	if results[0].Payload["price"] != "199.00" {
		t.Fatalf("payload missing: %v", results[0].Payload)
	}

	boolQuery, ok := captured["query"].(map[string]interface{})["bool"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected bool query, got %v", captured["query"])
	}
	if _, ok := boolQuery["filter"]; !ok {
		t.Fatal("expected site filter clause")
	}
}

func TestSearchSurfacesErrors(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "boom"}`))
	})

	_, err := b.SearchAllSites(context.Background(), "espresso", 10)
	if err == nil {
		t.Fatal("expected error from 500 response")
	}
}

func TestSitesAggregation(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"aggregations": {"sites": {"buckets": [
				{"key": "blog.example"}, {"key": "shop.example"}
			]}}
		}`))
	})

	sites, err := b.Sites(context.Background())
	if err != nil {
		t.Fatalf("Sites: %v", err)
	}
	if len(sites) != 2 || sites[0] != "blog.example" || sites[1] != "shop.example" {
		t.Fatalf("unexpected sites %v", sites)
	}
}

func TestSearchByURLNotFound(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hits": {"hits": []}}`))
	})

	r, err := b.SearchByURL(context.Background(), "https://shop.example/nope")
	if err != nil {
		t.Fatalf("SearchByURL: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil, got %+v", r)
	}
}
