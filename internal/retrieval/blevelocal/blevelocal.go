package blevelocal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
	"github.com/blevesearch/bleve/search/query"

	"github.com/sitequery/sitequery/internal/retrieval"
)

// Backend is a local full-text index backed by a bleve store on disk.
// It is the default write target for ingested documents.
type Backend struct {
	id     string
	index  bleve.Index
	logger *log.Logger
}

// storedDoc is the shape persisted per URL. Payload is kept as a JSON
// blob so arbitrary structured fields survive a restart.
type storedDoc struct {
	URL        string `json:"url"`
	Site       string `json:"site"`
	Name       string `json:"name"`
	SchemaType string `json:"schema_type"`
	Text       string `json:"text"`
	Payload    string `json:"payload"`
	IngestedAt string `json:"ingested_at"`
}

func buildMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Store = true
	docMapping.AddFieldMappingsAt("name", textField)
	docMapping.AddFieldMappingsAt("text", textField)

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.Store = true
	docMapping.AddFieldMappingsAt("url", keywordField)
	docMapping.AddFieldMappingsAt("site", keywordField)
	docMapping.AddFieldMappingsAt("schema_type", keywordField)
	docMapping.AddFieldMappingsAt("ingested_at", keywordField)

	payloadField := bleve.NewTextFieldMapping()
	payloadField.Store = true
	payloadField.Index = false
	docMapping.AddFieldMappingsAt("payload", payloadField)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = docMapping
	return im
}

// New opens the index at path, creating it when absent.
func New(id, path string) (*Backend, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening bleve index at %s: %w", path, err)
	}
	return &Backend{
		id:     id,
		index:  idx,
		logger: log.New(os.Stdout, "[BLEVE] ", log.LstdFlags),
	}, nil
}

// NewInMemory builds a backend with no on-disk state. Used by tests
// and by deployments that rebuild the index on every boot.
func NewInMemory(id string) (*Backend, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("creating in-memory bleve index: %w", err)
	}
	return &Backend{
		id:     id,
		index:  idx,
		logger: log.New(os.Stdout, "[BLEVE] ", log.LstdFlags),
	}, nil
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) Close() error { return b.index.Close() }

func (b *Backend) Search(ctx context.Context, q, site string, limit int) ([]retrieval.Result, error) {
	textQuery := bleve.NewQueryStringQuery(q)
	siteQuery := bleve.NewTermQuery(site)
	siteQuery.SetField("site")
	return b.run(ctx, bleve.NewConjunctionQuery(textQuery, siteQuery), limit)
}

func (b *Backend) SearchAllSites(ctx context.Context, q string, limit int) ([]retrieval.Result, error) {
	return b.run(ctx, bleve.NewQueryStringQuery(q), limit)
}

func (b *Backend) SearchByURL(ctx context.Context, url string) (*retrieval.Result, error) {
	results, err := b.run(ctx, bleve.NewDocIDQuery([]string{url}), 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

func (b *Backend) run(ctx context.Context, q query.Query, limit int) ([]retrieval.Result, error) {
	searchReq := bleve.NewSearchRequestOptions(q, limit, 0, false)
	searchReq.Fields = []string{"*"}
	res, err := b.index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	var out []retrieval.Result
	for _, hit := range res.Hits {
		out = append(out, hitToResult(hit.ID, hit.Fields))
	}
	return out, nil
}

func hitToResult(id string, fields map[string]interface{}) retrieval.Result {
	r := retrieval.Result{URL: id, Payload: map[string]interface{}{}}
	if s, ok := fields["site"].(string); ok {
		r.Site = s
	}
	if n, ok := fields["name"].(string); ok {
		r.Name = n
	}
	if raw, ok := fields["payload"].(string); ok && raw != "" {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			r.Payload = payload
		}
	}
	if t, ok := fields["schema_type"].(string); ok && t != "" {
		if _, exists := r.Payload["@type"]; !exists {
			r.Payload["@type"] = t
		}
	}
	if r.Name != "" {
		if _, exists := r.Payload["name"]; !exists {
			r.Payload["name"] = r.Name
		}
	}
	return r
}

func (b *Backend) Sites(ctx context.Context) ([]string, error) {
	searchReq := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 0, 0, false)
	searchReq.AddFacet("sites", bleve.NewFacetRequest("site", 1000))
	res, err := b.index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("bleve sites facet: %w", err)
	}
	facet, ok := res.Facets["sites"]
	if !ok {
		return nil, nil
	}
	var sites []string
	for _, term := range facet.Terms {
		sites = append(sites, term.Term)
	}
	sort.Strings(sites)
	return sites, nil
}

func (b *Backend) Index(ctx context.Context, docs []retrieval.Document) error {
	batch := b.index.NewBatch()
	for _, doc := range docs {
		payload, err := json.Marshal(doc.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload for %s: %w", doc.URL, err)
		}
		ingested := doc.IngestedAt
		if ingested.IsZero() {
			ingested = time.Now()
		}
		if err := batch.Index(doc.URL, storedDoc{
			URL:        doc.URL,
			Site:       doc.Site,
			Name:       doc.Name,
			SchemaType: doc.SchemaType,
			Text:       doc.Text,
			Payload:    string(payload),
			IngestedAt: ingested.UTC().Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("indexing %s: %w", doc.URL, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	b.logger.Printf("indexed %d documents", len(docs))
	return nil
}

func (b *Backend) URLs(ctx context.Context) ([]string, error) {
	var urls []string
	from := 0
	const pageSize = 500
	for {
		searchReq := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), pageSize, from, false)
		res, err := b.index.SearchInContext(ctx, searchReq)
		if err != nil {
			return nil, fmt.Errorf("bleve listing urls: %w", err)
		}
		for _, hit := range res.Hits {
			urls = append(urls, hit.ID)
		}
		if len(res.Hits) < pageSize {
			return urls, nil
		}
		from += pageSize
	}
}

func (b *Backend) DeleteByURL(ctx context.Context, url string) error {
	if err := b.index.Delete(url); err != nil {
		return fmt.Errorf("deleting %s: %w", url, err)
	}
	return nil
}
