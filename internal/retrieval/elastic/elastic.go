package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/elastic/go-elasticsearch/v8"

	configpkg "github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/retrieval"
)

// Backend reads from an existing Elasticsearch index. It never writes:
// the index is owned by whatever pipeline populates the cluster.
type Backend struct {
	id     string
	client *elasticsearch.Client
	index  string
	logger *log.Logger
}

func New(cfg configpkg.BackendConfig) (*Backend, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.APIKey != "" {
		esCfg.APIKey = cfg.APIKey
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &Backend{
		id:     cfg.ID,
		client: client,
		index:  cfg.Index,
		logger: log.New(os.Stdout, "[ELASTIC] ", log.LstdFlags),
	}, nil
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) Search(ctx context.Context, query, site string, limit int) ([]retrieval.Result, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{matchClause(query)},
				"filter": []interface{}{
					map[string]interface{}{
						"term": map[string]interface{}{"site": site},
					},
				},
			},
		},
	}
	return b.run(ctx, body, limit)
}

func (b *Backend) SearchAllSites(ctx context.Context, query string, limit int) ([]retrieval.Result, error) {
	body := map[string]interface{}{"query": matchClause(query)}
	return b.run(ctx, body, limit)
}

func matchClause(query string) map[string]interface{} {
	return map[string]interface{}{
		"multi_match": map[string]interface{}{
			"query":  query,
			"fields": []string{"name^3", "text"},
			"type":   "best_fields",
		},
	}
}

func (b *Backend) SearchByURL(ctx context.Context, url string) (*retrieval.Result, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"url": url},
		},
	}
	results, err := b.run(ctx, body, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

func (b *Backend) Sites(ctx context.Context) ([]string, error) {
	body := map[string]interface{}{
		"size": 0,
		"aggs": map[string]interface{}{
			"sites": map[string]interface{}{
				"terms": map[string]interface{}{"field": "site", "size": 1000},
			},
		},
	}
	raw, err := b.search(ctx, body, 0)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Aggregations struct {
			Sites struct {
				Buckets []struct {
					Key string `json:"key"`
				} `json:"buckets"`
			} `json:"sites"`
		} `json:"aggregations"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding aggregation response: %w", err)
	}
	var sites []string
	for _, bucket := range parsed.Aggregations.Sites.Buckets {
		sites = append(sites, bucket.Key)
	}
	return sites, nil
}

func (b *Backend) run(ctx context.Context, body map[string]interface{}, limit int) ([]retrieval.Result, error) {
	raw, err := b.search(ctx, body, limit)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Hits struct {
			Hits []struct {
				Source sourceDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	var out []retrieval.Result
	for _, hit := range parsed.Hits.Hits {
		out = append(out, hit.Source.toResult())
	}
	return out, nil
}

type sourceDoc struct {
	URL     string                 `json:"url"`
	Site    string                 `json:"site"`
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload"`
}

func (d sourceDoc) toResult() retrieval.Result {
	payload := d.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return retrieval.Result{URL: d.URL, Site: d.Site, Name: d.Name, Payload: payload}
}

func (b *Backend) search(ctx context.Context, body map[string]interface{}, limit int) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	res, err := b.client.Search(
		b.client.Search.WithContext(ctx),
		b.client.Search.WithIndex(b.index),
		b.client.Search.WithBody(bytes.NewReader(encoded)),
		b.client.Search.WithSize(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch search failed: %s: %s", res.Status(), msg)
	}
	return io.ReadAll(res.Body)
}
