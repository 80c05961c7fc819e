package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	configpkg "github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/retrieval"
)

// Ingestor fetches URLs and writes them into the write backend. Long
// pages are split into overlapping chunks: the first chunk keeps the
// bare URL, later chunks get a fragment suffix so they remain
// addressable within the page.
type Ingestor struct {
	fetcher      Fetcher
	write        retrieval.WriteBackend
	chunkSize    int
	chunkOverlap int
	logger       *log.Logger
}

func New(cfg configpkg.IngestConfig, write retrieval.WriteBackend) *Ingestor {
	return &Ingestor{
		fetcher:      Fetcher{Timeout: cfg.FetchTimeout, MaxChars: cfg.MaxChars},
		write:        write,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		logger:       log.New(os.Stdout, "[INGEST] ", log.LstdFlags),
	}
}

// Ingest fetches each URL and indexes the extracted documents. A
// failed fetch skips that URL and continues; the returned count is the
// number of documents written.
func (ing *Ingestor) Ingest(ctx context.Context, urls []string) (int, error) {
	var docs []retrieval.Document
	now := time.Now()
	for _, u := range urls {
		page, err := ing.fetcher.Fetch(ctx, u)
		if err != nil {
			ing.logger.Printf("fetching %s failed, skipping: %v", u, err)
			continue
		}
		docs = append(docs, ing.documents(page, now)...)
	}
	if len(docs) == 0 {
		return 0, fmt.Errorf("no documents ingested from %d urls", len(urls))
	}
	if err := ing.write.Index(ctx, docs); err != nil {
		return 0, fmt.Errorf("indexing ingested documents: %w", err)
	}
	return len(docs), nil
}

func (ing *Ingestor) documents(page Page, now time.Time) []retrieval.Document {
	payload := page.Structured
	if payload == nil {
		payload = map[string]interface{}{}
	}
	chunks := makeChunks(page.Text, ing.chunkSize, ing.chunkOverlap)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	docs := make([]retrieval.Document, 0, len(chunks))
	for i, chunk := range chunks {
		u := page.URL
		if i > 0 {
			u = fmt.Sprintf("%s#chunk-%d", page.URL, i+1)
		}
		doc := retrieval.Document{
			URL:        u,
			Site:       page.Site,
			Name:       page.Title,
			SchemaType: page.SchemaType,
			Text:       chunk,
			Payload:    payload,
			IngestedAt: now,
		}
		docs = append(docs, doc)
	}
	return docs
}

// makeChunks splits text into windows of roughly size characters with
// overlap characters shared between neighbours. Split points snap to
// the nearest space so words stay intact.
func makeChunks(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		cut := end
		for cut > start && text[cut] != ' ' {
			cut--
		}
		if cut == start {
			cut = end
		}
		chunks = append(chunks, text[start:cut])
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
		for start < len(text) && text[start] == ' ' {
			start++
		}
	}
	return chunks
}
