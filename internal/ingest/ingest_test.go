package ingest

import (
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestMakeChunksShortTextSingleChunk(t *testing.T) {
	chunks := makeChunks("short text", 1000, 200)
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Fatalf("unexpected chunks %v", chunks)
	}
}

func TestMakeChunksSplitsOnWordBoundary(t *testing.T) {
	words := strings.Repeat("word ", 100)
	chunks := makeChunks(strings.TrimSpace(words), 120, 20)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 120 {
			t.Fatalf("chunk %d exceeds size: %d", i, len(c))
		}
		if strings.HasPrefix(c, " ") || strings.HasSuffix(c, " ") {
			t.Fatalf("chunk %d has ragged spacing: %q", i, c)
		}
	}
}

func TestMakeChunksLoseNoWords(t *testing.T) {
	var words []string
	for i := 0; i < 80; i++ {
		words = append(words, "w"+strings.Repeat("x", i%7)+"d")
	}
	text := strings.Join(words, " ")
	chunks := makeChunks(text, 90, 15)
	joined := strings.Join(chunks, " ")
	for _, w := range words {
		if !strings.Contains(joined, w) {
			t.Fatalf("word %q missing from chunks", w)
		}
	}
}

func TestMakeChunksTerminates(t *testing.T) {
	// Overlap larger than chunk progress must not loop forever.
	text := strings.Repeat("a", 5000)
	done := make(chan []string)
	go func() { done <- makeChunks(text, 100, 99) }()
	select {
	case chunks := <-done:
		if len(chunks) == 0 {
			t.Fatal("no chunks")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("makeChunks did not terminate")
	}
}

func TestDocumentsChunkURLs(t *testing.T) {
	ing := &Ingestor{chunkSize: 50, chunkOverlap: 10, logger: testLogger()}
	page := Page{
		URL:   "https://shop.example/machine",
		Site:  "shop.example",
		Title: "Espresso Machine",
		Text:  strings.TrimSpace(strings.Repeat("steam wand boiler pump ", 20)),
		Structured: map[string]interface{}{
			"@type": "Product",
			"name":  "Espresso Machine",
		},
		SchemaType: "Product",
	}

	docs := ing.documents(page, time.Now())
	if len(docs) < 2 {
		t.Fatalf("expected chunked documents, got %d", len(docs))
	}
	if docs[0].URL != "https://shop.example/machine" {
		t.Fatalf("first chunk must keep the bare url, got %s", docs[0].URL)
	}
	if !strings.HasPrefix(docs[1].URL, "https://shop.example/machine#chunk-") {
		t.Fatalf("later chunks must carry a fragment, got %s", docs[1].URL)
	}
	for _, d := range docs {
		if d.SchemaType != "Product" || d.Payload["@type"] != "Product" {
			t.Fatalf("schema payload lost on %s", d.URL)
		}
	}
}

func TestExtractJSONLD(t *testing.T) {
	html := `<html><head>
<script type="application/ld+json">
{"@context": "https://schema.org", "@type": "Product", "name": "Espresso Machine", "offers": {"price": "199.00"}}
</script>
</head><body></body></html>`

	obj := extractJSONLD(html)
	if obj == nil {
		t.Fatal("expected JSON-LD object")
	}
	if obj["@type"] != "Product" || obj["name"] != "Espresso Machine" {
		t.Fatalf("unexpected object %v", obj)
	}
}

func TestExtractJSONLDGraph(t *testing.T) {
	html := `<script type="application/ld+json">{"@graph": [{"@type": "Recipe", "name": "Espresso"}]}</script>`
	obj := extractJSONLD(html)
	if obj == nil || obj["@type"] != "Recipe" {
		t.Fatalf("graph not unwrapped: %v", obj)
	}
}

func TestExtractJSONLDIgnoresInvalid(t *testing.T) {
	html := `<script type="application/ld+json">{not json}</script>`
	if obj := extractJSONLD(html); obj != nil {
		t.Fatalf("expected nil for invalid JSON, got %v", obj)
	}
}
