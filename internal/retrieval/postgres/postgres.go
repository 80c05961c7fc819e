package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/sitequery/sitequery/internal/retrieval"
)

// Backend stores documents in Postgres and searches them with the
// built-in full-text machinery (tsvector + ts_rank).
type Backend struct {
	id     string
	db     *sql.DB
	logger *log.Logger
}

// New connects with an explicit DSN and verifies the connection.
func New(ctx context.Context, id, dsn string) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return NewWithDB(id, db), nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(id string, db *sql.DB) *Backend {
	return &Backend{
		id:     id,
		db:     db,
		logger: log.New(os.Stdout, "[POSTGRES] ", log.LstdFlags),
	}
}

func (b *Backend) ID() string { return b.id }

// DB exposes the underlying connection for components that share it.
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) Close() error { return b.db.Close() }

const searchSelect = `
SELECT url, site, name, payload,
       ts_rank(search_vector, plainto_tsquery('english', $1)) AS rank
FROM documents
WHERE search_vector @@ plainto_tsquery('english', $1)`

func (b *Backend) Search(ctx context.Context, query, site string, limit int) ([]retrieval.Result, error) {
	rows, err := b.db.QueryContext(ctx, searchSelect+`
  AND site = $2
ORDER BY rank DESC, url ASC
LIMIT $3`, query, site, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres search: %w", err)
	}
	return b.collect(rows)
}

func (b *Backend) SearchAllSites(ctx context.Context, query string, limit int) ([]retrieval.Result, error) {
	rows, err := b.db.QueryContext(ctx, searchSelect+`
ORDER BY rank DESC, url ASC
LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres search: %w", err)
	}
	return b.collect(rows)
}

func (b *Backend) collect(rows *sql.Rows) ([]retrieval.Result, error) {
	defer rows.Close()
	var out []retrieval.Result
	for rows.Next() {
		var (
			r       retrieval.Result
			payload []byte
			rank    float64
		)
		if err := rows.Scan(&r.URL, &r.Site, &r.Name, &payload, &rank); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.Payload = decodePayload(payload)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func (b *Backend) SearchByURL(ctx context.Context, url string) (*retrieval.Result, error) {
	var (
		r       retrieval.Result
		payload []byte
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT url, site, name, payload FROM documents WHERE url = $1`, url).
		Scan(&r.URL, &r.Site, &r.Name, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres lookup: %w", err)
	}
	r.Payload = decodePayload(payload)
	return &r, nil
}

func (b *Backend) Sites(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT site FROM documents ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("listing sites: %w", err)
	}
	defer rows.Close()
	var sites []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

const upsertDocument = `
INSERT INTO documents (url, site, name, schema_type, text, payload, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (url) DO UPDATE SET
  site = EXCLUDED.site,
  name = EXCLUDED.name,
  schema_type = EXCLUDED.schema_type,
  text = EXCLUDED.text,
  payload = EXCLUDED.payload,
  ingested_at = EXCLUDED.ingested_at`

func (b *Backend) Index(ctx context.Context, docs []retrieval.Document) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	for _, doc := range docs {
		payload, err := json.Marshal(doc.Payload)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding payload for %s: %w", doc.URL, err)
		}
		ingested := doc.IngestedAt
		if ingested.IsZero() {
			ingested = time.Now()
		}
		if _, err := tx.ExecContext(ctx, upsertDocument,
			doc.URL, doc.Site, doc.Name, doc.SchemaType, doc.Text, payload, ingested.UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting %s: %w", doc.URL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	b.logger.Printf("indexed %d documents", len(docs))
	return nil
}

func (b *Backend) URLs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT url FROM documents ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("listing urls: %w", err)
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scanning url: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func (b *Backend) DeleteByURL(ctx context.Context, url string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM documents WHERE url = $1`, url); err != nil {
		return fmt.Errorf("deleting %s: %w", url, err)
	}
	return nil
}

func decodePayload(raw []byte) map[string]interface{} {
	payload := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &payload)
	}
	return payload
}
