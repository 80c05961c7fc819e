package server

import (
	"context"
	"database/sql"
	"fmt"

	configpkg "github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/retrieval"
	"github.com/sitequery/sitequery/internal/retrieval/blevelocal"
	"github.com/sitequery/sitequery/internal/retrieval/elastic"
	"github.com/sitequery/sitequery/internal/retrieval/postgres"
)

// BuildRegistry constructs live backend handles from configuration.
// The returned *sql.DB is non-nil when a postgres backend is
// configured; the auth handler reuses that connection for its user
// table.
func BuildRegistry(ctx context.Context, cfgs []configpkg.BackendConfig) (*retrieval.Registry, *sql.DB, error) {
	var entries []retrieval.Entry
	var pgDB *sql.DB
	for _, bc := range cfgs {
		if !bc.Enabled {
			continue
		}
		var backend retrieval.Backend
		switch bc.Type {
		case "bleve":
			b, err := blevelocal.New(bc.ID, bc.Path)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: backend %s: %v", retrieval.ErrConfiguration, bc.ID, err)
			}
			backend = b
		case "postgres":
			b, err := postgres.New(ctx, bc.ID, bc.URL)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: backend %s: %v", retrieval.ErrConfiguration, bc.ID, err)
			}
			backend = b
			if pgDB == nil {
				pgDB = b.DB()
			}
		case "elasticsearch":
			b, err := elastic.New(bc)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: backend %s: %v", retrieval.ErrConfiguration, bc.ID, err)
			}
			backend = b
		default:
			return nil, nil, fmt.Errorf("%w: backend %s has unknown type %q", retrieval.ErrConfiguration, bc.ID, bc.Type)
		}
		entries = append(entries, retrieval.Entry{
			Backend:  backend,
			Priority: bc.Priority,
			Timeout:  bc.Timeout,
			Write:    bc.Write,
		})
	}
	registry, err := retrieval.NewRegistry(entries)
	if err != nil {
		return nil, nil, err
	}
	return registry, pgDB, nil
}
