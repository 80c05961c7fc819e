package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorhill/cronexpr"
)

// Scheduler re-ingests known URLs on a cron schedule so indexed
// content tracks the live sites.
type Scheduler struct {
	ingestor *Ingestor
	expr     *cronexpr.Expression
	urls     func(context.Context) ([]string, error)
	logger   *log.Logger
}

// NewScheduler parses spec as a cron expression. urls is called at
// each tick to list what to refresh.
func NewScheduler(spec string, ingestor *Ingestor, urls func(context.Context) ([]string, error)) (*Scheduler, error) {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing refresh cron %q: %w", spec, err)
	}
	return &Scheduler{
		ingestor: ingestor,
		expr:     expr,
		urls:     urls,
		logger:   log.New(os.Stdout, "[INGEST] ", log.LstdFlags),
	}, nil
}

// Start runs the refresh loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		for {
			next := s.expr.Next(time.Now())
			if next.IsZero() {
				s.logger.Printf("refresh schedule has no future run, stopping")
				return
			}
			select {
			case <-time.After(time.Until(next)):
				s.refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) refresh(ctx context.Context) {
	urls, err := s.urls(ctx)
	if err != nil {
		s.logger.Printf("listing refresh urls: %v", err)
		return
	}
	if len(urls) == 0 {
		return
	}
	n, err := s.ingestor.Ingest(ctx, urls)
	if err != nil {
		s.logger.Printf("refresh failed: %v", err)
		return
	}
	s.logger.Printf("refreshed %d documents from %d urls", n, len(urls))
}
