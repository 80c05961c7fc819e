package rank

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/sitequery/sitequery/internal/llm"
	"github.com/sitequery/sitequery/internal/retrieval"
	"github.com/sitequery/sitequery/internal/scatter"
	"github.com/sitequery/sitequery/internal/telemetry"
)

// Result is an aggregated result with a relevance score and display
// snippet attached.
type Result struct {
	retrieval.Aggregated
	Score    int       `json:"score"`
	Snippet  string    `json:"snippet,omitempty"`
	RankedAt time.Time `json:"ranked_at"`
}

// Ranker scores aggregated results for relevance through the
// evaluation backend, bounding how many calls run at once.
type Ranker struct {
	llm         llm.Evaluator
	pool        *scatter.Pool
	threshold   int
	topN        int
	maxInFlight int
	logger      *log.Logger
}

func New(evaluator llm.Evaluator, pool *scatter.Pool, threshold, topN, maxInFlight int) *Ranker {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	if topN <= 0 {
		topN = 10
	}
	return &Ranker{
		llm:         evaluator,
		pool:        pool,
		threshold:   threshold,
		topN:        topN,
		maxInFlight: maxInFlight,
		logger:      log.New(os.Stdout, "[RANK] ", log.LstdFlags),
	}
}

type scoreResponse struct {
	Score   int    `json:"score"`
	Snippet string `json:"snippet"`
}

// Rank scores every result, drops those below the threshold, sorts
// score-descending with a stable tie-break on aggregation order, and
// truncates to top-N. A failed scoring call drops only that result.
func (r *Ranker) Rank(ctx context.Context, query string, results []retrieval.Aggregated) []Result {
	if len(results) == 0 {
		return nil
	}

	outcomes := scatter.GatherLimit(ctx, r.pool, len(results), r.maxInFlight, func(ctx context.Context, i int) (Result, error) {
		return r.score(ctx, query, results[i])
	})

	kept := make([]Result, 0, len(outcomes))
	order := make(map[string]int, len(outcomes))
	for i, out := range outcomes {
		if out.Err != nil {
			telemetry.EvaluationCalls.WithLabelValues("rank", "error").Inc()
			r.logger.Printf("scoring %s failed, dropping: %v", results[i].URL, out.Err)
			continue
		}
		telemetry.EvaluationCalls.WithLabelValues("rank", "ok").Inc()
		if out.Value.Score < r.threshold {
			continue
		}
		order[out.Value.URL] = i
		kept = append(kept, out.Value)
	}

	sort.SliceStable(kept, func(a, b int) bool {
		if kept[a].Score != kept[b].Score {
			return kept[a].Score > kept[b].Score
		}
		return order[kept[a].URL] < order[kept[b].URL]
	})

	if len(kept) > r.topN {
		kept = kept[:r.topN]
	}
	return kept
}

func (r *Ranker) score(ctx context.Context, query string, agg retrieval.Aggregated) (Result, error) {
	raw, err := r.llm.Evaluate(ctx, buildScoringPrompt(query, agg))
	if err != nil {
		return Result{}, fmt.Errorf("scoring %s: %w", agg.URL, err)
	}
	var resp scoreResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{}, fmt.Errorf("parsing score for %s: %w", agg.URL, err)
	}
	if resp.Score < 0 {
		resp.Score = 0
	}
	if resp.Score > 100 {
		resp.Score = 100
	}
	return Result{Aggregated: agg, Score: resp.Score, Snippet: resp.Snippet, RankedAt: time.Now()}, nil
}

func buildScoringPrompt(query string, agg retrieval.Aggregated) string {
	payload, _ := json.Marshal(agg.Merged)
	return fmt.Sprintf(`You score how relevant one retrieved item is to a user query.
Query: %s
Item name: %s
Item URL: %s
Item fields: %s
Respond with JSON: {"score": <0-100>, "snippet": "<one-sentence display snippet grounded in the item fields>"}`,
		query, agg.Name, agg.URL, payload)
}
