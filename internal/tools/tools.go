package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	configpkg "github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/llm"
	"github.com/sitequery/sitequery/internal/scatter"
	"github.com/sitequery/sitequery/internal/schemaorg"
	"github.com/sitequery/sitequery/internal/telemetry"
)

// Definition is a specialized query handler registered at startup.
// Declaration order in configuration is significant: it breaks score
// ties during selection.
type Definition struct {
	Name            string
	ApplicableTypes []string
	Prompt          string
	Parameters      map[string]string
}

// Evaluation is the outcome of scoring one tool against a query.
type Evaluation struct {
	ToolName   string
	Score      int
	Parameters map[string]interface{}
}

// Evaluator scores configured tools against a query and picks a
// winner above the selection threshold.
type Evaluator struct {
	defs      []Definition
	hierarchy *schemaorg.Hierarchy
	llm       llm.Evaluator
	pool      *scatter.Pool
	threshold int
	logger    *log.Logger
}

func NewEvaluator(cfgs []configpkg.ToolConfig, hierarchy *schemaorg.Hierarchy, evaluator llm.Evaluator, pool *scatter.Pool, threshold int) *Evaluator {
	defs := make([]Definition, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		defs = append(defs, Definition{
			Name:            c.Name,
			ApplicableTypes: c.Types,
			Prompt:          c.Prompt,
			Parameters:      c.Parameters,
		})
	}
	return &Evaluator{
		defs:      defs,
		hierarchy: hierarchy,
		llm:       evaluator,
		pool:      pool,
		threshold: threshold,
		logger:    log.New(os.Stdout, "[TOOLS] ", log.LstdFlags),
	}
}

// Definitions exposes the registered tools in declaration order.
func (e *Evaluator) Definitions() []Definition { return e.defs }

// UnknownTypes returns the declared applicable types the hierarchy has
// never heard of. Such a type still dispatches on exact match, but
// subtypes can never route to it, which usually means a typo in the
// tool configuration.
func (e *Evaluator) UnknownTypes() []string {
	seen := map[string]bool{}
	var out []string
	for _, def := range e.defs {
		for _, t := range def.ApplicableTypes {
			if !e.hierarchy.Known(t) && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Candidates returns the tools whose applicable types intersect the
// ancestor chain of resolvedType, preserving declaration order. A tool
// registered on a supertype applies to every subtype.
func (e *Evaluator) Candidates(resolvedType string) []Definition {
	chain := e.hierarchy.Ancestors(resolvedType)
	inChain := make(map[string]bool, len(chain))
	for _, t := range chain {
		inChain[t] = true
	}
	var out []Definition
	for _, def := range e.defs {
		for _, t := range def.ApplicableTypes {
			if inChain[t] {
				out = append(out, def)
				break
			}
		}
	}
	return out
}

// SelectTool scores every candidate concurrently and returns the
// highest-scoring evaluation at or above the threshold, or nil when no
// tool qualifies. Ties go to the earlier-declared tool. A failed
// scoring call counts as score 0 for that tool only.
func (e *Evaluator) SelectTool(ctx context.Context, query, resolvedType string) (*Evaluation, error) {
	candidates := e.Candidates(resolvedType)
	if len(candidates) == 0 {
		return nil, nil
	}

	outcomes := scatter.Gather(ctx, e.pool, len(candidates), func(ctx context.Context, i int) (Evaluation, error) {
		return e.score(ctx, candidates[i], query)
	})

	best := -1
	for i, out := range outcomes {
		score := 0
		if out.Err != nil {
			telemetry.EvaluationCalls.WithLabelValues("tool_score", "error").Inc()
			e.logger.Printf("scoring %s failed: %v", candidates[i].Name, out.Err)
		} else {
			telemetry.EvaluationCalls.WithLabelValues("tool_score", "ok").Inc()
			score = out.Value.Score
		}
		outcomes[i].Value.Score = score
		if best == -1 || score > outcomes[best].Value.Score {
			best = i
		}
	}

	winner := outcomes[best].Value
	if winner.Score < e.threshold {
		return nil, nil
	}
	return &winner, nil
}

type scoreResponse struct {
	Score      int                    `json:"score"`
	Parameters map[string]interface{} `json:"parameters"`
}

func (e *Evaluator) score(ctx context.Context, def Definition, query string) (Evaluation, error) {
	raw, err := e.llm.Evaluate(ctx, buildScoringPrompt(def, query))
	if err != nil {
		return Evaluation{ToolName: def.Name}, fmt.Errorf("evaluating tool %s: %w", def.Name, err)
	}
	var resp scoreResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Evaluation{ToolName: def.Name}, fmt.Errorf("parsing evaluation for %s: %w", def.Name, err)
	}
	if resp.Score < 0 {
		resp.Score = 0
	}
	if resp.Score > 100 {
		resp.Score = 100
	}
	return Evaluation{ToolName: def.Name, Score: resp.Score, Parameters: resp.Parameters}, nil
}

func buildScoringPrompt(def Definition, query string) string {
	var sb strings.Builder
	sb.WriteString("You score how well a specialized handler fits a user query.\n")
	sb.WriteString("Handler: " + def.Name + "\n")
	if def.Prompt != "" {
		sb.WriteString("Handler description: " + def.Prompt + "\n")
	}
	if len(def.Parameters) > 0 {
		sb.WriteString("Extract these parameters from the query when present:\n")
		names := make([]string, 0, len(def.Parameters))
		for name := range def.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString("- " + name + ": " + def.Parameters[name] + "\n")
		}
	}
	sb.WriteString("Query: " + query + "\n")
	sb.WriteString(`Respond with JSON: {"score": <0-100>, "parameters": {<extracted values>}}`)
	return sb.String()
}
