package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/sitequery/sitequery/internal/convo"
	"github.com/sitequery/sitequery/internal/rank"
	"github.com/sitequery/sitequery/internal/scatter"
	"github.com/sitequery/sitequery/internal/telemetry"
	"github.com/sitequery/sitequery/internal/tools"
)

// fact is one remembered item extracted from the query.
type fact struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// analysisOutcome is what the analysis branch hands back to the
// coordinator for reconciliation.
type analysisOutcome struct {
	text         string
	resolvedType string
	inScope      bool
	tool         *tools.Evaluation
	remembered   []fact
}

// analyze runs decontextualization, the scope/type check and memory
// extraction concurrently, then tool evaluation on the rewrite. Every
// evaluation failure degrades to a safe default instead of failing the
// query.
func (c *Coordinator) analyze(ctx context.Context, q Query) analysisOutcome {
	ctx, span := coordinatorTracer.Start(ctx, "query.analysis")
	defer span.End()

	out := analysisOutcome{text: q.RawText, inScope: true}

	var turns []convo.Turn
	var remembered map[string]string
	if c.convo != nil && q.ConversationID != "" {
		var err error
		if turns, err = c.convo.Turns(ctx, q.ConversationID, 10); err != nil {
			c.logger.Printf("loading turns: %v", err)
		}
		if remembered, err = c.convo.Remembered(ctx, q.ConversationID); err != nil {
			c.logger.Printf("loading remembered facts: %v", err)
		}
	}

	type step func(context.Context) error
	steps := []step{
		func(ctx context.Context) error {
			text, err := c.decontextualize(ctx, q.RawText, turns, remembered)
			if err != nil {
				return err
			}
			if text != "" {
				out.text = text
			}
			return nil
		},
		func(ctx context.Context) error {
			inScope, resolvedType, err := c.classify(ctx, q.RawText, q.SiteScope)
			if err != nil {
				return err
			}
			out.inScope = inScope
			out.resolvedType = resolvedType
			return nil
		},
		func(ctx context.Context) error {
			facts, err := c.extractMemory(ctx, q.RawText)
			if err != nil {
				return err
			}
			out.remembered = facts
			return nil
		},
	}

	outcomes := scatter.Gather(ctx, c.pool, len(steps), func(ctx context.Context, i int) (struct{}, error) {
		return struct{}{}, steps[i](ctx)
	})
	for i, o := range outcomes {
		if o.Err != nil {
			telemetry.EvaluationCalls.WithLabelValues("analysis", "error").Inc()
			c.logger.Printf("analysis step %d degraded: %v", i, o.Err)
		} else {
			telemetry.EvaluationCalls.WithLabelValues("analysis", "ok").Inc()
		}
	}

	if out.inScope && out.resolvedType != "" {
		tool, err := c.toolEval.SelectTool(ctx, out.text, out.resolvedType)
		if err != nil {
			c.logger.Printf("tool evaluation degraded: %v", err)
		} else {
			out.tool = tool
		}
	}
	return out
}

func (c *Coordinator) decontextualize(ctx context.Context, raw string, turns []convo.Turn, remembered map[string]string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Rewrite the query so it is self-contained, resolving pronouns and references against the conversation. Keep it unchanged if it already stands alone.\n")
	for _, t := range turns {
		sb.WriteString("Previous query: " + t.Query + "\n")
		if t.Answer != "" {
			sb.WriteString("Previous answer: " + t.Answer + "\n")
		}
	}
	for k, v := range remembered {
		sb.WriteString("Known fact: " + k + " = " + v + "\n")
	}
	sb.WriteString("Query: " + raw + "\n")
	sb.WriteString(`Respond with JSON: {"text": "<rewritten query>"}`)

	raw2, err := c.llm.Evaluate(ctx, sb.String())
	if err != nil {
		return "", fmt.Errorf("decontextualization: %w", err)
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw2, &resp); err != nil {
		return "", fmt.Errorf("parsing decontextualization: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (c *Coordinator) classify(ctx context.Context, raw string, sites []string) (bool, string, error) {
	prompt := fmt.Sprintf(`You decide whether a query can be answered from indexed site content, and what schema.org type the expected answer items have.
Sites in scope: %s
Query: %s
Respond with JSON: {"in_scope": <true|false>, "type": "<schema.org type, e.g. Product, Recipe, Article>"}`,
		strings.Join(sites, ", "), raw)

	rawResp, err := c.llm.Evaluate(ctx, prompt)
	if err != nil {
		return true, "", fmt.Errorf("scope classification: %w", err)
	}
	var resp struct {
		InScope bool   `json:"in_scope"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(rawResp, &resp); err != nil {
		return true, "", fmt.Errorf("parsing classification: %w", err)
	}
	return resp.InScope, strings.TrimSpace(resp.Type), nil
}

func (c *Coordinator) extractMemory(ctx context.Context, raw string) ([]fact, error) {
	prompt := fmt.Sprintf(`Extract durable user facts stated in the query that should be remembered for future queries (preferences, constraints, identity). Most queries contain none.
Query: %s
Respond with JSON: {"facts": [{"key": "<short key>", "value": "<fact>"}]}`, raw)

	rawResp, err := c.llm.Evaluate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("memory extraction: %w", err)
	}
	var resp struct {
		Facts []fact `json:"facts"`
	}
	if err := json.Unmarshal(rawResp, &resp); err != nil {
		return nil, fmt.Errorf("parsing memory extraction: %w", err)
	}
	return resp.Facts, nil
}

// generateAnswer composes a direct natural-language answer grounded in
// the ranked results.
func (c *Coordinator) generateAnswer(ctx context.Context, query string, results []rank.Result) (string, error) {
	var sb strings.Builder
	sb.WriteString("Answer the query using only the retrieved items below. Cite nothing that is not in them.\n")
	sb.WriteString("Query: " + query + "\n")
	limit := len(results)
	if limit > 5 {
		limit = 5
	}
	for _, r := range results[:limit] {
		payload, _ := json.Marshal(r.Merged)
		fmt.Fprintf(&sb, "Item: %s (%s) %s\n", r.Name, r.URL, payload)
	}
	sb.WriteString(`Respond with JSON: {"answer": "<answer text>"}`)

	raw, err := c.llm.Evaluate(ctx, sb.String())
	if err != nil {
		return "", fmt.Errorf("answer generation: %w", err)
	}
	var resp struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("parsing answer: %w", err)
	}
	return strings.TrimSpace(resp.Answer), nil
}

// materiallyDifferent reports whether the rewrite changes the query's
// meaning rather than just its surface form. Case, spacing and
// punctuation differences do not count.
func materiallyDifferent(raw, rewritten string) bool {
	return normalize(raw) != normalize(rewritten)
}

func normalize(s string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			sb.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(sb.String())
}
