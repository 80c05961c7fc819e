package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	configpkg "github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/llm"
	"github.com/sitequery/sitequery/internal/scatter"
	"github.com/sitequery/sitequery/internal/schemaorg"
)

func testHierarchy(t *testing.T) *schemaorg.Hierarchy {
	t.Helper()
	h, err := schemaorg.New(nil)
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	return h
}

// scriptedEvaluator returns a fixed score per tool name found in the prompt.
func scriptedEvaluator(scores map[string]int, fail map[string]bool) llm.Evaluator {
	return llm.EvaluatorFunc(func(ctx context.Context, prompt string) (json.RawMessage, error) {
		for name, score := range scores {
			if strings.Contains(prompt, "Handler: "+name+"\n") {
				if fail[name] {
					return nil, errors.New("evaluation backend down")
				}
				return json.RawMessage(fmt.Sprintf(`{"score": %d, "parameters": {"tool": %q}}`, score, name)), nil
			}
		}
		return json.RawMessage(`{"score": 0, "parameters": {}}`), nil
	})
}

func newEvaluator(t *testing.T, cfgs []configpkg.ToolConfig, eval llm.Evaluator, threshold int) *Evaluator {
	t.Helper()
	return NewEvaluator(cfgs, testHierarchy(t), eval, scatter.NewPool(8), threshold)
}

func productTools() []configpkg.ToolConfig {
	return []configpkg.ToolConfig{
		{Name: "price_compare", Types: []string{"Product"}, Enabled: true},
		{Name: "spec_lookup", Types: []string{"Product"}, Enabled: true},
		{Name: "review_digest", Types: []string{"Product"}, Enabled: true},
	}
}

func TestSelectToolPicksHighestScore(t *testing.T) {
	eval := scriptedEvaluator(map[string]int{
		"price_compare": 40,
		"spec_lookup":   82,
		"review_digest": 70,
	}, nil)
	e := newEvaluator(t, productTools(), eval, 75)

	got, err := e.SelectTool(context.Background(), "what are the specs", "Product")
	if err != nil {
		t.Fatalf("SelectTool: %v", err)
	}
	if got == nil {
		t.Fatal("expected a selection")
	}
	if got.ToolName != "spec_lookup" || got.Score != 82 {
		t.Fatalf("unexpected winner %+v", got)
	}
	if got.Parameters["tool"] != "spec_lookup" {
		t.Fatalf("parameters not extracted: %v", got.Parameters)
	}
}

func TestSelectToolBelowThresholdReturnsNone(t *testing.T) {
	eval := scriptedEvaluator(map[string]int{
		"price_compare": 40,
		"spec_lookup":   60,
		"review_digest": 70,
	}, nil)
	e := newEvaluator(t, productTools(), eval, 75)

	got, err := e.SelectTool(context.Background(), "anything", "Product")
	if err != nil {
		t.Fatalf("SelectTool: %v", err)
	}
	if got != nil {
		t.Fatalf("expected none below threshold, got %+v", got)
	}
}

func TestSelectToolTieBreaksByDeclarationOrder(t *testing.T) {
	eval := scriptedEvaluator(map[string]int{
		"price_compare": 80,
		"spec_lookup":   80,
		"review_digest": 80,
	}, nil)
	e := newEvaluator(t, productTools(), eval, 75)

	for i := 0; i < 10; i++ {
		got, err := e.SelectTool(context.Background(), "anything", "Product")
		if err != nil {
			t.Fatalf("SelectTool: %v", err)
		}
		if got == nil || got.ToolName != "price_compare" {
			t.Fatalf("run %d: expected first-declared tool to win tie, got %+v", i, got)
		}
	}
}

func TestSelectToolFailedCallScoresZero(t *testing.T) {
	eval := scriptedEvaluator(map[string]int{
		"price_compare": 90,
		"spec_lookup":   80,
		"review_digest": 70,
	}, map[string]bool{"price_compare": true})
	e := newEvaluator(t, productTools(), eval, 75)

	got, err := e.SelectTool(context.Background(), "anything", "Product")
	if err != nil {
		t.Fatalf("SelectTool: %v", err)
	}
	if got == nil || got.ToolName != "spec_lookup" {
		t.Fatalf("expected surviving tool to win, got %+v", got)
	}
}

func TestCandidatesUseTypeInheritance(t *testing.T) {
	cfgs := []configpkg.ToolConfig{
		{Name: "creative_digest", Types: []string{"CreativeWork"}, Enabled: true},
		{Name: "price_compare", Types: []string{"Product"}, Enabled: true},
		{Name: "anything_tool", Types: []string{"Thing"}, Enabled: true},
	}
	e := newEvaluator(t, cfgs, scriptedEvaluator(nil, nil), 75)

	got := e.Candidates("NewsArticle")
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates for NewsArticle, got %d", len(got))
	}
	if got[0].Name != "creative_digest" || got[1].Name != "anything_tool" {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestCandidatesNoneWhenNoIntersection(t *testing.T) {
	cfgs := []configpkg.ToolConfig{
		{Name: "price_compare", Types: []string{"Product"}, Enabled: true},
	}
	e := newEvaluator(t, cfgs, scriptedEvaluator(nil, nil), 75)

	got, err := e.SelectTool(context.Background(), "anything", "Recipe")
	if err != nil {
		t.Fatalf("SelectTool: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no selection, got %+v", got)
	}
}

func TestDisabledToolsExcluded(t *testing.T) {
	cfgs := []configpkg.ToolConfig{
		{Name: "price_compare", Types: []string{"Product"}, Enabled: false},
		{Name: "spec_lookup", Types: []string{"Product"}, Enabled: true},
	}
	e := newEvaluator(t, cfgs, scriptedEvaluator(nil, nil), 75)

	if defs := e.Definitions(); len(defs) != 1 || defs[0].Name != "spec_lookup" {
		t.Fatalf("expected only enabled tools, got %+v", defs)
	}
}

func TestUnknownTypesFlagsMisdeclaredTools(t *testing.T) {
	cfgs := []configpkg.ToolConfig{
		{Name: "price_compare", Types: []string{"Product", "Prodcut"}, Enabled: true},
		{Name: "spec_lookup", Types: []string{"Gadget"}, Enabled: true},
		{Name: "review_digest", Types: []string{"Gadget"}, Enabled: true},
		{Name: "disabled_tool", Types: []string{"Bogus"}, Enabled: false},
	}
	e := newEvaluator(t, cfgs, scriptedEvaluator(nil, nil), 75)

	got := e.UnknownTypes()
	want := []string{"Prodcut", "Gadget"}
	if len(got) != len(want) {
		t.Fatalf("UnknownTypes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("UnknownTypes = %v, want %v", got, want)
		}
	}
}

func TestUnknownTypesEmptyForKnownDeclarations(t *testing.T) {
	e := newEvaluator(t, productTools(), scriptedEvaluator(nil, nil), 75)
	if got := e.UnknownTypes(); len(got) != 0 {
		t.Fatalf("expected no unknown types, got %v", got)
	}
}
