package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrEvaluation marks a recoverable per-call evaluation failure. Callers treat
// it as a zero score or empty extraction, never as a fatal condition.
var ErrEvaluation = errors.New("evaluation failed")

// Evaluator is the single capability the engine needs from a language model:
// send a prompt that demands a JSON-only answer, get the raw JSON back.
// Implementations must tolerate many concurrent callers.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt string) (json.RawMessage, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface. Tests use it to
// stub structured responses without a network.
type EvaluatorFunc func(ctx context.Context, prompt string) (json.RawMessage, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, prompt string) (json.RawMessage, error) {
	return f(ctx, prompt)
}
