package coordinator

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/convo"
	"github.com/sitequery/sitequery/internal/llm"
	"github.com/sitequery/sitequery/internal/rank"
	"github.com/sitequery/sitequery/internal/retrieval"
	"github.com/sitequery/sitequery/internal/scatter"
	"github.com/sitequery/sitequery/internal/stream"
	"github.com/sitequery/sitequery/internal/telemetry"
	"github.com/sitequery/sitequery/internal/tools"
)

var coordinatorTracer trace.Tracer = otel.Tracer("sitequery/internal/coordinator")

// State names the phases of one query's lifecycle.
type State string

const (
	StateCreated    State = "created"
	StatePreparing  State = "preparing"
	StateRacing     State = "racing"
	StateReconciled State = "reconciled"
	StateDispatched State = "dispatched"
	StateStreaming  State = "streaming"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Query is the submission contract for one question.
type Query struct {
	ID             string
	RawText        string
	SiteScope      []string
	GenerateMode   bool
	ConversationID string
}

// queryContext is the working state for one in-flight query. It is
// mutated only by the coordinator goroutine running that query.
type queryContext struct {
	query           Query
	state           State
	decontextText   string
	resolvedType    string
	inScope         bool
	selectedTool    *tools.Evaluation
	results         []rank.Result
	remembered      map[string]string
	partial         bool
}

// Handler is a specialized query handler invoked when tool evaluation
// selects it. It writes its own messages to the emitter and must not
// emit a terminal message.
type Handler interface {
	Handle(ctx context.Context, params map[string]interface{}, q Query, emitter *stream.Emitter) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]interface{}, q Query, emitter *stream.Emitter) error

func (f HandlerFunc) Handle(ctx context.Context, params map[string]interface{}, q Query, emitter *stream.Emitter) error {
	return f(ctx, params, q, emitter)
}

// Coordinator owns the per-query lifecycle: the fast-track/analysis
// race, reconciliation, tool dispatch, and emission.
type Coordinator struct {
	aggregator *retrieval.Aggregator
	ranker     *rank.Ranker
	toolEval   *tools.Evaluator
	llm        llm.Evaluator
	pool       *scatter.Pool
	convo      *convo.Store
	handlers   map[string]Handler
	deadline   time.Duration
	grace      time.Duration
	aggLimit   int
	batchSize  int
	logger     *log.Logger
}

type Option func(*Coordinator)

// WithConversationStore wires prior-turn history and remembered facts.
func WithConversationStore(s *convo.Store) Option {
	return func(c *Coordinator) { c.convo = s }
}

// WithHandler registers a tool handler by tool name.
func WithHandler(name string, h Handler) Option {
	return func(c *Coordinator) { c.handlers[name] = h }
}

func New(cfg configpkg.QueryConfig, aggregator *retrieval.Aggregator, ranker *rank.Ranker, toolEval *tools.Evaluator, evaluator llm.Evaluator, pool *scatter.Pool, opts ...Option) *Coordinator {
	c := &Coordinator{
		aggregator: aggregator,
		ranker:     ranker,
		toolEval:   toolEval,
		llm:        evaluator,
		pool:       pool,
		handlers:   map[string]Handler{},
		deadline:   cfg.Deadline,
		grace:      cfg.GracePeriod,
		aggLimit:   cfg.AggregationLimit,
		batchSize:  5,
		logger:     log.New(os.Stdout, "[COORD] ", log.LstdFlags),
	}
	if c.deadline <= 0 {
		c.deadline = 30 * time.Second
	}
	if c.grace <= 0 {
		c.grace = 2 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type fastOutcome struct {
	results []rank.Result
	err     error
}

// Run drives one query to completion, writing every caller-visible
// message to emitter. It returns after the terminal message or after
// cancellation.
func (c *Coordinator) Run(ctx context.Context, q Query, emitter *stream.Emitter) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	qc := &queryContext{query: q, state: StateCreated, inScope: true, remembered: map[string]string{}}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	ctx, span := coordinatorTracer.Start(ctx, "query.run",
		trace.WithAttributes(attribute.String("query.id", q.ID)))
	defer span.End()

	c.setState(qc, StatePreparing)
	if q.RawText == "" {
		c.fail(qc, emitter, "invalid_query")
		span.SetStatus(codes.Error, "empty query")
		return
	}

	c.setState(qc, StateRacing)
	fastCh := make(chan fastOutcome, 1)
	go func() {
		fastCh <- c.fastTrack(ctx, q)
	}()
	anaCh := make(chan analysisOutcome, 1)
	go func() {
		anaCh <- c.analyze(ctx, q)
	}()

	// Fast-track results are held until analysis lands or the grace
	// period after their arrival runs out, whichever happens first.
	var (
		fast       *fastOutcome
		ana        *analysisOutcome
		graceTimer <-chan time.Time
	)
race:
	for {
		select {
		case f := <-fastCh:
			fast = &f
			timer := time.NewTimer(c.grace)
			defer timer.Stop()
			graceTimer = timer.C
		case a := <-anaCh:
			ana = &a
			break race
		case <-graceTimer:
			break race
		case <-ctx.Done():
			break race
		}
	}

	if ctx.Err() != nil {
		c.finishInterrupted(ctx, qc, emitter, fast, span)
		return
	}

	c.setState(qc, StateReconciled)
	if ana != nil {
		if done := c.reconcile(ctx, qc, emitter, ana, fast, fastCh, span); done {
			return
		}
		c.setState(qc, StateStreaming)
		c.streamResults(ctx, qc, emitter)
	} else {
		// Grace expired with analysis still running: release the
		// fast-track results now. Late analysis can only add
		// remembered facts before the terminal message.
		qc.decontextText = q.RawText
		if fast.err != nil {
			c.emitRetrievalError(qc, emitter, fast.err)
			return
		}
		qc.results = fast.results
		c.setState(qc, StateStreaming)
		c.streamResults(ctx, qc, emitter)
		select {
		case a := <-anaCh:
			c.emitRemembered(ctx, qc, emitter, &a)
		case <-ctx.Done():
		}
	}

	c.finish(ctx, qc, emitter)
	telemetry.QueriesTotal.WithLabelValues(string(qc.state)).Inc()
}

// reconcile applies the suppression rules once analysis has landed.
// It reports true when it already terminated the stream.
func (c *Coordinator) reconcile(ctx context.Context, qc *queryContext, emitter *stream.Emitter, ana *analysisOutcome, fast *fastOutcome, fastCh <-chan fastOutcome, span trace.Span) bool {
	qc.decontextText = ana.text
	qc.resolvedType = ana.resolvedType
	qc.inScope = ana.inScope
	qc.selectedTool = ana.tool

	changed := materiallyDifferent(qc.query.RawText, ana.text)
	suppress := changed || !ana.inScope || ana.tool != nil
	if suppress {
		telemetry.FastTrackSuppressed.Inc()
		span.AddEvent("fasttrack.suppressed", trace.WithAttributes(
			attribute.Bool("text_changed", changed),
			attribute.Bool("in_scope", ana.inScope),
			attribute.Bool("tool_selected", ana.tool != nil),
		))
	}

	if changed || !ana.inScope {
		emitter.Emit(stream.TypeAnalysis, map[string]interface{}{
			"decontextualized": ana.text,
			"in_scope":         ana.inScope,
		})
	}
	c.emitRemembered(ctx, qc, emitter, ana)

	if !ana.inScope {
		emitter.Emit(stream.TypeError, map[string]interface{}{"reason": "out_of_scope"})
		c.setState(qc, StateComplete)
		emitter.Emit(stream.TypeComplete, nil)
		return true
	}

	if ana.tool != nil {
		c.setState(qc, StateDispatched)
		c.dispatch(ctx, qc, emitter, ana.tool)
		c.setState(qc, StateComplete)
		emitter.Emit(stream.TypeComplete, nil)
		return true
	}

	if changed {
		// The corrected query invalidates the raw-text results; run
		// retrieval again against the rewrite.
		emitter.Emit(stream.TypeAskingSites, map[string]interface{}{"sites": qc.query.SiteScope})
		rerun := c.fastTrack(ctx, Query{
			ID:        qc.query.ID,
			RawText:   ana.text,
			SiteScope: qc.query.SiteScope,
		})
		if rerun.err != nil {
			c.emitRetrievalError(qc, emitter, rerun.err)
			return true
		}
		qc.results = rerun.results
		return false
	}

	if fast == nil {
		select {
		case f := <-fastCh:
			fast = &f
		case <-ctx.Done():
			c.finishInterrupted(ctx, qc, emitter, nil, span)
			return true
		}
	}
	if fast.err != nil {
		c.emitRetrievalError(qc, emitter, fast.err)
		return true
	}
	qc.results = fast.results
	return false
}

// fastTrack aggregates and ranks for one query text.
func (c *Coordinator) fastTrack(ctx context.Context, q Query) fastOutcome {
	ctx, span := coordinatorTracer.Start(ctx, "query.fasttrack")
	defer span.End()

	aggregated, err := c.aggregator.Aggregate(ctx, q.RawText, q.SiteScope, c.aggLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fastOutcome{err: err}
	}
	ranked := c.ranker.Rank(ctx, q.RawText, aggregated)
	span.SetAttributes(attribute.Int("results.ranked", len(ranked)))
	return fastOutcome{results: ranked}
}

func (c *Coordinator) dispatch(ctx context.Context, qc *queryContext, emitter *stream.Emitter, eval *tools.Evaluation) {
	handler, ok := c.handlers[eval.ToolName]
	if !ok {
		c.logger.Printf("tool %s selected but no handler registered, falling back", eval.ToolName)
		rerun := c.fastTrack(ctx, Query{ID: qc.query.ID, RawText: qc.decontextText, SiteScope: qc.query.SiteScope})
		if rerun.err != nil {
			c.emitRetrievalErrorNonTerminal(qc, emitter, rerun.err)
			return
		}
		qc.results = rerun.results
		c.streamResults(ctx, qc, emitter)
		return
	}
	if err := handler.Handle(ctx, eval.Parameters, qc.query, emitter); err != nil {
		c.logger.Printf("tool %s handler failed: %v", eval.ToolName, err)
		emitter.Emit(stream.TypeError, map[string]interface{}{"reason": "no_results"})
	}
}

// streamResults pushes ranked results in small batches followed by a
// summary or generated answer.
func (c *Coordinator) streamResults(ctx context.Context, qc *queryContext, emitter *stream.Emitter) {
	for start := 0; start < len(qc.results); start += c.batchSize {
		end := start + c.batchSize
		if end > len(qc.results) {
			end = len(qc.results)
		}
		if !emitter.Emit(stream.TypeResultBatch, qc.results[start:end]) {
			return
		}
	}

	if qc.query.GenerateMode && len(qc.results) > 0 {
		answer, err := c.generateAnswer(ctx, qc.decontextText, qc.results)
		if err == nil && answer != "" {
			emitter.Emit(stream.TypeAnswer, map[string]interface{}{"text": answer})
			c.recordTurn(qc, answer)
			return
		}
		c.logger.Printf("answer generation failed, falling back to summary: %v", err)
	}
	emitter.Emit(stream.TypeSummary, map[string]interface{}{
		"result_count": len(qc.results),
		"partial":      qc.partial,
	})
	c.recordTurn(qc, "")
}

func (c *Coordinator) finish(ctx context.Context, qc *queryContext, emitter *stream.Emitter) {
	c.setState(qc, StateComplete)
	emitter.Emit(stream.TypeComplete, nil)
}

// finishInterrupted handles deadline expiry and caller cancellation.
// Deadlines still produce a terminal message with whatever completed;
// explicit cancellation stops silently because the caller is gone.
func (c *Coordinator) finishInterrupted(ctx context.Context, qc *queryContext, emitter *stream.Emitter, fast *fastOutcome, span trace.Span) {
	if errors.Is(ctx.Err(), context.Canceled) || emitter.Cancelled() {
		emitter.Cancel()
		telemetry.QueriesTotal.WithLabelValues("cancelled").Inc()
		span.AddEvent("query.cancelled")
		return
	}
	qc.partial = true
	if fast != nil && fast.err == nil {
		qc.results = fast.results
	}
	c.streamResults(ctx, qc, emitter)
	c.setState(qc, StateComplete)
	emitter.Emit(stream.TypeComplete, nil)
	telemetry.QueriesTotal.WithLabelValues("deadline").Inc()
	span.AddEvent("query.deadline")
}

func (c *Coordinator) emitRetrievalError(qc *queryContext, emitter *stream.Emitter, err error) {
	c.emitRetrievalErrorNonTerminal(qc, emitter, err)
	c.setState(qc, StateComplete)
	emitter.Emit(stream.TypeComplete, nil)
	telemetry.QueriesTotal.WithLabelValues("no_sources").Inc()
}

func (c *Coordinator) emitRetrievalErrorNonTerminal(qc *queryContext, emitter *stream.Emitter, err error) {
	reason := "no_results"
	if errors.Is(err, retrieval.ErrNoBackendAvailable) {
		reason = "no_sources"
	}
	c.logger.Printf("query %s retrieval failed: %v", qc.query.ID, err)
	emitter.Emit(stream.TypeError, map[string]interface{}{"reason": reason})
}

func (c *Coordinator) emitRemembered(ctx context.Context, qc *queryContext, emitter *stream.Emitter, ana *analysisOutcome) {
	for _, fact := range ana.remembered {
		qc.remembered[fact.Key] = fact.Value
		emitter.Emit(stream.TypeRemember, map[string]interface{}{"key": fact.Key, "value": fact.Value})
		if c.convo != nil && qc.query.ConversationID != "" {
			if err := c.convo.Remember(ctx, qc.query.ConversationID, fact.Key, fact.Value); err != nil {
				c.logger.Printf("persisting fact %s: %v", fact.Key, err)
			}
		}
	}
}

func (c *Coordinator) recordTurn(qc *queryContext, answer string) {
	if c.convo == nil || qc.query.ConversationID == "" {
		return
	}
	turn := convo.Turn{Query: qc.query.RawText, Answer: answer}
	if qc.decontextText != qc.query.RawText {
		turn.Decontext = qc.decontextText
	}
	// Persist outside the query deadline so a timed-out query still
	// records its turn.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.convo.AppendTurn(ctx, qc.query.ConversationID, turn); err != nil {
		c.logger.Printf("recording turn: %v", err)
	}
}

func (c *Coordinator) fail(qc *queryContext, emitter *stream.Emitter, reason string) {
	c.setState(qc, StateFailed)
	emitter.Emit(stream.TypeError, map[string]interface{}{"reason": reason})
	emitter.Emit(stream.TypeComplete, nil)
	telemetry.QueriesTotal.WithLabelValues(string(StateFailed)).Inc()
}

func (c *Coordinator) setState(qc *queryContext, s State) {
	qc.state = s
	c.logger.Printf("query %s -> %s", qc.query.ID, s)
}
