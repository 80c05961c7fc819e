package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/convo"
	"github.com/sitequery/sitequery/internal/coordinator"
	"github.com/sitequery/sitequery/internal/ingest"
	"github.com/sitequery/sitequery/internal/llm"
	"github.com/sitequery/sitequery/internal/llm/openai"
	"github.com/sitequery/sitequery/internal/rank"
	"github.com/sitequery/sitequery/internal/retrieval"
	"github.com/sitequery/sitequery/internal/scatter"
	"github.com/sitequery/sitequery/internal/schemaorg"
	"github.com/sitequery/sitequery/internal/tools"
)

// Run wires every component from configuration and serves until the
// listener fails.
func Run(cfg *configpkg.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	registry, pgDB, err := BuildRegistry(ctx, cfg.Backends)
	if err != nil {
		return err
	}

	pool := scatter.NewPool(cfg.Query.WorkerPoolSize)
	var evaluator llm.Evaluator = openai.New(cfg.LLM)
	hierarchy, err := schemaorg.New(cfg.Types.Parents)
	if err != nil {
		return err
	}
	toolEval := tools.NewEvaluator(cfg.Tools, hierarchy, evaluator, pool, cfg.Query.ToolThreshold)
	for _, t := range toolEval.UnknownTypes() {
		baseLogger.Printf("tool configuration declares type %q unknown to the hierarchy; subtypes will never route to it", t)
	}
	ranker := rank.New(evaluator, pool, cfg.Query.RankThreshold, cfg.Query.RankTopN, cfg.Query.RankMaxInFlight)
	aggregator := retrieval.NewAggregator(registry, pool)

	var opts []coordinator.Option
	if cfg.Conversation.Host != "" {
		store, err := convo.New(ctx, cfg.Conversation)
		if err != nil {
			return fmt.Errorf("conversation store: %w", err)
		}
		opts = append(opts, coordinator.WithConversationStore(store))
	}
	coord := coordinator.New(cfg.Query, aggregator, ranker, toolEval, evaluator, pool, opts...)

	var ingestor *ingest.Ingestor
	if cfg.Ingest.Enabled {
		ingestor = ingest.New(cfg.Ingest, registry.WriteBackend())
		if cfg.Ingest.RefreshCron != "" {
			sched, err := ingest.NewScheduler(cfg.Ingest.RefreshCron, ingestor, knownURLs(registry))
			if err != nil {
				return err
			}
			sched.Start(ctx)
		}
	}

	api := e.Group("/api")
	if pgDB != nil && cfg.Server.JWTSecret != "" {
		auth := &AuthHandler{Users: &UserStore{DB: pgDB}, Secret: []byte(cfg.Server.JWTSecret)}
		auth.Register(api.Group("/auth"))
	}

	protected := api.Group("")
	if cfg.Server.AuthRequired {
		if cfg.Server.JWTSecret == "" {
			return fmt.Errorf("server.auth_required set without server.jwt_secret")
		}
		protected.Use(AuthMiddleware([]byte(cfg.Server.JWTSecret)))
	}

	ask := &AskHandler{Coordinator: coord, Registry: registry, Ingestor: ingestor}
	ask.Register(protected)

	return e.Start(cfg.Server.Address)
}

// knownURLs lists every URL currently in the write backend's sites so
// the refresh scheduler can re-fetch them.
func knownURLs(registry *retrieval.Registry) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		return registry.WriteBackend().URLs(ctx)
	}
}
