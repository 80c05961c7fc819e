package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sitequery/sitequery/internal/coordinator"
	"github.com/sitequery/sitequery/internal/ingest"
	"github.com/sitequery/sitequery/internal/retrieval"
	"github.com/sitequery/sitequery/internal/stream"
)

var askTracer trace.Tracer = otel.Tracer("sitequery/internal/server")

type AskRequest struct {
	Query          string   `json:"query"`
	Sites          []string `json:"sites,omitempty"`
	Generate       bool     `json:"generate,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

type IngestRequest struct {
	URLs []string `json:"urls"`
}

type AskHandler struct {
	Coordinator *coordinator.Coordinator
	Registry    *retrieval.Registry
	Ingestor    *ingest.Ingestor
}

func (h *AskHandler) Register(g *echo.Group) {
	g.POST("/ask", h.ask)
	g.GET("/sites", h.sites)
	g.GET("/lookup", h.lookup)
	if h.Ingestor != nil {
		g.POST("/ingest", h.ingest)
	}
}

// ask streams the answer for one query as Server-Sent Events, one
// event per stream message. Client disconnect cancels the query.
func (h *AskHandler) ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}

	reqCtx := c.Request().Context()
	ctx, span := askTracer.Start(reqCtx, "AskHandler.ask")
	defer span.End()
	queryID := uuid.NewString()
	span.SetAttributes(attribute.String("query.id", queryID))

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	emitter := stream.NewEmitter(256)
	go h.Coordinator.Run(ctx, coordinator.Query{
		ID:             queryID,
		RawText:        req.Query,
		SiteScope:      req.Sites,
		GenerateMode:   req.Generate,
		ConversationID: req.ConversationID,
	}, emitter)

	for {
		select {
		case msg, open := <-emitter.Messages():
			if !open {
				return nil
			}
			data, err := json.Marshal(msg)
			if err != nil {
				span.RecordError(err)
				continue
			}
			if _, err := resp.Write([]byte("event: " + string(msg.Type) + "\n")); err != nil {
				emitter.Cancel()
				return nil
			}
			if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				emitter.Cancel()
				return nil
			}
			flusher.Flush()
		case <-reqCtx.Done():
			emitter.Cancel()
			return nil
		}
	}
}

func (h *AskHandler) sites(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sites": h.Registry.Sites(c.Request().Context()),
	})
}

// lookup returns the stored record for one exact URL, from the
// highest-priority backend that has it.
func (h *AskHandler) lookup(c echo.Context) error {
	url := c.QueryParam("url")
	if url == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url required")
	}
	res := h.Registry.Lookup(c.Request().Context(), url)
	if res == nil {
		return echo.NewHTTPError(http.StatusNotFound, "url not indexed")
	}
	return c.JSON(http.StatusOK, res)
}

func (h *AskHandler) ingest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.URLs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "urls required")
	}
	n, err := h.Ingestor.Ingest(c.Request().Context(), req.URLs)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"indexed": n})
}
