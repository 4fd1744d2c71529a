package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/cdp_observer/internal/buffer"
	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/controller"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/relay"
	"github.com/dgnsrekt/cdp_observer/internal/session"
)

type Service interface {
	ListTargets(ctx context.Context, targetTypes []string, urlIncludes string) ([]controller.TargetSummary, error)
	Observe(ctx context.Context, in controller.ObserveInput) (session.ObserveResult, error)
	StopObserve(ctx context.Context, targetID string, dropBuffer bool) (session.StopResult, error)
	Sessions(ctx context.Context) []session.Info
	ReadEvents(ctx context.Context, q controller.ReadQuery) (controller.ReadResult, error)
	ClearEvents(ctx context.Context, targetID string) (controller.ClearResult, error)
	GetResponseBody(ctx context.Context, targetID, requestID string, asBase64 bool) (controller.BodyResult, error)
	SetFilters(ctx context.Context, targetID string, cfg filter.Config) (filter.Config, error)
	GetFilters(ctx context.Context, targetID string) (filter.Config, error)
	Evaluate(ctx context.Context, targetID string, in controller.EvaluateInput) (cdpcontrol.EvalResult, error)
	Navigate(ctx context.Context, targetID, url string) (cdpcontrol.NavigateResult, error)
	Reload(ctx context.Context, targetID string, ignoreCache bool) (controller.ReloadResult, error)
	EventsResource(ctx context.Context, targetID string) (buffer.Slice, error)
}

type targetIDInput struct {
	TargetID string `path:"target_id" doc:"CDP target id"`
}

// NewServer builds the REST surface. A nil broker disables the SSE stream.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("CDP Observer API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, docsHTML)
	})
	router.Get("/docs/stream", func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, streamDocsHTML)
	})
	if broker != nil {
		router.Get("/api/v1/targets/{target_id}/stream", relay.SSEHandler(broker, func(r *http.Request) string {
			return chi.URLParam(r, "target_id")
		}))
	}

	registerTargetHandlers(api, svc)
	registerEventHandlers(api, svc)
	registerPageHandlers(api, svc)

	return router
}

func writeHTML(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write([]byte(page)); err != nil {
		slog.Debug("docs response write failed", "error", err)
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		msg := fmt.Sprintf("%s: %s", coded.Code, coded.Message)
		switch coded.Code {
		case cdpcontrol.CodeInvalidInput:
			return huma.Error400BadRequest(msg)
		case cdpcontrol.CodeTargetNotFound, cdpcontrol.CodeNotObserving, cdpcontrol.CodeBodyNotAvailable:
			return huma.Error404NotFound(msg)
		case cdpcontrol.CodeAlreadyObserving, cdpcontrol.CodeNotConnected:
			return huma.Error409Conflict(msg)
		case cdpcontrol.CodeExecutionFailed:
			return huma.Error422UnprocessableEntity(msg)
		case cdpcontrol.CodeBrowserUnreachable, cdpcontrol.CodeNavigationFailed, cdpcontrol.CodeReloadFailed:
			return huma.Error502BadGateway(msg)
		default:
			return huma.Error500InternalServerError(msg)
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
