package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/cdp_observer/internal/buffer"
	"github.com/dgnsrekt/cdp_observer/internal/controller"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/types"
)

type filtersBody struct {
	Kinds        []string `json:"kinds,omitempty" doc:"Event categories or kinds to admit. Empty admits all."`
	URLAllowlist []string `json:"urlAllowlist,omitempty" doc:"URL substrings to admit. Empty admits all."`
	URLBlocklist []string `json:"urlBlocklist,omitempty" doc:"URL substrings to reject. Checked before the allowlist."`
	MaxBodyBytes int      `json:"maxBodyBytes,omitempty" doc:"Byte budget for text and body fields. 0 uses the default."`
}

func (b filtersBody) config() filter.Config {
	kinds := make([]types.Category, 0, len(b.Kinds))
	for _, k := range b.Kinds {
		kinds = append(kinds, types.Category(k))
	}
	return filter.Config{
		Kinds:        kinds,
		URLAllowlist: b.URLAllowlist,
		URLBlocklist: b.URLBlocklist,
		MaxBodyBytes: b.MaxBodyBytes,
	}
}

func registerEventHandlers(api huma.API, svc Service) {
	type readEventsInput struct {
		TargetID     string   `path:"target_id"`
		Offset       int64    `query:"offset" doc:"Sequence to resume from"`
		Limit        int      `query:"limit" doc:"Maximum events to scan (default 200, max 10000)"`
		Kinds        []string `query:"kinds" doc:"Kinds or categories to return"`
		Types        []string `query:"types" doc:"Console types or log levels to return"`
		URLIncludes  string   `query:"url_includes" doc:"Substring of the request/response URL"`
		TextIncludes string   `query:"text_includes" doc:"Case-insensitive substring of the message text"`
		Method       string   `query:"method" doc:"HTTP method of requests"`
		Reverse      bool     `query:"reverse" doc:"Newest first"`
	}
	type readEventsOutput struct {
		Body controller.ReadResult
	}
	huma.Register(api, huma.Operation{OperationID: "read-events", Method: http.MethodGet, Path: "/api/v1/targets/{target_id}/events", Summary: "Read buffered events", Tags: []string{"Events"}},
		func(ctx context.Context, input *readEventsInput) (*readEventsOutput, error) {
			res, err := svc.ReadEvents(ctx, controller.ReadQuery{
				TargetID:     input.TargetID,
				Offset:       input.Offset,
				Limit:        input.Limit,
				Kinds:        input.Kinds,
				Types:        input.Types,
				URLIncludes:  input.URLIncludes,
				TextIncludes: input.TextIncludes,
				Method:       input.Method,
				Reverse:      input.Reverse,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return &readEventsOutput{Body: res}, nil
		})

	type clearOutput struct {
		Body controller.ClearResult
	}
	huma.Register(api, huma.Operation{OperationID: "clear-events", Method: http.MethodDelete, Path: "/api/v1/targets/{target_id}/events", Summary: "Clear buffered events", Tags: []string{"Events"}},
		func(ctx context.Context, input *targetIDInput) (*clearOutput, error) {
			res, err := svc.ClearEvents(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &clearOutput{Body: res}, nil
		})

	type bodyInput struct {
		TargetID  string `path:"target_id"`
		RequestID string `path:"request_id"`
		Base64    bool   `query:"base64" doc:"Return the body base64 encoded"`
	}
	type bodyOutput struct {
		Body controller.BodyResult
	}
	huma.Register(api, huma.Operation{OperationID: "get-response-body", Method: http.MethodGet, Path: "/api/v1/targets/{target_id}/body/{request_id}", Summary: "Fetch a response body", Tags: []string{"Events"}},
		func(ctx context.Context, input *bodyInput) (*bodyOutput, error) {
			res, err := svc.GetResponseBody(ctx, input.TargetID, input.RequestID, input.Base64)
			if err != nil {
				return nil, mapErr(err)
			}
			return &bodyOutput{Body: res}, nil
		})

	type filtersOutput struct {
		Body filter.Config
	}
	huma.Register(api, huma.Operation{OperationID: "get-filters", Method: http.MethodGet, Path: "/api/v1/targets/{target_id}/filters", Summary: "Get ingestion filters", Tags: []string{"Filters"}},
		func(ctx context.Context, input *targetIDInput) (*filtersOutput, error) {
			cfg, err := svc.GetFilters(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &filtersOutput{Body: cfg}, nil
		})

	type setFiltersInput struct {
		TargetID string `path:"target_id"`
		Body     filtersBody
	}
	huma.Register(api, huma.Operation{OperationID: "set-filters", Method: http.MethodPut, Path: "/api/v1/targets/{target_id}/filters", Summary: "Replace ingestion filters", Tags: []string{"Filters"}},
		func(ctx context.Context, input *setFiltersInput) (*filtersOutput, error) {
			cfg, err := svc.SetFilters(ctx, input.TargetID, input.Body.config())
			if err != nil {
				return nil, mapErr(err)
			}
			return &filtersOutput{Body: cfg}, nil
		})

	type resourceOutput struct {
		Body buffer.Slice
	}
	huma.Register(api, huma.Operation{OperationID: "events-resource", Method: http.MethodGet, Path: "/api/v1/resources/events/{target_id}", Summary: "Newest buffered events (events:// resource)", Tags: []string{"Events"}},
		func(ctx context.Context, input *targetIDInput) (*resourceOutput, error) {
			res, err := svc.EventsResource(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &resourceOutput{Body: res}, nil
		})
}
