package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/cdp_observer/internal/controller"
	"github.com/dgnsrekt/cdp_observer/internal/session"
)

func registerTargetHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status   string `json:"status"`
			Sessions int    `json:"sessions"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Sessions = len(svc.Sessions(ctx))
			return out, nil
		})

	type listTargetsInput struct {
		Type        []string `query:"type" doc:"Target types to include, e.g. page,service_worker"`
		URLIncludes string   `query:"url_includes" doc:"Substring the target URL must contain"`
	}
	type listTargetsOutput struct {
		Body struct {
			Targets []controller.TargetSummary `json:"targets"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-targets", Method: http.MethodGet, Path: "/api/v1/targets", Summary: "List debuggable targets", Tags: []string{"Targets"}},
		func(ctx context.Context, input *listTargetsInput) (*listTargetsOutput, error) {
			targets, err := svc.ListTargets(ctx, input.Type, input.URLIncludes)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTargetsOutput{}
			out.Body.Targets = targets
			return out, nil
		})

	type observeInput struct {
		Body struct {
			TargetID    string `json:"targetId,omitempty" doc:"Target to observe"`
			URLIncludes string `json:"urlIncludes,omitempty" doc:"Observe the first target whose URL contains this"`
			BufferSize  int    `json:"bufferSize,omitempty" doc:"Ring buffer capacity. 0 uses the default."`
			TTLSec      int    `json:"ttlSec,omitempty" doc:"Idle seconds before the session is collected. 0 uses the default."`
		}
	}
	type observeOutput struct {
		Body session.ObserveResult
	}
	huma.Register(api, huma.Operation{OperationID: "observe", Method: http.MethodPost, Path: "/api/v1/observe", Summary: "Start observing a target", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *observeInput) (*observeOutput, error) {
			res, err := svc.Observe(ctx, controller.ObserveInput{
				TargetID:    input.Body.TargetID,
				URLIncludes: input.Body.URLIncludes,
				BufferSize:  input.Body.BufferSize,
				TTLSec:      input.Body.TTLSec,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return &observeOutput{Body: res}, nil
		})

	type sessionsOutput struct {
		Body struct {
			Sessions []session.Info `json:"sessions"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/sessions", Summary: "List observation sessions", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct{}) (*sessionsOutput, error) {
			out := &sessionsOutput{}
			out.Body.Sessions = svc.Sessions(ctx)
			return out, nil
		})

	type stopInput struct {
		TargetID   string `path:"target_id"`
		DropBuffer bool   `query:"drop_buffer" doc:"Discard the session and its buffer instead of retaining it detached"`
	}
	type stopOutput struct {
		Body session.StopResult
	}
	huma.Register(api, huma.Operation{OperationID: "stop-observe", Method: http.MethodPost, Path: "/api/v1/targets/{target_id}/stop", Summary: "Stop observing a target", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *stopInput) (*stopOutput, error) {
			res, err := svc.StopObserve(ctx, input.TargetID, input.DropBuffer)
			if err != nil {
				return nil, mapErr(err)
			}
			return &stopOutput{Body: res}, nil
		})
}
