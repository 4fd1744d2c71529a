package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/controller"
)

func registerPageHandlers(api huma.API, svc Service) {
	type evaluateInput struct {
		TargetID string `path:"target_id"`
		Body     struct {
			Expression    string `json:"expression" doc:"JavaScript expression"`
			AwaitPromise  bool   `json:"awaitPromise,omitempty"`
			ReturnByValue *bool  `json:"returnByValue,omitempty" doc:"Defaults to true"`
		}
	}
	type evaluateOutput struct {
		Body cdpcontrol.EvalResult
	}
	huma.Register(api, huma.Operation{OperationID: "evaluate", Method: http.MethodPost, Path: "/api/v1/targets/{target_id}/evaluate", Summary: "Evaluate JavaScript in the target", Tags: []string{"Page"}},
		func(ctx context.Context, input *evaluateInput) (*evaluateOutput, error) {
			byValue := true
			if input.Body.ReturnByValue != nil {
				byValue = *input.Body.ReturnByValue
			}
			res, err := svc.Evaluate(ctx, input.TargetID, controller.EvaluateInput{
				Expression:    input.Body.Expression,
				AwaitPromise:  input.Body.AwaitPromise,
				ReturnByValue: byValue,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return &evaluateOutput{Body: res}, nil
		})

	type navigateInput struct {
		TargetID string `path:"target_id"`
		Body     struct {
			URL string `json:"url" doc:"Destination URL"`
		}
	}
	type navigateOutput struct {
		Body cdpcontrol.NavigateResult
	}
	huma.Register(api, huma.Operation{OperationID: "navigate", Method: http.MethodPost, Path: "/api/v1/targets/{target_id}/navigate", Summary: "Navigate the target", Tags: []string{"Page"}},
		func(ctx context.Context, input *navigateInput) (*navigateOutput, error) {
			res, err := svc.Navigate(ctx, input.TargetID, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &navigateOutput{Body: res}, nil
		})

	type reloadInput struct {
		TargetID    string `path:"target_id"`
		IgnoreCache bool   `query:"ignore_cache" doc:"Bypass the browser cache"`
	}
	type reloadOutput struct {
		Body controller.ReloadResult
	}
	huma.Register(api, huma.Operation{OperationID: "reload", Method: http.MethodPost, Path: "/api/v1/targets/{target_id}/reload", Summary: "Reload the target", Tags: []string{"Page"}},
		func(ctx context.Context, input *reloadInput) (*reloadOutput, error) {
			res, err := svc.Reload(ctx, input.TargetID, input.IgnoreCache)
			if err != nil {
				return nil, mapErr(err)
			}
			return &reloadOutput{Body: res}, nil
		})
}
