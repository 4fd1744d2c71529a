package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/cdp_observer/internal/buffer"
	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/controller"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/relay"
	"github.com/dgnsrekt/cdp_observer/internal/session"
	"github.com/dgnsrekt/cdp_observer/internal/types"
)

type stubService struct {
	err       error
	lastRead  controller.ReadQuery
	lastEval  controller.EvaluateInput
	lastCfg   filter.Config
	lastStop  bool
	lastBase  bool
	observeIn controller.ObserveInput
}

func (s *stubService) ListTargets(ctx context.Context, targetTypes []string, urlIncludes string) ([]controller.TargetSummary, error) {
	return []controller.TargetSummary{{TargetInfo: cdpcontrol.TargetInfo{ID: "T1", Type: "page"}}}, s.err
}
func (s *stubService) Observe(ctx context.Context, in controller.ObserveInput) (session.ObserveResult, error) {
	s.observeIn = in
	return session.ObserveResult{TargetID: in.TargetID, Attached: true, ObservationID: "obs-1"}, s.err
}
func (s *stubService) StopObserve(ctx context.Context, targetID string, dropBuffer bool) (session.StopResult, error) {
	s.lastStop = dropBuffer
	return session.StopResult{TargetID: targetID, Stopped: true, Dropped: dropBuffer}, s.err
}
func (s *stubService) Sessions(ctx context.Context) []session.Info {
	return []session.Info{{TargetID: "T1"}}
}
func (s *stubService) ReadEvents(ctx context.Context, q controller.ReadQuery) (controller.ReadResult, error) {
	s.lastRead = q
	ev := types.Envelope{Sequence: 4, TargetID: q.TargetID, Data: &types.Console{Message: types.Message{Type: "log", Text: "hi"}}}
	return controller.ReadResult{Events: []types.Envelope{ev}, NextOffset: 5, TotalCount: 5, FilteredCount: 1}, s.err
}
func (s *stubService) ClearEvents(ctx context.Context, targetID string) (controller.ClearResult, error) {
	return controller.ClearResult{TargetID: targetID, Cleared: 3}, s.err
}
func (s *stubService) GetResponseBody(ctx context.Context, targetID, requestID string, asBase64 bool) (controller.BodyResult, error) {
	s.lastBase = asBase64
	return controller.BodyResult{RequestID: requestID, Body: "ok", Size: 2}, s.err
}
func (s *stubService) SetFilters(ctx context.Context, targetID string, cfg filter.Config) (filter.Config, error) {
	s.lastCfg = cfg
	return cfg.WithDefaults(), s.err
}
func (s *stubService) GetFilters(ctx context.Context, targetID string) (filter.Config, error) {
	return filter.Config{}.WithDefaults(), s.err
}
func (s *stubService) Evaluate(ctx context.Context, targetID string, in controller.EvaluateInput) (cdpcontrol.EvalResult, error) {
	s.lastEval = in
	return cdpcontrol.EvalResult{Type: "number", Value: 2}, s.err
}
func (s *stubService) Navigate(ctx context.Context, targetID, url string) (cdpcontrol.NavigateResult, error) {
	return cdpcontrol.NavigateResult{FrameID: "F1"}, s.err
}
func (s *stubService) Reload(ctx context.Context, targetID string, ignoreCache bool) (controller.ReloadResult, error) {
	return controller.ReloadResult{TargetID: targetID, Reloaded: true}, s.err
}
func (s *stubService) EventsResource(ctx context.Context, targetID string) (buffer.Slice, error) {
	return buffer.Slice{Events: []types.Envelope{}}, s.err
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := serve(t, h, http.MethodGet, "/docs", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
	if !strings.Contains(body, "/docs/stream") {
		t.Fatalf("docs missing stream docs link")
	}

	w = serve(t, h, http.MethodGet, "/docs/stream", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/api/v1/targets/{target_id}/stream") {
		t.Fatalf("stream docs status = %d", w.Code)
	}
}

func TestMapErr(t *testing.T) {
	cases := map[string]int{
		cdpcontrol.CodeInvalidInput:       http.StatusBadRequest,
		cdpcontrol.CodeTargetNotFound:     http.StatusNotFound,
		cdpcontrol.CodeNotObserving:       http.StatusNotFound,
		cdpcontrol.CodeBodyNotAvailable:   http.StatusNotFound,
		cdpcontrol.CodeAlreadyObserving:   http.StatusConflict,
		cdpcontrol.CodeNotConnected:       http.StatusConflict,
		cdpcontrol.CodeExecutionFailed:    http.StatusUnprocessableEntity,
		cdpcontrol.CodeBrowserUnreachable: http.StatusBadGateway,
		cdpcontrol.CodeNavigationFailed:   http.StatusBadGateway,
		cdpcontrol.CodeReloadFailed:       http.StatusBadGateway,
		cdpcontrol.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		err := mapErr(cdpcontrol.NewError(code, "x", nil))
		var se huma.StatusError
		if !errors.As(err, &se) {
			t.Fatalf("mapErr(%s) = %T; want huma.StatusError", code, err)
		}
		if se.GetStatus() != want {
			t.Fatalf("mapErr(%s) status = %d; want %d", code, se.GetStatus(), want)
		}
		if !strings.Contains(se.Error(), code) {
			t.Fatalf("mapErr(%s) message = %q; want code prefix", code, se.Error())
		}
	}
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) != nil")
	}
}

func TestReadEventsRoute(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)
	w := serve(t, h, http.MethodGet, "/api/v1/targets/T1/events?offset=3&limit=50&kinds=network,console&text_includes=Boom&method=POST&reverse=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	q := svc.lastRead
	if q.TargetID != "T1" || q.Offset != 3 || q.Limit != 50 || !q.Reverse || q.Method != "POST" || q.TextIncludes != "Boom" {
		t.Fatalf("query = %+v", q)
	}
	if len(q.Kinds) != 2 || q.Kinds[0] != "network" {
		t.Fatalf("kinds = %v", q.Kinds)
	}

	var out struct {
		Events []map[string]any `json:"events"`
		Next   int64            `json:"nextOffset"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) != 1 || out.Events[0]["kind"] != "console" || out.Next != 5 {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRouteErrors(t *testing.T) {
	svc := &stubService{err: cdpcontrol.NewError(cdpcontrol.CodeAlreadyObserving, "T1 is already observed", nil)}
	h := NewServer(svc, nil)
	w := serve(t, h, http.MethodPost, "/api/v1/observe", `{"targetId":"T1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("observe status = %d; want 409", w.Code)
	}

	svc.err = cdpcontrol.NewError(cdpcontrol.CodeNotObserving, "no session", nil)
	if w := serve(t, h, http.MethodGet, "/api/v1/targets/T9/filters", ""); w.Code != http.StatusNotFound {
		t.Fatalf("filters status = %d; want 404", w.Code)
	}
	svc.err = errors.New("raw")
	if w := serve(t, h, http.MethodDelete, "/api/v1/targets/T1/events", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("clear status = %d; want 500", w.Code)
	}
}

func TestObserveAndStopRoutes(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)
	w := serve(t, h, http.MethodPost, "/api/v1/observe", `{"urlIncludes":"example.com","bufferSize":50,"ttlSec":30}`)
	if w.Code != http.StatusOK {
		t.Fatalf("observe status = %d body=%s", w.Code, w.Body.String())
	}
	if svc.observeIn.URLIncludes != "example.com" || svc.observeIn.BufferSize != 50 || svc.observeIn.TTLSec != 30 {
		t.Fatalf("observe input = %+v", svc.observeIn)
	}

	w = serve(t, h, http.MethodPost, "/api/v1/targets/T1/stop?drop_buffer=true", "")
	if w.Code != http.StatusOK || !svc.lastStop {
		t.Fatalf("stop status = %d drop=%v", w.Code, svc.lastStop)
	}

	w = serve(t, h, http.MethodGet, "/api/v1/targets/T1/body/R1?base64=true", "")
	if w.Code != http.StatusOK || !svc.lastBase {
		t.Fatalf("body status = %d base64=%v", w.Code, svc.lastBase)
	}
}

func TestSetFiltersRoute(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)
	w := serve(t, h, http.MethodPut, "/api/v1/targets/T1/filters", `{"kinds":["request"],"urlBlocklist":["ads"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if len(svc.lastCfg.Kinds) != 1 || svc.lastCfg.Kinds[0] != types.Category("request") || svc.lastCfg.URLBlocklist[0] != "ads" {
		t.Fatalf("cfg = %+v", svc.lastCfg)
	}
}

func TestEvaluateDefaultsReturnByValue(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)
	if w := serve(t, h, http.MethodPost, "/api/v1/targets/T1/evaluate", `{"expression":"1+1"}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if !svc.lastEval.ReturnByValue || svc.lastEval.Expression != "1+1" {
		t.Fatalf("eval input = %+v", svc.lastEval)
	}
	if w := serve(t, h, http.MethodPost, "/api/v1/targets/T1/evaluate", `{"expression":"x","returnByValue":false}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.lastEval.ReturnByValue {
		t.Fatal("ReturnByValue = true; want explicit false")
	}
}

func TestStreamRoute(t *testing.T) {
	if w := serve(t, NewServer(&stubService{}, nil), http.MethodGet, "/api/v1/targets/T1/stream", ""); w.Code != http.StatusNotFound {
		t.Fatalf("stream without broker status = %d; want 404", w.Code)
	}
	h := NewServer(&stubService{}, relay.NewBroker())
	if w := serve(t, h, http.MethodGet, "/api/v1/targets/T1/stream?kinds=dom", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("stream bad kinds status = %d; want 400", w.Code)
	}
}
