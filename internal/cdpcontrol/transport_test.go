package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/gorilla/websocket"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var codedErr *CodedError
	if !errors.As(err, &codedErr) {
		t.Fatalf("expected *CodedError, got %T (%v)", err, err)
	}
	if codedErr.Code != code {
		t.Fatalf("error code = %s; want %s", codedErr.Code, code)
	}
}

func TestEndpointValidate(t *testing.T) {
	if err := (Endpoint{Host: "0.0.0.0", Port: 9222, LocalOnly: true}).Validate(); err == nil {
		t.Fatal("expected 0.0.0.0 to be blocked in local-only mode")
	}
	if err := (Endpoint{Host: "0.0.0.0", Port: 9222}).Validate(); err != nil {
		t.Fatalf("Validate() without local-only = %v; want nil", err)
	}
	if err := (Endpoint{Port: 9222}).Validate(); err == nil {
		t.Fatal("expected empty host to fail")
	}
	if got := (Endpoint{Host: "127.0.0.1", Port: 9333}).HTTPBase(); got != "http://127.0.0.1:9333" {
		t.Fatalf("HTTPBase() = %q", got)
	}
}

func TestListTargetsWrapsHTTPError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/json/list" {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader(`oops`)),
			}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(``))}, nil
	}))

	tr := NewRawTransport(Endpoint{Host: "example.com", Port: 9222}, 0)
	_, err := tr.ListTargets(context.Background())
	if err == nil {
		t.Fatal("expected ListTargets() to fail")
	}
	requireCode(t, err, CodeBrowserUnreachable)
	if !strings.Contains(err.Error(), "HTTP 500") {
		t.Fatalf("error = %q; want status in message", err.Error())
	}
}

func TestListTargetsBlockedByLocalOnly(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request to %s", req.URL)
		return nil, nil
	}))

	tr := NewRawTransport(Endpoint{Host: "0.0.0.0", Port: 9222, LocalOnly: true}, 0)
	_, err := tr.ListTargets(context.Background())
	requireCode(t, err, CodeBrowserUnreachable)
}

// fakeBrowser serves /json/list and a single page websocket that answers
// every command, optionally emitting events after Target.setAutoAttach.
type fakeBrowser struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	methods []string
	onCall  func(method string, params json.RawMessage) (result any, errMsg string)
	events  []string
	conns   []*websocket.Conn
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "T1", "type": "page", "title": "App", "url": "https://app.test/", "webSocketDebuggerUrl": "ws://" + host + "/devtools/page/T1"},
			{"id": "W1", "type": "service_worker", "title": "sw", "url": "https://app.test/sw.js"},
		})
	})
	mux.HandleFunc("/devtools/page/T1", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) endpoint() Endpoint {
	host, port, err := net.SplitHostPort(strings.TrimPrefix(fb.srv.URL, "http://"))
	if err != nil {
		fb.t.Fatalf("split host: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return Endpoint{Host: host, Port: p, LocalOnly: true}
}

func (fb *fakeBrowser) seen() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.methods...)
}

// dropConnections closes every page socket from the browser side.
func (fb *fakeBrowser) dropConnections() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, c := range fb.conns {
		_ = c.Close()
	}
	fb.conns = nil
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	fb.mu.Lock()
	fb.conns = append(fb.conns, conn)
	fb.mu.Unlock()
	for {
		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		fb.mu.Lock()
		fb.methods = append(fb.methods, msg.Method)
		onCall := fb.onCall
		events := fb.events
		fb.mu.Unlock()

		var result any = map[string]any{}
		errMsg := ""
		if onCall != nil {
			if res, e := onCall(msg.Method, msg.Params); res != nil || e != "" {
				result, errMsg = res, e
			}
		}
		resp := map[string]any{"id": msg.ID}
		if errMsg != "" {
			resp["error"] = map[string]any{"code": -32000, "message": errMsg}
		} else {
			resp["result"] = result
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
		if msg.Method == "Target.setAutoAttach" && msg.SessionID == "" {
			for _, ev := range events {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
					return
				}
			}
		}
	}
}

func TestRawTransportListTargets(t *testing.T) {
	fb := newFakeBrowser(t)
	tr := NewRawTransport(fb.endpoint(), time.Second)

	targets, err := tr.ListTargets(context.Background())
	if err != nil {
		t.Fatalf("ListTargets() error = %v", err)
	}
	if len(targets) != 2 || targets[0].ID != "T1" || targets[1].Type != "service_worker" {
		t.Fatalf("targets = %+v", targets)
	}
}

func TestRawTransportConnectUnknownTarget(t *testing.T) {
	fb := newFakeBrowser(t)
	tr := NewRawTransport(fb.endpoint(), time.Second)

	_, err := tr.Connect(context.Background(), "NOPE", nil)
	requireCode(t, err, CodeTargetNotFound)
}

func TestRawTransportConnectEnablesDomainsAndForwardsEvents(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.events = []string{
		`{"method":"Runtime.consoleAPICalled","params":{"type":"log","args":[{"type":"string","value":"boom"}],"executionContextId":1,"timestamp":1}}`,
		`{"method":"Page.frameNavigated","params":{}}`,
	}
	tr := NewRawTransport(fb.endpoint(), time.Second)

	got := make(chan any, 4)
	h, err := tr.Connect(context.Background(), "T1", func(sessionID string, ev any) {
		got <- ev
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer h.Close()

	select {
	case ev := <-got:
		console, ok := ev.(*runtime.EventConsoleAPICalled)
		if !ok {
			t.Fatalf("event = %T; want *runtime.EventConsoleAPICalled", ev)
		}
		if console.Type != runtime.APITypeLog || len(console.Args) != 1 {
			t.Fatalf("console = %+v", console)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for console event")
	}

	want := []string{"Runtime.enable", "Log.enable", "Network.enable", "Target.setAutoAttach"}
	seen := fb.seen()
	if len(seen) < len(want) {
		t.Fatalf("methods = %v; want prefix %v", seen, want)
	}
	for i, m := range want {
		if seen[i] != m {
			t.Fatalf("methods = %v; want prefix %v", seen, want)
		}
	}
}

func TestRawHandleEvaluate(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.onCall = func(method string, params json.RawMessage) (any, string) {
		if method != "Runtime.evaluate" {
			return nil, ""
		}
		var p struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Expression == "boom()" {
			return map[string]any{
				"result": map[string]any{"type": "object"},
				"exceptionDetails": map[string]any{
					"text": "Uncaught", "lineNumber": 0, "columnNumber": 1,
					"exception": map[string]any{"description": "ReferenceError: boom is not defined"},
				},
			}, ""
		}
		return map[string]any{"result": map[string]any{"type": "number", "value": 2, "description": "2"}}, ""
	}
	tr := NewRawTransport(fb.endpoint(), time.Second)
	h, err := tr.Connect(context.Background(), "T1", nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer h.Close()

	res, err := h.Evaluate(context.Background(), "1+1", false, true)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Type != "number" || res.Value != float64(2) {
		t.Fatalf("Evaluate() = %+v", res)
	}

	_, err = h.Evaluate(context.Background(), "boom()", false, true)
	requireCode(t, err, CodeExecutionFailed)
	var exc *EvalException
	if !errors.As(err, &exc) || !strings.Contains(exc.Description, "ReferenceError") {
		t.Fatalf("expected wrapped *EvalException, got %v", err)
	}
}

func TestRawHandleBodyNotAvailable(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.onCall = func(method string, _ json.RawMessage) (any, string) {
		if method == "Network.getResponseBody" {
			return nil, "No resource with given identifier found"
		}
		return nil, ""
	}
	tr := NewRawTransport(fb.endpoint(), time.Second)
	h, err := tr.Connect(context.Background(), "T1", nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer h.Close()

	_, err = h.GetResponseBody(context.Background(), "r-1")
	requireCode(t, err, CodeBodyNotAvailable)
}

func TestRawHandleClosedReportsNotConnected(t *testing.T) {
	fb := newFakeBrowser(t)
	tr := NewRawTransport(fb.endpoint(), time.Second)
	h, err := tr.Connect(context.Background(), "T1", nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	err = h.Reload(context.Background(), false)
	requireCode(t, err, CodeNotConnected)
}

func TestRawHandleDoneWhenBrowserDropsSocket(t *testing.T) {
	fb := newFakeBrowser(t)
	tr := NewRawTransport(fb.endpoint(), time.Second)
	h, err := tr.Connect(context.Background(), "T1", nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer h.Close()

	select {
	case <-h.Done():
		t.Fatal("Done() closed while connected")
	default:
	}

	fb.dropConnections()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after the browser dropped the socket")
	}
	err = h.Reload(context.Background(), false)
	requireCode(t, err, CodeNotConnected)
}
