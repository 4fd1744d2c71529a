package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// rawCDP is a minimal CDP client bound to a single target's DevTools
// WebSocket. Child sessions created by auto-attach are multiplexed over the
// same socket using flattened session IDs.
type rawCDP struct {
	wsURL string

	mu     sync.Mutex
	conn   net.Conn
	seq    atomic.Int64
	closed chan struct{}

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

func newRawCDP(wsURL string) *rawCDP {
	return &rawCDP{
		wsURL:         wsURL,
		closed:        make(chan struct{}),
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// connect dials the target WebSocket endpoint.
func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	slog.Debug("rawcdp connecting", "ws_url", r.wsURL)
	conn, _, _, err := ws.Dial(ctx, r.wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}

	r.conn = conn
	go r.readLoop(conn)
	return nil
}

func (r *rawCDP) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// done is closed once the read loop exits.
func (r *rawCDP) done() <-chan struct{} { return r.closed }

// readLoop processes incoming messages and dispatches responses to waiters.
func (r *rawCDP) readLoop(conn net.Conn) {
	defer close(r.closed)
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "ws_url", r.wsURL, "error", err)
			r.closeAllPending()
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("rawcdp dropping malformed frame", "error", err)
			continue
		}
		if msg.ID > 0 {
			r.pendingMu.Lock()
			ch, ok := r.pending[msg.ID]
			if ok {
				delete(r.pending, msg.ID)
			}
			r.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			r.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (r *rawCDP) closeAllPending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

func (r *rawCDP) deletePending(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// sendRaw marshals an envelope, sends it over the WebSocket, and waits for
// the response keyed by the given id.
func (r *rawCDP) sendRaw(ctx context.Context, id int64, envelope any) (json.RawMessage, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("rawcdp: not connected")
	}

	ch := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()

	data, err := json.Marshal(envelope)
	if err != nil {
		r.deletePending(id)
		return nil, fmt.Errorf("rawcdp: marshal: %w", err)
	}

	r.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.mu.Unlock()
	if err != nil {
		r.deletePending(id)
		return nil, fmt.Errorf("rawcdp: send: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rawcdp: connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		r.deletePending(id)
		return nil, ctx.Err()
	}
}

// sendFlat sends a command, optionally on a flattened child session, and
// returns the inner "result" field.
func (r *rawCDP) sendFlat(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := r.seq.Add(1)
	req := struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	resp, err := r.sendRaw(ctx, id, req)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("rawcdp: unmarshal %s: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("rawcdp: %s: %s", method, envelope.Error.Message)
	}
	return envelope.Result, nil
}

// enableDomains turns on the event domains captured by observers.
func (r *rawCDP) enableDomains(ctx context.Context, sessionID string) error {
	for _, method := range []string{"Runtime.enable", "Log.enable", "Network.enable"} {
		if _, err := r.sendFlat(ctx, sessionID, method, struct{}{}); err != nil {
			return err
		}
	}
	return nil
}

// setAutoAttach attaches workers and frames as flattened child sessions.
func (r *rawCDP) setAutoAttach(ctx context.Context, sessionID string) error {
	params := struct {
		AutoAttach             bool `json:"autoAttach"`
		WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
		Flatten                bool `json:"flatten"`
	}{AutoAttach: true, WaitForDebuggerOnStart: false, Flatten: true}
	_, err := r.sendFlat(ctx, sessionID, "Target.setAutoAttach", params)
	return err
}

// evaluate runs JS on the target and returns the remote object summary.
func (r *rawCDP) evaluate(ctx context.Context, js string, awaitPromise, returnByValue bool) (EvalResult, error) {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}{Expression: js, ReturnByValue: returnByValue, AwaitPromise: awaitPromise}

	raw, err := r.sendFlat(ctx, "", "Runtime.evaluate", params)
	if err != nil {
		return EvalResult{}, err
	}

	var resp struct {
		Result struct {
			Type        string          `json:"type"`
			Subtype     string          `json:"subtype"`
			Value       json.RawMessage `json:"value"`
			Description string          `json:"description"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text         string `json:"text"`
			LineNumber   int64  `json:"lineNumber"`
			ColumnNumber int64  `json:"columnNumber"`
			Exception    *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return EvalResult{}, fmt.Errorf("rawcdp: unmarshal eval: %w", err)
	}
	if d := resp.ExceptionDetails; d != nil {
		exc := &EvalException{Text: d.Text, LineNumber: d.LineNumber, ColumnNumber: d.ColumnNumber}
		if d.Exception != nil {
			exc.Description = d.Exception.Description
		}
		return EvalResult{}, exc
	}

	out := EvalResult{
		Type:        resp.Result.Type,
		Subtype:     resp.Result.Subtype,
		Description: resp.Result.Description,
	}
	if len(resp.Result.Value) > 0 {
		var v any
		if err := json.Unmarshal(resp.Result.Value, &v); err == nil {
			out.Value = v
		}
	}
	return out, nil
}

func (r *rawCDP) navigate(ctx context.Context, url string) (NavigateResult, error) {
	params := struct {
		URL string `json:"url"`
	}{URL: url}
	raw, err := r.sendFlat(ctx, "", "Page.navigate", params)
	if err != nil {
		return NavigateResult{}, err
	}
	var out NavigateResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return NavigateResult{}, fmt.Errorf("rawcdp: unmarshal navigate: %w", err)
	}
	if out.ErrorText != "" {
		return out, fmt.Errorf("rawcdp: navigate: %s", out.ErrorText)
	}
	return out, nil
}

func (r *rawCDP) reload(ctx context.Context, ignoreCache bool) error {
	params := struct {
		IgnoreCache bool `json:"ignoreCache"`
	}{IgnoreCache: ignoreCache}
	_, err := r.sendFlat(ctx, "", "Page.reload", params)
	return err
}

func (r *rawCDP) getResponseBody(ctx context.Context, sessionID, requestID string) (ResponseBody, error) {
	params := struct {
		RequestID string `json:"requestId"`
	}{RequestID: requestID}
	raw, err := r.sendFlat(ctx, sessionID, "Network.getResponseBody", params)
	if err != nil {
		return ResponseBody{}, err
	}
	var out ResponseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return ResponseBody{}, fmt.Errorf("rawcdp: unmarshal body: %w", err)
	}
	return out, nil
}

// registerEventHandler registers a handler for a CDP event method (e.g.
// "Network.requestWillBeSent"). Returns an unregister function.
func (r *rawCDP) registerEventHandler(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := r.seq.Add(1)
	r.eventMu.Lock()
	r.eventHandlers[method] = append(r.eventHandlers[method], eventHandler{id: id, fn: fn})
	r.eventMu.Unlock()
	return func() {
		r.eventMu.Lock()
		defer r.eventMu.Unlock()
		handlers := r.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				r.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// dispatchEvent invokes all registered handlers for the given CDP event method.
func (r *rawCDP) dispatchEvent(method, sessionID string, params json.RawMessage) {
	r.eventMu.RLock()
	handlers := make([]eventHandler, len(r.eventHandlers[method]))
	copy(handlers, r.eventHandlers[method])
	r.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(sessionID, params)
	}
}

// devtoolsTarget is one entry of the /json/list endpoint.
type devtoolsTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Attached             bool   `json:"attached"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// listTargets fetches open targets via the HTTP /json/list endpoint.
func listTargets(ctx context.Context, httpBase string) ([]devtoolsTarget, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, strings.TrimRight(httpBase, "/")+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rawcdp: /json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []devtoolsTarget
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("rawcdp: decode /json/list: %w", err)
	}
	return entries, nil
}
