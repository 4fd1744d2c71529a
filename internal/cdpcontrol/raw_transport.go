package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCallTimeout bounds each CDP command issued by a raw handle.
const DefaultCallTimeout = 10 * time.Second

// RawTransport talks CDP directly over gobwas/ws, one socket per target.
type RawTransport struct {
	endpoint    Endpoint
	callTimeout time.Duration
}

// NewRawTransport returns a Transport for the given browser endpoint.
func NewRawTransport(endpoint Endpoint, callTimeout time.Duration) *RawTransport {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &RawTransport{endpoint: endpoint, callTimeout: callTimeout}
}

func (t *RawTransport) ListTargets(ctx context.Context) ([]TargetInfo, error) {
	if err := t.endpoint.Validate(); err != nil {
		return nil, NewError(CodeBrowserUnreachable, err.Error(), nil)
	}
	entries, err := listTargets(ctx, t.endpoint.HTTPBase())
	if err != nil {
		return nil, NewError(CodeBrowserUnreachable, "list targets at "+t.endpoint.HTTPBase(), err)
	}
	out := make([]TargetInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, TargetInfo{ID: e.ID, Type: e.Type, Title: e.Title, URL: e.URL, Attached: e.Attached})
	}
	return out, nil
}

func (t *RawTransport) Connect(ctx context.Context, targetID string, sink EventSink) (Handle, error) {
	if err := t.endpoint.Validate(); err != nil {
		return nil, NewError(CodeBrowserUnreachable, err.Error(), nil)
	}
	entries, err := listTargets(ctx, t.endpoint.HTTPBase())
	if err != nil {
		return nil, NewError(CodeBrowserUnreachable, "list targets at "+t.endpoint.HTTPBase(), err)
	}
	var wsURL string
	found := false
	for _, e := range entries {
		if e.ID == targetID {
			found = true
			wsURL = e.WebSocketDebuggerURL
			break
		}
	}
	if !found {
		return nil, NewError(CodeTargetNotFound, "target "+targetID+" not found", nil)
	}
	if wsURL == "" {
		// Targets already held by another DevTools client omit the URL.
		wsURL = fmt.Sprintf("ws://%s:%d/devtools/page/%s", t.endpoint.Host, t.endpoint.Port, targetID)
	}

	h := &rawHandle{
		cdp:         newRawCDP(wsURL),
		targetID:    targetID,
		sink:        sink,
		callTimeout: t.callTimeout,
		children:    make(map[string]string),
	}
	if err := h.start(ctx); err != nil {
		_ = h.Close()
		return nil, NewError(CodeBrowserUnreachable, "connect to target "+targetID, err)
	}
	return h, nil
}

type rawHandle struct {
	cdp         *rawCDP
	targetID    string
	sink        EventSink
	callTimeout time.Duration

	mu       sync.Mutex
	children map[string]string // sessionID -> child targetID
	unsubs   []func()
	closed   bool
}

func (h *rawHandle) start(ctx context.Context) error {
	for method := range capturedEvents {
		method := method
		h.unsubs = append(h.unsubs, h.cdp.registerEventHandler(method, func(sessionID string, params json.RawMessage) {
			ev, err := decodeEvent(method, params)
			if err != nil {
				slog.Debug("raw transport dropped event", "target_id", h.targetID, "method", method, "error", err)
				return
			}
			if h.sink != nil {
				h.sink(sessionID, ev)
			}
		}))
	}
	h.unsubs = append(h.unsubs,
		h.cdp.registerEventHandler("Target.attachedToTarget", h.onAttached),
		h.cdp.registerEventHandler("Target.detachedFromTarget", h.onDetached),
	)

	if err := h.cdp.connect(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()
	if err := h.cdp.enableDomains(callCtx, ""); err != nil {
		return err
	}
	return h.cdp.setAutoAttach(callCtx, "")
}

// onAttached runs on the read loop, so domain enabling for the child is
// pushed to its own goroutine.
func (h *rawHandle) onAttached(_ string, params json.RawMessage) {
	ev, err := decodeAttached(params)
	if err != nil {
		slog.Debug("raw transport attach decode failed", "target_id", h.targetID, "error", err)
		return
	}
	sessionID := string(ev.SessionID)
	childID := ""
	if ev.TargetInfo != nil {
		childID = string(ev.TargetInfo.TargetID)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.children[sessionID] = childID
	h.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
		defer cancel()
		if err := h.cdp.enableDomains(ctx, sessionID); err != nil {
			slog.Debug("raw transport child enable failed", "target_id", h.targetID, "session_id", sessionID, "error", err)
			return
		}
		if err := h.cdp.setAutoAttach(ctx, sessionID); err != nil {
			slog.Debug("raw transport child auto-attach failed", "session_id", sessionID, "error", err)
		}
		if ev.WaitingForDebugger {
			_, _ = h.cdp.sendFlat(ctx, sessionID, "Runtime.runIfWaitingForDebugger", struct{}{})
		}
		slog.Debug("raw transport child attached", "target_id", h.targetID, "child_id", childID, "session_id", sessionID)
	}()
}

func (h *rawHandle) onDetached(_ string, params json.RawMessage) {
	var ev struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	h.mu.Lock()
	delete(h.children, ev.SessionID)
	h.mu.Unlock()
}

func (h *rawHandle) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, nil, NewError(CodeNotConnected, "connection to "+h.targetID+" is closed", nil)
	}
	select {
	case <-h.cdp.done():
		return nil, nil, NewError(CodeNotConnected, "connection to "+h.targetID+" was lost", nil)
	default:
	}
	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	return callCtx, cancel, nil
}

func (h *rawHandle) Evaluate(ctx context.Context, expression string, awaitPromise, returnByValue bool) (EvalResult, error) {
	callCtx, cancel, err := h.call(ctx)
	if err != nil {
		return EvalResult{}, err
	}
	defer cancel()
	res, err := h.cdp.evaluate(callCtx, expression, awaitPromise, returnByValue)
	if err != nil {
		var exc *EvalException
		if errors.As(err, &exc) {
			return EvalResult{}, NewError(CodeExecutionFailed, exc.Error(), exc)
		}
		return EvalResult{}, NewError(CodeExecutionFailed, "evaluate", err)
	}
	return res, nil
}

func (h *rawHandle) Navigate(ctx context.Context, url string) (NavigateResult, error) {
	callCtx, cancel, err := h.call(ctx)
	if err != nil {
		return NavigateResult{}, err
	}
	defer cancel()
	res, err := h.cdp.navigate(callCtx, url)
	if err != nil {
		return res, NewError(CodeNavigationFailed, "navigate to "+url, err)
	}
	return res, nil
}

func (h *rawHandle) Reload(ctx context.Context, ignoreCache bool) error {
	callCtx, cancel, err := h.call(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := h.cdp.reload(callCtx, ignoreCache); err != nil {
		return NewError(CodeReloadFailed, "reload", err)
	}
	return nil
}

// GetResponseBody asks the top-level session first, then any child session
// that may own the request.
func (h *rawHandle) GetResponseBody(ctx context.Context, requestID string) (ResponseBody, error) {
	callCtx, cancel, err := h.call(ctx)
	if err != nil {
		return ResponseBody{}, err
	}
	defer cancel()

	body, err := h.cdp.getResponseBody(callCtx, "", requestID)
	if err == nil {
		return body, nil
	}
	h.mu.Lock()
	sessions := make([]string, 0, len(h.children))
	for sid := range h.children {
		sessions = append(sessions, sid)
	}
	h.mu.Unlock()
	for _, sid := range sessions {
		if b, childErr := h.cdp.getResponseBody(callCtx, sid, requestID); childErr == nil {
			return b, nil
		}
	}
	return ResponseBody{}, NewError(CodeBodyNotAvailable, "body for "+requestID+" is not available", err)
}

func (h *rawHandle) Done() <-chan struct{} { return h.cdp.done() }

func (h *rawHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	return h.cdp.close()
}
