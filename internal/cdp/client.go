// Package cdp implements the observer transport on top of chromedp.
package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	cdpproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/go-json-experiment/json"

	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
)

// Client is a cdpcontrol.Transport driven by chromedp. Each connected target
// gets its own remote allocator so closing a handle drops the socket without
// closing the tab.
type Client struct {
	endpoint    cdpcontrol.Endpoint
	callTimeout time.Duration

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func NewClient(endpoint cdpcontrol.Endpoint, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = cdpcontrol.DefaultCallTimeout
	}
	return &Client{endpoint: endpoint, callTimeout: callTimeout}
}

// browser lazily opens the shared browser-level context used for target
// enumeration.
func (c *Client) browser() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx != nil {
		return c.browserCtx, nil
	}
	if err := c.endpoint.Validate(); err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnreachable, err.Error(), nil)
	}

	cdpURL := c.endpoint.HTTPBase()
	slog.Info("Connecting to Chromium", "url", cdpURL)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cdpURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnreachable, "connect to "+cdpURL, err)
	}
	c.allocCtx, c.allocCancel = allocCtx, allocCancel
	c.browserCtx, c.browserCancel = browserCtx, browserCancel
	return browserCtx, nil
}

func (c *Client) ListTargets(ctx context.Context) ([]cdpcontrol.TargetInfo, error) {
	browserCtx, err := c.browser()
	if err != nil {
		return nil, err
	}
	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		c.reset()
		return nil, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnreachable, "failed to enumerate targets", err)
	}

	// The enumeration context owns a blank tab of its own.
	var own target.ID
	if cc := chromedp.FromContext(browserCtx); cc != nil && cc.Target != nil {
		own = cc.Target.TargetID
	}

	out := make([]cdpcontrol.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.TargetID == own {
			continue
		}
		out = append(out, cdpcontrol.TargetInfo{
			ID:       string(t.TargetID),
			Type:     t.Type,
			Title:    t.Title,
			URL:      t.URL,
			Attached: t.Attached,
		})
	}
	slog.Debug("Found browser targets", "count", len(out))
	return out, nil
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.browserCtx, c.browserCancel = nil, nil
	c.allocCtx, c.allocCancel = nil, nil
}

func (c *Client) Connect(ctx context.Context, targetID string, sink cdpcontrol.EventSink) (cdpcontrol.Handle, error) {
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for _, t := range targets {
		if t.ID == targetID {
			found = true
			break
		}
	}
	if !found {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeTargetNotFound, "target "+targetID+" not found", nil)
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), c.endpoint.HTTPBase())
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(targetID)))
	h := &tabHandle{
		targetID:    targetID,
		ctx:         tabCtx,
		cancel:      func() { tabCancel(); allocCancel() },
		callTimeout: c.callTimeout,
		lost:        make(chan struct{}),
	}

	chromedp.ListenTarget(tabCtx, createEventHandler(sink, h.markLost))
	go func() {
		<-tabCtx.Done()
		h.markLost()
	}()

	enableCtx, enableCancel := context.WithTimeout(ctx, c.callTimeout)
	defer enableCancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx, runtime.Enable(), log.Enable(), network.Enable())
	}()
	select {
	case err = <-errCh:
	case <-enableCtx.Done():
		err = enableCtx.Err()
	}
	if err != nil {
		h.cancel()
		return nil, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnreachable, "failed to enable runtime/log/network domains", err)
	}

	slog.Info("Attached to tab", "target_id", targetID)
	return h, nil
}

// Close releases the shared enumeration context.
func (c *Client) Close() error {
	c.reset()
	slog.Info("CDP client closed")
	return nil
}

// createEventHandler forwards captured events to sink. Inspector detach and
// crash events call onLost, since chromedp keeps the tab context alive after
// the target goes away.
func createEventHandler(sink cdpcontrol.EventSink, onLost func()) func(ev interface{}) {
	return func(ev interface{}) {
		switch ev.(type) {
		case *inspector.EventDetached, *inspector.EventTargetCrashed:
			if onLost != nil {
				onLost()
			}
			return
		}
		if sink == nil {
			return
		}
		switch ev.(type) {
		case *runtime.EventConsoleAPICalled,
			*runtime.EventExceptionThrown,
			*log.EventEntryAdded,
			*network.EventRequestWillBeSent,
			*network.EventResponseReceived,
			*network.EventLoadingFinished,
			*network.EventLoadingFailed:
			sink("", ev)
		}
	}
}

type tabHandle struct {
	targetID    string
	ctx         context.Context
	cancel      func()
	callTimeout time.Duration

	closeOnce sync.Once
	lost      chan struct{}
	lostOnce  sync.Once
}

func (h *tabHandle) markLost() {
	h.lostOnce.Do(func() {
		if h.lost != nil {
			close(h.lost)
		}
	})
}

func (h *tabHandle) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if h.ctx.Err() != nil {
		return cdpcontrol.NewError(cdpcontrol.CodeNotConnected, "connection to "+h.targetID+" is closed", nil)
	}
	runCtx, cancel := context.WithTimeout(h.ctx, h.callTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, chromedp.ActionFunc(fn))
}

func (h *tabHandle) Evaluate(ctx context.Context, expression string, awaitPromise, returnByValue bool) (cdpcontrol.EvalResult, error) {
	var (
		obj *runtime.RemoteObject
		exc *runtime.ExceptionDetails
	)
	err := h.run(ctx, func(ctx context.Context) error {
		var err error
		obj, exc, err = runtime.Evaluate(expression).
			WithAwaitPromise(awaitPromise).
			WithReturnByValue(returnByValue).
			Do(ctx)
		return err
	})
	if err != nil {
		if _, ok := err.(*cdpcontrol.CodedError); ok {
			return cdpcontrol.EvalResult{}, err
		}
		return cdpcontrol.EvalResult{}, cdpcontrol.NewError(cdpcontrol.CodeExecutionFailed, "evaluate", err)
	}
	if exc != nil {
		e := &cdpcontrol.EvalException{Text: exc.Text, LineNumber: exc.LineNumber, ColumnNumber: exc.ColumnNumber}
		if exc.Exception != nil {
			e.Description = exc.Exception.Description
		}
		return cdpcontrol.EvalResult{}, cdpcontrol.NewError(cdpcontrol.CodeExecutionFailed, e.Error(), e)
	}

	out := cdpcontrol.EvalResult{}
	if obj != nil {
		out.Type = string(obj.Type)
		out.Subtype = string(obj.Subtype)
		out.Description = obj.Description
		if len(obj.Value) > 0 {
			var v any
			if err := json.Unmarshal(obj.Value, &v); err == nil {
				out.Value = v
			}
		}
	}
	return out, nil
}

func (h *tabHandle) Navigate(ctx context.Context, url string) (cdpcontrol.NavigateResult, error) {
	var res page.NavigateReturns
	err := h.run(ctx, func(ctx context.Context) error {
		return cdpproto.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res)
	})
	out := cdpcontrol.NavigateResult{FrameID: string(res.FrameID), LoaderID: string(res.LoaderID), ErrorText: res.ErrorText}
	if err != nil {
		if _, ok := err.(*cdpcontrol.CodedError); ok {
			return out, err
		}
		return out, cdpcontrol.NewError(cdpcontrol.CodeNavigationFailed, "navigate to "+url, err)
	}
	if res.ErrorText != "" {
		return out, cdpcontrol.NewError(cdpcontrol.CodeNavigationFailed, "navigate to "+url, fmt.Errorf("%s", res.ErrorText))
	}
	return out, nil
}

func (h *tabHandle) Reload(ctx context.Context, ignoreCache bool) error {
	err := h.run(ctx, func(ctx context.Context) error {
		return page.Reload().WithIgnoreCache(ignoreCache).Do(ctx)
	})
	if err != nil {
		if _, ok := err.(*cdpcontrol.CodedError); ok {
			return err
		}
		return cdpcontrol.NewError(cdpcontrol.CodeReloadFailed, "reload", err)
	}
	return nil
}

// GetResponseBody returns text bodies as-is and base64-encodes anything that
// is not valid UTF-8, since chromedp hands back decoded bytes.
func (h *tabHandle) GetResponseBody(ctx context.Context, requestID string) (cdpcontrol.ResponseBody, error) {
	var body []byte
	err := h.run(ctx, func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(requestID)).Do(ctx)
		return err
	})
	if err != nil {
		if _, ok := err.(*cdpcontrol.CodedError); ok {
			return cdpcontrol.ResponseBody{}, err
		}
		return cdpcontrol.ResponseBody{}, cdpcontrol.NewError(cdpcontrol.CodeBodyNotAvailable, "body for "+requestID+" is not available", err)
	}
	if utf8.Valid(body) {
		return cdpcontrol.ResponseBody{Body: string(body)}, nil
	}
	return cdpcontrol.ResponseBody{Body: base64.StdEncoding.EncodeToString(body), Base64Encoded: true}, nil
}

func (h *tabHandle) Done() <-chan struct{} { return h.lost }

func (h *tabHandle) Close() error {
	h.closeOnce.Do(h.cancel)
	h.markLost()
	return nil
}
