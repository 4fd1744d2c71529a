package cdpcontrol

import (
	"context"
	"fmt"
	"strconv"
)

// EventSink receives typed CDP events (cdproto *Event* pointers) from a live
// connection. sessionID is empty for events from the target itself and set
// for auto-attached children. Sinks are called from the connection's read
// goroutine and must not block.
type EventSink func(sessionID string, ev any)

// Handle is a live connection to one target. It is owned by exactly one
// observer session.
type Handle interface {
	Evaluate(ctx context.Context, expression string, awaitPromise, returnByValue bool) (EvalResult, error)
	Navigate(ctx context.Context, url string) (NavigateResult, error)
	Reload(ctx context.Context, ignoreCache bool) error
	GetResponseBody(ctx context.Context, requestID string) (ResponseBody, error)
	// Done is closed once the connection ends, either by Close or because
	// the browser dropped it. A nil channel means loss is never reported.
	Done() <-chan struct{}
	Close() error
}

// Transport discovers and connects to targets on one browser endpoint.
// Connect returns only after the Runtime, Log and Network domains are enabled.
// The raw transport additionally auto-attaches child contexts.
type Transport interface {
	ListTargets(ctx context.Context) ([]TargetInfo, error)
	Connect(ctx context.Context, targetID string, sink EventSink) (Handle, error)
}

// Endpoint is a browser remote-debugging address.
type Endpoint struct {
	Host      string
	Port      int
	LocalOnly bool
}

// HTTPBase returns the DevTools HTTP base URL, e.g. "http://127.0.0.1:9222".
func (e Endpoint) HTTPBase() string {
	return "http://" + e.Host + ":" + strconv.Itoa(e.Port)
}

// Validate applies the local-only security policy.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("cdp host is empty")
	}
	if e.LocalOnly && e.Host == "0.0.0.0" {
		return fmt.Errorf("connection to 0.0.0.0 is blocked by security policy")
	}
	return nil
}
