package cdpcontrol

import (
	"fmt"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
)

// capturedEvents maps CDP event methods forwarded to an EventSink onto their
// cdproto constructors.
var capturedEvents = map[string]func() any{
	"Runtime.consoleAPICalled":  func() any { return new(runtime.EventConsoleAPICalled) },
	"Runtime.exceptionThrown":   func() any { return new(runtime.EventExceptionThrown) },
	"Log.entryAdded":            func() any { return new(log.EventEntryAdded) },
	"Network.requestWillBeSent": func() any { return new(network.EventRequestWillBeSent) },
	"Network.responseReceived":  func() any { return new(network.EventResponseReceived) },
	"Network.loadingFinished":   func() any { return new(network.EventLoadingFinished) },
	"Network.loadingFailed":     func() any { return new(network.EventLoadingFailed) },
}

// decodeEvent turns raw event params into the matching cdproto event value.
func decodeEvent(method string, params []byte) (any, error) {
	ctor, ok := capturedEvents[method]
	if !ok {
		return nil, fmt.Errorf("cdpcontrol: event %q is not captured", method)
	}
	ev := ctor()
	if len(params) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(params, ev, json.RejectUnknownMembers(false)); err != nil {
		return nil, fmt.Errorf("cdpcontrol: decode %s: %w", method, err)
	}
	return ev, nil
}

// decodeAttached parses Target.attachedToTarget.
func decodeAttached(params []byte) (*target.EventAttachedToTarget, error) {
	ev := new(target.EventAttachedToTarget)
	if err := json.Unmarshal(params, ev, json.RejectUnknownMembers(false)); err != nil {
		return nil, fmt.Errorf("cdpcontrol: decode attachedToTarget: %w", err)
	}
	return ev, nil
}
