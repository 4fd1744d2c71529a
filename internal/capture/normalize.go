// Package capture converts raw CDP events into normalized envelopes.
//
// Every function here is total: missing optional fields render as documented
// defaults and never panic.
package capture

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"

	"github.com/dgnsrekt/cdp_observer/internal/types"
)

const (
	DefaultMaxBodyBytes = 64000
	DefaultPreviewBytes = 1000
)

// Limits are the byte budgets applied during normalization. Text budgets and
// the request body preview budget are applied independently.
type Limits struct {
	MaxBodyBytes int
	PreviewBytes int
}

// DefaultLimits returns the standard budgets.
func DefaultLimits() Limits {
	return Limits{MaxBodyBytes: DefaultMaxBodyBytes, PreviewBytes: DefaultPreviewBytes}
}

func (l Limits) text() int {
	if l.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return l.MaxBodyBytes
}

func (l Limits) preview() int {
	p := l.PreviewBytes
	if p <= 0 {
		p = DefaultPreviewBytes
	}
	if t := l.text(); t < p {
		return t
	}
	return p
}

// Source identifies where a raw event came from.
type Source struct {
	TargetID   string
	SessionID  string
	CapturedAt time.Time
}

func (s Source) envelope(data types.Payload) types.Envelope {
	at := s.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	return types.Envelope{
		CapturedAtMillis: at.UnixMilli(),
		TargetID:         s.TargetID,
		SessionID:        s.SessionID,
		Data:             data,
	}
}

// KindOf returns the envelope kind raw would normalize to, so kind filters can
// run before any rendering work.
func KindOf(raw any) (types.Kind, bool) {
	switch raw.(type) {
	case *runtime.EventConsoleAPICalled, *runtime.EventExceptionThrown:
		return types.KindConsole, true
	case *log.EventEntryAdded:
		return types.KindLog, true
	case *network.EventRequestWillBeSent:
		return types.KindRequest, true
	case *network.EventResponseReceived:
		return types.KindResponse, true
	case *network.EventLoadingFinished:
		return types.KindLoadingFinished, true
	case *network.EventLoadingFailed:
		return types.KindLoadingFailed, true
	default:
		return "", false
	}
}

// Normalize dispatches raw to its variant mapping. It returns false for event
// types that are not captured.
func Normalize(raw any, src Source, lim Limits) (types.Envelope, bool) {
	switch ev := raw.(type) {
	case *runtime.EventConsoleAPICalled:
		return ConsoleAPICalled(ev, src, lim), true
	case *runtime.EventExceptionThrown:
		return ExceptionThrown(ev, src, lim), true
	case *log.EventEntryAdded:
		return EntryAdded(ev, src, lim), true
	case *network.EventRequestWillBeSent:
		return RequestWillBeSent(ev, src, lim), true
	case *network.EventResponseReceived:
		return ResponseReceived(ev, src), true
	case *network.EventLoadingFinished:
		return LoadingFinished(ev, src), true
	case *network.EventLoadingFailed:
		return LoadingFailed(ev, src), true
	default:
		return types.Envelope{}, false
	}
}

func ConsoleAPICalled(ev *runtime.EventConsoleAPICalled, src Source, lim Limits) types.Envelope {
	msg := types.Message{Type: string(runtime.APITypeLog)}
	if ev != nil {
		if ev.Type != "" {
			msg.Type = string(ev.Type)
		}
		rendered := make([]string, 0, len(ev.Args))
		for _, arg := range ev.Args {
			rendered = append(rendered, renderArg(arg))
		}
		msg.Text = truncateText(strings.Join(rendered, " "), lim.text())
		for i := range rendered {
			rendered[i] = truncateText(rendered[i], lim.text())
		}
		msg.Args = rendered
		msg.Origin = firstFrame(ev.StackTrace)
	}
	msg.Severity = consoleSeverity(msg.Type)
	return src.envelope(&types.Console{Message: msg})
}

// ExceptionThrown records an uncaught exception as a console error.
func ExceptionThrown(ev *runtime.EventExceptionThrown, src Source, lim Limits) types.Envelope {
	msg := types.Message{
		Type:     string(runtime.APITypeError),
		Severity: types.SeverityError,
		Text:     "Uncaught exception",
	}
	if ev != nil && ev.ExceptionDetails != nil {
		d := ev.ExceptionDetails
		switch {
		case d.Text != "":
			msg.Text = d.Text
		case d.Exception != nil && d.Exception.Description != "":
			msg.Text = d.Exception.Description
		}
		msg.Origin = firstFrame(d.StackTrace)
		if msg.Origin == nil && d.URL != "" {
			msg.Origin = &types.Origin{URL: d.URL, Line: d.LineNumber, Column: d.ColumnNumber}
		}
	}
	msg.Text = truncateText(msg.Text, lim.text())
	return src.envelope(&types.Console{Message: msg})
}

func EntryAdded(ev *log.EventEntryAdded, src Source, lim Limits) types.Envelope {
	msg := types.Message{Type: string(log.LevelVerbose)}
	if ev != nil && ev.Entry != nil {
		e := ev.Entry
		if e.Level != "" {
			msg.Type = string(e.Level)
		}
		msg.Text = truncateText(e.Text, lim.text())
		msg.Origin = firstFrame(e.StackTrace)
		if msg.Origin == nil && e.URL != "" {
			msg.Origin = &types.Origin{URL: e.URL, Line: e.LineNumber}
		}
	}
	msg.Severity = logSeverity(msg.Type)
	return src.envelope(&types.Log{Message: msg})
}

func RequestWillBeSent(ev *network.EventRequestWillBeSent, src Source, lim Limits) types.Envelope {
	req := &types.Request{Headers: map[string]string{}, Initiator: "other"}
	if ev != nil {
		req.RequestID = string(ev.RequestID)
		if ev.Initiator != nil && ev.Initiator.Type != "" {
			req.Initiator = string(ev.Initiator.Type)
		}
		if r := ev.Request; r != nil {
			req.URL = r.URL
			req.Method = r.Method
			req.Headers = headerMapToStringMap(r.Headers)
			if post := postData(r); post != "" {
				req.PostDataPreview = truncateText(post, lim.preview())
			}
		}
	}
	return src.envelope(req)
}

func ResponseReceived(ev *network.EventResponseReceived, src Source) types.Envelope {
	resp := &types.Response{MimeType: "unknown"}
	if ev != nil {
		resp.RequestID = string(ev.RequestID)
		if r := ev.Response; r != nil {
			resp.URL = r.URL
			resp.Status = r.Status
			resp.StatusText = r.StatusText
			if r.MimeType != "" {
				resp.MimeType = r.MimeType
			}
			resp.FromDiskCache = r.FromDiskCache
			resp.FromServiceWorker = r.FromServiceWorker
			if r.RemoteIPAddress != "" && r.RemotePort != 0 {
				resp.RemoteAddress = r.RemoteIPAddress + ":" + strconv.FormatInt(r.RemotePort, 10)
			}
			if r.Timing != nil {
				resp.Timing = &types.Timing{ReceiveHeadersEnd: r.Timing.ReceiveHeadersEnd}
			}
		}
	}
	return src.envelope(resp)
}

func LoadingFinished(ev *network.EventLoadingFinished, src Source) types.Envelope {
	out := &types.LoadingFinished{}
	if ev != nil {
		out.RequestID = string(ev.RequestID)
		out.EncodedDataLength = ev.EncodedDataLength
	}
	return src.envelope(out)
}

func LoadingFailed(ev *network.EventLoadingFailed, src Source) types.Envelope {
	out := &types.LoadingFailed{ErrorText: "Unknown error"}
	if ev != nil {
		out.RequestID = string(ev.RequestID)
		out.Canceled = ev.Canceled
		if ev.ErrorText != "" {
			out.ErrorText = ev.ErrorText
		}
	}
	return src.envelope(out)
}

// renderArg flattens one console argument: strings verbatim, numbers and
// booleans stringified, null and undefined as literal tokens, then the
// description, then the remote object's JSON.
func renderArg(arg *runtime.RemoteObject) string {
	if arg == nil {
		return "undefined"
	}
	value := []byte(arg.Value)
	switch arg.Type {
	case runtime.TypeString:
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			return s
		}
		if len(value) > 0 {
			return string(value)
		}
		return arg.Description
	case runtime.TypeNumber, runtime.TypeBoolean:
		if arg.UnserializableValue != "" {
			return string(arg.UnserializableValue)
		}
		if len(value) > 0 {
			return string(value)
		}
	case runtime.TypeUndefined:
		return "undefined"
	}
	if arg.Subtype == runtime.SubtypeNull {
		return "null"
	}
	if arg.Description != "" {
		return arg.Description
	}
	data, err := json.Marshal(arg)
	if err != nil {
		return fmt.Sprintf("[%s]", arg.Type)
	}
	return string(data)
}

func firstFrame(st *runtime.StackTrace) *types.Origin {
	if st == nil || len(st.CallFrames) == 0 || st.CallFrames[0] == nil {
		return nil
	}
	f := st.CallFrames[0]
	return &types.Origin{URL: f.URL, Line: f.LineNumber, Column: f.ColumnNumber}
}

func consoleSeverity(apiType string) types.Severity {
	switch apiType {
	case "error", "assert":
		return types.SeverityError
	case "warning":
		return types.SeverityWarning
	case "debug":
		return types.SeverityDebug
	case "trace", "profile", "profileEnd":
		return types.SeverityVerbose
	default:
		return types.SeverityInfo
	}
}

func logSeverity(level string) types.Severity {
	switch s := types.Severity(level); s {
	case types.SeverityError, types.SeverityWarning, types.SeverityInfo, types.SeverityDebug, types.SeverityVerbose:
		return s
	default:
		return types.SeverityVerbose
	}
}

func postData(r *network.Request) string {
	if !r.HasPostData || len(r.PostDataEntries) == 0 {
		return ""
	}
	var parts []byte
	for _, entry := range r.PostDataEntries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			parts = append(parts, entry.Bytes...)
		} else {
			parts = append(parts, decoded...)
		}
	}
	return string(parts)
}

func headerMapToStringMap(headers map[string]any) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		switch s := v.(type) {
		case string:
			result[k] = s
		case nil:
			result[k] = ""
		default:
			result[k] = fmt.Sprint(s)
		}
	}
	return result
}
