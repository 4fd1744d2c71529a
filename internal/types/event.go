package types

import "encoding/json"

// Kind tags the variant carried by an Envelope.
type Kind string

const (
	KindConsole         Kind = "console"
	KindLog             Kind = "log"
	KindRequest         Kind = "request"
	KindResponse        Kind = "response"
	KindLoadingFinished Kind = "loadingFinished"
	KindLoadingFailed   Kind = "loadingFailed"
)

// Category is the coarse grouping used by session kind filters. All network
// lifecycle phases share CategoryNetwork.
type Category string

const (
	CategoryConsole Category = "console"
	CategoryLog     Category = "log"
	CategoryNetwork Category = "network"
)

// Category returns the filter category for k, or "" when k is unknown.
func (k Kind) Category() Category {
	switch k {
	case KindConsole:
		return CategoryConsole
	case KindLog:
		return CategoryLog
	case KindRequest, KindResponse, KindLoadingFinished, KindLoadingFailed:
		return CategoryNetwork
	default:
		return ""
	}
}

// Severity is the normalized level of console and log messages.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
	SeverityVerbose Severity = "verbose"
)

// Origin is the innermost stack frame of a message.
type Origin struct {
	URL    string `json:"url"`
	Line   int64  `json:"line"`
	Column int64  `json:"column"`
}

// Payload is implemented by every envelope variant.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Message is shared by the console and log variants.
type Message struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`
	Args     []string `json:"args,omitempty"`
	Origin   *Origin  `json:"origin"`
}

// Console is a Runtime.consoleAPICalled or Runtime.exceptionThrown occurrence.
type Console struct {
	Message
}

// Log is a Log.entryAdded occurrence.
type Log struct {
	Message
}

// Request is a Network.requestWillBeSent occurrence.
type Request struct {
	RequestID       string            `json:"requestId"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	PostDataPreview string            `json:"postDataPreview,omitempty"`
	Initiator       string            `json:"initiator"`
}

// Timing carries the subset of resource timing kept on responses.
type Timing struct {
	ReceiveHeadersEnd float64 `json:"receiveHeadersEnd"`
}

// Response is a Network.responseReceived occurrence.
type Response struct {
	RequestID         string  `json:"requestId"`
	URL               string  `json:"url"`
	Status            int64   `json:"status"`
	StatusText        string  `json:"statusText"`
	MimeType          string  `json:"mimeType"`
	FromDiskCache     bool    `json:"fromDiskCache"`
	FromServiceWorker bool    `json:"fromServiceWorker"`
	RemoteAddress     string  `json:"remoteAddress,omitempty"`
	Timing            *Timing `json:"timing,omitempty"`
}

// LoadingFinished is a Network.loadingFinished occurrence.
type LoadingFinished struct {
	RequestID         string  `json:"requestId"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

// LoadingFailed is a Network.loadingFailed occurrence.
type LoadingFailed struct {
	RequestID string `json:"requestId"`
	ErrorText string `json:"errorText"`
	Canceled  bool   `json:"canceled"`
}

func (*Console) Kind() Kind         { return KindConsole }
func (*Log) Kind() Kind             { return KindLog }
func (*Request) Kind() Kind         { return KindRequest }
func (*Response) Kind() Kind        { return KindResponse }
func (*LoadingFinished) Kind() Kind { return KindLoadingFinished }
func (*LoadingFailed) Kind() Kind   { return KindLoadingFailed }

func (*Console) isPayload()         {}
func (*Log) isPayload()             {}
func (*Request) isPayload()         {}
func (*Response) isPayload()        {}
func (*LoadingFinished) isPayload() {}
func (*LoadingFailed) isPayload()   {}

// Envelope is one captured occurrence. Sequence is assigned by the buffer the
// envelope is pushed into, never by the producer.
type Envelope struct {
	Sequence         int64
	CapturedAtMillis int64
	TargetID         string
	SessionID        string
	Data             Payload
}

// Kind returns the variant tag, or "" for an empty envelope.
func (e *Envelope) Kind() Kind {
	if e.Data == nil {
		return ""
	}
	return e.Data.Kind()
}

// URL returns the URL attribute used by URL filters. Only request and
// response variants carry one.
func (e *Envelope) URL() string {
	switch d := e.Data.(type) {
	case *Request:
		return d.URL
	case *Response:
		return d.URL
	default:
		return ""
	}
}

// Method returns the HTTP method of request variants.
func (e *Envelope) Method() string {
	if d, ok := e.Data.(*Request); ok {
		return d.Method
	}
	return ""
}

// Text returns the rendered message text of console and log variants.
func (e *Envelope) Text() string {
	switch d := e.Data.(type) {
	case *Console:
		return d.Text
	case *Log:
		return d.Text
	default:
		return ""
	}
}

// Message returns the shared console/log body, or nil for network variants.
func (e *Envelope) Message() *Message {
	switch d := e.Data.(type) {
	case *Console:
		return &d.Message
	case *Log:
		return &d.Message
	default:
		return nil
	}
}

type envelopeHeader struct {
	Sequence         int64  `json:"sequence"`
	CapturedAtMillis int64  `json:"capturedAtMillis"`
	TargetID         string `json:"targetId"`
	SessionID        string `json:"sessionId,omitempty"`
	Kind             Kind   `json:"kind"`
}

// MarshalJSON flattens the header and the variant into a single object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	h := envelopeHeader{
		Sequence:         e.Sequence,
		CapturedAtMillis: e.CapturedAtMillis,
		TargetID:         e.TargetID,
		SessionID:        e.SessionID,
		Kind:             e.Kind(),
	}
	switch d := e.Data.(type) {
	case *Console:
		return json.Marshal(struct {
			envelopeHeader
			*Console
		}{h, d})
	case *Log:
		return json.Marshal(struct {
			envelopeHeader
			*Log
		}{h, d})
	case *Request:
		return json.Marshal(struct {
			envelopeHeader
			*Request
		}{h, d})
	case *Response:
		return json.Marshal(struct {
			envelopeHeader
			*Response
		}{h, d})
	case *LoadingFinished:
		return json.Marshal(struct {
			envelopeHeader
			*LoadingFinished
		}{h, d})
	case *LoadingFailed:
		return json.Marshal(struct {
			envelopeHeader
			*LoadingFailed
		}{h, d})
	default:
		return json.Marshal(h)
	}
}
