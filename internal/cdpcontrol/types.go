package cdpcontrol

import "fmt"

const (
	CodeTargetNotFound     = "TARGET_NOT_FOUND"
	CodeAlreadyObserving   = "ALREADY_OBSERVING"
	CodeNotObserving       = "NOT_OBSERVING"
	CodeNotConnected       = "NOT_CONNECTED"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeBrowserUnreachable = "BROWSER_UNREACHABLE"
	CodeExecutionFailed    = "EXECUTION_FAILED"
	CodeNavigationFailed   = "NAVIGATION_FAILED"
	CodeReloadFailed       = "RELOAD_FAILED"
	CodeBodyNotAvailable   = "BODY_NOT_AVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// TargetInfo describes a debuggable target from the browser's enumeration.
type TargetInfo struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// EvalResult is the outcome of a successful Runtime.evaluate.
type EvalResult struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	Value       any    `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// EvalException is returned by Handle.Evaluate when the script threw.
type EvalException struct {
	Text         string
	LineNumber   int64
	ColumnNumber int64
	Description  string
}

func (e *EvalException) Error() string {
	msg := e.Text
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return fmt.Sprintf("script threw at %d:%d: %s", e.LineNumber, e.ColumnNumber, msg)
}

// NavigateResult carries the identifiers Page.navigate reports.
type NavigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// ResponseBody is the body of a completed network request.
type ResponseBody struct {
	Body          string `json:"body"`
	Base64Encoded bool   `json:"base64Encoded"`
}
