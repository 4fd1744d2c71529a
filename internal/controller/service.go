package controller

import (
	"context"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/dgnsrekt/cdp_observer/internal/buffer"
	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/session"
	"github.com/dgnsrekt/cdp_observer/internal/types"
)

const (
	DefaultReadLimit = 200
	MaxReadLimit     = 10000
	ResourceTail     = 200
)

// Service is the command layer shared by the REST and MCP surfaces.
type Service struct {
	sessions *session.Manager
}

func NewService(sessions *session.Manager) *Service {
	return &Service{sessions: sessions}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeInvalidInput, Message: fieldName + " is required"}
	}
	return nil
}

// coded makes sure no raw transport error leaves the command layer.
func coded(err error, fallback, msg string) error {
	if err == nil {
		return nil
	}
	var ce *cdpcontrol.CodedError
	if errors.As(err, &ce) {
		return err
	}
	return cdpcontrol.NewError(fallback, msg, err)
}

// TargetSummary is a target as reported by listTargets.
type TargetSummary struct {
	cdpcontrol.TargetInfo
	Observed bool `json:"observed"`
}

// ListTargets enumerates debuggable targets. types and urlIncludes narrow
// the result when set.
func (s *Service) ListTargets(ctx context.Context, targetTypes []string, urlIncludes string) ([]TargetSummary, error) {
	targets, err := s.sessions.Transport().ListTargets(ctx)
	if err != nil {
		return nil, coded(err, cdpcontrol.CodeBrowserUnreachable, "list targets")
	}
	targetTypes = compact(targetTypes)
	out := make([]TargetSummary, 0, len(targets))
	for _, t := range targets {
		if urlIncludes != "" && !strings.Contains(t.URL, urlIncludes) {
			continue
		}
		if len(targetTypes) > 0 && !slices.Contains(targetTypes, t.Type) {
			continue
		}
		out = append(out, TargetSummary{TargetInfo: t, Observed: s.sessions.IsObserved(t.ID)})
	}
	return out, nil
}

type ObserveInput struct {
	TargetID    string
	URLIncludes string
	BufferSize  int
	TTLSec      int
}

func (s *Service) Observe(ctx context.Context, in ObserveInput) (session.ObserveResult, error) {
	if in.TTLSec < 0 {
		return session.ObserveResult{}, cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, "ttlSec must be positive", nil)
	}
	res, err := s.sessions.Observe(ctx, session.ObserveRequest{
		TargetID:    in.TargetID,
		URLIncludes: in.URLIncludes,
		BufferSize:  in.BufferSize,
		TTL:         time.Duration(in.TTLSec) * time.Second,
	})
	return res, coded(err, cdpcontrol.CodeInternal, "observe")
}

func (s *Service) StopObserve(_ context.Context, targetID string, dropBuffer bool) (session.StopResult, error) {
	if err := s.requireNonEmpty(targetID, "targetId"); err != nil {
		return session.StopResult{}, err
	}
	return s.sessions.StopObserve(strings.TrimSpace(targetID), dropBuffer)
}

func (s *Service) Sessions(context.Context) []session.Info {
	return s.sessions.List()
}

// ReadQuery selects a page of events. The buffer is sliced by Offset and
// Limit first; the remaining fields narrow that page.
type ReadQuery struct {
	TargetID     string
	Offset       int64
	Limit        int
	Kinds        []string
	Types        []string
	URLIncludes  string
	TextIncludes string
	Method       string
	Reverse      bool
}

type ReadResult struct {
	Events        []types.Envelope `json:"events"`
	NextOffset    int64            `json:"nextOffset"`
	TotalCount    int              `json:"totalCount"`
	FilteredCount int              `json:"filteredCount"`
}

func (s *Service) ReadEvents(_ context.Context, q ReadQuery) (ReadResult, error) {
	if err := s.requireNonEmpty(q.TargetID, "targetId"); err != nil {
		return ReadResult{}, err
	}
	if q.Offset < 0 {
		return ReadResult{}, cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, "offset must be >= 0", nil)
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultReadLimit
	}
	if limit < 0 || limit > MaxReadLimit {
		return ReadResult{}, cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, "limit must be between 1 and 10000", nil)
	}
	match, err := newEventMatcher(q)
	if err != nil {
		return ReadResult{}, err
	}

	sess, err := s.sessions.Get(strings.TrimSpace(q.TargetID))
	if err != nil {
		return ReadResult{}, err
	}
	page := sess.Buffer().SliceByOffset(q.Offset, limit)

	events := make([]types.Envelope, 0, len(page.Events))
	for i := range page.Events {
		if match(&page.Events[i]) {
			events = append(events, page.Events[i])
		}
	}
	if q.Reverse {
		slices.Reverse(events)
	}
	return ReadResult{
		Events:        events,
		NextOffset:    page.NextOffset,
		TotalCount:    sess.Buffer().Size(),
		FilteredCount: len(events),
	}, nil
}

// newEventMatcher compiles the read-side filters of q. kinds accepts variant
// kinds (request) and categories (network).
func newEventMatcher(q ReadQuery) (func(*types.Envelope) bool, error) {
	kinds := make(map[types.Kind]bool)
	cats := make(map[types.Category]bool)
	for _, k := range compact(q.Kinds) {
		switch types.Kind(k) {
		case types.KindConsole, types.KindLog, types.KindRequest, types.KindResponse,
			types.KindLoadingFinished, types.KindLoadingFailed:
			kinds[types.Kind(k)] = true
			continue
		}
		cat, ok := filter.ParseCategory(k)
		if !ok {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, "unknown kind "+k, nil)
		}
		cats[cat] = true
	}
	msgTypes := compact(q.Types)
	text := strings.ToLower(q.TextIncludes)

	return func(env *types.Envelope) bool {
		if len(kinds)+len(cats) > 0 && !kinds[env.Kind()] && !cats[env.Kind().Category()] {
			return false
		}
		if len(msgTypes) > 0 {
			msg := env.Message()
			if msg == nil || !(slices.Contains(msgTypes, msg.Type) || slices.Contains(msgTypes, string(msg.Severity))) {
				return false
			}
		}
		if q.URLIncludes != "" {
			if u := env.URL(); u == "" || !strings.Contains(u, q.URLIncludes) {
				return false
			}
		}
		if q.Method != "" && env.Method() != q.Method {
			return false
		}
		if text != "" && !strings.Contains(strings.ToLower(env.Text()), text) {
			return false
		}
		return true
	}, nil
}

type ClearResult struct {
	TargetID string `json:"targetId"`
	Cleared  int    `json:"cleared"`
}

func (s *Service) ClearEvents(_ context.Context, targetID string) (ClearResult, error) {
	if err := s.requireNonEmpty(targetID, "targetId"); err != nil {
		return ClearResult{}, err
	}
	targetID = strings.TrimSpace(targetID)
	n, err := s.sessions.Clear(targetID)
	if err != nil {
		return ClearResult{}, err
	}
	return ClearResult{TargetID: targetID, Cleared: n}, nil
}

type BodyResult struct {
	RequestID     string `json:"requestId"`
	MimeType      string `json:"mimeType"`
	Body          string `json:"body"`
	Base64Encoded bool   `json:"base64Encoded"`
	Size          int    `json:"size"`
}

// GetResponseBody fetches a body over the live handle. With asBase64 a text
// body is re-encoded.
func (s *Service) GetResponseBody(ctx context.Context, targetID, requestID string, asBase64 bool) (BodyResult, error) {
	if err := s.requireNonEmpty(targetID, "targetId"); err != nil {
		return BodyResult{}, err
	}
	if err := s.requireNonEmpty(requestID, "requestId"); err != nil {
		return BodyResult{}, err
	}
	sess, err := s.sessions.Get(strings.TrimSpace(targetID))
	if err != nil {
		return BodyResult{}, err
	}
	handle, err := sess.Handle()
	if err != nil {
		return BodyResult{}, err
	}

	requestID = strings.TrimSpace(requestID)
	body, err := handle.GetResponseBody(ctx, requestID)
	if err != nil {
		return BodyResult{}, coded(err, cdpcontrol.CodeBodyNotAvailable, "body for "+requestID+" is not available")
	}

	out := BodyResult{
		RequestID:     requestID,
		MimeType:      responseMimeType(sess.Buffer(), requestID),
		Body:          body.Body,
		Base64Encoded: body.Base64Encoded,
	}
	if asBase64 && !body.Base64Encoded {
		out.Body = base64.StdEncoding.EncodeToString([]byte(body.Body))
		out.Base64Encoded = true
	}
	out.Size = len(out.Body)
	return out, nil
}

// responseMimeType looks up the buffered response for requestID.
func responseMimeType(buf *buffer.Ring, requestID string) string {
	env, ok := buf.FindLast(func(env *types.Envelope) bool {
		resp, ok := env.Data.(*types.Response)
		return ok && resp.RequestID == requestID
	})
	if !ok {
		return "unknown"
	}
	return env.Data.(*types.Response).MimeType
}

func (s *Service) SetFilters(_ context.Context, targetID string, cfg filter.Config) (filter.Config, error) {
	if err := s.requireNonEmpty(targetID, "targetId"); err != nil {
		return filter.Config{}, err
	}
	return s.sessions.SetFilters(strings.TrimSpace(targetID), cfg)
}

func (s *Service) GetFilters(_ context.Context, targetID string) (filter.Config, error) {
	if err := s.requireNonEmpty(targetID, "targetId"); err != nil {
		return filter.Config{}, err
	}
	return s.sessions.GetFilters(strings.TrimSpace(targetID))
}

func (s *Service) liveHandle(targetID string) (cdpcontrol.Handle, error) {
	if err := s.requireNonEmpty(targetID, "targetId"); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(strings.TrimSpace(targetID))
	if err != nil {
		return nil, err
	}
	return sess.Handle()
}

type EvaluateInput struct {
	Expression    string
	AwaitPromise  bool
	ReturnByValue bool
}

func (s *Service) Evaluate(ctx context.Context, targetID string, in EvaluateInput) (cdpcontrol.EvalResult, error) {
	if err := s.requireNonEmpty(in.Expression, "expression"); err != nil {
		return cdpcontrol.EvalResult{}, err
	}
	handle, err := s.liveHandle(targetID)
	if err != nil {
		return cdpcontrol.EvalResult{}, err
	}
	res, err := handle.Evaluate(ctx, in.Expression, in.AwaitPromise, in.ReturnByValue)
	return res, coded(err, cdpcontrol.CodeExecutionFailed, "evaluate")
}

func (s *Service) Navigate(ctx context.Context, targetID, url string) (cdpcontrol.NavigateResult, error) {
	if err := s.requireNonEmpty(url, "url"); err != nil {
		return cdpcontrol.NavigateResult{}, err
	}
	handle, err := s.liveHandle(targetID)
	if err != nil {
		return cdpcontrol.NavigateResult{}, err
	}
	res, err := handle.Navigate(ctx, strings.TrimSpace(url))
	return res, coded(err, cdpcontrol.CodeNavigationFailed, "navigate")
}

type ReloadResult struct {
	TargetID string `json:"targetId"`
	Reloaded bool   `json:"reloaded"`
}

func (s *Service) Reload(ctx context.Context, targetID string, ignoreCache bool) (ReloadResult, error) {
	handle, err := s.liveHandle(targetID)
	if err != nil {
		return ReloadResult{}, err
	}
	if err := handle.Reload(ctx, ignoreCache); err != nil {
		return ReloadResult{}, coded(err, cdpcontrol.CodeReloadFailed, "reload")
	}
	return ReloadResult{TargetID: strings.TrimSpace(targetID), Reloaded: true}, nil
}

// EventsResource backs events://<targetId>: the newest ResourceTail envelopes.
func (s *Service) EventsResource(_ context.Context, targetID string) (buffer.Slice, error) {
	if err := s.requireNonEmpty(targetID, "targetId"); err != nil {
		return buffer.Slice{}, err
	}
	sess, err := s.sessions.Get(strings.TrimSpace(targetID))
	if err != nil {
		return buffer.Slice{}, err
	}
	return sess.Buffer().Tail(ResourceTail), nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
