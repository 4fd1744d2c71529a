package mcp

import (
	"context"
	"encoding/json"

	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/controller"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/types"
)

type toolFunc func(ctx context.Context, svc Service, args json.RawMessage) (any, error)

type tool struct {
	def  MCPTool
	call toolFunc
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, "invalid arguments: "+err.Error(), nil)
	}
	return nil
}

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}
func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}
func strList(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

var targetIDProp = str("CDP target id")

var tools = []tool{
	{
		def: MCPTool{
			Name:        "cdp_list_targets",
			Description: "List debuggable browser targets with whether each is observed.",
			InputSchema: schema(map[string]any{
				"type":        str("Only targets of this type, e.g. page or service_worker"),
				"urlIncludes": str("Only targets whose URL contains this substring"),
			}),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				Type        string `json:"type"`
				URLIncludes string `json:"urlIncludes"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			var targetTypes []string
			if in.Type != "" {
				targetTypes = []string{in.Type}
			}
			targets, err := svc.ListTargets(ctx, targetTypes, in.URLIncludes)
			if err != nil {
				return nil, err
			}
			return map[string]any{"targets": targets}, nil
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_observe",
			Description: "Attach to a target and start buffering its console, log and network events.",
			InputSchema: schema(map[string]any{
				"targetId":    targetIDProp,
				"urlIncludes": str("Observe the first target whose URL contains this substring"),
				"bufferSize":  integer("Ring buffer capacity (default 10000)"),
				"ttlSec":      integer("Idle seconds before the session is collected"),
			}),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID    string `json:"targetId"`
				URLIncludes string `json:"urlIncludes"`
				BufferSize  int    `json:"bufferSize"`
				TTLSec      int    `json:"ttlSec"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return svc.Observe(ctx, controller.ObserveInput{
				TargetID:    in.TargetID,
				URLIncludes: in.URLIncludes,
				BufferSize:  in.BufferSize,
				TTLSec:      in.TTLSec,
			})
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_stop_observe",
			Description: "Detach from a target. The buffer is kept for reading unless dropBuffer is set.",
			InputSchema: schema(map[string]any{
				"targetId":   targetIDProp,
				"dropBuffer": boolean("Discard the session and its buffer"),
			}, "targetId"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID   string `json:"targetId"`
				DropBuffer bool   `json:"dropBuffer"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return svc.StopObserve(ctx, in.TargetID, in.DropBuffer)
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_read_events",
			Description: "Read buffered events from a sequence offset. Pass nextOffset back to continue.",
			InputSchema: schema(map[string]any{
				"targetId":     targetIDProp,
				"offset":       integer("Sequence to resume from (default 0)"),
				"limit":        integer("Maximum events to scan (default 200, max 10000)"),
				"kinds":        strList("Kinds (console, log, request, response, loadingFinished, loadingFailed) or the network category"),
				"types":        strList("Console types or log levels, e.g. error, warning"),
				"urlIncludes":  str("Substring of the request/response URL"),
				"textIncludes": str("Case-insensitive substring of the message text"),
				"method":       str("HTTP method of requests"),
				"reverse":      boolean("Return the page newest first"),
			}, "targetId"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID     string   `json:"targetId"`
				Offset       int64    `json:"offset"`
				Limit        int      `json:"limit"`
				Kinds        []string `json:"kinds"`
				Types        []string `json:"types"`
				URLIncludes  string   `json:"urlIncludes"`
				TextIncludes string   `json:"textIncludes"`
				Method       string   `json:"method"`
				Reverse      bool     `json:"reverse"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return svc.ReadEvents(ctx, controller.ReadQuery{
				TargetID:     in.TargetID,
				Offset:       in.Offset,
				Limit:        in.Limit,
				Kinds:        in.Kinds,
				Types:        in.Types,
				URLIncludes:  in.URLIncludes,
				TextIncludes: in.TextIncludes,
				Method:       in.Method,
				Reverse:      in.Reverse,
			})
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_clear_events",
			Description: "Empty a target's buffer. Sequence numbers restart at 0.",
			InputSchema: schema(map[string]any{"targetId": targetIDProp}, "targetId"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID string `json:"targetId"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return svc.ClearEvents(ctx, in.TargetID)
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_get_response_body",
			Description: "Fetch the body of a completed network request from the live target.",
			InputSchema: schema(map[string]any{
				"targetId":  targetIDProp,
				"requestId": str("requestId of a request or response event"),
				"base64":    boolean("Return the body base64 encoded"),
			}, "targetId", "requestId"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID  string `json:"targetId"`
				RequestID string `json:"requestId"`
				Base64    bool   `json:"base64"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return svc.GetResponseBody(ctx, in.TargetID, in.RequestID, in.Base64)
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_set_filters",
			Description: "Replace the ingestion filters of a session. Omitted fields are reset.",
			InputSchema: schema(map[string]any{
				"targetId":     targetIDProp,
				"kinds":        strList("Categories (console, log, network) or kinds to admit. Empty admits all."),
				"urlAllowlist": strList("URL substrings to admit"),
				"urlBlocklist": strList("URL substrings to reject, checked first"),
				"maxBodyBytes": integer("Byte budget for text and body fields (0 is the default 64000)"),
			}, "targetId"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID     string   `json:"targetId"`
				Kinds        []string `json:"kinds"`
				URLAllowlist []string `json:"urlAllowlist"`
				URLBlocklist []string `json:"urlBlocklist"`
				MaxBodyBytes int      `json:"maxBodyBytes"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			kinds := make([]types.Category, 0, len(in.Kinds))
			for _, k := range in.Kinds {
				kinds = append(kinds, types.Category(k))
			}
			return svc.SetFilters(ctx, in.TargetID, filter.Config{
				Kinds:        kinds,
				URLAllowlist: in.URLAllowlist,
				URLBlocklist: in.URLBlocklist,
				MaxBodyBytes: in.MaxBodyBytes,
			})
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_get_filters",
			Description: "Show the ingestion filters of a session with defaults filled in.",
			InputSchema: schema(map[string]any{"targetId": targetIDProp}, "targetId"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID string `json:"targetId"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return svc.GetFilters(ctx, in.TargetID)
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_evaluate",
			Description: "Evaluate a JavaScript expression in the observed target.",
			InputSchema: schema(map[string]any{
				"targetId":      targetIDProp,
				"expression":    str("JavaScript expression"),
				"awaitPromise":  boolean("Wait for a returned promise to settle"),
				"returnByValue": boolean("Return the value as JSON (default true)"),
			}, "targetId", "expression"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID      string `json:"targetId"`
				Expression    string `json:"expression"`
				AwaitPromise  bool   `json:"awaitPromise"`
				ReturnByValue *bool  `json:"returnByValue"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			byValue := true
			if in.ReturnByValue != nil {
				byValue = *in.ReturnByValue
			}
			return svc.Evaluate(ctx, in.TargetID, controller.EvaluateInput{
				Expression:    in.Expression,
				AwaitPromise:  in.AwaitPromise,
				ReturnByValue: byValue,
			})
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_navigate",
			Description: "Navigate the observed target to a URL.",
			InputSchema: schema(map[string]any{
				"targetId": targetIDProp,
				"url":      str("Destination URL"),
			}, "targetId", "url"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID string `json:"targetId"`
				URL      string `json:"url"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return svc.Navigate(ctx, in.TargetID, in.URL)
		},
	},
	{
		def: MCPTool{
			Name:        "cdp_reload",
			Description: "Reload the observed target.",
			InputSchema: schema(map[string]any{
				"targetId":    targetIDProp,
				"ignoreCache": boolean("Bypass the browser cache"),
			}, "targetId"),
		},
		call: func(ctx context.Context, svc Service, args json.RawMessage) (any, error) {
			var in struct {
				TargetID    string `json:"targetId"`
				IgnoreCache bool   `json:"ignoreCache"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return svc.Reload(ctx, in.TargetID, in.IgnoreCache)
		},
	},
}

var toolsByName = func() map[string]tool {
	m := make(map[string]tool, len(tools))
	for _, t := range tools {
		m[t.def.Name] = t
	}
	return m
}()

func toolList() []MCPTool {
	out := make([]MCPTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.def)
	}
	return out
}
