package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/dgnsrekt/cdp_observer/internal/buffer"
	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/controller"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/session"
)

const (
	serverName             = "cdp-observer"
	defaultProtocolVersion = "2024-11-05"
	maxLineBytes           = 16 * 1024 * 1024
)

var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", defaultProtocolVersion}

// Service is the command layer the tools dispatch to.
type Service interface {
	ListTargets(ctx context.Context, targetTypes []string, urlIncludes string) ([]controller.TargetSummary, error)
	Observe(ctx context.Context, in controller.ObserveInput) (session.ObserveResult, error)
	StopObserve(ctx context.Context, targetID string, dropBuffer bool) (session.StopResult, error)
	Sessions(ctx context.Context) []session.Info
	ReadEvents(ctx context.Context, q controller.ReadQuery) (controller.ReadResult, error)
	ClearEvents(ctx context.Context, targetID string) (controller.ClearResult, error)
	GetResponseBody(ctx context.Context, targetID, requestID string, asBase64 bool) (controller.BodyResult, error)
	SetFilters(ctx context.Context, targetID string, cfg filter.Config) (filter.Config, error)
	GetFilters(ctx context.Context, targetID string) (filter.Config, error)
	Evaluate(ctx context.Context, targetID string, in controller.EvaluateInput) (cdpcontrol.EvalResult, error)
	Navigate(ctx context.Context, targetID, url string) (cdpcontrol.NavigateResult, error)
	Reload(ctx context.Context, targetID string, ignoreCache bool) (controller.ReloadResult, error)
	EventsResource(ctx context.Context, targetID string) (buffer.Slice, error)
}

// Server answers MCP requests read from one stream.
type Server struct {
	svc     Service
	version string

	writeMu sync.Mutex
}

func NewServer(svc Service, version string) *Server {
	return &Server{svc: svc, version: version}
}

type methodHandler func(s *Server, ctx context.Context, req JSONRPCRequest) JSONRPCResponse

var methodHandlers = map[string]methodHandler{
	"initialize": (*Server).handleInitialize,
	"ping": func(_ *Server, _ context.Context, req JSONRPCRequest) JSONRPCResponse {
		return result(req.ID, struct{}{})
	},
	"tools/list":               (*Server).handleToolsList,
	"tools/call":               (*Server).handleToolsCall,
	"resources/list":           (*Server).handleResourcesList,
	"resources/templates/list": (*Server).handleResourceTemplatesList,
	"resources/read":           (*Server).handleResourcesRead,
}

// Serve reads one request per line from r and writes responses to w until r
// is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Debug("mcp parse error", "error", err)
			s.write(w, &JSONRPCResponse{JSONRPC: "2.0", Error: &JSONRPCError{Code: codeParseError, Message: "Parse error: " + err.Error()}})
			continue
		}
		if resp := s.HandleRequest(ctx, req); resp != nil {
			s.write(w, resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read: %w", err)
	}
	return nil
}

func (s *Server) write(w io.Writer, resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("mcp marshal response failed", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.Error("mcp write failed", "error", err)
	}
}

// HandleRequest processes one request. It returns nil for notifications.
func (s *Server) HandleRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	if req.ID == nil {
		slog.Debug("mcp notification", "method", req.Method)
		return nil
	}
	if req.JSONRPC != "2.0" {
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: &JSONRPCError{Code: codeInvalidRequest, Message: `Invalid Request: jsonrpc must be "2.0"`}}
	}
	handler, ok := methodHandlers[req.Method]
	if !ok {
		resp := rpcError(req.ID, codeMethodNotFound, "Method not found: "+req.Method)
		return &resp
	}
	resp := handler(s, ctx, req)
	return &resp
}

func (s *Server) handleInitialize(_ context.Context, req JSONRPCRequest) JSONRPCResponse {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params)
	version := defaultProtocolVersion
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	return result(req.ID, MCPInitializeResult{
		ProtocolVersion: version,
		ServerInfo:      MCPServerInfo{Name: serverName, Version: s.version},
	})
}

func (s *Server) handleToolsList(_ context.Context, req JSONRPCRequest) JSONRPCResponse {
	return result(req.ID, MCPToolsListResult{Tools: toolList()})
}

func (s *Server) handleToolsCall(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, codeInvalidParams, "Invalid params: "+err.Error())
	}
	tool, ok := toolsByName[params.Name]
	if !ok {
		return rpcError(req.ID, codeMethodNotFound, "Unknown tool: "+params.Name)
	}
	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	out, err := tool.call(ctx, s.svc, args)
	if err != nil {
		slog.Debug("mcp tool failed", "tool", params.Name, "error", err)
		return result(req.ID, toolError(err))
	}
	text, err := json.Marshal(out)
	if err != nil {
		return result(req.ID, toolError(cdpcontrol.NewError(cdpcontrol.CodeInternal, "encode result", err)))
	}
	return result(req.ID, MCPToolResult{Content: []MCPContentBlock{{Type: "text", Text: string(text)}}})
}

// errorBody is the structured rendering of a CodedError.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func renderError(err error) string {
	var body errorBody
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		body.Error.Code = coded.Code
		body.Error.Message = coded.Message
	} else {
		body.Error.Code = cdpcontrol.CodeInternal
		body.Error.Message = err.Error()
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func toolError(err error) MCPToolResult {
	return MCPToolResult{
		Content: []MCPContentBlock{{Type: "text", Text: renderError(err)}},
		IsError: true,
	}
}

func result(id any, v any) JSONRPCResponse {
	data, err := json.Marshal(v)
	if err != nil {
		return rpcError(id, -32603, "Internal error: "+err.Error())
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: data}
}

func rpcError(id any, code int, msg string) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: msg}}
}
