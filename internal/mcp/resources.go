package mcp

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	eventsScheme = "events://"
	jsonMimeType = "application/json"
)

func (s *Server) handleResourcesList(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	sessions := s.svc.Sessions(ctx)
	resources := make([]MCPResource, 0, len(sessions))
	for _, info := range sessions {
		desc := "Newest buffered events"
		if info.URL != "" {
			desc += " for " + info.URL
		}
		resources = append(resources, MCPResource{
			URI:         eventsScheme + info.TargetID,
			Name:        "events " + info.TargetID,
			Description: desc,
			MimeType:    jsonMimeType,
		})
	}
	return result(req.ID, MCPResourcesListResult{Resources: resources})
}

func (s *Server) handleResourceTemplatesList(_ context.Context, req JSONRPCRequest) JSONRPCResponse {
	return result(req.ID, MCPResourceTemplatesListResult{ResourceTemplates: []MCPResourceTemplate{{
		URITemplate: eventsScheme + "{targetId}",
		Name:        "events",
		Description: "The newest 200 buffered events of an observed target",
		MimeType:    jsonMimeType,
	}}})
}

func (s *Server) handleResourcesRead(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, codeInvalidParams, "Invalid params: "+err.Error())
	}
	targetID, ok := strings.CutPrefix(params.URI, eventsScheme)
	if !ok {
		return rpcError(req.ID, codeNotFound, "Resource not found: "+params.URI)
	}

	var text string
	slice, err := s.svc.EventsResource(ctx, targetID)
	if err != nil {
		text = renderError(err)
	} else {
		data, err := json.Marshal(slice)
		if err != nil {
			text = renderError(err)
		} else {
			text = string(data)
		}
	}
	return result(req.ID, MCPResourcesReadResult{Contents: []MCPResourceContent{{
		URI:      params.URI,
		MimeType: jsonMimeType,
		Text:     text,
	}}})
}
