package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	hooksURI        = "engine://hooks"
	budgetURIPrefix = "engine://budget/"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			hooksURI,
			"Hook Registry",
			mcplib.WithResourceDescription("Every registered hook with its lifecycle, priority and enabled flag"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHooksResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			budgetURIPrefix+"{user_id}",
			"User Budget",
			mcplib.WithTemplateDescription("Current spend, limits and warning level of a user"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleBudgetResource,
	)
}

func (s *Server) handleHooksResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Hooks == nil {
		return textResource(req.Params.URI, `{"error":"hook registry not configured"}`), nil
	}
	data, err := json.Marshal(s.deps.Hooks.List(""))
	if err != nil {
		return nil, err
	}
	return textResource(req.Params.URI, string(data)), nil
}

func (s *Server) handleBudgetResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Budget == nil {
		return textResource(req.Params.URI, `{"error":"budget gate not configured"}`), nil
	}
	userID := strings.TrimPrefix(req.Params.URI, budgetURIPrefix)
	if userID == "" || userID == req.Params.URI {
		return nil, fmt.Errorf("resource %s: missing user id", req.Params.URI)
	}
	d, err := s.deps.Budget.CanExecute(ctx, userID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return textResource(req.Params.URI, string(data)), nil
}

func textResource(uri, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}
}
