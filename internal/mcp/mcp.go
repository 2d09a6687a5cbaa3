// Package mcp implements the Model Context Protocol server for kiroku.
//
// The MCP server exposes the run API as tools and resources so an agent can
// start runs, read their event logs, and steer them with control signals
// and directives. It is mounted at /mcp on the HTTP server and served over
// stdio by `kiroku mcp`.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/service/artifacts"
	"github.com/ashita-ai/kiroku/internal/service/runs"
)

// Server wraps the mcp-go server with kiroku's service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	runs       *runs.Service
	artifacts  *artifacts.Service
	logger     *slog.Logger
	rootsCache *rootsCache
	cursors    *cursorTracker
}

// New creates an MCP server with all tools, resources and prompts
// registered.
func New(runSvc *runs.Service, artifactSvc *artifacts.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		runs:       runSvc,
		artifacts:  artifactSvc,
		logger:     logger,
		rootsCache: newRootsCache(),
		cursors:    newCursorTracker(cursorTTL),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiroku",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// toolContext tags ctx with the MCP origin so service-layer logs name the
// tool that issued the call.
func toolContext(ctx context.Context, tool string) context.Context {
	return ctxutil.WithOrigin(ctx, ctxutil.Origin{Transport: "mcp", Tool: tool})
}

// sessionID returns the MCP session id for ctx, or "" outside a session.
func sessionID(ctx context.Context) string {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
