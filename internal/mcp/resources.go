package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiroku/internal/model"
)

const (
	recentRunsURI    = "kiroku://runs/recent"
	runEventsPrefix  = "kiroku://runs/"
	runEventsSuffix  = "/events"
	recentRunsLimit  = 20
	resourceEventCap = 200
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentRunsURI,
			"Recent Runs",
			mcplib.WithResourceDescription("The most recently created runs with their status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kiroku://runs/{id}/events",
			"Run Events",
			mcplib.WithTemplateDescription("The first events of a run's log, in id order"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunEvents,
	)
}

func (s *Server) handleRecentRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	list, total, err := s.runs.List(toolContext(ctx, recentRunsURI), model.RunFilter{Limit: recentRunsLimit})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}
	return jsonResource(recentRunsURI, map[string]any{
		"runs":  compactRuns(list),
		"total": total,
	})
}

func (s *Server) handleRunEvents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseRunEventsURI(uri)
	if err != nil {
		return nil, err
	}
	events, err := s.runs.ListEvents(toolContext(ctx, uri), id, 0, resourceEventCap)
	if err != nil {
		return nil, fmt.Errorf("mcp: run events: %w", err)
	}
	return jsonResource(uri, map[string]any{
		"run_id":    id,
		"events":    compactEvents(events),
		"truncated": len(events) == resourceEventCap,
	})
}

// parseRunEventsURI extracts the run id from kiroku://runs/{id}/events.
func parseRunEventsURI(uri string) (int64, error) {
	raw, ok := strings.CutPrefix(uri, runEventsPrefix)
	if ok {
		raw, ok = strings.CutSuffix(raw, runEventsSuffix)
	}
	if !ok {
		return 0, fmt.Errorf("mcp: invalid run events URI: %s", uri)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("mcp: invalid run id in URI: %s", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
