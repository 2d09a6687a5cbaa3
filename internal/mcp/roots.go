package mcp

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiroku/internal/model"
)

// rootsRequestTimeout bounds the round-trip to the client. Clients that
// don't answer in time are treated as having no roots.
const rootsRequestTimeout = 3 * time.Second

// rootsCache caches MCP roots per session id. Roots don't change within a
// session, so one request per session is enough.
type rootsCache struct {
	mu    sync.RWMutex
	cache map[string][]mcplib.Root
}

func newRootsCache() *rootsCache {
	return &rootsCache{cache: make(map[string][]mcplib.Root)}
}

func (rc *rootsCache) Get(sessionID string) ([]mcplib.Root, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	roots, ok := rc.cache[sessionID]
	return roots, ok
}

func (rc *rootsCache) Set(sessionID string, roots []mcplib.Root) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cache[sessionID] = roots
}

// requestRoots asks the client for its roots, caching the answer per
// session. Returns nil on any failure.
func (s *Server) requestRoots(ctx context.Context) []mcplib.Root {
	sid := sessionID(ctx)
	if sid == "" {
		return nil
	}
	if roots, ok := s.rootsCache.Get(sid); ok {
		return roots
	}

	reqCtx, cancel := context.WithTimeout(ctx, rootsRequestTimeout)
	defer cancel()
	result, err := s.mcpServer.RequestRoots(reqCtx, mcplib.ListRootsRequest{})
	if err != nil {
		s.logger.Debug("mcp: roots request failed", "error", err, "session_id", sid)
		s.rootsCache.Set(sid, []mcplib.Root{})
		return nil
	}
	s.rootsCache.Set(sid, result.Roots)
	return result.Roots
}

// projectFromRoots resolves the project for a run created without an
// explicit project_id. The first file:// root names the project; it is
// created on first use with the root as its local path. Returns nil when
// the client exposes no usable root.
func (s *Server) projectFromRoots(ctx context.Context) (*int64, error) {
	name, path := inferProjectFromRoots(s.requestRoots(ctx))
	if name == "" {
		return nil, nil
	}
	return s.ensureProject(ctx, name, path)
}

func (s *Server) ensureProject(ctx context.Context, name, path string) (*int64, error) {
	if id, ok, err := s.findProject(ctx, name); err != nil || ok {
		return id, err
	}
	var localPath *string
	if path != "" {
		localPath = &path
	}
	p, err := s.runs.CreateProject(ctx, model.CreateProjectRequest{Name: name, LocalPath: localPath})
	if errors.Is(err, model.ErrConflict) {
		// Another session created it first.
		id, _, err := s.findProject(ctx, name)
		return id, err
	}
	if err != nil {
		return nil, err
	}
	return &p.ID, nil
}

func (s *Server) findProject(ctx context.Context, name string) (*int64, bool, error) {
	projects, err := s.runs.ListProjects(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, p := range projects {
		if p.Name == name {
			return &p.ID, true, nil
		}
	}
	return nil, false, nil
}

// inferProjectFromRoots returns the base name and path of the first
// file:// root, or empty strings if there is none.
//
//	file:///home/user/my-project → ("my-project", "/home/user/my-project")
func inferProjectFromRoots(roots []mcplib.Root) (name, path string) {
	for _, root := range roots {
		if !strings.HasPrefix(root.URI, "file://") {
			continue
		}
		parsed, err := url.Parse(root.URI)
		if err != nil {
			continue
		}
		p := filepath.Clean(parsed.Path)
		if p == "" || p == "/" || p == "." {
			continue
		}
		return filepath.Base(p), p
	}
	return "", ""
}
