package mcp

import (
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestInferProjectFromRoots(t *testing.T) {
	tests := []struct {
		name     string
		roots    []mcplib.Root
		wantName string
		wantPath string
	}{
		{name: "empty roots"},
		{
			name:     "single file URI",
			roots:    []mcplib.Root{{URI: "file:///home/dev/src/kiroku"}},
			wantName: "kiroku",
			wantPath: "/home/dev/src/kiroku",
		},
		{
			name:     "multiple roots uses first",
			roots:    []mcplib.Root{{URI: "file:///home/user/project-a"}, {URI: "file:///home/user/project-b"}},
			wantName: "project-a",
			wantPath: "/home/user/project-a",
		},
		{
			name:     "non-file URI skipped",
			roots:    []mcplib.Root{{URI: "https://example.com/repo"}, {URI: "file:///home/user/my-project"}},
			wantName: "my-project",
			wantPath: "/home/user/my-project",
		},
		{
			name:  "root path returns empty",
			roots: []mcplib.Root{{URI: "file:///"}},
		},
		{
			name:     "trailing slash stripped",
			roots:    []mcplib.Root{{URI: "file:///home/user/project/"}},
			wantName: "project",
			wantPath: "/home/user/project",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, path := inferProjectFromRoots(tt.roots)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestRootsCache(t *testing.T) {
	rc := newRootsCache()
	_, ok := rc.Get("s1")
	assert.False(t, ok)

	rc.Set("s1", []mcplib.Root{{URI: "file:///a"}})
	roots, ok := rc.Get("s1")
	assert.True(t, ok)
	assert.Len(t, roots, 1)

	// An empty answer is cached too so the client is asked once.
	rc.Set("s2", []mcplib.Root{})
	roots, ok = rc.Get("s2")
	assert.True(t, ok)
	assert.Empty(t, roots)
}

func TestProjectFromRootsWithoutSession(t *testing.T) {
	h := newHarness(t)
	id, err := h.srv.projectFromRoots(t.Context())
	assert.NoError(t, err)
	assert.Nil(t, id)
}
