package ctxutil

import (
	"context"
	"log/slog"
)

// Origin describes where an externally issued operation came from.
type Origin struct {
	Transport  string // "http", "mcp", "cli"
	RemoteAddr string
	Tool       string // MCP tool name, when Transport is "mcp"
}

// LogAttrs returns slog attributes for the request id and origin in ctx.
// Empty values are omitted.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	o := OriginFromContext(ctx)
	if o.Transport != "" {
		attrs = append(attrs, slog.String("origin", o.Transport))
	}
	if o.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", o.RemoteAddr))
	}
	if o.Tool != "" {
		attrs = append(attrs, slog.String("tool", o.Tool))
	}
	return attrs
}
