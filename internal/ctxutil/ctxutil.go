// Package ctxutil provides shared context key accessors.
//
// server and mcp both populate request metadata that the service layer reads
// for logging. They import ctxutil instead of each other.
package ctxutil

import (
	"context"
)

type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyOrigin    contextKey = "origin"
)

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id, or "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithOrigin returns a new context carrying the caller's origin.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, keyOrigin, o)
}

// OriginFromContext extracts the origin. The zero Origin means the call
// came from inside the process (e.g. a worker).
func OriginFromContext(ctx context.Context) Origin {
	if v, ok := ctx.Value(keyOrigin).(Origin); ok {
		return v
	}
	return Origin{}
}
