package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Equal(t, "req-1", RequestIDFromContext(WithRequestID(ctx, "req-1")))
}

func TestLogAttrs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, LogAttrs(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithOrigin(ctx, Origin{Transport: "mcp", Tool: "kiroku_control_run"})
	attrs := LogAttrs(ctx)
	assert.Len(t, attrs, 3)
	assert.Equal(t, Origin{Transport: "mcp", Tool: "kiroku_control_run"}, OriginFromContext(ctx))
}
