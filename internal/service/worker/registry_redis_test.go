package worker_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/service/worker"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

func TestRedisStatusRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("redis: skipped in -short mode")
	}
	ctx := context.Background()
	inst, err := testutil.StartRedis(ctx)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(inst.Terminate)

	reg := worker.NewRedisStatusRegistry(inst.Client, 2*time.Second,
		worker.WithRegistryPrefix(fmt.Sprintf("test:%d:", time.Now().UnixNano())))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, reg.Report(ctx, model.WorkerStatus{WorkerID: "w-b", Running: true, Capacity: 2, ReportedAt: now}))
	require.NoError(t, reg.Report(ctx, model.WorkerStatus{WorkerID: "w-a", Running: true, ActiveRuns: []int64{4}, ReportedAt: now}))
	// A second report replaces the first.
	require.NoError(t, reg.Report(ctx, model.WorkerStatus{WorkerID: "w-b", Running: false, Capacity: 2, ReportedAt: now}))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "w-a", list[0].WorkerID)
	assert.Equal(t, []int64{4}, list[0].ActiveRuns)
	assert.Equal(t, "w-b", list[1].WorkerID)
	assert.False(t, list[1].Running)

	require.Eventually(t, func() bool {
		list, err := reg.List(ctx)
		return err == nil && len(list) == 0
	}, 10*time.Second, 200*time.Millisecond, "entries expire once reports stop")
}

func TestRedisStatusRegistrySkipsCorruptEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("redis: skipped in -short mode")
	}
	ctx := context.Background()
	inst, err := testutil.StartRedis(ctx)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(inst.Terminate)

	var logs bytes.Buffer
	prefix := fmt.Sprintf("test:%d:", time.Now().UnixNano())
	reg := worker.NewRedisStatusRegistry(inst.Client, time.Minute,
		worker.WithRegistryPrefix(prefix),
		worker.WithRegistryLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	require.NoError(t, reg.Report(ctx, model.WorkerStatus{WorkerID: "w-ok", Running: true}))
	require.NoError(t, inst.Client.Set(ctx, prefix+"w-bad", "{not json", time.Minute).Err())

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "w-ok", list[0].WorkerID)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), prefix+"w-bad")
}
