package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisInstance is a reachable Redis server for tests. Container is nil when
// the address came from TEST_REDIS_ADDR.
type RedisInstance struct {
	Client    *redis.Client
	Container testcontainers.Container
}

// StartRedis connects to TEST_REDIS_ADDR when set and otherwise starts a
// throwaway redis container.
func StartRedis(ctx context.Context) (*RedisInstance, error) {
	inst := &RedisInstance{}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			return nil, fmt.Errorf("testutil: start redis: %w", err)
		}
		inst.Container = c
		if addr, err = c.PortEndpoint(ctx, "6379/tcp", ""); err != nil {
			inst.Terminate()
			return nil, fmt.Errorf("testutil: redis endpoint: %w", err)
		}
	}

	inst.Client = redis.NewClient(&redis.Options{Addr: addr})
	if err := inst.Client.Ping(ctx).Err(); err != nil {
		inst.Terminate()
		return nil, fmt.Errorf("testutil: ping redis at %s: %w", addr, err)
	}
	return inst, nil
}

// Terminate closes the client and removes the container, if any.
func (r *RedisInstance) Terminate() {
	if r.Client != nil {
		_ = r.Client.Close()
	}
	if r.Container != nil {
		_ = r.Container.Terminate(context.Background())
	}
}
