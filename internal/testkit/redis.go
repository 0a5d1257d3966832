// Package testkit provides shared integration-test scaffolding: a
// throwaway Redis container per test, using testcontainers-go so backing-
// store tests run against a real Redis instead of a mock client.
package testkit

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/stretchr/testify/require"
)

// StartRedis boots a disposable Redis container and returns a connected
// client. The container is terminated via t.Cleanup.
func StartRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}
