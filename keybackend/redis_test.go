package keybackend_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/keybackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSecretStore_Lookup(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, "ucs:keys", "AKIA1", "secret1").Err())

	store, err := keybackend.NewSecretStore(keybackend.KeysConfig{RedisHash: "ucs:keys"}, client)
	require.NoError(t, err)

	secret, err := store.Lookup(ctx, "AKIA1")
	require.NoError(t, err)
	assert.Equal(t, "secret1", secret)

	_, err = store.Lookup(ctx, "MISSING")
	assert.ErrorIs(t, err, keybackend.ErrKeyNotFound)
	assert.ErrorIs(t, err, ucs.ErrUnauthorized)

	// rotation is picked up without rebuilding the store
	require.NoError(t, client.HSet(ctx, "ucs:keys", "AKIA1", "rotated").Err())
	secret, err = store.Lookup(ctx, "AKIA1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", secret)
}

func TestRedisSecretStore_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	store := keybackend.NewRedisSecretStore(client, "ucs:keys")

	_, err := store.Lookup(context.Background(), "AKIA1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ucs.ErrUnauthorized)
}
