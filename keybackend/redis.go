package keybackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sagarc03/ucs"
)

// RedisSecretStore retrieves keys from a Redis hash mapping access keys to
// secret keys. Keys can be rotated without restarting the service.
type RedisSecretStore struct {
	client redis.Cmdable
	hash   string
}

func NewRedisSecretStore(client redis.Cmdable, hash string) *RedisSecretStore {
	return &RedisSecretStore{client: client, hash: hash}
}

func (s *RedisSecretStore) Lookup(ctx context.Context, accessKey string) (string, error) {
	secretKey, err := s.client.HGet(ctx, s.hash, accessKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %w", ErrKeyNotFound, ucs.ErrUnauthorized)
	}
	if err != nil {
		return "", fmt.Errorf("lookup access key: %w", err)
	}
	return secretKey, nil
}
