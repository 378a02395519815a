// Package keybackend resolves access keys to secret keys for signature
// verification. Keys come from config, a key file, or a Redis hash.
package keybackend

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/redis/go-redis/v9"

	"github.com/sagarc03/ucs"
)

// ErrKeyNotFound is returned when the access key does not exist in the store.
// It always comes wrapped together with ucs.ErrUnauthorized.
var ErrKeyNotFound = errors.New("access key not found")

// KeysConfig holds configuration for loading access keys.
type KeysConfig struct {
	Inline    []KeyPair `mapstructure:"inline"`     // Inline key pairs from config
	File      string    `mapstructure:"file"`       // Path to a YAML or JSON file containing key pairs
	RedisHash string    `mapstructure:"redis_hash"` // Redis hash holding access_key -> secret_key
}

// NewSecretStore creates a SecretStore from the given configuration.
//
// When RedisHash is set and a client is given, keys are looked up in Redis.
// Otherwise inline keys and file keys are merged into a single map store;
// file keys take precedence over inline keys if there are duplicates.
func NewSecretStore(cfg KeysConfig, client redis.Cmdable) (ucs.SecretStore, error) {
	if cfg.RedisHash != "" && client != nil {
		return NewRedisSecretStore(client, cfg.RedisHash), nil
	}

	keys := pairsToMap(cfg.Inline)
	if cfg.File != "" {
		fileKeys, err := LoadKeysFromFile(cfg.File)
		if err != nil {
			return nil, err
		}
		maps.Copy(keys, fileKeys)
	}

	return &MapSecretStore{keys: keys}, nil
}

// MapSecretStore is a fixed in-memory set of keys.
type MapSecretStore struct {
	keys map[string]string
}

// NewMapSecretStore copies keys; later changes to the map are not seen.
func NewMapSecretStore(keys map[string]string) *MapSecretStore {
	return &MapSecretStore{keys: maps.Clone(keys)}
}

func (s *MapSecretStore) Lookup(_ context.Context, accessKey string) (string, error) {
	secretKey, ok := s.keys[accessKey]
	if !ok {
		return "", fmt.Errorf("%w: %w", ErrKeyNotFound, ucs.ErrUnauthorized)
	}
	return secretKey, nil
}

// Len returns the number of configured keys.
func (s *MapSecretStore) Len() int {
	return len(s.keys)
}

func pairsToMap(pairs []KeyPair) map[string]string {
	keys := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if p.AccessKey != "" && p.SecretKey != "" {
			keys[p.AccessKey] = p.SecretKey
		}
	}
	return keys
}
