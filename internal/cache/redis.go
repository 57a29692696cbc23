// -------------------------------------------------------------------------------
// RedisTier - Shared Response Cache Backend
//
// Author: Alex Freidah
//
// Redis-backed SharedTier for the response cache. Keys are hashed with
// BLAKE2b so arbitrary user queries never reach Redis verbatim and key length
// stays fixed.
// -------------------------------------------------------------------------------

package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/afreidah/spotkeeper/internal/config"
)

// RedisTier stores cache payloads in Redis under a namespaced digest key.
type RedisTier struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClient connects to Redis and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisTier wraps a client. Every key is stored as prefix + namespace + digest.
func NewRedisTier(client redis.UniversalClient, prefix, namespace string) *RedisTier {
	return &RedisTier{client: client, prefix: prefix + namespace + ":"}
}

// Get returns the payload for key. A missing key is not an error.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores the payload with the given TTL.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.Key(key), value, ttl).Err()
}

// Key returns the Redis key used for a cache key.
func (r *RedisTier) Key(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return r.prefix + hex.EncodeToString(sum[:16])
}
