package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key does not exist
var ErrMiss = redis.Nil

// ErrTxConflict is returned by UpdateAtomic when another writer touched the key
// between the read and the commit
var ErrTxConflict = redis.TxFailedErr

// RedisClient wraps redis.Client
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(host, port, password string) *RedisClient {
	addr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0, // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️  Failed to connect to Redis at %s: %v", addr, err)
		return nil
	}

	log.Printf("✅ Connected to Redis at %s", addr)
	return &RedisClient{client: client}
}

// Set stores a JSON-encoded value in Redis with expiration
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, key, jsonBytes, expiration).Err()
}

// Get retrieves a JSON-encoded value from Redis. Returns ErrMiss when absent.
func (r *RedisClient) Get(ctx context.Context, key string, dest interface{}) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(val), dest)
}

// SetNX stores a value only if the key does not already exist.
// Returns true when this caller won the write.
func (r *RedisClient) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client not initialized")
	}
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

// Delete removes a key from Redis
func (r *RedisClient) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return r.client.Del(ctx, key).Err()
}

// LPush pushes a JSON-encoded value onto the head of a list
func (r *RedisClient) LPush(ctx context.Context, queue string, value interface{}) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return r.client.LPush(ctx, queue, jsonBytes).Err()
}

// BRPop blocks up to timeout waiting for a value from the tail of a list.
// Returns (false, nil) when the wait timed out with no value.
func (r *RedisClient) BRPop(ctx context.Context, queue string, timeout time.Duration, dest interface{}) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client not initialized")
	}

	result, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	// BRPop returns [queue, value]
	if len(result) != 2 {
		return false, fmt.Errorf("unexpected BRPOP reply length %d", len(result))
	}

	if err := json.Unmarshal([]byte(result[1]), dest); err != nil {
		return false, err
	}
	return true, nil
}

// LLen returns the length of a list
func (r *RedisClient) LLen(ctx context.Context, queue string) (int64, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client not initialized")
	}
	return r.client.LLen(ctx, queue).Result()
}

// Expire refreshes the TTL on a key
func (r *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return r.client.Expire(ctx, key, expiration).Err()
}

// UpdateAtomic performs an optimistic read-modify-write on a single key.
// The update callback receives the current raw value ("" when the key is
// absent) and returns the replacement value plus its TTL. The write only
// commits if no other client wrote the key in between; otherwise
// ErrTxConflict is returned and the caller may retry.
func (r *RedisClient) UpdateAtomic(ctx context.Context, key string, update func(current string) (string, time.Duration, error)) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		next, ttl, err := update(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}, key)
}

// Ping checks connectivity, used by the health probe
func (r *RedisClient) Ping(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return r.client.Ping(ctx).Err()
}

// Exists checks if a key exists in Redis
func (r *RedisClient) Exists(ctx context.Context, key string) bool {
	if r.client == nil {
		return false
	}

	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false
	}

	return result > 0
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
