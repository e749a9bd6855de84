// Package offsetstore provides offset persistence behind the host
// framework contract (core.OffsetReader / core.OffsetWriter).
//
// Purpose:
// - RedisStore: durable, namespaced persistence for standalone
//   deployments where no host framework owns offsets
// - MemoryStore: in-process persistence for tests and hostless runs
//
// Namespacing:
// All Redis keys are prefixed with the configured namespace (default
// "httpsource:offsets") so multiple connector deployments can share
// one Redis instance without collisions. The partition key map is
// rendered deterministically (sorted key=value pairs) into the Redis
// key; the offset map is stored as JSON.
package offsetstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Leon4s4/kafka-http-source-connector/core"
)

// DefaultNamespace prefixes every offset key in Redis
const DefaultNamespace = "httpsource:offsets"

// RedisStoreOptions configures the Redis-backed store
type RedisStoreOptions struct {
	// RedisURL is a redis:// connection URL
	RedisURL string

	// Namespace prefixes all keys; DefaultNamespace when empty
	Namespace string

	// DialTimeout bounds the initial connectivity check
	DialTimeout time.Duration

	Logger core.Logger
}

// RedisStore persists offsets in Redis. Safe for concurrent use.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisStore connects to Redis and verifies connectivity with a
// ping before returning
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/offsetstore")
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: offset.storage.redis.url: %v", core.ErrInvalidConfiguration, err)
	}

	client := redis.NewClient(redisOpts)

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.NewConnectorError("offsetstore.connect", "redis", 0, err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	logger.Info("Redis offset store connected", map[string]interface{}{
		"operation": "offsetstore_connected",
		"namespace": namespace,
	})

	return &RedisStore{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}, nil
}

// Read returns the committed offset for a partition, nil when never
// committed
func (s *RedisStore) Read(ctx context.Context, partition map[string]string) (map[string]string, error) {
	raw, err := s.client.Get(ctx, s.key(partition)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewConnectorError("offsetstore.read", "redis", 0, err)
	}

	var offset map[string]string
	if err := json.Unmarshal([]byte(raw), &offset); err != nil {
		return nil, fmt.Errorf("%w: partition %v: %v", core.ErrOffsetCorrupt, partition, err)
	}
	return offset, nil
}

// Write persists the offset for a partition
func (s *RedisStore) Write(ctx context.Context, partition map[string]string, offset map[string]string) error {
	data, err := json.Marshal(offset)
	if err != nil {
		return core.NewConnectorError("offsetstore.write", "redis", 0, err)
	}
	if err := s.client.Set(ctx, s.key(partition), data, 0).Err(); err != nil {
		return core.NewConnectorError("offsetstore.write", "redis", 0, err)
	}

	s.logger.Debug("Offset persisted", map[string]interface{}{
		"operation": "offsetstore_write",
		"partition": partition,
		"offset":    offset,
	})
	return nil
}

// Close releases the Redis connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(partition map[string]string) string {
	keys := make([]string, 0, len(partition))
	for k := range partition {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.namespace)
	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(partition[k])
	}
	return b.String()
}
