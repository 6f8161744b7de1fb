package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRedisTTL is applied when the configuration leaves ttl unset.
const defaultRedisTTL = 1 * time.Hour

// RedisConfig parameterises the external key-value backend.
type RedisConfig struct {
	// URL is a redis connection URL, e.g. "redis://localhost:6379/0".
	URL string

	// KeyPrefix namespaces every key written by this store.
	KeyPrefix string

	// TTL is the per-key time-to-live. Zero means defaultRedisTTL.
	TTL time.Duration

	// MaxConnections caps the client connection pool. Zero uses the
	// client default.
	MaxConnections int
}

// redisMeta is the sidecar document stored under <key>:meta. It lets
// expiry sweeps read timestamps without deserializing the full session.
type redisMeta struct {
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TTLSeconds   int       `json:"ttl"`
}

// RedisStore persists serialized sessions in an external key-value
// store. Each session occupies two keys: the document itself and a
// :meta sidecar with timestamps for efficient expiry sweeps. Both keys
// carry the configured TTL and are always written and deleted together.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	now      func() time.Time
	stopOnce sync.Once
}

// NewRedisStore creates the external key-value backend from cfg.
// The connection is not validated until Start.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("session redistore: parse url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "voicebridge"
	}
	return &RedisStore{
		client: redis.NewClient(opts),
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (r *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

func (r *RedisStore) metaKey(id string) string {
	return r.sessionKey(id) + ":meta"
}

// Store implements Store. The document and its meta sidecar are written
// in one pipelined round-trip.
func (r *RedisStore) Store(ctx context.Context, id string, doc []byte) error {
	if id == "" {
		return ErrInvalidID
	}

	var created time.Time
	if prev, err := r.loadMeta(ctx, id); err == nil {
		created = prev.CreatedAt
	} else {
		created = r.now()
	}
	meta, err := json.Marshal(redisMeta{
		CreatedAt:    created,
		LastActivity: r.now(),
		TTLSeconds:   int(r.ttl / time.Second),
	})
	if err != nil {
		return fmt.Errorf("session redistore: marshal meta: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.sessionKey(id), doc, r.ttl)
	pipe.Set(ctx, r.metaKey(id), meta, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session redistore: store %q: %w", id, err)
	}
	return nil
}

// Retrieve implements Store. Touching refreshes both keys' TTLs and the
// meta last-activity timestamp.
func (r *RedisStore) Retrieve(ctx context.Context, id string, touch bool) ([]byte, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session redistore: retrieve %q: %w", id, err)
	}

	if touch {
		if err := r.touch(ctx, id); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (r *RedisStore) touch(ctx context.Context, id string) error {
	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		meta = redisMeta{CreatedAt: r.now(), TTLSeconds: int(r.ttl / time.Second)}
	}
	meta.LastActivity = r.now()
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("session redistore: marshal meta: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Expire(ctx, r.sessionKey(id), r.ttl)
	pipe.Set(ctx, r.metaKey(id), raw, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session redistore: touch %q: %w", id, err)
	}
	return nil
}

func (r *RedisStore) loadMeta(ctx context.Context, id string) (redisMeta, error) {
	raw, err := r.client.Get(ctx, r.metaKey(id)).Bytes()
	if err != nil {
		return redisMeta{}, err
	}
	var meta redisMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return redisMeta{}, err
	}
	return meta, nil
}

// Delete implements Store. Both keys go together.
func (r *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	n, err := r.client.Del(ctx, r.sessionKey(id), r.metaKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("session redistore: delete %q: %w", id, err)
	}
	return n > 0, nil
}

// List implements Store by scanning meta keys, which are cheap to
// enumerate and always paired with a live document.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	pattern := r.metaKey("*")
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if id := r.idFromMetaKey(iter.Val()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("session redistore: scan: %w", err)
	}
	return ids, nil
}

// CleanupExpired implements Store. Redis TTLs already expire keys on
// their own; this sweep additionally removes sessions whose recorded
// last-activity is older than maxAge even if their TTL has not fired.
func (r *RedisStore) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-maxAge)
	removed := 0
	for _, id := range ids {
		meta, err := r.loadMeta(ctx, id)
		if err != nil {
			continue
		}
		if meta.LastActivity.Before(cutoff) {
			if ok, err := r.Delete(ctx, id); err == nil && ok {
				removed++
			}
		}
	}
	return removed, nil
}

// Start validates connectivity with a ping.
func (r *RedisStore) Start(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session redistore: ping: %w", err)
	}
	return nil
}

// Stop closes the client. Safe to call more than once.
func (r *RedisStore) Stop(_ context.Context) error {
	var err error
	r.stopOnce.Do(func() { err = r.client.Close() })
	return err
}

func (r *RedisStore) idFromMetaKey(key string) string {
	prefix := fmt.Sprintf("%s:session:", r.prefix)
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ":meta") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, prefix), ":meta")
}
