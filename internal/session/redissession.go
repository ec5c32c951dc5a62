package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

type cacheEntry struct {
	s         *Session
	expiresAt time.Time
}

// RedisResolver authenticates trackers by the X-API-Key header. Keys are
// hashes at tracker:auth:<key> with label, role and camp_weekend fields.
type RedisResolver struct {
	client *redis.Client
	cache  sync.Map
	ttl    time.Duration
}

func key_name(api_key string) string {
	return fmt.Sprintf("tracker:auth:%s", api_key)
}

func NewRedisResolver(ctx context.Context, config *RedisConfig) (*RedisResolver, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisResolver{client: client, ttl: config.CacheTTL}, nil
}

func (rr *RedisResolver) Resolve(r *http.Request) (*Session, error) {
	api_key := r.Header.Get(HeaderName)
	if api_key == "" {
		return nil, ErrNoSession
	}
	if raw, ok := rr.cache.Load(api_key); ok {
		entry := raw.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			c := *entry.s
			return &c, nil
		}
		rr.cache.Delete(api_key)
	}
	fields, err := rr.client.HGetAll(r.Context(), key_name(api_key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoSession
		}
		return nil, err
	}
	if len(fields) == 0 || fields["role"] == "" {
		return nil, ErrNoSession
	}
	s := &Session{Label: fields["label"], Role: fields["role"], CampWeekend: fields["camp_weekend"]}
	if rr.ttl > 0 {
		rr.cache.Store(api_key, cacheEntry{s: s, expiresAt: time.Now().Add(rr.ttl)})
	}
	c := *s
	return &c, nil
}

// Provision stores an API key for a tracker or viewer. A zero ttl keeps the
// key until revoked.
func (rr *RedisResolver) Provision(ctx context.Context, api_key string, s *Session, ttl time.Duration) error {
	k := key_name(api_key)
	pipe := rr.client.TxPipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"label":        s.Label,
		"role":         s.Role,
		"camp_weekend": s.CampWeekend,
	})
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (rr *RedisResolver) Revoke(ctx context.Context, api_key string) error {
	rr.cache.Delete(api_key)
	return rr.client.Del(ctx, key_name(api_key)).Err()
}

func (rr *RedisResolver) Close() error {
	return rr.client.Close()
}
