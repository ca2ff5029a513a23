package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"geotrack/internal/config"
	"geotrack/internal/domain"
)

type RedisStore struct {
	client   *redis.Client
	cacheTTL time.Duration
	throttle time.Duration
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:   client,
		cacheTTL: cfg.CacheTTL,
		throttle: cfg.AlertThrottle,
	}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// ── Last-position cache ──────────────────────────────────────

func lastPositionKey(deviceID int64) string {
	return "last_position:" + strconv.FormatInt(deviceID, 10)
}

// SetLastPosition overwrites the cache entry for the device and restarts its
// TTL. Entries are replaced wholesale on every ingested position; the
// deviceTime ordering guard applies only to the device snapshot, not here.
func (r *RedisStore) SetLastPosition(ctx context.Context, p *domain.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return r.client.Set(ctx, lastPositionKey(p.DeviceID), payload, r.cacheTTL).Err()
}

// LastPositions returns the cached positions for the requested devices and
// the ids that missed, preserving no particular order.
func (r *RedisStore) LastPositions(ctx context.Context, deviceIDs []int64) ([]*domain.Position, []int64, error) {
	if len(deviceIDs) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		keys[i] = lastPositionKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("mget last positions: %w", err)
	}

	var hits []*domain.Position
	var misses []int64
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			misses = append(misses, deviceIDs[i])
			continue
		}
		var p domain.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			misses = append(misses, deviceIDs[i])
			continue
		}
		hits = append(hits, &p)
	}
	return hits, misses, nil
}

// ── Alert throttling ─────────────────────────────────────────

// AcquireAlertSlot reports whether the alert may fire now. The first caller
// within the throttle window wins; duplicates are suppressed until the key
// expires.
func (r *RedisStore) AcquireAlertSlot(ctx context.Context, deviceID int64, kind domain.EventKind, ref int64) (bool, error) {
	key := fmt.Sprintf("alert:%d:%s:%d", deviceID, kind, ref)
	ok, err := r.client.SetNX(ctx, key, "1", r.throttle).Result()
	if err != nil {
		return false, fmt.Errorf("alert throttle: %w", err)
	}
	return ok, nil
}

// ── API keys ─────────────────────────────────────────────────

// DeviceAPIKey resolves an API key to the unique id it was issued for, empty
// when the key is unknown.
func (r *RedisStore) DeviceAPIKey(ctx context.Context, apiKey string) (string, error) {
	v, err := r.client.Get(ctx, "apikey:"+apiKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("api key lookup: %w", err)
	}
	return v, nil
}

// ── Event emission ───────────────────────────────────────────

// PublishPosition pushes the accepted position to the device's channel for
// live consumers (dashboards, the sync bridge).
func (r *RedisStore) PublishPosition(ctx context.Context, p *domain.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	channel := fmt.Sprintf("positions:%d", p.DeviceID)
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) PublishEvent(ctx context.Context, e *domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.Publish(ctx, "alerts", payload).Err()
}
