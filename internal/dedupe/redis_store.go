// Package dedupe remembers webhook delivery ids so a provider retrying the
// same notification is applied once.
package dedupe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// Delivery is stored against each claimed id.
type Delivery struct {
	Source    string    `json:"source"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// RedisStore claims delivery ids with SET NX so concurrent API replicas
// agree on which one handles a delivery.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "governance:delivery:",
	}
}

func (s *RedisStore) key(deliveryID string) string {
	return s.prefix + deliveryID
}

// Claim records deliveryID and reports whether this caller was first.
func (s *RedisStore) Claim(ctx context.Context, deliveryID, source string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	payload, err := json.Marshal(Delivery{Source: source, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("marshal delivery: %w", err)
	}
	claimed, err := s.client.SetNX(ctx, s.key(deliveryID), payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	return claimed, nil
}

// Lookup returns the stored claim, or ok=false once it expired.
func (s *RedisStore) Lookup(ctx context.Context, deliveryID string) (Delivery, bool, error) {
	raw, err := s.client.Get(ctx, s.key(deliveryID)).Result()
	if err == redis.Nil {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("lookup delivery: %w", err)
	}
	var delivery Delivery
	if err := json.Unmarshal([]byte(raw), &delivery); err != nil {
		return Delivery{}, false, fmt.Errorf("unmarshal delivery: %w", err)
	}
	return delivery, true, nil
}

// Release forgets a claim so the provider's retry is processed again.
func (s *RedisStore) Release(ctx context.Context, deliveryID string) error {
	if err := s.client.Del(ctx, s.key(deliveryID)).Err(); err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
