package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	redis "github.com/go-redis/redis/v8"

	"spreadmatrix/config"
	"spreadmatrix/models"
)

// Store persists the observation table between refreshes.
type Store interface {
	Load(ctx context.Context) ([]models.Observation, bool, error)
	Save(ctx context.Context, obs []models.Observation) error
	Close() error
}

// NewStore builds the backend named by cfg.Backend.
func NewStore(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case config.CacheMemory, "":
		return NewMemoryStore(cfg.MaxCost, cfg.TTL)
	case config.CacheRedis:
		return NewRedisStore(ctx, cfg.Redis, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

const tableKey = "observations"

// MemoryStore keeps the table in a ristretto cache with a TTL. The cost of
// an entry is its row count.
type MemoryStore struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func NewMemoryStore(maxCost int64, ttl time.Duration) (*MemoryStore, error) {
	if maxCost <= 0 {
		maxCost = 1 << 26
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryStore{c: c, ttl: ttl}, nil
}

func (m *MemoryStore) Load(context.Context) ([]models.Observation, bool, error) {
	v, ok := m.c.Get(tableKey)
	if !ok {
		return nil, false, nil
	}
	obs, ok := v.([]models.Observation)
	return obs, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, obs []models.Observation) error {
	cost := int64(len(obs))
	if cost == 0 {
		cost = 1
	}
	if !m.c.SetWithTTL(tableKey, obs, cost, m.ttl) {
		return fmt.Errorf("observation table of %d rows rejected by cache", len(obs))
	}
	m.c.Wait()
	return nil
}

func (m *MemoryStore) Close() error {
	m.c.Close()
	return nil
}

// RedisStore shares the table between replicas as one JSON value.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	key := cfg.Key
	if key == "" {
		key = "spreadmatrix:" + tableKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}, nil
}

func (r *RedisStore) Load(ctx context.Context) ([]models.Observation, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", r.key, err)
	}
	obs, err := decodeTable(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", r.key, err)
	}
	return obs, true, nil
}

func (r *RedisStore) Save(ctx context.Context, obs []models.Observation) error {
	data, err := encodeTable(obs)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func encodeTable(obs []models.Observation) ([]byte, error) {
	return json.Marshal(obs)
}

func decodeTable(data []byte) ([]models.Observation, error) {
	var obs []models.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, err
	}
	return obs, nil
}
