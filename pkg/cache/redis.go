package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go-beaconsoc/pkg/models"
)

// RedisCache 多实例共享的行为快照。
// 键的过期时间是保留期而不是新鲜度 TTL，过期快照在重新计算失败时仍可用。
type RedisCache struct {
	rdb       *redis.Client
	key       string
	retention time.Duration
}

func NewRedisCache(rdb *redis.Client, key string, retention time.Duration) *RedisCache {
	if key == "" {
		key = "beaconsoc:behavior"
	}
	return &RedisCache{rdb: rdb, key: key, retention: retention}
}

// Dial 按地址创建客户端并检查连通性
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w: %w", addr, models.ErrStorageUnavailable, err)
	}
	return rdb, nil
}

func (c *RedisCache) Load(ctx context.Context) (*Snapshot, error) {
	data, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load behavior snapshot: %w: %w", models.ErrStorageUnavailable, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode behavior snapshot: %w", err)
	}
	return &snap, nil
}

func (c *RedisCache) Store(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode behavior snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key, data, c.retention).Err(); err != nil {
		return fmt.Errorf("store behavior snapshot: %w: %w", models.ErrStorageUnavailable, err)
	}
	return nil
}
