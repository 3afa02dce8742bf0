package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nftmarket/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KeyListing 挂单键前缀
const KeyListing = "nftmarket:listing"

// RedisOptions Redis 连接参数
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore 基于 Redis 的挂单缓存，多个进程可共享
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 连接 Redis 并检查可用性
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(key string) string {
	return fmt.Sprintf("%s:%s", KeyListing, key)
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) Get(ctx context.Context, key string) (*models.Listing, error) {
	val, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("cache get error: %w", err)
	}
	var listing models.Listing
	if err := json.Unmarshal(val, &listing); err != nil {
		return nil, fmt.Errorf("cache unmarshal error: %w", err)
	}
	return &listing, nil
}

func (r *RedisStore) Set(ctx context.Context, listing *models.Listing, ttl time.Duration) error {
	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(listing.Key()), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Open 按配置选择后端，Redis 不可用时退回内存缓存
func Open(ctx context.Context, backend string, opts RedisOptions, logger *logrus.Logger) Store {
	if backend != "redis" {
		return NewMemoryStore()
	}
	store, err := NewRedisStore(ctx, opts)
	if err != nil {
		logger.WithError(err).WithField("addr", opts.Addr).Warn("Redis 不可用，使用内存挂单缓存")
		return NewMemoryStore()
	}
	logger.WithField("addr", opts.Addr).Info("挂单缓存使用 Redis")
	return store
}
