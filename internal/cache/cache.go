package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	rdb *redis.Client
	ctx = context.Background()
)

// 错误定义
var (
	ErrCacheMiss = errors.New("缓存未命中")
	ErrDisabled  = errors.New("Redis 未启用")
)

// Init 初始化 Redis 连接，未启用时所有缓存操作退化为直通
func Init(cfg *config.Config) error {
	if !cfg.Redis.Enabled && cfg.Redis.ConnString == "" {
		logger.Info("Redis 未启用，统计缓存将直接查询数据库")
		return nil
	}

	var opt *redis.Options
	if cfg.Redis.ConnString != "" {
		parsedOpt, err := redis.ParseURL(cfg.Redis.ConnString)
		if err != nil {
			return fmt.Errorf("解析 Redis 连接字符串失败: %w", err)
		}
		opt = parsedOpt
	} else {
		opt = &redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("Redis 连接测试失败: %w", err)
	}
	rdb = client

	logger.Info("Redis 连接成功",
		zap.String("addr", opt.Addr),
		zap.Int("db", opt.DB),
	)
	return nil
}

// Enabled Redis 是否可用
func Enabled() bool {
	return rdb != nil
}

// Close 关闭 Redis 连接
func Close() error {
	if rdb != nil {
		return rdb.Close()
	}
	return nil
}

// Set 设置缓存（带过期时间）
func Set(key string, value interface{}, ttl time.Duration) error {
	if rdb == nil {
		return ErrDisabled
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存数据失败: %w", err)
	}
	return rdb.Set(ctx, key, data, ttl).Err()
}

// Get 获取缓存
func Get(key string, dest interface{}) error {
	if rdb == nil {
		return ErrCacheMiss
	}
	data, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return fmt.Errorf("获取缓存失败: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("反序列化缓存数据失败: %w", err)
	}
	return nil
}

// Delete 删除缓存
func Delete(keys ...string) error {
	if rdb == nil || len(keys) == 0 {
		return nil
	}
	return rdb.Del(ctx, keys...).Err()
}

// Incr 计数，首次写入时设置过期时间（固定窗口）
func Incr(key string, ttl time.Duration) (int64, error) {
	if rdb == nil {
		return 0, ErrDisabled
	}
	n, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// HealthCheck 健康检查，未启用视为健康
func HealthCheck() error {
	if rdb == nil {
		return nil
	}
	return rdb.Ping(ctx).Err()
}

// CacheKey 生成缓存键
func CacheKey(parts ...string) string {
	key := "mindmap"
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

// CacheWrapper 缓存包装器（用于装饰器模式）
type CacheWrapper struct {
	Key string
	TTL time.Duration
}

// GetOrSet 获取缓存或执行函数并缓存结果
func (c *CacheWrapper) GetOrSet(dest interface{}, fn func() (interface{}, error)) error {
	err := Get(c.Key, dest)
	if err == nil {
		return nil
	}
	if err != ErrCacheMiss {
		logger.Warn("获取缓存失败，将执行函数", zap.String("key", c.Key), zap.Error(err))
	}

	result, err := fn()
	if err != nil {
		return err
	}

	if rdb != nil {
		if err := Set(c.Key, result, c.TTL); err != nil {
			logger.Warn("设置缓存失败", zap.String("key", c.Key), zap.Error(err))
		}
	}

	// 将结果复制到 dest
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Invalidate 使缓存失效
func (c *CacheWrapper) Invalidate() error {
	return Delete(c.Key)
}
