package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/cache"
	"github.com/ketches/mindmap-backend/internal/logger"
	"go.uber.org/zap"
)

// RateCounter 固定窗口计数器
type RateCounter interface {
	Incr(key string, window time.Duration) (int64, error)
}

type redisCounter struct{}

func (redisCounter) Incr(key string, window time.Duration) (int64, error) {
	return cache.Incr(key, window)
}

// RateLimitMiddleware 基于 Redis 的按 IP 限流，Redis 未启用时不限流
func RateLimitMiddleware(scope string, limit int, window time.Duration) gin.HandlerFunc {
	return RateLimitWith(redisCounter{}, scope, limit, window)
}

// RateLimitWith 使用指定计数器限流
func RateLimitWith(counter RateCounter, scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		bucket := time.Now().Unix() / int64(window/time.Second)
		key := cache.CacheKey("ratelimit", scope, c.ClientIP(), strconv.FormatInt(bucket, 10))

		n, err := counter.Incr(key, window)
		if err != nil {
			if !errors.Is(err, cache.ErrDisabled) {
				logger.Warn("限流计数失败，放行请求", zap.String("scope", scope), zap.Error(err))
			}
			c.Next()
			return
		}

		if n > int64(limit) {
			c.Header("Retry-After", strconv.Itoa(int(window/time.Second)))
			abort(c, apperr.ErrRateLimited)
			return
		}
		c.Next()
	}
}
