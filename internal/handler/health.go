package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/cache"
	"github.com/ketches/mindmap-backend/internal/database"
	"github.com/ketches/mindmap-backend/internal/logger"
	"go.uber.org/zap"
)

// Version 服务版本（构建时注入）
var Version = "dev"

// Liveness GET /health
func Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": Version,
	})
}

// HealthCheck GET /api/health，检查数据库与 Redis
func HealthCheck(c *gin.Context) {
	if err := database.HealthCheck(); err != nil {
		logger.Error("数据库健康检查失败", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success":  false,
			"status":   "unhealthy",
			"database": "disconnected",
		})
		return
	}

	redisStatus := "disabled"
	if cache.Enabled() {
		redisStatus = "connected"
		if err := cache.HealthCheck(); err != nil {
			// Redis 仅作缓存，不可用时降级
			logger.Warn("Redis 健康检查失败", zap.Error(err))
			redisStatus = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"status":   "healthy",
		"version":  Version,
		"database": "connected",
		"redis":    redisStatus,
	})
}
