package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/middleware"
	"github.com/ketches/mindmap-backend/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 创建路由
func NewRouter(cfg *config.Config, svc *service.Services) *gin.Engine {
	RegisterValidators(cfg.Auth.AdminInitCode)
	h := New(cfg, svc)

	router := gin.New()
	if cfg.Upload.MaxFileSize > 0 {
		router.MaxMultipartMemory = cfg.Upload.MaxFileSize
	}

	// 全局中间件
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.RecoveryMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	// 健康检查与指标（无需认证）
	router.GET("/health", Liveness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := middleware.AuthMiddleware(svc.Auth)

	api := router.Group("/api")
	{
		api.GET("/health", HealthCheck)
		h.registerAuthRoutes(api, authed)

		// 注册前校验邀请码
		api.POST("/invitations/validate", h.ValidateInvitation)

		protected := api.Group("", authed)
		{
			h.registerGenerationRoutes(protected)
			h.registerCreditRoutes(protected)
			h.registerCodeRoutes(protected)
			h.registerInvitationRoutes(protected)
			h.registerReferralRoutes(protected)
		}

		admin := api.Group("/admin", authed, middleware.AdminMiddleware())
		h.registerAdminRoutes(admin)
	}

	return router
}
