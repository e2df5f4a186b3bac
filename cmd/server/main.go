package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/ai"
	"github.com/ketches/mindmap-backend/internal/cache"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/database"
	"github.com/ketches/mindmap-backend/internal/handler"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/metrics"
	"github.com/ketches/mindmap-backend/internal/service"
	"github.com/ketches/mindmap-backend/internal/tasks"
	"github.com/ketches/mindmap-backend/pkg/jwt"
	"go.uber.org/zap"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Server.Mode); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Mindmap Backend 启动中...",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)
	handler.Version = Version

	// 3. 初始化数据库
	if err := database.Init(cfg); err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer database.Close()

	// 4. 初始化 Redis（可选）
	if err := cache.Init(cfg); err != nil {
		logger.Warn("Redis 初始化失败，统计缓存将直接查询数据库", zap.Error(err))
	}
	defer cache.Close()

	// 5. 初始化 JWT
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT_SECRET 未配置")
	}
	jwt.Init(cfg)

	// 6. 注册 Prometheus 指标
	metrics.MustRegister()

	// 7. 初始化 LLM 客户端，未配置密钥时生成接口返回 AI_INVALID_KEY
	var completer ai.Completer
	if client, err := ai.NewOpenAIClient(cfg.AI); err != nil {
		logger.Warn("LLM 客户端未启用", zap.Error(err))
	} else {
		completer = client
	}

	// 8. 组装服务
	services := service.NewServices(database.GetDB(), cfg, service.Options{Completer: completer})

	// 9. 初始化并启动后台任务
	taskManager := tasks.GetManager()
	tasks.InitTasks(taskManager, services, cfg)
	taskManager.Start()
	defer taskManager.Stop()

	// 10. 设置 Gin 模式并创建路由
	gin.SetMode(cfg.Server.Mode)
	router := handler.NewRouter(cfg, services)

	// 11. 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 12. 启动服务器（优雅关闭）
	go func() {
		logger.Info("服务器启动",
			zap.Int("port", cfg.Server.Port),
			zap.String("mode", cfg.Server.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务器启动失败", zap.Error(err))
		}
	}()

	// 13. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")

	// 14. 优雅关闭（5秒超时）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器强制关闭", zap.Error(err))
	}

	logger.Info("服务器已关闭")
}
