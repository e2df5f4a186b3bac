package tasks

import (
	"context"
	"time"

	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/service"
	"go.uber.org/zap"
)

// 任务名称
const (
	TaskUploadCacheSweep  = "upload_cache_sweep"
	TaskLoginTokenPrune   = "login_token_prune"
	TaskRedemptionExpire  = "redemption_expire"
	TaskLedgerReconcile   = "ledger_reconcile"
	defaultSweepInterval  = 5 * time.Minute
	ledgerReconcilePeriod = 24 * time.Hour
)

// InitTasks 注册所有后台任务
func InitTasks(m *TaskManager, svc *service.Services, cfg *config.Config) {
	sweep := cfg.Upload.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}

	// 1. 清理过期的文件分析结果（每 5 分钟）
	m.Register(TaskUploadCacheSweep, sweep, UploadCacheSweepTask(svc.Uploads))

	// 2. 清理过期的登录验证码（每小时）
	m.Register(TaskLoginTokenPrune, time.Hour, LoginTokenPruneTask(svc.Auth))

	// 3. 标记过期兑换码（每小时）
	m.Register(TaskRedemptionExpire, time.Hour, RedemptionExpireTask(svc.Redemptions))

	// 4. 积分账本对账（每天）
	m.Register(TaskLedgerReconcile, ledgerReconcilePeriod, LedgerReconcileTask(svc.Credits))
}

// UploadCacheSweepTask 清理过期的上传分析缓存
func UploadCacheSweepTask(uploads *service.UploadService) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if n := uploads.SweepExpired(); n > 0 {
			logger.Info("已清理过期文件分析", zap.Int("count", n))
		}
		return nil
	}
}

// LoginTokenPruneTask 删除已过期的登录令牌，未过期的已使用令牌保留至过期
func LoginTokenPruneTask(auth *service.AuthService) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := auth.PruneLoginTokens(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("已清理登录令牌", zap.Int64("count", n))
		}
		return nil
	}
}

// RedemptionExpireTask 将过期的 ACTIVE 兑换码标记为 EXPIRED
func RedemptionExpireTask(redemptions *service.RedemptionService) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := redemptions.ExpireOverdue(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("已标记过期兑换码", zap.Int64("count", n))
		}
		return nil
	}
}

// LedgerReconcileTask 对账所有积分账户，不一致时记录严重日志
func LedgerReconcileTask(credits *service.CreditService) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		mismatched, total, err := credits.VerifyAll(ctx)
		if err != nil {
			return err
		}
		for _, r := range mismatched {
			logger.Critical("积分账本不一致",
				zap.Uint("user_id", r.UserID),
				zap.Int64("balance", r.Balance),
				zap.Int64("ledger_sum", r.LedgerSum),
			)
		}
		logger.Info("积分账本对账完成", zap.Int("accounts", total), zap.Int("mismatched", len(mismatched)))
		return nil
	}
}
