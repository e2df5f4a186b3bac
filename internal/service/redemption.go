package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/cache"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/ketches/mindmap-backend/internal/util"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRedemptionValidDays = 365

// RedemptionService 兑换码服务
type RedemptionService struct {
	db      *gorm.DB
	credits *CreditService
	now     func() time.Time
}

// NewRedemptionService 创建兑换码服务
func NewRedemptionService(db *gorm.DB, credits *CreditService) *RedemptionService {
	return &RedemptionService{db: db, credits: credits, now: time.Now}
}

// RedemptionRecord 兑换码记录
type RedemptionRecord struct {
	ID            uint   `json:"id"`
	Code          string `json:"code"`
	CreditsAmount int64  `json:"credits_amount"`
	Status        string `json:"status"`
	BatchName     string `json:"batch_name"`
	RedeemedBy    *uint  `json:"redeemed_by"`
	RedeemerEmail string `json:"redeemer_email"`
	ExpiresAt     string `json:"expires_at"`
	CreatedAt     string `json:"created_at"`
	RedeemedAt    string `json:"redeemed_at"`
}

// RedemptionStatistics 兑换码统计
type RedemptionStatistics struct {
	TotalCount      int64   `json:"total_count"`
	ActiveCount     int64   `json:"active_count"`
	RedeemedCount   int64   `json:"redeemed_count"`
	ExpiredCount    int64   `json:"expired_count"`
	TotalCredits    int64   `json:"total_credits"`
	RedeemedCredits int64   `json:"redeemed_credits"`
	UsageRate       float64 `json:"usage_rate"`
	TodayRedeemed   int64   `json:"today_redeemed"`
	TodayCredits    int64   `json:"today_credits"`
}

// RedemptionQuery 兑换码查询参数
type RedemptionQuery struct {
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
	Code      string `form:"code"`
	BatchName string `form:"batch_name"`
	Status    string `form:"status"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
}

// RedemptionListResult 兑换码列表结果
type RedemptionListResult struct {
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalPages int                `json:"total_pages"`
	Items      []RedemptionRecord `json:"items"`
}

// GenerateConfig 生成配置
type GenerateConfig struct {
	Count         int    `json:"count" binding:"required,min=1,max=1000"`
	CreditsAmount int64  `json:"credits_amount" binding:"required,min=1"`
	Prefix        string `json:"prefix" binding:"max=20"`
	Length        int    `json:"length" binding:"omitempty,min=6,max=50"`
	BatchName     string `json:"batch_name" binding:"max=100"`
	ExpiresInDays int    `json:"expires_in_days" binding:"omitempty,min=1,max=3650"`
}

// GenerateResult 生成结果
type GenerateResult struct {
	Codes         []string  `json:"codes"`
	Count         int       `json:"count"`
	CreditsAmount int64     `json:"credits_amount"`
	BatchName     string    `json:"batch_name"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// RedeemResult 兑换结果
type RedeemResult struct {
	Code           string `json:"code"`
	CreditsGained  int64  `json:"credits_gained"`
	CurrentBalance int64  `json:"current_balance"`
	TransactionID  uint   `json:"transaction_id"`
}

// RedemptionHistoryItem 用户兑换记录
type RedemptionHistoryItem struct {
	Code          string     `json:"code"`
	CreditsAmount int64      `json:"credits_amount"`
	BatchName     string     `json:"batch_name"`
	RedeemedAt    *time.Time `json:"redeemed_at"`
}

func redemptionStatsCache() *cache.CacheWrapper {
	return &cache.CacheWrapper{
		Key: cache.CacheKey("redemption", "statistics"),
		TTL: 5 * time.Minute,
	}
}

// Redeem 兑换：锁定兑换码行 -> 校验 -> ACTIVE 转 REDEEMED -> 记入 MANUAL_GRANT，全部在一个事务内
func (s *RedemptionService) Redeem(ctx context.Context, userID uint, code string) (*RedeemResult, error) {
	code = strings.TrimSpace(code)
	if !util.ValidRedemptionCode(code) {
		return nil, apperr.New(apperr.CodeInvalidArgument, "兑换码格式无效")
	}

	var res RedeemResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rc models.RedemptionCode
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("code = ?", code).First(&rc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.CodeCodeNotFound, "兑换码不存在")
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		switch {
		case rc.Status == models.RedemptionRedeemed:
			return apperr.New(apperr.CodeCodeAlreadyUsed, "兑换码已被使用")
		case rc.Status == models.RedemptionExpired || !rc.IsAvailable(now):
			return apperr.New(apperr.CodeCodeExpired, "兑换码已过期")
		}

		result := tx.Model(&models.RedemptionCode{}).
			Where("id = ? AND status = ?", rc.ID, models.RedemptionActive).
			Updates(map[string]interface{}{
				"status":      models.RedemptionRedeemed,
				"redeemed_by": userID,
				"redeemed_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.CodeCodeAlreadyUsed, "兑换码已被使用")
		}

		led, err := s.credits.WithTx(tx).Credit(ctx, userID, rc.CreditsAmount, models.TxnManualGrant,
			"兑换码兑换: "+util.MaskKey(rc.Code), "redeem:"+rc.Code)
		if err != nil {
			return err
		}
		res = RedeemResult{
			Code:           rc.Code,
			CreditsGained:  rc.CreditsAmount,
			CurrentBalance: led.Balance,
			TransactionID:  led.TransactionID,
		}
		return nil
	})
	if err != nil {
		return nil, wrapLedgerErr("兑换失败", err)
	}

	_ = redemptionStatsCache().Invalidate()
	logger.Info("兑换码兑换成功",
		zap.Uint("user_id", userID),
		zap.String("code", util.MaskKey(res.Code)),
		zap.Int64("credits", res.CreditsGained),
	)
	return &res, nil
}

// History 用户的兑换记录
func (s *RedemptionService) History(ctx context.Context, userID uint) ([]RedemptionHistoryItem, error) {
	var rows []models.RedemptionCode
	if err := s.db.WithContext(ctx).
		Where("redeemed_by = ? AND status = ?", userID, models.RedemptionRedeemed).
		Order("redeemed_at DESC").Order("id DESC").
		Limit(maxHistoryLimit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询兑换记录失败: %w", err)
	}

	items := make([]RedemptionHistoryItem, len(rows))
	for i, r := range rows {
		items[i] = RedemptionHistoryItem{
			Code:          r.Code,
			CreditsAmount: r.CreditsAmount,
			BatchName:     r.BatchName,
			RedeemedAt:    r.RedeemedAt,
		}
	}
	return items, nil
}

// GetRedemptions 获取兑换码列表
func (s *RedemptionService) GetRedemptions(ctx context.Context, query *RedemptionQuery) (*RedemptionListResult, error) {
	// 默认分页
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.PageSize <= 0 {
		query.PageSize = 20
	}
	if query.PageSize > maxHistoryLimit {
		query.PageSize = maxHistoryLimit
	}

	tx := s.db.WithContext(ctx).Table("redemption_codes").
		Joins("LEFT JOIN users ON redemption_codes.redeemed_by = users.id")

	// 应用过滤条件
	if query.Code != "" {
		tx = tx.Where("redemption_codes.code LIKE ?", "%"+query.Code+"%")
	}
	if query.BatchName != "" {
		tx = tx.Where("redemption_codes.batch_name LIKE ?", "%"+query.BatchName+"%")
	}
	if query.Status != "" {
		tx = tx.Where("redemption_codes.status = ?", strings.ToUpper(query.Status))
	}
	if query.StartDate != "" {
		start, err := time.Parse("2006-01-02", query.StartDate)
		if err != nil {
			return nil, apperr.New(apperr.CodeInvalidArgument, "开始日期格式应为 YYYY-MM-DD")
		}
		tx = tx.Where("redemption_codes.created_at >= ?", start.UTC())
	}
	if query.EndDate != "" {
		end, err := time.Parse("2006-01-02", query.EndDate)
		if err != nil {
			return nil, apperr.New(apperr.CodeInvalidArgument, "结束日期格式应为 YYYY-MM-DD")
		}
		tx = tx.Where("redemption_codes.created_at < ?", end.AddDate(0, 0, 1).UTC())
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("统计兑换码失败: %w", err)
	}

	offset := (query.Page - 1) * query.PageSize
	var results []struct {
		models.RedemptionCode
		RedeemerEmail *string
	}
	if err := tx.Select("redemption_codes.*, users.email AS redeemer_email").
		Order("redemption_codes.created_at DESC").Order("redemption_codes.id DESC").
		Offset(offset).
		Limit(query.PageSize).
		Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("查询兑换码失败: %w", err)
	}

	records := make([]RedemptionRecord, len(results))
	for i, r := range results {
		records[i] = RedemptionRecord{
			ID:            r.ID,
			Code:          util.MaskKey(r.Code), // 部分隐藏
			CreditsAmount: r.CreditsAmount,
			Status:        string(r.Status),
			BatchName:     r.BatchName,
			RedeemedBy:    r.RedeemedBy,
			ExpiresAt:     r.ExpiresAt.Format("2006-01-02 15:04:05"),
			CreatedAt:     r.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		if r.RedeemerEmail != nil {
			records[i].RedeemerEmail = util.MaskEmail(*r.RedeemerEmail)
		}
		if r.RedeemedAt != nil {
			records[i].RedeemedAt = r.RedeemedAt.Format("2006-01-02 15:04:05")
		}
	}

	totalPages := int((total + int64(query.PageSize) - 1) / int64(query.PageSize))

	return &RedemptionListResult{
		Total:      total,
		Page:       query.Page,
		PageSize:   query.PageSize,
		TotalPages: totalPages,
		Items:      records,
	}, nil
}

// GetRedemptionStatistics 获取兑换码统计
func (s *RedemptionService) GetRedemptionStatistics(ctx context.Context) (*RedemptionStatistics, error) {
	var data RedemptionStatistics
	err := redemptionStatsCache().GetOrSet(&data, func() (interface{}, error) {
		return s.fetchRedemptionStatistics(ctx)
	})
	return &data, err
}

type statusSum struct {
	Status  models.RedemptionStatus
	Count   int64
	Credits int64
}

// fetchRedemptionStatistics 获取兑换码统计数据
func (s *RedemptionService) fetchRedemptionStatistics(ctx context.Context) (*RedemptionStatistics, error) {
	db := s.db.WithContext(ctx)
	data := &RedemptionStatistics{}

	var rows []statusSum
	if err := db.Model(&models.RedemptionCode{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(credits_amount), 0) AS credits").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("统计兑换码失败: %w", err)
	}
	for _, r := range rows {
		data.TotalCount += r.Count
		data.TotalCredits += r.Credits
		switch r.Status {
		case models.RedemptionActive:
			data.ActiveCount = r.Count
		case models.RedemptionRedeemed:
			data.RedeemedCount = r.Count
			data.RedeemedCredits = r.Credits
		case models.RedemptionExpired:
			data.ExpiredCount = r.Count
		}
	}

	// 使用率
	if data.TotalCount > 0 {
		data.UsageRate = float64(data.RedeemedCount) / float64(data.TotalCount) * 100
	}

	// 今日统计
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UTC()
	var today statusSum
	if err := db.Model(&models.RedemptionCode{}).
		Select("COUNT(*) AS count, COALESCE(SUM(credits_amount), 0) AS credits").
		Where("status = ? AND redeemed_at >= ?", models.RedemptionRedeemed, dayStart).
		Scan(&today).Error; err != nil {
		return nil, fmt.Errorf("统计今日兑换失败: %w", err)
	}
	data.TodayRedeemed = today.Count
	data.TodayCredits = today.Credits

	return data, nil
}

// GenerateRedemptions 批量生成兑换码
func (s *RedemptionService) GenerateRedemptions(ctx context.Context, cfg *GenerateConfig, createdBy *uint) (*GenerateResult, error) {
	if cfg.Count <= 0 || cfg.Count > 1000 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "生成数量必须在 1-1000 之间")
	}
	if cfg.CreditsAmount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "积分数量必须大于 0")
	}

	codes, err := util.GenerateRedemptionBatch(cfg.Count, cfg.Prefix, cfg.Length)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "兑换码参数无效", err)
	}

	now := s.now().UTC()
	days := cfg.ExpiresInDays
	if days <= 0 {
		days = defaultRedemptionValidDays
	}
	expiresAt := now.AddDate(0, 0, days)

	name := cfg.BatchName
	if name == "" {
		name = fmt.Sprintf("兑换码-%s", now.Format("20060102"))
	}

	rows := make([]models.RedemptionCode, len(codes))
	for i, code := range codes {
		rows[i] = models.RedemptionCode{
			Code:          code,
			CreditsAmount: cfg.CreditsAmount,
			Status:        models.RedemptionActive,
			BatchName:     name,
			ExpiresAt:     expiresAt,
			CreatedBy:     createdBy,
			CreatedAt:     now,
		}
	}

	// 批量插入
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, apperr.New(apperr.CodeConflict, "兑换码重复，请重试")
		}
		return nil, fmt.Errorf("生成兑换码失败: %w", err)
	}

	_ = redemptionStatsCache().Invalidate()
	logger.Info("批量生成兑换码",
		zap.Int("count", len(codes)),
		zap.Int64("credits_amount", cfg.CreditsAmount),
		zap.String("batch_name", name),
	)
	return &GenerateResult{
		Codes:         codes,
		Count:         len(codes),
		CreditsAmount: cfg.CreditsAmount,
		BatchName:     name,
		ExpiresAt:     expiresAt,
	}, nil
}

// DeleteRedemption 删除兑换码，已兑换的记录保留
func (s *RedemptionService) DeleteRedemption(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND status <> ?", id, models.RedemptionRedeemed).
		Delete(&models.RedemptionCode{})
	if result.Error != nil {
		return fmt.Errorf("删除兑换码失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.RedemptionCode{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("查询兑换码失败: %w", err)
		}
		if count > 0 {
			return apperr.New(apperr.CodeConflict, "已兑换的兑换码不能删除")
		}
		return apperr.New(apperr.CodeNotFound, "兑换码不存在")
	}

	_ = redemptionStatsCache().Invalidate()
	return nil
}

// ExpireOverdue 将已过期的 ACTIVE 兑换码标记为 EXPIRED
func (s *RedemptionService) ExpireOverdue(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.RedemptionCode{}).
		Where("status = ? AND expires_at <= ?", models.RedemptionActive, s.now().UTC()).
		Update("status", models.RedemptionExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("标记过期兑换码失败: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		_ = redemptionStatsCache().Invalidate()
	}
	return result.RowsAffected, nil
}
