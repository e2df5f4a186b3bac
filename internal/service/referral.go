package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/cache"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/ketches/mindmap-backend/internal/util"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReferralService 推荐奖励服务
type ReferralService struct {
	db          *gorm.DB
	credits     *CreditService
	cfg         config.ReferralConfig
	frontendURL string
	now         func() time.Time
}

// NewReferralService 创建推荐服务
func NewReferralService(db *gorm.DB, credits *CreditService, cfg config.ReferralConfig, frontendURL string) *ReferralService {
	return &ReferralService{
		db:          db,
		credits:     credits,
		cfg:         cfg,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		now:         time.Now,
	}
}

// ReferralLink 推荐链接
type ReferralLink struct {
	ReferralCode string `json:"referral_code"`
	Link         string `json:"link"`
	InviterBonus int64  `json:"inviter_bonus"`
	InviteeBonus int64  `json:"invitee_bonus"`
}

// ReferralStats 推荐统计
type ReferralStats struct {
	TotalReferrals   int64 `json:"total_referrals"`
	RewardedCount    int64 `json:"rewarded_count"`
	CappedCount      int64 `json:"capped_count"`
	TotalBonusEarned int64 `json:"total_bonus_earned"`
	ReferralLimit    int   `json:"referral_limit"`
	ReferralUsed     int   `json:"referral_used"`
	Remaining        int   `json:"remaining"`
	InviterBonus     int64 `json:"inviter_bonus"`
	InviteeBonus     int64 `json:"invitee_bonus"`
}

// ReferralHistoryItem 推荐记录
type ReferralHistoryItem struct {
	InviteeEmail string    `json:"invitee_email"`
	InviterBonus int64     `json:"inviter_bonus"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

func referralStatsCache(userID uint) *cache.CacheWrapper {
	return &cache.CacheWrapper{
		Key: cache.CacheKey("referral", "stats", strconv.FormatUint(uint64(userID), 10)),
		TTL: 5 * time.Minute,
	}
}

// findInviterTx 按推荐码查找推荐人
func findInviterTx(tx *gorm.DB, code string) (*models.User, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var user models.User
	err := tx.Where("referral_code = ? AND is_active = ?", code, true).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.CodeCodeNotFound, "推荐码不存在")
	}
	if err != nil {
		return nil, fmt.Errorf("查询推荐码失败: %w", err)
	}
	return &user, nil
}

// applyTx 在注册事务内记录推荐关系并发放奖励；推荐人达到上限时只跳过推荐人奖励
func (s *ReferralService) applyTx(ctx context.Context, tx *gorm.DB, inviterID, inviteeID uint) (*models.ReferralEvent, error) {
	if inviterID == inviteeID {
		return nil, nil
	}

	var existing int64
	if err := tx.Model(&models.ReferralEvent{}).
		Where("inviter_id = ? AND invitee_id = ?", inviterID, inviteeID).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	event := &models.ReferralEvent{
		InviterID: inviterID,
		InviteeID: inviteeID,
		Status:    models.ReferralStatusCapped,
		CreatedAt: s.now().UTC(),
	}

	ledger := s.credits.WithTx(tx)
	if s.cfg.InviterBonus > 0 {
		result := tx.Model(&models.User{}).
			Where("id = ? AND referral_used < referral_limit", inviterID).
			Update("referral_used", gorm.Expr("referral_used + 1"))
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			if _, err := ledger.Credit(ctx, inviterID, s.cfg.InviterBonus, models.TxnManualGrant,
				"推荐奖励（邀请新用户）", fmt.Sprintf("referral:inviter:%d", inviteeID)); err != nil {
				return nil, err
			}
			event.InviterBonus = s.cfg.InviterBonus
			event.Status = models.ReferralStatusRewarded
		}
	}

	if s.cfg.InviteeBonus > 0 {
		if _, err := ledger.Credit(ctx, inviteeID, s.cfg.InviteeBonus, models.TxnManualGrant,
			"推荐奖励（受邀注册）", fmt.Sprintf("referral:invitee:%d", inviterID)); err != nil {
			return nil, err
		}
		event.InviteeBonus = s.cfg.InviteeBonus
	}

	if err := tx.Create(event).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, apperr.New(apperr.CodeConflict, "推荐关系已存在")
		}
		return nil, err
	}
	if err := tx.Model(&models.User{}).Where("id = ?", inviteeID).Update("invited_by", inviterID).Error; err != nil {
		return nil, err
	}

	_ = referralStatsCache(inviterID).Invalidate()
	logger.Info("推荐注册",
		zap.Uint("inviter_id", inviterID),
		zap.Uint("invitee_id", inviteeID),
		zap.String("status", event.Status),
		zap.Int64("inviter_bonus", event.InviterBonus),
	)
	return event, nil
}

// Link 当前用户的推荐链接
func (s *ReferralService) Link(ctx context.Context, userID uint) (*ReferralLink, error) {
	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ReferralLink{
		ReferralCode: user.ReferralCode,
		Link:         s.frontendURL + "/register?ref=" + user.ReferralCode,
		InviterBonus: s.cfg.InviterBonus,
		InviteeBonus: s.cfg.InviteeBonus,
	}, nil
}

// Stats 推荐统计
func (s *ReferralService) Stats(ctx context.Context, userID uint) (*ReferralStats, error) {
	var data ReferralStats
	err := referralStatsCache(userID).GetOrSet(&data, func() (interface{}, error) {
		return s.fetchStats(ctx, userID)
	})
	return &data, err
}

func (s *ReferralService) fetchStats(ctx context.Context, userID uint) (*ReferralStats, error) {
	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status string
		Count  int64
		Bonus  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.ReferralEvent{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(inviter_bonus), 0) AS bonus").
		Where("inviter_id = ?", userID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("统计推荐记录失败: %w", err)
	}

	data := &ReferralStats{
		ReferralLimit: user.ReferralLimit,
		ReferralUsed:  user.ReferralUsed,
		InviterBonus:  s.cfg.InviterBonus,
		InviteeBonus:  s.cfg.InviteeBonus,
	}
	if remaining := user.ReferralLimit - user.ReferralUsed; remaining > 0 {
		data.Remaining = remaining
	}
	for _, r := range rows {
		data.TotalReferrals += r.Count
		data.TotalBonusEarned += r.Bonus
		switch r.Status {
		case models.ReferralStatusRewarded:
			data.RewardedCount = r.Count
		case models.ReferralStatusCapped:
			data.CappedCount = r.Count
		}
	}
	return data, nil
}

// History 推荐记录（受邀人邮箱部分隐藏）
func (s *ReferralService) History(ctx context.Context, userID uint, limit, offset int) ([]ReferralHistoryItem, int64, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	db := s.db.WithContext(ctx).Table("referral_events").
		Joins("LEFT JOIN users ON referral_events.invitee_id = users.id").
		Where("referral_events.inviter_id = ?", userID)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计推荐记录失败: %w", err)
	}

	var rows []struct {
		Email        *string
		InviterBonus int64
		Status       string
		CreatedAt    time.Time
	}
	if err := db.Select("users.email AS email, referral_events.inviter_bonus, referral_events.status, referral_events.created_at").
		Order("referral_events.created_at DESC").Order("referral_events.id DESC").
		Limit(limit).Offset(offset).
		Scan(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("查询推荐记录失败: %w", err)
	}

	items := make([]ReferralHistoryItem, len(rows))
	for i, r := range rows {
		items[i] = ReferralHistoryItem{
			InviterBonus: r.InviterBonus,
			Status:       r.Status,
			CreatedAt:    r.CreatedAt,
		}
		if r.Email != nil {
			items[i].InviteeEmail = util.MaskEmail(*r.Email)
		}
	}
	return items, total, nil
}

func (s *ReferralService) user(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "用户不存在")
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &user, nil
}
