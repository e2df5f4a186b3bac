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
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/ketches/mindmap-backend/internal/util"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxInvitationsPerRequest = 100
	codeGenerateAttempts     = 5
)

// InvitationService 邀请码服务
type InvitationService struct {
	db            *gorm.DB
	adminInitCode string
	now           func() time.Time
}

// NewInvitationService 创建邀请码服务，adminInitCode 为初始化首个管理员的保留码
func NewInvitationService(db *gorm.DB, adminInitCode string) *InvitationService {
	return &InvitationService{db: db, adminInitCode: adminInitCode, now: time.Now}
}

// InvitationRecord 邀请码记录
type InvitationRecord struct {
	ID          uint       `json:"id"`
	Code        string     `json:"code"`
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at"`
	UsedBy      *uint      `json:"used_by"`
	UsedByEmail string     `json:"used_by_email,omitempty"`
	UsedAt      *time.Time `json:"used_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// InvitationStats 邀请码统计
type InvitationStats struct {
	Total          int64 `json:"total"`
	Used           int64 `json:"used"`
	Unused         int64 `json:"unused"`
	Expired        int64 `json:"expired"`
	RemainingQuota int   `json:"remaining_quota"`
	IsAdmin        bool  `json:"is_admin"`
}

// InvitationValidation 邀请码校验结果
type InvitationValidation struct {
	Valid     bool       `json:"valid"`
	Code      string     `json:"code"`
	AdminInit bool       `json:"admin_init"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// 邀请码状态
const (
	invitationUnused  = "unused"
	invitationUsed    = "used"
	invitationExpired = "expired"
)

// NormalizeInvitationCode 统一为大写并去除空白
func NormalizeInvitationCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func invitationStatsCache(userID uint) *cache.CacheWrapper {
	return &cache.CacheWrapper{
		Key: cache.CacheKey("invitation", "stats", strconv.FormatUint(uint64(userID), 10)),
		TTL: 5 * time.Minute,
	}
}

// Create 创建邀请码；管理员不受配额限制，普通用户按 invitation_quota 扣减
func (s *InvitationService) Create(ctx context.Context, userID uint, count, expiresInDays int) ([]models.InvitationCode, error) {
	if count <= 0 {
		count = 1
	}
	if count > maxInvitationsPerRequest {
		return nil, apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("单次最多创建 %d 个邀请码", maxInvitationsPerRequest))
	}
	if expiresInDays < 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "有效期不能为负数")
	}

	var created []models.InvitationCode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", userID).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrUnauthenticated
		}
		if err != nil {
			return err
		}

		if !user.IsSuperuser {
			if user.InvitationQuota <= 0 {
				return apperr.New(apperr.CodeForbidden, "没有创建邀请码的权限")
			}
			if user.InvitationQuota < count {
				return apperr.New(apperr.CodeQuotaExhausted, "邀请码配额不足").WithDetails(map[string]interface{}{
					"requested": count,
					"remaining": user.InvitationQuota,
				})
			}
			result := tx.Model(&models.User{}).
				Where("id = ? AND invitation_quota >= ?", userID, count).
				Update("invitation_quota", gorm.Expr("invitation_quota - ?", count))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return apperr.New(apperr.CodeQuotaExhausted, "邀请码配额不足")
			}
		}

		now := s.now().UTC()
		var expiresAt *time.Time
		if expiresInDays > 0 {
			t := now.AddDate(0, 0, expiresInDays)
			expiresAt = &t
		}

		created = make([]models.InvitationCode, 0, count)
		for i := 0; i < count; i++ {
			code, err := s.uniqueCode(tx)
			if err != nil {
				return err
			}
			inv := models.InvitationCode{Code: code, CreatedBy: userID, ExpiresAt: expiresAt, CreatedAt: now}
			if err := tx.Create(&inv).Error; err != nil {
				return err
			}
			created = append(created, inv)
		}
		return nil
	})
	if err != nil {
		return nil, wrapLedgerErr("创建邀请码失败", err)
	}

	_ = invitationStatsCache(userID).Invalidate()
	logger.Info("创建邀请码", zap.Uint("user_id", userID), zap.Int("count", len(created)))
	return created, nil
}

// uniqueCode 生成未被占用的邀请码
func (s *InvitationService) uniqueCode(tx *gorm.DB) (string, error) {
	for i := 0; i < codeGenerateAttempts; i++ {
		code, err := util.GenerateInvitationCode()
		if err != nil {
			return "", err
		}
		var n int64
		if err := tx.Model(&models.InvitationCode{}).Where("code = ?", code).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("生成唯一邀请码失败")
}

// List 当前用户创建的邀请码
func (s *InvitationService) List(ctx context.Context, userID uint) ([]InvitationRecord, error) {
	var rows []struct {
		models.InvitationCode
		UsedByEmail *string
	}
	if err := s.db.WithContext(ctx).Table("invitation_codes").
		Select("invitation_codes.*, users.email AS used_by_email").
		Joins("LEFT JOIN users ON invitation_codes.used_by = users.id").
		Where("invitation_codes.created_by = ?", userID).
		Order("invitation_codes.created_at DESC").Order("invitation_codes.id DESC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询邀请码失败: %w", err)
	}

	now := s.now()
	records := make([]InvitationRecord, len(rows))
	for i, r := range rows {
		inv := r.InvitationCode
		records[i] = InvitationRecord{
			ID:        inv.ID,
			Code:      inv.Code,
			Status:    invitationStatus(&inv, now),
			ExpiresAt: inv.ExpiresAt,
			UsedBy:    inv.UsedBy,
			UsedAt:    inv.UsedAt,
			CreatedAt: inv.CreatedAt,
		}
		if r.UsedByEmail != nil {
			records[i].UsedByEmail = util.MaskEmail(*r.UsedByEmail)
		}
	}
	return records, nil
}

func invitationStatus(inv *models.InvitationCode, now time.Time) string {
	switch {
	case inv.IsUsed():
		return invitationUsed
	case inv.IsExpired(now):
		return invitationExpired
	}
	return invitationUnused
}

// Stats 当前用户的邀请码统计
func (s *InvitationService) Stats(ctx context.Context, userID uint) (*InvitationStats, error) {
	var data InvitationStats
	err := invitationStatsCache(userID).GetOrSet(&data, func() (interface{}, error) {
		return s.fetchStats(ctx, userID)
	})
	return &data, err
}

func (s *InvitationService) fetchStats(ctx context.Context, userID uint) (*InvitationStats, error) {
	db := s.db.WithContext(ctx)

	var user models.User
	if err := db.Select("id", "is_superuser", "invitation_quota").Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	data := &InvitationStats{RemainingQuota: user.InvitationQuota, IsAdmin: user.IsSuperuser}
	base := func() *gorm.DB {
		return db.Model(&models.InvitationCode{}).Where("created_by = ?", userID)
	}
	now := s.now().UTC()

	if err := base().Count(&data.Total).Error; err != nil {
		return nil, fmt.Errorf("统计邀请码失败: %w", err)
	}
	if err := base().Where("used_by IS NOT NULL").Count(&data.Used).Error; err != nil {
		return nil, fmt.Errorf("统计邀请码失败: %w", err)
	}
	if err := base().Where("used_by IS NULL AND expires_at IS NOT NULL AND expires_at <= ?", now).Count(&data.Expired).Error; err != nil {
		return nil, fmt.Errorf("统计邀请码失败: %w", err)
	}
	data.Unused = data.Total - data.Used - data.Expired
	return data, nil
}

// Delete 删除未使用的邀请码并返还配额；管理员可删除任意邀请码
func (s *InvitationService) Delete(ctx context.Context, userID, id uint) error {
	var ownerID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var actor models.User
		if err := tx.Select("id", "is_superuser").Where("id = ?", userID).First(&actor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrUnauthenticated
			}
			return err
		}

		var inv models.InvitationCode
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&inv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.CodeNotFound, "邀请码不存在")
		}
		if err != nil {
			return err
		}
		if inv.CreatedBy != userID && !actor.IsSuperuser {
			return apperr.New(apperr.CodeNotFound, "邀请码不存在")
		}
		if inv.IsUsed() {
			return apperr.New(apperr.CodeCodeAlreadyUsed, "已使用的邀请码不能删除")
		}

		result := tx.Where("id = ? AND used_by IS NULL", inv.ID).Delete(&models.InvitationCode{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.CodeCodeAlreadyUsed, "已使用的邀请码不能删除")
		}

		// 返还创建者的配额（管理员创建时未扣配额）
		if err := tx.Model(&models.User{}).
			Where("id = ? AND is_superuser = ?", inv.CreatedBy, false).
			Update("invitation_quota", gorm.Expr("invitation_quota + 1")).Error; err != nil {
			return err
		}
		ownerID = inv.CreatedBy
		return nil
	})
	if err != nil {
		return wrapLedgerErr("删除邀请码失败", err)
	}

	_ = invitationStatsCache(ownerID).Invalidate()
	return nil
}

// Validate 注册前校验邀请码
func (s *InvitationService) Validate(ctx context.Context, code string) (*InvitationValidation, error) {
	inv, adminInit, err := s.validateTx(s.db.WithContext(ctx), code)
	if err != nil {
		return nil, err
	}
	res := &InvitationValidation{Valid: true, Code: NormalizeInvitationCode(code), AdminInit: adminInit}
	if inv != nil {
		res.ExpiresAt = inv.ExpiresAt
	}
	return res, nil
}

// validateTx 校验邀请码：不存在、已使用、已过期分别返回不同错误；保留码仅在没有管理员时有效
func (s *InvitationService) validateTx(tx *gorm.DB, code string) (*models.InvitationCode, bool, error) {
	code = NormalizeInvitationCode(code)
	if code == "" {
		return nil, false, apperr.New(apperr.CodeInvalidArgument, "邀请码不能为空")
	}

	if s.adminInitCode != "" && code == strings.ToUpper(s.adminInitCode) {
		var admins int64
		if err := tx.Model(&models.User{}).Where("is_superuser = ?", true).Count(&admins).Error; err != nil {
			return nil, false, fmt.Errorf("查询管理员失败: %w", err)
		}
		if admins > 0 {
			return nil, false, apperr.New(apperr.CodeCodeAlreadyUsed, "系统已初始化管理员")
		}
		return nil, true, nil
	}

	if !util.ValidInvitationCode(code) {
		return nil, false, apperr.New(apperr.CodeCodeNotFound, "邀请码不存在")
	}

	var inv models.InvitationCode
	err := tx.Where("code = ?", code).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, apperr.New(apperr.CodeCodeNotFound, "邀请码不存在")
	}
	if err != nil {
		return nil, false, fmt.Errorf("查询邀请码失败: %w", err)
	}
	if inv.IsUsed() {
		return nil, false, apperr.New(apperr.CodeCodeAlreadyUsed, "邀请码已被使用")
	}
	if inv.IsExpired(s.now()) {
		return nil, false, apperr.New(apperr.CodeCodeExpired, "邀请码已过期")
	}
	return &inv, false, nil
}

// claimAdminInitTx 在注册事务内占用保留码，并发初始化时仅一方成功
func (s *InvitationService) claimAdminInitTx(tx *gorm.DB, userID uint) error {
	flag := models.SystemFlag{
		Key:       models.FlagAdminInitialised,
		Value:     strconv.FormatUint(uint64(userID), 10),
		CreatedAt: s.now().UTC(),
	}
	if err := tx.Create(&flag).Error; err != nil {
		if isDuplicateKey(err) {
			return apperr.New(apperr.CodeCodeAlreadyUsed, "系统已初始化管理员")
		}
		return fmt.Errorf("写入初始化标记失败: %w", err)
	}
	return nil
}

// consumeTx 标记邀请码为已使用，并发注册时仅一方成功
func (s *InvitationService) consumeTx(tx *gorm.DB, inv *models.InvitationCode, userID uint) error {
	now := s.now().UTC()
	result := tx.Model(&models.InvitationCode{}).
		Where("id = ? AND used_by IS NULL", inv.ID).
		Updates(map[string]interface{}{"used_by": userID, "used_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.CodeCodeAlreadyUsed, "邀请码已被使用")
	}
	_ = invitationStatsCache(inv.CreatedBy).Invalidate()
	return nil
}
