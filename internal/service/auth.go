package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/ketches/mindmap-backend/internal/util"
	"github.com/ketches/mindmap-backend/pkg/jwt"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	minPasswordLength    = 8
	maxEmailCodeAttempts = 5
)

// AuthService 注册、登录与邮箱验证码登录
type AuthService struct {
	db          *gorm.DB
	credits     *CreditService
	invitations *InvitationService
	referrals   *ReferralService
	recaptcha   RecaptchaVerifier
	mailer      Mailer
	cfg         *config.Config
	now         func() time.Time
}

// NewAuthService 创建认证服务
func NewAuthService(db *gorm.DB, cfg *config.Config, credits *CreditService, invitations *InvitationService, referrals *ReferralService, recaptcha RecaptchaVerifier, mailer Mailer) *AuthService {
	if mailer == nil {
		mailer = LogMailer{From: cfg.Mail.From}
	}
	return &AuthService{
		db:          db,
		credits:     credits,
		invitations: invitations,
		referrals:   referrals,
		recaptcha:   recaptcha,
		mailer:      mailer,
		cfg:         cfg,
		now:         time.Now,
	}
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	Email          string  `json:"email" binding:"required,email,max=255"`
	Password       string  `json:"password" binding:"required,min=8,max=128"`
	InvitationCode string  `json:"invitation_code" binding:"required,invitation_code"`
	DisplayName    *string `json:"display_name" binding:"omitempty,max=100"`
	RecaptchaToken string  `json:"recaptcha_token"`
	ReferralCode   string  `json:"referral_code" binding:"omitempty,max=16"`
}

// RegisterResult 注册结果
type RegisterResult struct {
	Success            bool   `json:"success"`
	UserID             uint   `json:"user_id"`
	Email              string `json:"email"`
	DailyRewardGranted bool   `json:"daily_reward_granted"`
	ReferralStatus     string `json:"referral_status,omitempty"`
}

// UserInfo 对外展示的用户信息
type UserInfo struct {
	ID           uint    `json:"id"`
	Email        string  `json:"email"`
	DisplayName  *string `json:"display_name"`
	IsSuperuser  bool    `json:"is_superuser"`
	IsVerified   bool    `json:"is_verified"`
	ReferralCode string  `json:"referral_code"`
}

// LoginResult 登录结果
type LoginResult struct {
	AccessToken        string    `json:"access_token"`
	TokenType          string    `json:"token_type"`
	ExpiresAt          time.Time `json:"expires_at"`
	User               UserInfo  `json:"user"`
	DailyRewardGranted bool      `json:"daily_reward_granted"`
}

// EmailCodeResult 验证码发送结果
type EmailCodeResult struct {
	Sent      bool `json:"sent"`
	ExpiresIn int  `json:"expires_in"`
}

// newAccount 注册参数
type newAccount struct {
	email          string
	passwordHash   string
	displayName    *string
	invitationCode string
	referralCode   string
	inviterID      *uint
	verified       bool
}

// ToUserInfo 转换为对外信息
func ToUserInfo(u *models.User) UserInfo {
	return UserInfo{
		ID:           u.ID,
		Email:        u.Email,
		DisplayName:  u.DisplayName,
		IsSuperuser:  u.IsSuperuser,
		IsVerified:   u.IsVerified,
		ReferralCode: u.ReferralCode,
	}
}

// NormalizeEmail 统一小写并去除空白
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register 邀请码注册：校验邀请码 -> 建号 -> 初始积分 -> 推荐奖励，之后尝试发放每日奖励
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest, remoteIP string) (*RegisterResult, error) {
	if s.recaptcha != nil {
		if err := s.recaptcha.Verify(ctx, req.RecaptchaToken, remoteIP); err != nil {
			return nil, err
		}
	}
	if len(req.Password) < minPasswordLength {
		return nil, apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("密码长度至少 %d 位", minPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("密码加密失败: %w", err)
	}

	user, event, err := s.register(ctx, newAccount{
		email:          NormalizeEmail(req.Email),
		passwordHash:   string(hash),
		displayName:    req.DisplayName,
		invitationCode: req.InvitationCode,
		referralCode:   req.ReferralCode,
	})
	if err != nil {
		return nil, err
	}

	res := &RegisterResult{
		Success:            true,
		UserID:             user.ID,
		Email:              user.Email,
		DailyRewardGranted: s.grantDaily(ctx, user.ID),
	}
	if event != nil {
		res.ReferralStatus = event.Status
	}
	return res, nil
}

// register 注册事务，密码注册使用
func (s *AuthService) register(ctx context.Context, acc newAccount) (*models.User, *models.ReferralEvent, error) {
	var (
		user  *models.User
		event *models.ReferralEvent
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		user, event, err = s.registerTx(ctx, tx, acc)
		return err
	})
	if err != nil {
		return nil, nil, wrapLedgerErr("注册失败", err)
	}
	logRegistered(user)
	return user, event, nil
}

func logRegistered(user *models.User) {
	logger.Info("新用户注册",
		zap.Uint("user_id", user.ID),
		zap.String("email", util.MaskEmail(user.Email)),
		zap.Bool("superuser", user.IsSuperuser),
	)
}

// registerTx 在调用方事务内完成建号，密码注册与邮箱验证码注册共用
func (s *AuthService) registerTx(ctx context.Context, tx *gorm.DB, acc newAccount) (*models.User, *models.ReferralEvent, error) {
	inv, adminInit, err := s.invitations.validateTx(tx, acc.invitationCode)
	if err != nil {
		return nil, nil, err
	}

	var taken int64
	if err := tx.Unscoped().Model(&models.User{}).Where("email = ?", acc.email).Count(&taken).Error; err != nil {
		return nil, nil, err
	}
	if taken > 0 {
		return nil, nil, apperr.ErrEmailTaken
	}

	var inviter *models.User
	switch {
	case acc.referralCode != "":
		inviter, err = findInviterTx(tx, acc.referralCode)
		if errors.Is(err, apperr.ErrCodeNotFound) {
			logger.Warn("推荐码无效，忽略推荐关系", zap.String("referral_code", acc.referralCode))
			inviter, err = nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
	case acc.inviterID != nil:
		var u models.User
		if err := tx.Where("id = ?", *acc.inviterID).First(&u).Error; err == nil {
			inviter = &u
		}
	}

	referralCode, err := uniqueReferralCode(tx)
	if err != nil {
		return nil, nil, err
	}

	user := &models.User{
		Email:         acc.email,
		PasswordHash:  acc.passwordHash,
		DisplayName:   acc.displayName,
		IsActive:      true,
		IsSuperuser:   adminInit,
		IsVerified:    acc.verified,
		ReferralCode:  referralCode,
		ReferralLimit: s.cfg.Referral.ReferralLimit(),
	}
	if err := tx.Create(user).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, nil, apperr.ErrEmailTaken
		}
		return nil, nil, err
	}

	if inv != nil {
		if err := s.invitations.consumeTx(tx, inv, user.ID); err != nil {
			return nil, nil, err
		}
	}
	if adminInit {
		if err := s.invitations.claimAdminInitTx(tx, user.ID); err != nil {
			return nil, nil, err
		}
	}

	if _, err := s.credits.WithTx(tx).GrantInitial(ctx, user.ID, s.cfg.Credits.InitialGrant, "注册赠送积分"); err != nil {
		return nil, nil, err
	}

	var event *models.ReferralEvent
	if inviter != nil {
		if event, err = s.referrals.applyTx(ctx, tx, inviter.ID, user.ID); err != nil {
			return nil, nil, err
		}
	}
	return user, event, nil
}

func uniqueReferralCode(tx *gorm.DB) (string, error) {
	for i := 0; i < codeGenerateAttempts; i++ {
		code, err := util.GenerateReferralCode()
		if err != nil {
			return "", err
		}
		var n int64
		if err := tx.Unscoped().Model(&models.User{}).Where("referral_code = ?", code).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("生成唯一推荐码失败")
}

// Login 邮箱密码登录
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	if user.PasswordHash == "" {
		return nil, apperr.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.ErrInvalidCredentials
	}
	return s.issue(ctx, &user)
}

// issue 签发访问令牌并尝试发放每日奖励
func (s *AuthService) issue(ctx context.Context, user *models.User) (*LoginResult, error) {
	if !user.IsActive {
		return nil, apperr.New(apperr.CodeForbidden, "账户已被禁用")
	}

	token, expiresAt, err := jwt.GenerateToken(user.ID, user.Email, user.IsSuperuser, s.cfg.Auth.JWTExpireHours)
	if err != nil {
		return nil, fmt.Errorf("生成 Token 失败: %w", err)
	}

	logger.Info("用户登录成功", zap.Uint("user_id", user.ID))
	return &LoginResult{
		AccessToken:        token,
		TokenType:          "bearer",
		ExpiresAt:          expiresAt,
		User:               ToUserInfo(user),
		DailyRewardGranted: s.grantDaily(ctx, user.ID),
	}, nil
}

// grantDaily 发放每日奖励，失败只记录日志不影响登录
func (s *AuthService) grantDaily(ctx context.Context, userID uint) bool {
	today := s.now().In(s.cfg.Location()).Format("2006-01-02")
	granted, err := s.credits.GrantDailyIfEligible(ctx, userID, today, s.cfg.Credits.DailyReward)
	if err != nil {
		logger.Warn("发放每日奖励失败", zap.Uint("user_id", userID), zap.Error(err))
		return false
	}
	return granted
}

// RequestEmailCode 发送邮箱验证码；未注册邮箱需提供邀请码，验证通过后自动注册
func (s *AuthService) RequestEmailCode(ctx context.Context, email, invitationCode, referralCode string) (*EmailCodeResult, error) {
	email = NormalizeEmail(email)

	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	token := models.LoginToken{Email: email}
	if existing == 0 {
		if _, _, err := s.invitations.validateTx(s.db.WithContext(ctx), invitationCode); err != nil {
			return nil, err
		}
		code := NormalizeInvitationCode(invitationCode)
		token.InvitationCode = &code
		if referralCode != "" {
			inviter, err := findInviterTx(s.db.WithContext(ctx), referralCode)
			if err != nil && !errors.Is(err, apperr.ErrCodeNotFound) {
				return nil, err
			}
			if inviter != nil {
				token.InviterID = &inviter.ID
			}
		}
	}

	code, err := util.GenerateNumericCode(s.cfg.LoginToken.CodeLength)
	if err != nil {
		return nil, err
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("验证码加密失败: %w", err)
	}
	magic := uuid.NewString()
	magicHash := hashToken(magic)

	now := s.now().UTC()
	token.CodeHash = string(codeHash)
	token.MagicTokenHash = &magicHash
	token.ExpiresAt = now.Add(s.cfg.LoginToken.TTL)
	token.CreatedAt = now
	if err := s.db.WithContext(ctx).Create(&token).Error; err != nil {
		return nil, fmt.Errorf("保存登录令牌失败: %w", err)
	}

	link := strings.TrimRight(s.cfg.Frontend.URL, "/") + "/login/verify?" + url.Values{
		"email": {email},
		"token": {magic},
	}.Encode()
	if err := s.mailer.SendLoginCode(ctx, email, code, link); err != nil {
		return nil, fmt.Errorf("发送验证码失败: %w", err)
	}

	return &EmailCodeResult{Sent: true, ExpiresIn: int(s.cfg.LoginToken.TTL.Seconds())}, nil
}

// VerifyEmailCode 校验验证码或魔法链接令牌，令牌只能使用一次
func (s *AuthService) VerifyEmailCode(ctx context.Context, email, code, magicToken string) (*LoginResult, error) {
	email = NormalizeEmail(email)
	if code == "" && magicToken == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "请提供验证码或登录链接")
	}

	token, err := s.matchLoginToken(ctx, email, code, magicToken)
	if err != nil {
		return nil, err
	}

	// 消费令牌与建号同一事务，注册失败时令牌仍可用
	var (
		user    models.User
		created bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.LoginToken{}).
			Where("id = ? AND used_at IS NULL", token.ID).
			Update("used_at", s.now().UTC())
		if result.Error != nil {
			return fmt.Errorf("更新登录令牌失败: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.CodeInvalidCredentials, "验证码已使用")
		}

		err := tx.Where("email = ?", email).First(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if token.InvitationCode == nil {
				return apperr.New(apperr.CodeInvalidCredentials, "账户不存在")
			}
			u, _, err := s.registerTx(ctx, tx, newAccount{
				email:          email,
				invitationCode: *token.InvitationCode,
				inviterID:      token.InviterID,
				verified:       true,
			})
			if err != nil {
				return err
			}
			user, created = *u, true
		case err != nil:
			return fmt.Errorf("查询用户失败: %w", err)
		case !user.IsVerified:
			if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Update("is_verified", true).Error; err != nil {
				return fmt.Errorf("更新用户失败: %w", err)
			}
			user.IsVerified = true
		}
		return nil
	})
	if err != nil {
		return nil, wrapLedgerErr("验证码登录失败", err)
	}
	if created {
		logRegistered(&user)
	}

	return s.issue(ctx, &user)
}

// matchLoginToken 查找匹配的未使用令牌
func (s *AuthService) matchLoginToken(ctx context.Context, email, code, magicToken string) (*models.LoginToken, error) {
	now := s.now().UTC()
	db := s.db.WithContext(ctx).Where("email = ? AND used_at IS NULL AND expires_at > ?", email, now)

	if magicToken != "" {
		var token models.LoginToken
		err := db.Where("magic_token_hash = ?", hashToken(magicToken)).First(&token).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeInvalidCredentials, "登录链接无效或已过期")
		}
		if err != nil {
			return nil, fmt.Errorf("查询登录令牌失败: %w", err)
		}
		return &token, nil
	}

	var tokens []models.LoginToken
	if err := db.Order("created_at DESC").Limit(maxEmailCodeAttempts).Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("查询登录令牌失败: %w", err)
	}
	for i := range tokens {
		if bcrypt.CompareHashAndPassword([]byte(tokens[i].CodeHash), []byte(code)) == nil {
			return &tokens[i], nil
		}
	}
	return nil, apperr.New(apperr.CodeInvalidCredentials, "验证码错误或已过期")
}

// PruneLoginTokens 清理过期令牌
func (s *AuthService) PruneLoginTokens(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", s.now().UTC()).Delete(&models.LoginToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理登录令牌失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CurrentUser 按 ID 获取有效用户
func (s *AuthService) CurrentUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	if !user.IsActive {
		return nil, apperr.New(apperr.CodeForbidden, "账户已被禁用")
	}
	return &user, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
