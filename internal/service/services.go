package service

import (
	"github.com/ketches/mindmap-backend/internal/ai"
	"github.com/ketches/mindmap-backend/internal/config"
	"gorm.io/gorm"
)

// Services 服务集合
type Services struct {
	Credits     *CreditService
	Costs       *CostEstimator
	Uploads     *UploadService
	Generation  *GenerationService
	Invitations *InvitationService
	Referrals   *ReferralService
	Redemptions *RedemptionService
	Auth        *AuthService
	Processor   *ai.Processor
}

// Options 可替换的外部依赖
type Options struct {
	Completer ai.Completer
	Recaptcha RecaptchaVerifier
	Mailer    Mailer
}

// NewServices 按配置组装全部服务
func NewServices(db *gorm.DB, cfg *config.Config, opts Options) *Services {
	credits := NewCreditService(db)
	costs := NewCostEstimator(0)
	processor := ai.NewProcessor(opts.Completer, cfg.AI)
	uploads := NewUploadService(cfg.Upload, NewUploadCache(cfg.Upload.CacheTTL, cfg.Upload.CacheMaxEntries), credits, costs, processor)
	invitations := NewInvitationService(db, cfg.Auth.AdminInitCode)
	referrals := NewReferralService(db, credits, cfg.Referral, cfg.Frontend.URL)

	recaptcha := opts.Recaptcha
	if recaptcha == nil {
		recaptcha = NewRecaptchaVerifier(cfg.Recaptcha)
	}

	return &Services{
		Credits:     credits,
		Costs:       costs,
		Uploads:     uploads,
		Generation:  NewGenerationService(db, credits, costs, processor, uploads),
		Invitations: invitations,
		Referrals:   referrals,
		Redemptions: NewRedemptionService(db, credits),
		Auth:        NewAuthService(db, cfg, credits, invitations, referrals, recaptcha, opts.Mailer),
		Processor:   processor,
	}
}
