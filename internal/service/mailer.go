package service

import (
	"context"

	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/util"
	"go.uber.org/zap"
)

// Mailer 登录验证码投递
type Mailer interface {
	SendLoginCode(ctx context.Context, email, code, magicLink string) error
}

// LogMailer 仅记录日志的投递实现（未接入邮件服务时使用）
type LogMailer struct {
	From string
}

// SendLoginCode 记录一次投递
func (m LogMailer) SendLoginCode(_ context.Context, email, code, magicLink string) error {
	logger.Info("登录验证码已生成",
		zap.String("from", m.From),
		zap.String("to", util.MaskEmail(email)),
		zap.Int("code_length", len(code)),
		zap.Bool("magic_link", magicLink != ""),
	)
	logger.Debug("登录验证码", zap.String("code", code), zap.String("magic_link", magicLink))
	return nil
}
