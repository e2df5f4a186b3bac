package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/middleware"
	"github.com/ketches/mindmap-backend/internal/service"
	"github.com/ketches/mindmap-backend/internal/util"
	"go.uber.org/zap"
)

// 每个 IP 每分钟的认证请求上限
const (
	authRateLimit      = 20
	emailCodeRateLimit = 5
)

// LoginRequest 登录请求
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// EmailCodeRequest 邮箱验证码请求
type EmailCodeRequest struct {
	Email          string `json:"email" binding:"required,email"`
	InvitationCode string `json:"invitation_code" binding:"omitempty,invitation_code"`
	ReferralCode   string `json:"referral_code" binding:"omitempty,max=16"`
}

// EmailCodeVerifyRequest 邮箱验证码校验
type EmailCodeVerifyRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Code       string `json:"code" binding:"omitempty,numeric,max=12"`
	MagicToken string `json:"magic_token" binding:"omitempty,max=128"`
}

func (h *Handler) registerAuthRoutes(r *gin.RouterGroup, authed gin.HandlerFunc) {
	g := r.Group("/auth")
	limited := middleware.RateLimitMiddleware("auth", authRateLimit, time.Minute)
	{
		g.POST("/register", limited, h.Register)
		g.POST("/login", limited, h.Login)
		g.POST("/email-code/request", middleware.RateLimitMiddleware("email-code", emailCodeRateLimit, time.Minute), h.RequestEmailCode)
		g.POST("/email-code/verify", limited, h.VerifyEmailCode)
		g.GET("/me", authed, h.Me)
	}
}

// Register POST /api/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req service.RegisterRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.Auth.Register(c.Request.Context(), &req, c.ClientIP())
	if err != nil {
		Error(c, err)
		return
	}

	logger.Info("用户注册成功",
		zap.Uint("user_id", res.UserID),
		zap.String("email", util.MaskEmail(res.Email)),
		zap.String("ip", c.ClientIP()),
	)
	c.JSON(http.StatusOK, res)
}

// Login POST /api/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		Error(c, err)
		return
	}

	logger.Info("用户登录成功",
		zap.Uint("user_id", res.User.ID),
		zap.String("ip", c.ClientIP()),
	)
	c.JSON(http.StatusOK, res)
}

// RequestEmailCode POST /api/auth/email-code/request
func (h *Handler) RequestEmailCode(c *gin.Context) {
	var req EmailCodeRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.Auth.RequestEmailCode(c.Request.Context(), req.Email, req.InvitationCode, req.ReferralCode)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    res.Sent,
		"expires_in": res.ExpiresIn,
	})
}

// VerifyEmailCode POST /api/auth/email-code/verify
func (h *Handler) VerifyEmailCode(c *gin.Context) {
	var req EmailCodeVerifyRequest
	if !bindJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" && strings.TrimSpace(req.MagicToken) == "" {
		Error(c, apperr.New(apperr.CodeInvalidArgument, "请提供验证码或登录链接令牌"))
		return
	}

	res, err := h.svc.Auth.VerifyEmailCode(c.Request.Context(), req.Email, req.Code, req.MagicToken)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Me GET /api/auth/me
func (h *Handler) Me(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		Error(c, apperr.ErrUnauthenticated)
		return
	}
	Success(c, service.ToUserInfo(user))
}
