package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"go.uber.org/zap"
)

// RecaptchaVerifier 人机校验
type RecaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// HTTPRecaptchaVerifier 调用 siteverify 接口校验，secret 为空时跳过
type HTTPRecaptchaVerifier struct {
	secret    string
	minScore  float64
	verifyURL string
	client    *http.Client
}

// NewRecaptchaVerifier 创建 reCAPTCHA 校验器
func NewRecaptchaVerifier(cfg config.RecaptchaConfig) *HTTPRecaptchaVerifier {
	return &HTTPRecaptchaVerifier{
		secret:    cfg.Secret,
		minScore:  cfg.MinScore,
		verifyURL: cfg.VerifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	Action     string   `json:"action"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify 校验 token，分数低于阈值视为拒绝
func (v *HTTPRecaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	if v.secret == "" {
		return nil
	}
	if strings.TrimSpace(token) == "" {
		return apperr.New(apperr.CodeForbidden, "缺少人机验证")
	}

	form := url.Values{"secret": {v.secret}, "response": {token}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("创建人机验证请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("人机验证请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("人机验证服务返回状态码 %d", resp.StatusCode)
	}

	var body siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("解析人机验证响应失败: %w", err)
	}
	if !body.Success || body.Score < v.minScore {
		logger.Warn("人机验证未通过",
			zap.Bool("success", body.Success),
			zap.Float64("score", body.Score),
			zap.Strings("error_codes", body.ErrorCodes),
		)
		return apperr.New(apperr.CodeForbidden, "人机验证未通过")
	}
	return nil
}
