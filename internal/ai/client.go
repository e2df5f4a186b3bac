package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Completer 大模型调用抽象
type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// OpenAIClient 基于 OpenAI 兼容接口的实现
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIClient 创建客户端，BaseURL 可指向任意 OpenAI 兼容服务
func NewOpenAIClient(cfg config.AIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("LLM_API_KEY 未配置")
	}
	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		occ.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	logger.Info("初始化 LLM 客户端", zap.String("model", model), zap.String("base_url", occ.BaseURL))
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(occ),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Complete 调用 Chat Completions，错误统一分类
func (c *OpenAIClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", Classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Wrap(apperr.CodeAIError, "AI 未返回结果", errors.New("empty choices"))
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", apperr.ErrAIContentBlocked
	}
	logger.Debug("LLM 返回结果",
		zap.String("finish_reason", string(choice.FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return choice.Message.Content, nil
}

// Classify 将底层错误映射为 AI 错误类别
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeAITimeout, apperr.ErrAITimeout.Message, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, strings.ToLower(fmt.Sprintf("%v %s %s", apiErr.Code, apiErr.Type, apiErr.Message)), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, strings.ToLower(err.Error()), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.CodeAITimeout, apperr.ErrAITimeout.Message, err)
	}
	return classifyMessage(strings.ToLower(err.Error()), err)
}

func classifyStatus(status int, msg string, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "billing") {
			return apperr.Wrap(apperr.CodeAIQuota, apperr.ErrAIQuota.Message, err)
		}
		return apperr.Wrap(apperr.CodeAITemporaryUnavailable, apperr.ErrAITemporaryUnavailable.Message, err)
	case status == http.StatusUnauthorized:
		return apperr.Wrap(apperr.CodeAIInvalidKey, apperr.ErrAIInvalidKey.Message, err)
	case status == http.StatusForbidden:
		return apperr.Wrap(apperr.CodeAIPermission, apperr.ErrAIPermission.Message, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperr.Wrap(apperr.CodeAITimeout, apperr.ErrAITimeout.Message, err)
	case status >= 500:
		return apperr.Wrap(apperr.CodeAITemporaryUnavailable, apperr.ErrAITemporaryUnavailable.Message, err)
	}
	return classifyMessage(msg, err)
}

func classifyMessage(msg string, err error) error {
	switch {
	case strings.Contains(msg, "content_filter") || strings.Contains(msg, "safety") || strings.Contains(msg, "content management policy"):
		return apperr.Wrap(apperr.CodeAIContentBlocked, apperr.ErrAIContentBlocked.Message, err)
	case strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "quota exceeded"):
		return apperr.Wrap(apperr.CodeAIQuota, apperr.ErrAIQuota.Message, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return apperr.Wrap(apperr.CodeAITimeout, apperr.ErrAITimeout.Message, err)
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"):
		return apperr.Wrap(apperr.CodeAITemporaryUnavailable, apperr.ErrAITemporaryUnavailable.Message, err)
	}
	return apperr.Wrap(apperr.CodeAIError, apperr.ErrAIError.Message, err)
}
