package ai

import (
	"context"
	"errors"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxConcurrency = 5
)

// Processor 负责清洗、组装提示词、限流调用模型并校验输出
type Processor struct {
	client        Completer
	sem           *semaphore.Weighted
	timeout       time.Duration
	retry         RetryPolicy
	maxInputChars int
}

// NewProcessor 创建处理器，client 为 nil 时所有生成请求返回 AI_INVALID_KEY
func NewProcessor(client Completer, cfg config.AIConfig) *Processor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}
	retry := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	maxInput := cfg.MaxInputChars
	if maxInput <= 0 {
		maxInput = DefaultMaxInputChars
	}

	return &Processor{
		client:        client,
		sem:           semaphore.NewWeighted(concurrency),
		timeout:       timeout,
		retry:         retry,
		maxInputChars: maxInput,
	}
}

// SetRetryPolicy 替换重试策略
func (p *Processor) SetRetryPolicy(policy RetryPolicy) {
	p.retry = policy
}

// Sanitize 清洗用户输入
func (p *Processor) Sanitize(text string) string {
	return Sanitize(text, p.maxInputChars)
}

// Prepare 清洗并组装提示词，返回清洗后文本与提示词
func (p *Processor) Prepare(text string, format Format) (string, Prompt) {
	clean := p.Sanitize(text)
	return clean, BuildPrompt(clean, format)
}

// Generate 调用模型生成导图：每次尝试持有一个并发许可并受单次超时限制
func (p *Processor) Generate(ctx context.Context, prompt Prompt) (*MindMap, error) {
	if p.client == nil {
		return nil, apperr.Wrap(apperr.CodeAIInvalidKey, apperr.ErrAIInvalidKey.Message, errors.New("LLM 客户端未配置"))
	}

	var raw string
	attempts, err := Retry(ctx, p.retry, func(ctx context.Context, attempt int) error {
		out, err := p.attempt(ctx, prompt)
		outcome := "success"
		if err != nil {
			outcome = string(apperr.CodeOf(err))
			logger.Warn("LLM 调用失败",
				zap.Int("attempt", attempt),
				zap.String("code", outcome),
				zap.Error(err),
			)
		}
		metrics.LLMAttemptsTotal.WithLabelValues(outcome).Inc()
		raw = out
		return err
	})
	if err != nil {
		return nil, err
	}

	mm, err := ValidateOutput(raw)
	if err != nil {
		logger.Warn("LLM 输出校验失败", zap.Int("attempts", attempts), zap.Int("raw_length", len(raw)))
		return nil, err
	}
	return mm, nil
}

func (p *Processor) attempt(ctx context.Context, prompt Prompt) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", Classify(err)
	}
	metrics.LLMInFlight.Inc()
	defer func() {
		metrics.LLMInFlight.Dec()
		p.sem.Release(1)
	}()

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.client.Complete(callCtx, prompt)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", apperr.Wrap(apperr.CodeAITimeout, apperr.ErrAITimeout.Message, err)
		}
		return "", Classify(err)
	}
	return out, nil
}
