package ai

import (
	"context"
	"math/rand"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
)

// RetryPolicy 指数退避重试配置
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration

	// Sleep 可在测试中替换
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter 返回 [0,1) 随机数
	Jitter func() float64
}

// DefaultRetryPolicy 3 次尝试，退避 0.3·2^(n-1) 秒加 [0,0.2] 秒抖动
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   300 * time.Millisecond,
		MaxJitter:   200 * time.Millisecond,
		Sleep:       sleepCtx,
		Jitter:      rand.Float64,
	}
}

// Backoff 第 attempt 次失败后的等待时间
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << uint(attempt-1)
	if p.MaxJitter > 0 && p.Jitter != nil {
		d += time.Duration(p.Jitter() * float64(p.MaxJitter))
	}
	return d
}

// Retry 执行 fn，仅对可重试错误（超时、暂时不可用）重试
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, Classify(err)
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !apperr.IsRetryable(lastErr) || attempt == p.MaxAttempts {
			return attempt, lastErr
		}

		if err := p.Sleep(ctx, p.Backoff(attempt)); err != nil {
			return attempt, lastErr
		}
	}
	return p.MaxAttempts, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
