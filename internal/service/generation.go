package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ketches/mindmap-backend/internal/ai"
	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/metrics"
	"github.com/ketches/mindmap-backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 生成来源
const (
	SourceText = "text"
	SourceFile = "file"
)

// GenerationService 生成流水线：清洗 -> 扣费 -> 调用模型 -> 校验 -> 成功或退款
type GenerationService struct {
	db        *gorm.DB
	credits   *CreditService
	costs     *CostEstimator
	processor *ai.Processor
	uploads   *UploadService
}

// NewGenerationService 创建生成服务
func NewGenerationService(db *gorm.DB, credits *CreditService, costs *CostEstimator, processor *ai.Processor, uploads *UploadService) *GenerationService {
	return &GenerationService{db: db, credits: credits, costs: costs, processor: processor, uploads: uploads}
}

// GenerationResult 生成结果
type GenerationResult struct {
	Title            string `json:"title"`
	Markdown         string `json:"markdown"`
	CreditsConsumed  int64  `json:"credits_consumed"`
	RemainingCredits int64  `json:"remaining_credits"`
	TextLength       int    `json:"text_length"`
	TransactionID    uint   `json:"transaction_id"`
}

// TextEstimate 文本消耗预估
type TextEstimate struct {
	TextLength    int    `json:"text_length"`
	EstimatedCost int64  `json:"estimated_cost"`
	UserBalance   int64  `json:"user_balance"`
	Sufficient    bool   `json:"sufficient_credits"`
	PricingRule   string `json:"pricing_rule"`
}

// job 一次已清洗、已定价的生成任务
type job struct {
	userID         uint
	source         string
	sanitized      string
	textLength     int
	cost           int64
	format         ai.Format
	idempotencyKey string
	description    string
}

// EstimateText 预估文本消耗，空文本返回 0
func (s *GenerationService) EstimateText(ctx context.Context, userID uint, text string) (*TextEstimate, error) {
	clean := s.processor.Sanitize(text)
	cost := s.costs.TextCost(clean)

	balance, err := s.credits.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	admin, err := s.credits.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &TextEstimate{
		TextLength:    CharCount(clean),
		EstimatedCost: cost,
		UserBalance:   balance,
		Sufficient:    admin || balance >= cost,
		PricingRule:   PricingRule,
	}, nil
}

// GenerateFromText 直接文本生成
func (s *GenerationService) GenerateFromText(ctx context.Context, userID uint, text string, format ai.Format, idempotencyKey string) (*GenerationResult, error) {
	clean := s.processor.Sanitize(text)
	return s.run(ctx, job{
		userID:         userID,
		source:         SourceText,
		sanitized:      clean,
		cost:           s.costs.TextCost(clean),
		format:         format,
		idempotencyKey: idempotencyKey,
		description:    fmt.Sprintf("文本生成思维导图（%d 字）", CharCount(clean)),
	})
}

// GenerateFromToken 使用分析令牌生成，成功后令牌失效，失败时保留以便重试
func (s *GenerationService) GenerateFromToken(ctx context.Context, userID uint, token string, format ai.Format, idempotencyKey string) (*GenerationResult, error) {
	analysis, err := s.uploads.Resolve(token, userID)
	if err != nil {
		return nil, err
	}

	clean := analysis.PreprocessedPrompt
	if clean == "" {
		clean = s.processor.Sanitize(analysis.Text)
	}
	res, err := s.run(ctx, job{
		userID:         userID,
		source:         SourceFile,
		sanitized:      clean,
		textLength:     CharCount(analysis.Text),
		cost:           analysis.Cost,
		format:         format,
		idempotencyKey: idempotencyKey,
		description:    fmt.Sprintf("文件生成思维导图: %s", truncateRunes(analysis.Filename, 100)),
	})
	if err != nil {
		return nil, err
	}
	s.uploads.Invalidate(token, userID)
	return res, nil
}

func (s *GenerationService) run(ctx context.Context, j job) (*GenerationResult, error) {
	textLength := j.textLength
	if textLength == 0 {
		textLength = CharCount(j.sanitized)
	}
	if j.sanitized == "" || j.cost <= 0 {
		return nil, apperr.ErrEmptyContent
	}

	debit, err := s.credits.Debit(ctx, j.userID, j.cost, j.description, ClientIdempotencyKey(j.idempotencyKey))
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			metrics.GenerationsTotal.WithLabelValues(j.source, "insufficient").Inc()
			e := apperr.From(err)
			details := map[string]interface{}{"text_length": textLength}
			for k, v := range e.Details {
				details[k] = v
			}
			return nil, e.WithDetails(details)
		}
		return nil, err
	}
	if debit.Replayed {
		return s.replay(ctx, j, debit)
	}

	// 已扣费的请求不随客户端断开而取消
	genCtx := context.WithoutCancel(ctx)
	mm, genErr := s.processor.Generate(genCtx, ai.BuildPrompt(j.sanitized, j.format))
	if genErr != nil {
		metrics.GenerationsTotal.WithLabelValues(j.source, "refunded").Inc()
		return nil, s.compensate(genCtx, j, debit, genErr)
	}

	remaining := debit.Balance
	logger.Info("思维导图生成成功",
		zap.Uint("user_id", j.userID),
		zap.String("source", j.source),
		zap.Int64("cost", debit.Amount),
		zap.Int64("balance", remaining),
	)
	metrics.GenerationsTotal.WithLabelValues(j.source, "success").Inc()

	if j.idempotencyKey != "" {
		record := &models.GenerationRecord{
			UserID:        j.userID,
			TransactionID: debit.TransactionID,
			Fingerprint:   j.fingerprint(),
			Title:         truncateRunes(mm.Title, 255),
			Markdown:      mm.Markdown,
			TextLength:    textLength,
		}
		if err := s.db.WithContext(genCtx).Create(record).Error; err != nil {
			logger.Error("保存生成结果失败，相同幂等键的重放将被拒绝",
				zap.Uint("user_id", j.userID),
				zap.Uint("transaction_id", debit.TransactionID),
				zap.Error(err),
			)
		}
	}

	return &GenerationResult{
		Title:            mm.Title,
		Markdown:         mm.Markdown,
		CreditsConsumed:  debit.Amount,
		RemainingCredits: remaining,
		TextLength:       textLength,
		TransactionID:    debit.TransactionID,
	}, nil
}

// fingerprint 请求内容指纹：来源、格式、费用与清洗后文本
func (j job) fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%s", j.source, j.format, j.cost, j.sanitized)))
	return hex.EncodeToString(sum[:])
}

// replay 同一幂等键的重复请求：返回已保存的结果，内容不同或结果缺失时拒绝，不调用模型也不退款
func (s *GenerationService) replay(ctx context.Context, j job, debit *LedgerResult) (*GenerationResult, error) {
	var record models.GenerationRecord
	err := s.db.WithContext(ctx).
		Where("transaction_id = ? AND user_id = ?", debit.TransactionID, j.userID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.CodeConflict, "相同幂等键的请求正在处理或结果不可用，请使用新的幂等键")
	}
	if err != nil {
		return nil, fmt.Errorf("查询生成结果失败: %w", err)
	}
	if record.Fingerprint != j.fingerprint() {
		return nil, apperr.New(apperr.CodeConflict, "幂等键已用于不同内容的请求")
	}

	metrics.GenerationsTotal.WithLabelValues(j.source, "replayed").Inc()
	return &GenerationResult{
		Title:            record.Title,
		Markdown:         record.Markdown,
		CreditsConsumed:  debit.Amount,
		RemainingCredits: debit.Balance,
		TextLength:       record.TextLength,
		TransactionID:    debit.TransactionID,
	}, nil
}

// compensate 失败后退还本次扣费，退款失败时升级为严重错误
func (s *GenerationService) compensate(ctx context.Context, j job, debit *LedgerResult, cause error) error {
	// 重放命中的是已成功交付的扣减
	if debit.Amount == 0 || debit.Replayed {
		return cause
	}

	reason := fmt.Sprintf("%s（%s）", j.description, apperr.CodeOf(cause))
	txnID := debit.TransactionID
	if _, err := s.credits.Refund(ctx, j.userID, debit.Amount, reason, &txnID); err != nil {
		metrics.RefundFailuresTotal.Inc()
		logger.Critical("生成失败后退还积分失败，需要人工对账",
			zap.Uint("user_id", j.userID),
			zap.Uint("deduction_id", txnID),
			zap.Int64("amount", debit.Amount),
			zap.String("cause", string(apperr.CodeOf(cause))),
			zap.Error(err),
			zap.String("reconcile", fmt.Sprintf("mapctl ledger verify --user %d", j.userID)),
		)
		return apperr.Escalate(cause, err)
	}

	logger.Warn("生成失败，已退还积分",
		zap.Uint("user_id", j.userID),
		zap.Uint("deduction_id", txnID),
		zap.Int64("amount", debit.Amount),
		zap.Error(cause),
	)
	return cause
}
