package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ketches/mindmap-backend/internal/ai"
	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/parser"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// UploadService 两阶段文件流程：免费分析 + 令牌换取付费生成
type UploadService struct {
	cache        *UploadCache
	credits      *CreditService
	costs        *CostEstimator
	processor    *ai.Processor
	maxFileSize  int64
	allowed      map[string]bool
	previewChars int
	group        singleflight.Group
}

// NewUploadService 创建上传服务
func NewUploadService(cfg config.UploadConfig, cache *UploadCache, credits *CreditService, costs *CostEstimator, processor *ai.Processor) *UploadService {
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	preview := cfg.PreviewChars
	if preview <= 0 {
		preview = 200
	}
	return &UploadService{
		cache:        cache,
		credits:      credits,
		costs:        costs,
		processor:    processor,
		maxFileSize:  cfg.MaxFileSize,
		allowed:      allowed,
		previewChars: preview,
	}
}

// AnalyzeResult 分析结果
type AnalyzeResult struct {
	Token           string `json:"file_token"`
	Filename        string `json:"filename"`
	FileKind        string `json:"file_type"`
	Preview         string `json:"preview"`
	TextLength      int    `json:"text_length"`
	EstimatedCost   int64  `json:"estimated_cost"`
	UserBalance     int64  `json:"user_balance"`
	Sufficient      bool   `json:"sufficient_credits"`
	HasPreprocessed bool   `json:"has_ai_preprocessing"`
	IsAdmin         bool   `json:"is_admin"`
	ExpiresIn       int    `json:"expires_in"`
}

// SizeEstimate 按文件大小的预估结果
type SizeEstimate struct {
	Filename      string  `json:"filename"`
	FileSize      int64   `json:"file_size"`
	Multiplier    float64 `json:"complexity_multiplier"`
	EstimatedCost int64   `json:"estimated_cost"`
	UserBalance   int64   `json:"user_balance"`
	Sufficient    bool    `json:"sufficient_credits"`
}

type parsedFile struct {
	kind      parser.Kind
	text      string
	sanitized string
}

// CheckFile 校验扩展名与大小
func (s *UploadService) CheckFile(filename string, size int64) error {
	ext := parser.Ext(filename)
	if !s.allowed[ext] {
		return apperr.ErrUnsupportedFileKind.WithDetails(map[string]interface{}{
			"filename": filename,
			"allowed":  s.allowedList(),
		})
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return apperr.ErrFileTooLarge.WithDetails(map[string]interface{}{
			"file_size": size,
			"max_size":  s.maxFileSize,
		})
	}
	return nil
}

func (s *UploadService) allowedList() []string {
	list := make([]string, 0, len(s.allowed))
	for ext := range s.allowed {
		list = append(list, ext)
	}
	return list
}

// Analyze 解析文件、计算消耗并缓存，不扣积分
func (s *UploadService) Analyze(ctx context.Context, userID uint, filename string, data []byte) (*AnalyzeResult, error) {
	if err := s.CheckFile(filename, int64(len(data))); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperr.ErrEmptyContent
	}

	sum := sha256.Sum256(data)
	key := fmt.Sprintf("%d:%s:%s", userID, parser.Ext(filename), hex.EncodeToString(sum[:]))
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		res, err := parser.Parse(filename, data)
		if err != nil {
			return nil, err
		}
		return &parsedFile{
			kind:      res.Kind,
			text:      res.Text,
			sanitized: s.processor.Sanitize(res.Text),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	parsed := v.(*parsedFile)
	if strings.TrimSpace(parsed.text) == "" || parsed.sanitized == "" {
		return nil, apperr.ErrEmptyContent
	}

	// 按实际发送给模型的清洗后文本计费
	cost := s.costs.FileCost(parsed.sanitized)
	entry, err := s.cache.Put(&FileAnalysis{
		OwnerID:            userID,
		Filename:           filename,
		FileKind:           string(parsed.kind),
		Text:               parsed.text,
		Cost:               cost,
		PreprocessedPrompt: parsed.sanitized,
	})
	if err != nil {
		return nil, err
	}

	balance, err := s.credits.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	admin, err := s.credits.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}

	logger.Info("文件分析完成",
		zap.Uint("user_id", userID),
		zap.String("filename", filename),
		zap.String("kind", string(parsed.kind)),
		zap.Int("text_length", CharCount(parsed.text)),
		zap.Int64("cost", cost),
		zap.Bool("shared", shared),
	)

	return &AnalyzeResult{
		Token:           entry.Token,
		Filename:        filename,
		FileKind:        entry.FileKind,
		Preview:         preview(parsed.text, s.previewChars),
		TextLength:      CharCount(parsed.text),
		EstimatedCost:   cost,
		UserBalance:     balance,
		Sufficient:      admin || balance >= cost,
		HasPreprocessed: entry.HasPreprocessed(),
		IsAdmin:         admin,
		ExpiresIn:       int(s.cache.TTL().Seconds()),
	}, nil
}

// Resolve 按令牌取回本人的分析结果
func (s *UploadService) Resolve(token string, userID uint) (*FileAnalysis, error) {
	return s.cache.Get(token, userID)
}

// Invalidate 主动删除分析结果
func (s *UploadService) Invalidate(token string, userID uint) bool {
	return s.cache.Delete(token, userID)
}

// EstimateBySize 解析前按文件大小预估
func (s *UploadService) EstimateBySize(ctx context.Context, userID uint, filename string, size int64) (*SizeEstimate, error) {
	if err := s.CheckFile(filename, size); err != nil {
		return nil, err
	}
	balance, err := s.credits.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	admin, err := s.credits.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}
	cost := EstimateBySize(size, filename)
	return &SizeEstimate{
		Filename:      filename,
		FileSize:      size,
		Multiplier:    ComplexityMultiplier(filename),
		EstimatedCost: cost,
		UserBalance:   balance,
		Sufficient:    admin || balance >= cost,
	}, nil
}

// SweepExpired 清理过期分析结果
func (s *UploadService) SweepExpired() int {
	return s.cache.SweepExpired()
}

func preview(text string, n int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "..."
}
