package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/ai"
	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/middleware"
	"github.com/ketches/mindmap-backend/internal/service"
)

// IdempotencyHeader 请求幂等键
const IdempotencyHeader = "Idempotency-Key"

// ProcessTextRequest 文本生成请求
type ProcessTextRequest struct {
	Text       string `json:"text"`
	FormatType string `json:"format_type" binding:"omitempty,max=20"`
}

// UploadTokenRequest 使用分析令牌生成
type UploadTokenRequest struct {
	FileToken  string `json:"file_token" binding:"required,max=128"`
	FormatType string `json:"format_type" binding:"omitempty,max=20"`
}

// EstimateCostRequest 文本消耗预估
type EstimateCostRequest struct {
	Text string `json:"text"`
}

// EstimateUploadRequest 按文件大小预估
type EstimateUploadRequest struct {
	Filename string `json:"filename" binding:"required,max=255"`
	FileSize int64  `json:"file_size" binding:"required,min=1"`
}

func (h *Handler) registerGenerationRoutes(g *gin.RouterGroup) {
	g.POST("/process-text", h.ProcessText)
	g.POST("/estimate-credit-cost", h.EstimateCreditCost)
	g.POST("/upload/analyze", h.AnalyzeUpload)
	g.POST("/upload/estimate", h.EstimateUpload)
	g.POST("/upload", h.Upload)
}

// ProcessText POST /api/process-text
func (h *Handler) ProcessText(c *gin.Context) {
	var req ProcessTextRequest
	if !bindJSON(c, &req) {
		return
	}
	format, ok := parseFormat(c, req.FormatType)
	if !ok {
		return
	}

	uid := middleware.UserID(c)
	res, err := h.svc.Generation.GenerateFromText(c.Request.Context(), uid, req.Text, format, idempotencyKey(c))
	if err != nil {
		generationError(c, err)
		return
	}
	generationOK(c, res)
}

// EstimateCreditCost POST /api/estimate-credit-cost，空文本返回 0
func (h *Handler) EstimateCreditCost(c *gin.Context) {
	var req EstimateCostRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.svc.Generation.EstimateText(c.Request.Context(), middleware.UserID(c), req.Text)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AnalyzeUpload POST /api/upload/analyze
func (h *Handler) AnalyzeUpload(c *gin.Context) {
	filename, data, ok := h.readUpload(c)
	if !ok {
		return
	}

	res, err := h.svc.Uploads.Analyze(c.Request.Context(), middleware.UserID(c), filename, data)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"file_token": res.Token,
		"analysis": gin.H{
			"filename":             res.Filename,
			"file_type":            res.FileKind,
			"preview":              res.Preview,
			"text_length":          res.TextLength,
			"estimated_cost":       res.EstimatedCost,
			"user_balance":         res.UserBalance,
			"sufficient_credits":   res.Sufficient,
			"has_ai_preprocessing": res.HasPreprocessed,
			"is_admin":             res.IsAdmin,
		},
		"expires_in": res.ExpiresIn,
	})
}

// EstimateUpload POST /api/upload/estimate
func (h *Handler) EstimateUpload(c *gin.Context) {
	var req EstimateUploadRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.svc.Uploads.EstimateBySize(c.Request.Context(), middleware.UserID(c), req.Filename, req.FileSize)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Upload POST /api/upload，multipart 直接上传或 {file_token}
func (h *Handler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	uid := middleware.UserID(c)

	var (
		token  string
		format ai.Format
		ok     bool
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if format, ok = parseFormat(c, c.PostForm("format_type")); !ok {
			return
		}
		filename, data, ok := h.readUpload(c)
		if !ok {
			return
		}
		analysis, err := h.svc.Uploads.Analyze(ctx, uid, filename, data)
		if err != nil {
			Error(c, err)
			return
		}
		token = analysis.Token
	} else {
		var req UploadTokenRequest
		if !bindJSON(c, &req) {
			return
		}
		if format, ok = parseFormat(c, req.FormatType); !ok {
			return
		}
		token = req.FileToken
	}

	res, err := h.svc.Generation.GenerateFromToken(ctx, uid, token, format, idempotencyKey(c))
	if err != nil {
		generationError(c, err)
		return
	}
	generationOK(c, res)
}

// readUpload 读取 multipart 中的 file 字段，超出上限立即拒绝
func (h *Handler) readUpload(c *gin.Context) (string, []byte, bool) {
	header, err := c.FormFile("file")
	if err != nil {
		Error(c, apperr.New(apperr.CodeInvalidArgument, "缺少上传文件"))
		return "", nil, false
	}
	if err := h.svc.Uploads.CheckFile(header.Filename, header.Size); err != nil {
		Error(c, err)
		return "", nil, false
	}

	data, err := readFileHeader(header, h.cfg.Upload.MaxFileSize)
	if err != nil {
		Error(c, err)
		return "", nil, false
	}
	return header.Filename, data, true
}

func readFileHeader(header *multipart.FileHeader, max int64) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "无法读取上传文件", err)
	}
	defer f.Close()

	var r io.Reader = f
	if max > 0 {
		r = io.LimitReader(f, max+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "无法读取上传文件", err)
	}
	if max > 0 && int64(len(data)) > max {
		return nil, apperr.ErrFileTooLarge.WithDetails(map[string]interface{}{"max_size": max})
	}
	return data, nil
}

func parseFormat(c *gin.Context, s string) (ai.Format, bool) {
	format, ok := ai.ParseFormat(s)
	if !ok {
		Error(c, apperr.New(apperr.CodeInvalidArgument, "不支持的生成格式").WithDetails(map[string]interface{}{
			"format_type": s,
			"allowed":     []ai.Format{ai.FormatMindmap, ai.FormatOutline, ai.FormatDetailed},
		}))
	}
	return format, ok
}

func idempotencyKey(c *gin.Context) string {
	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if len(key) > 100 {
		key = key[:100]
	}
	return key
}

func generationOK(c *gin.Context, res *service.GenerationResult) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"title":    res.Title,
			"markdown": res.Markdown,
		},
		"cost_info": gin.H{
			"credits_consumed":  res.CreditsConsumed,
			"remaining_credits": res.RemainingCredits,
			"text_length":       res.TextLength,
		},
	})
}

// generationError 积分不足时附带所需积分与当前余额
func generationError(c *gin.Context, err error) {
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		Error(c, err)
		return
	}
	e := apperr.From(err)
	details := map[string]interface{}{
		"required_credits": e.Details["required"],
		"current_balance":  e.Details["current"],
		"shortfall":        e.Details["shortfall"],
		"text_length":      e.Details["text_length"],
	}
	c.JSON(http.StatusPaymentRequired, ErrorResponse{
		Success: false,
		Message: e.Message,
		Details: details,
		Code:    e.Code,
	})
}
