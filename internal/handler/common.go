package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/service"
	"go.uber.org/zap"
)

// Handler HTTP 处理器，持有全部服务
type Handler struct {
	cfg *config.Config
	svc *service.Services
}

// New 创建处理器
func New(cfg *config.Config, svc *service.Services) *Handler {
	return &Handler{cfg: cfg, svc: svc}
}

// Response 统一响应结构
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse 统一错误结构
type ErrorResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Code    apperr.Code            `json:"code,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// Error 按错误码输出错误响应
func Error(c *gin.Context, err error) {
	e := apperr.From(err)
	status := e.Status()
	if status >= http.StatusInternalServerError {
		fields := []zap.Field{zap.String("code", string(e.Code)), zap.Error(err)}
		if e.Critical {
			fields = append(fields, zap.Bool("critical", true))
		}
		logger.Error("请求失败", fields...)
	}
	c.JSON(status, ErrorResponse{
		Success: false,
		Message: e.Message,
		Details: e.Details,
		Code:    e.Code,
	})
}

// bindJSON 绑定请求体，失败时输出 422
func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		bindError(c, err)
		return false
	}
	return true
}

func bindError(c *gin.Context, err error) {
	details := map[string]interface{}{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		details["fields"] = fields
	} else {
		details["error"] = err.Error()
	}
	c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
		Success: false,
		Message: "请求参数校验失败",
		Details: details,
		Code:    apperr.CodeValidation,
	})
}

// clampInt returns val clamped to [min, max]
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// parseLimit parses "limit" query param with default and max cap
func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultVal)))
	if err != nil {
		limit = defaultVal
	}
	return clampInt(limit, 1, maxVal)
}

// parseOffset parses "offset" query param (minimum 0)
func parseOffset(c *gin.Context) int {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return offset
}

// parsePage parses "page" query param (minimum 1)
func parsePage(c *gin.Context) int {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	return page
}

// parsePageSize parses "page_size" query param with default and max cap
func parsePageSize(c *gin.Context, defaultVal, maxVal int) int {
	ps, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultVal)))
	if err != nil {
		ps = defaultVal
	}
	return clampInt(ps, 1, maxVal)
}

// parseIDParam 解析路径中的正整数 ID
func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		Error(c, apperr.New(apperr.CodeInvalidArgument, "无效的 ID"))
		return 0, false
	}
	return uint(id), true
}
