package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 稳定的机器可读错误码
type Code string

const (
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeUnsupportedFileKind    Code = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge           Code = "FILE_TOO_LARGE"
	CodeEmptyContent           Code = "EMPTY_CONTENT"
	CodeUnauthenticated        Code = "UNAUTHENTICATED"
	CodeForbidden              Code = "FORBIDDEN"
	CodeInsufficientFunds      Code = "INSUFFICIENT_CREDITS"
	CodeCodeNotFound           Code = "CODE_NOT_FOUND"
	CodeCodeAlreadyUsed        Code = "CODE_ALREADY_USED"
	CodeCodeExpired            Code = "CODE_EXPIRED"
	CodeQuotaExhausted         Code = "QUOTA_EXHAUSTED"
	CodeAlreadyInitialised     Code = "ALREADY_INITIALISED"
	CodeEmailTaken             Code = "EMAIL_TAKEN"
	CodeInvalidCredentials     Code = "INVALID_CREDENTIALS"
	CodeAITimeout              Code = "AI_TIMEOUT"
	CodeAITemporaryUnavailable Code = "AI_TEMPORARY_UNAVAILABLE"
	CodeAIInvalidKey           Code = "AI_INVALID_KEY"
	CodeAIPermission           Code = "AI_PERMISSION_DENIED"
	CodeAIQuota                Code = "AI_QUOTA_EXCEEDED"
	CodeAIContentBlocked       Code = "AI_CONTENT_BLOCKED"
	CodeAIInvalidOutput        Code = "AI_INVALID_OUTPUT"
	CodeAIError                Code = "AI_ERROR"
	CodeTokenNotFound          Code = "TOKEN_NOT_FOUND"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
	CodeRefundFailed           Code = "REFUND_FAILED"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternal               Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeInvalidArgument:        http.StatusBadRequest,
	CodeValidation:             http.StatusUnprocessableEntity,
	CodeUnsupportedFileKind:    http.StatusBadRequest,
	CodeFileTooLarge:           http.StatusBadRequest,
	CodeEmptyContent:           http.StatusBadRequest,
	CodeUnauthenticated:        http.StatusUnauthorized,
	CodeInvalidCredentials:     http.StatusUnauthorized,
	CodeForbidden:              http.StatusForbidden,
	CodeInsufficientFunds:      http.StatusPaymentRequired,
	CodeCodeNotFound:           http.StatusNotFound,
	CodeCodeAlreadyUsed:        http.StatusConflict,
	CodeCodeExpired:            http.StatusBadRequest,
	CodeQuotaExhausted:         http.StatusForbidden,
	CodeAlreadyInitialised:     http.StatusConflict,
	CodeEmailTaken:             http.StatusConflict,
	CodeAITimeout:              http.StatusServiceUnavailable,
	CodeAITemporaryUnavailable: http.StatusServiceUnavailable,
	CodeAIInvalidKey:           http.StatusInternalServerError,
	CodeAIPermission:           http.StatusInternalServerError,
	CodeAIQuota:                http.StatusServiceUnavailable,
	CodeAIContentBlocked:       http.StatusInternalServerError,
	CodeAIInvalidOutput:        http.StatusInternalServerError,
	CodeAIError:                http.StatusInternalServerError,
	CodeTokenNotFound:          http.StatusNotFound,
	CodeNotFound:               http.StatusNotFound,
	CodeConflict:               http.StatusConflict,
	CodeRefundFailed:           http.StatusInternalServerError,
	CodeRateLimited:            http.StatusTooManyRequests,
	CodeInternal:               http.StatusInternalServerError,
}

// Error 业务错误
type Error struct {
	Code     Code
	Message  string
	Details  map[string]interface{}
	Critical bool
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按错误码比较，便于 errors.Is(err, apperr.ErrXxx)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Status 对应的 HTTP 状态码
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetails 返回附带详情的副本
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 包装底层错误
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Escalate 将错误标记为严重（保留原错误码）
func Escalate(err error, cause error) *Error {
	e := From(err)
	cp := *e
	cp.Critical = true
	if cause != nil {
		cp.Err = errors.Join(e.Err, cause)
	}
	return &cp
}

// From 将任意错误转换为 *Error，未分类错误视为内部错误
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "服务器内部错误", err)
}

// CodeOf 获取错误码
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// 预定义错误
var (
	ErrInvalidArgument        = New(CodeInvalidArgument, "参数错误")
	ErrUnsupportedFileKind    = New(CodeUnsupportedFileKind, "不支持的文件类型")
	ErrFileTooLarge           = New(CodeFileTooLarge, "文件过大")
	ErrEmptyContent           = New(CodeEmptyContent, "内容为空")
	ErrUnauthenticated        = New(CodeUnauthenticated, "未认证")
	ErrForbidden              = New(CodeForbidden, "权限不足")
	ErrInsufficientFunds      = New(CodeInsufficientFunds, "积分不足")
	ErrCodeNotFound           = New(CodeCodeNotFound, "邀请码或兑换码不存在")
	ErrCodeAlreadyUsed        = New(CodeCodeAlreadyUsed, "该码已被使用")
	ErrCodeExpired            = New(CodeCodeExpired, "该码已过期")
	ErrQuotaExhausted         = New(CodeQuotaExhausted, "配额已用完")
	ErrAlreadyInitialised     = New(CodeAlreadyInitialised, "积分账户已初始化")
	ErrEmailTaken             = New(CodeEmailTaken, "邮箱已被注册")
	ErrInvalidCredentials     = New(CodeInvalidCredentials, "邮箱或密码错误")
	ErrAITimeout              = New(CodeAITimeout, "AI 服务响应超时，请稍后重试")
	ErrAITemporaryUnavailable = New(CodeAITemporaryUnavailable, "AI 服务暂时不可用，请稍后重试")
	ErrAIInvalidKey           = New(CodeAIInvalidKey, "AI 服务配置错误")
	ErrAIPermission           = New(CodeAIPermission, "AI 服务拒绝访问")
	ErrAIQuota                = New(CodeAIQuota, "AI 服务额度已用完")
	ErrAIContentBlocked       = New(CodeAIContentBlocked, "内容被 AI 安全策略拦截")
	ErrAIInvalidOutput        = New(CodeAIInvalidOutput, "AI 生成结果格式无效")
	ErrAIError                = New(CodeAIError, "AI 生成失败")
	ErrTokenNotFound          = New(CodeTokenNotFound, "文件令牌不存在或已过期")
	ErrNotFound               = New(CodeNotFound, "资源不存在")
	ErrConflict               = New(CodeConflict, "请求冲突")
	ErrRefundFailed           = New(CodeRefundFailed, "积分退还失败")
	ErrRateLimited            = New(CodeRateLimited, "请求过于频繁，请稍后再试")
)

// InsufficientFunds 积分不足，附带所需/当前/差额
func InsufficientFunds(required, current int64) *Error {
	shortfall := required - current
	if shortfall < 0 {
		shortfall = 0
	}
	return &Error{
		Code:    CodeInsufficientFunds,
		Message: fmt.Sprintf("积分不足，需要 %d 积分，当前余额 %d", required, current),
		Details: map[string]interface{}{
			"required":  required,
			"current":   current,
			"shortfall": shortfall,
		},
	}
}

// IsRetryable AI 错误是否可重试（超时、暂时不可用）
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeAITimeout, CodeAITemporaryUnavailable:
		return true
	}
	return false
}

// IsAI 是否为 AI 类错误
func IsAI(err error) bool {
	switch CodeOf(err) {
	case CodeAITimeout, CodeAITemporaryUnavailable, CodeAIInvalidKey, CodeAIPermission,
		CodeAIQuota, CodeAIContentBlocked, CodeAIInvalidOutput, CodeAIError:
		return true
	}
	return false
}
