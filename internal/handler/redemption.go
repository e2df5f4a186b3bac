package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/middleware"
	"github.com/ketches/mindmap-backend/internal/service"
	"go.uber.org/zap"
)

// RedeemRequest 兑换请求
type RedeemRequest struct {
	Code string `json:"code" binding:"required,redemption_code"`
}

func (h *Handler) registerCodeRoutes(r *gin.RouterGroup) {
	g := r.Group("/codes")
	{
		g.POST("/redeem", h.RedeemCode)
		g.GET("/history", h.GetRedeemHistory)
	}
}

// registerAdminCodeRoutes registers /api/admin/codes endpoints
func (h *Handler) registerAdminCodeRoutes(r *gin.RouterGroup) {
	g := r.Group("/codes")
	{
		g.POST("/generate", h.GenerateRedemptionCodes)
		g.GET("", h.ListRedemptionCodes)
		g.GET("/statistics", h.GetRedemptionStatistics)
		g.DELETE("/:id", h.DeleteRedemptionCode)
	}
}

// RedeemCode POST /api/codes/redeem
func (h *Handler) RedeemCode(c *gin.Context) {
	var req RedeemRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.Redemptions.Redeem(c.Request.Context(), middleware.UserID(c), strings.TrimSpace(req.Code))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"code":            res.Code,
		"credits_gained":  res.CreditsGained,
		"current_balance": res.CurrentBalance,
		"transaction_id":  res.TransactionID,
	})
}

// GetRedeemHistory GET /api/codes/history
func (h *Handler) GetRedeemHistory(c *gin.Context) {
	items, err := h.svc.Redemptions.History(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": len(items),
	})
}

// GenerateRedemptionCodes POST /api/admin/codes/generate
func (h *Handler) GenerateRedemptionCodes(c *gin.Context) {
	var req service.GenerateConfig
	if !bindJSON(c, &req) {
		return
	}

	adminID := middleware.UserID(c)
	result, err := h.svc.Redemptions.GenerateRedemptions(c.Request.Context(), &req, &adminID)
	if err != nil {
		Error(c, err)
		return
	}

	logger.Info("管理员生成兑换码",
		zap.Uint("admin_id", adminID),
		zap.Int("count", result.Count),
		zap.Int64("credits_amount", result.CreditsAmount),
		zap.String("batch_name", result.BatchName),
	)
	Success(c, result)
}

// ListRedemptionCodes GET /api/admin/codes
func (h *Handler) ListRedemptionCodes(c *gin.Context) {
	query := service.RedemptionQuery{
		Page:      parsePage(c),
		PageSize:  parsePageSize(c, 20, 100),
		Code:      c.Query("code"),
		BatchName: c.Query("batch_name"),
		Status:    c.Query("status"),
		StartDate: c.Query("start_date"),
		EndDate:   c.Query("end_date"),
	}

	result, err := h.svc.Redemptions.GetRedemptions(c.Request.Context(), &query)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, result)
}

// GetRedemptionStatistics GET /api/admin/codes/statistics
func (h *Handler) GetRedemptionStatistics(c *gin.Context) {
	stats, err := h.svc.Redemptions.GetRedemptionStatistics(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, stats)
}

// DeleteRedemptionCode DELETE /api/admin/codes/:id
func (h *Handler) DeleteRedemptionCode(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Redemptions.DeleteRedemption(c.Request.Context(), id); err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "兑换码已删除"})
}
