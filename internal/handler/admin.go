package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/middleware"
	"github.com/ketches/mindmap-backend/internal/tasks"
	"go.uber.org/zap"
)

// GrantCreditsRequest 管理员发放积分
type GrantCreditsRequest struct {
	UserID         uint   `json:"user_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required,min=1,max=1000000"`
	Description    string `json:"description" binding:"max=500"`
	IdempotencyKey string `json:"idempotency_key" binding:"max=100"`
}

// registerAdminRoutes registers /api/admin endpoints
func (h *Handler) registerAdminRoutes(r *gin.RouterGroup) {
	r.POST("/credits/grant", h.GrantCredits)
	r.GET("/users/:id/credits", h.GetUserCredits)
	r.GET("/tasks", h.GetTaskStatus)
	h.registerAdminCodeRoutes(r)
}

// GrantCredits POST /api/admin/credits/grant
func (h *Handler) GrantCredits(c *gin.Context) {
	var req GrantCreditsRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.Credits.GrantManual(c.Request.Context(), req.UserID, req.Amount, req.Description, req.IdempotencyKey)
	if err != nil {
		Error(c, err)
		return
	}

	logger.Info("管理员发放积分",
		zap.Uint("admin_id", middleware.UserID(c)),
		zap.Uint("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.Bool("replayed", res.Replayed),
	)
	Success(c, res)
}

// GetUserCredits GET /api/admin/users/:id/credits
func (h *Handler) GetUserCredits(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	stats, err := h.svc.Credits.Statistics(ctx, id, h.cfg.Location())
	if err != nil {
		Error(c, err)
		return
	}
	rec, err := h.svc.Credits.Verify(ctx, id)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{
		"user_id":        id,
		"statistics":     stats,
		"reconciliation": rec,
	})
}

// GetTaskStatus GET /api/admin/tasks
func (h *Handler) GetTaskStatus(c *gin.Context) {
	Success(c, tasks.GetManager().GetStatus())
}
