package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/middleware"
)

// CreateInvitationRequest 创建邀请码
type CreateInvitationRequest struct {
	Count         int `json:"count" binding:"omitempty,min=1,max=100"`
	ExpiresInDays int `json:"expires_in_days" binding:"omitempty,min=1,max=365"`
}

// ValidateInvitationRequest 校验邀请码
type ValidateInvitationRequest struct {
	Code string `json:"code" binding:"required,max=32"`
}

func (h *Handler) registerInvitationRoutes(r *gin.RouterGroup) {
	g := r.Group("/invitations")
	{
		g.POST("/create", h.CreateInvitations)
		g.GET("/list", h.ListInvitations)
		g.GET("/stats", h.GetInvitationStats)
		g.DELETE("/:id", h.DeleteInvitation)
	}
}

// CreateInvitations POST /api/invitations/create
func (h *Handler) CreateInvitations(c *gin.Context) {
	var req CreateInvitationRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	codes, err := h.svc.Invitations.Create(c.Request.Context(), middleware.UserID(c), req.Count, req.ExpiresInDays)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"codes":   codes,
		"count":   len(codes),
	})
}

// ListInvitations GET /api/invitations/list
func (h *Handler) ListInvitations(c *gin.Context) {
	items, err := h.svc.Invitations.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": len(items),
	})
}

// GetInvitationStats GET /api/invitations/stats
func (h *Handler) GetInvitationStats(c *gin.Context) {
	stats, err := h.svc.Invitations.Stats(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// DeleteInvitation DELETE /api/invitations/:id
func (h *Handler) DeleteInvitation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Invitations.Delete(c.Request.Context(), middleware.UserID(c), id); err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "邀请码已删除"})
}

// ValidateInvitation POST /api/invitations/validate（注册前调用，无需登录）
func (h *Handler) ValidateInvitation(c *gin.Context) {
	var req ValidateInvitationRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.svc.Invitations.Validate(c.Request.Context(), req.Code)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
