package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/middleware"
)

func (h *Handler) registerCreditRoutes(r *gin.RouterGroup) {
	g := r.Group("/credits")
	{
		g.GET("/balance", h.GetBalance)
		g.GET("/history", h.GetCreditHistory)
		g.GET("/statistics", h.GetCreditStatistics)
	}
}

// GetBalance GET /api/credits/balance
func (h *Handler) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()
	uid := middleware.UserID(c)

	balance, err := h.svc.Credits.Balance(ctx, uid)
	if err != nil {
		Error(c, err)
		return
	}
	admin, err := h.svc.Credits.IsAdmin(ctx, uid)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":  balance,
		"is_admin": admin,
		"user_id":  uid,
	})
}

// GetCreditHistory GET /api/credits/history?limit&offset
func (h *Handler) GetCreditHistory(c *gin.Context) {
	limit := parseLimit(c, 20, 100)
	offset := parseOffset(c)

	items, total, err := h.svc.Credits.History(c.Request.Context(), middleware.UserID(c), limit, offset)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":    items,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"has_more": int64(offset+len(items)) < total,
	})
}

// GetCreditStatistics GET /api/credits/statistics
func (h *Handler) GetCreditStatistics(c *gin.Context) {
	stats, err := h.svc.Credits.Statistics(c.Request.Context(), middleware.UserID(c), h.cfg.Location())
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
