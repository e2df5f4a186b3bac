package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/middleware"
)

func (h *Handler) registerReferralRoutes(r *gin.RouterGroup) {
	g := r.Group("/referrals/me")
	{
		g.GET("/link", h.GetReferralLink)
		g.GET("/stats", h.GetReferralStats)
		g.GET("/history", h.GetReferralHistory)
	}
}

// GetReferralLink GET /api/referrals/me/link
func (h *Handler) GetReferralLink(c *gin.Context) {
	link, err := h.svc.Referrals.Link(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

// GetReferralStats GET /api/referrals/me/stats
func (h *Handler) GetReferralStats(c *gin.Context) {
	stats, err := h.svc.Referrals.Stats(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetReferralHistory GET /api/referrals/me/history?limit&offset
func (h *Handler) GetReferralHistory(c *gin.Context) {
	limit := parseLimit(c, 20, 100)
	offset := parseOffset(c)

	items, total, err := h.svc.Referrals.History(c.Request.Context(), middleware.UserID(c), limit, offset)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
