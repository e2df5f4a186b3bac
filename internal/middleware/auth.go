package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/ketches/mindmap-backend/internal/service"
	"github.com/ketches/mindmap-backend/pkg/jwt"
)

const (
	ctxUserID = "user_id"
	ctxUser   = "user"
)

// AuthMiddleware JWT 认证中间件
func AuthMiddleware(auth *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, apperr.New(apperr.CodeUnauthenticated, "未提供认证令牌"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abort(c, apperr.New(apperr.CodeUnauthenticated, "认证令牌格式错误"))
			return
		}

		claims, err := jwt.ParseToken(strings.TrimSpace(parts[1]))
		if err != nil {
			abort(c, apperr.New(apperr.CodeUnauthenticated, "无效的认证令牌"))
			return
		}

		// 令牌有效但账户可能已被删除或禁用
		user, err := auth.CurrentUser(c.Request.Context(), claims.UserID)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(ctxUserID, user.ID)
		c.Set(ctxUser, user)
		c.Next()
	}
}

// AdminMiddleware 管理员权限中间件，需位于 AuthMiddleware 之后
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			abort(c, apperr.ErrUnauthenticated)
			return
		}
		if !user.IsSuperuser {
			abort(c, apperr.New(apperr.CodeForbidden, "需要管理员权限"))
			return
		}
		c.Next()
	}
}

// CurrentUser 获取已认证用户
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(ctxUser)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok
}

// UserID 获取已认证用户 ID，未认证时为 0
func UserID(c *gin.Context) uint {
	return c.GetUint(ctxUserID)
}

func abort(c *gin.Context, err error) {
	e := apperr.From(err)
	status := e.Status()
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"message": e.Message,
		"code":    e.Code,
	})
}
