// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"cloud-render-go/internal/service"
	"cloud-render-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// currentUserID 从 Gin 上下文取出认证中间件写入的调用者 ID。
func currentUserID(c *gin.Context) uint {
	claims := c.MustGet("claims").(*token.CustomClaims)
	return claims.UserID
}

// abortWithServiceError 把业务错误哨兵映射为对应的 HTTP 状态码。
func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
	}
}
