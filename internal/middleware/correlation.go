package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/penwyp/club-gateway/internal/core/gwerr"
)

// correlationHeader 贯穿网关与下游的请求关联头
const correlationHeader = "X-Correlation-ID"

// Correlation 返回请求关联中间件
// 复用客户端携带的关联 ID，缺失时生成新的 UUID，
// 并同时写入上下文与响应头，便于跨服务串联日志
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(correlationHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Set(gwerr.CorrelationKey, correlationID)
		c.Header(correlationHeader, correlationID)
		c.Next()
	}
}
