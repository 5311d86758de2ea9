package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/club-gateway/config"
	"github.com/samber/lo"
)

// CORS 返回跨域与基础安全头中间件
// 仅放行配置中列出的来源，预检请求直接在网关应答
func CORS(cfg *config.Config) gin.HandlerFunc {
	allowed := cfg.CORS.AllowedOrigins
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && lo.Contains(allowed, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-ID")
			c.Header("Vary", "Origin")
		}

		// 基础安全响应头
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
