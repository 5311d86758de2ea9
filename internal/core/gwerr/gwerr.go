package gwerr

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CorrelationKey 是 gin.Context 中存放关联 ID 的键
const CorrelationKey = "correlationId"

// 网关自身产生的错误对应的 reason 码
const (
	ReasonCircuitOpen     = "circuit_breaker_open"
	ReasonTimeout         = "downstream_timeout"
	ReasonDownstreamError = "downstream_error"
	ReasonInvalidTarget   = "invalid_target"
	ReasonHealthCheck     = "health_check_failing"
)

// Response 网关错误响应的统一信封
// 不向调用方泄露任何内部堆栈或异常细节
type Response struct {
	Error         string `json:"error"`
	Service       string `json:"service,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp"`
	Reason        string `json:"reason,omitempty"`
}

// New 构造带时间戳的错误信封
func New(msg string) Response {
	return Response{
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// abort 写出信封并终止处理链，自动补全关联 ID
func abort(c *gin.Context, status int, resp Response) {
	if resp.CorrelationID == "" {
		resp.CorrelationID = c.GetString(CorrelationKey)
	}
	c.AbortWithStatusJSON(status, resp)
}

// AuthRequired 未携带任何凭证
func AuthRequired(c *gin.Context) {
	abort(c, http.StatusUnauthorized, New("Authentication required"))
}

// InvalidToken 凭证存在但验证失败或已过期
func InvalidToken(c *gin.Context) {
	abort(c, http.StatusUnauthorized, New("Invalid or expired token"))
}

// RateLimited 超出所属等级的配额
func RateLimited(c *gin.Context) {
	abort(c, http.StatusTooManyRequests, New("Too many requests, please try again later"))
}

// InvalidTarget 解析出的目标不在出站白名单内，视为安全事件
func InvalidTarget(c *gin.Context, service string) {
	resp := New("Invalid proxy target")
	resp.Service = service
	resp.Reason = ReasonInvalidTarget
	abort(c, http.StatusForbidden, resp)
}

// RouteNotFound 没有匹配的路由规则
func RouteNotFound(c *gin.Context) {
	abort(c, http.StatusNotFound, New("Route not found"))
}

// DownstreamUnavailable 转发失败或超时，对应 502
func DownstreamUnavailable(c *gin.Context, service, reason string) {
	resp := New("Service temporarily unavailable")
	resp.Service = service
	resp.Reason = reason
	abort(c, http.StatusBadGateway, resp)
}

// CircuitOpen 熔断器打开时的降级响应，对应 503
func CircuitOpen(c *gin.Context, service string) {
	resp := New("Service temporarily unavailable")
	resp.Service = service
	resp.Reason = ReasonCircuitOpen
	abort(c, http.StatusServiceUnavailable, resp)
}
