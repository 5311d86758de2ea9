package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/internal/core/gwerr"
	"github.com/penwyp/club-gateway/internal/core/observability"
	"github.com/penwyp/club-gateway/internal/core/routing"
	"github.com/penwyp/club-gateway/internal/core/security"
	"github.com/penwyp/club-gateway/internal/core/traffic"
	"github.com/penwyp/club-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// 网关与下游服务之间的身份与关联头
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderUserRole       = "X-User-Role"
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderTokenExpiring  = "X-Token-Expiring-Soon"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"

	// accessTokenCookie 浏览器会话使用的访问令牌 Cookie 名
	accessTokenCookie = "accessToken"

	// IdentityKey 已验证身份在 gin.Context 中的键
	IdentityKey = "identity"
)

// proxyTracer 为 HTTP 代理初始化追踪器
var proxyTracer = otel.Tracer("proxy:http")

// Dispatcher 网关请求分发器
// 对每个代理请求按固定顺序执行：路由解析 -> 限流 -> 认证 ->
// 目标校验 -> 熔断保护下的转发
type Dispatcher struct {
	mu        sync.RWMutex
	table     *routing.RouteTable
	validator *security.TargetValidator

	verifier *security.TokenVerifier
	limiter  *traffic.RateLimiter
	breakers *traffic.BreakerRegistry

	timeout          time.Duration
	expiryWindow     time.Duration
	publicPaths      []string
	authEnabled      bool
	rateLimitEnabled bool
}

// NewDispatcher 创建请求分发器
func NewDispatcher(cfg *config.Config, verifier *security.TokenVerifier,
	limiter *traffic.RateLimiter, breakers *traffic.BreakerRegistry) *Dispatcher {
	d := &Dispatcher{
		verifier: verifier,
		limiter:  limiter,
		breakers: breakers,
	}
	d.Refresh(cfg)
	return d
}

// Refresh 根据最新配置重建路由表、目标白名单与开关
// 验证器、限流器与熔断器保留原实例，避免丢失运行时状态
func (d *Dispatcher) Refresh(cfg *config.Config) {
	table := routing.NewRouteTable(cfg)
	validator := security.NewTargetValidator(cfg.Proxy.AllowedTargets())

	d.mu.Lock()
	defer d.mu.Unlock()
	d.table = table
	d.validator = validator
	d.timeout = cfg.Proxy.Timeout
	d.expiryWindow = cfg.Security.JWT.ExpiryWindow
	d.publicPaths = cfg.Security.PublicPaths
	d.authEnabled = cfg.Middleware.Auth
	d.rateLimitEnabled = cfg.Traffic.RateLimit.Enabled
	logger.Info("Proxy dispatcher refreshed",
		zap.Int("routeCount", table.Size()),
		zap.Duration("timeout", d.timeout),
		zap.Bool("authEnabled", d.authEnabled),
		zap.Bool("rateLimitEnabled", d.rateLimitEnabled))
}

// Handle 处理一个代理请求，作为 gin 的 NoRoute 处理函数挂载
func (d *Dispatcher) Handle(c *gin.Context) {
	ctx, span := proxyTracer.Start(c.Request.Context(), "Dispatcher.Handle",
		trace.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.path", c.Request.URL.Path),
		))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	d.mu.RLock()
	table := d.table
	validator := d.validator
	timeout := d.timeout
	expiryWindow := d.expiryWindow
	publicPaths := d.publicPaths
	authEnabled := d.authEnabled
	rateLimitEnabled := d.rateLimitEnabled
	d.mu.RUnlock()

	// 1. 路由解析：无匹配前缀的请求不消耗任何配额
	route, found := table.Match(ctx, c.Request.URL.Path)
	if !found {
		span.SetStatus(codes.Error, "Route not found")
		logger.Warn("No matching route",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method))
		gwerr.RouteNotFound(c)
		return
	}
	service := route.Rule.Service
	span.SetAttributes(attribute.String("proxy.service", service))

	start := time.Now()
	defer func() {
		observability.RequestsTotal.WithLabelValues(
			c.Request.Method, service, strconv.Itoa(c.Writer.Status())).Inc()
		observability.RequestDuration.WithLabelValues(
			c.Request.Method, service).Observe(time.Since(start).Seconds())
	}()

	// 2. 限流：按 (客户端地址, 路由等级) 计数
	if rateLimitEnabled {
		decision := d.limiter.Check(ctx, c.ClientIP(), traffic.Tier(route.Rule.Tier))
		if decision.Limit > 0 {
			c.Header(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
			c.Header(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
			c.Header(HeaderRateLimitReset, strconv.FormatInt(decision.Reset.Unix(), 10))
		}
		if !decision.Allowed {
			observability.RateLimitRejections.WithLabelValues(route.Rule.Tier).Inc()
			span.SetStatus(codes.Error, "Rate limit exceeded")
			logger.Warn("Rate limit exceeded",
				zap.String("clientIp", c.ClientIP()),
				zap.String("tier", route.Rule.Tier),
				zap.String("service", service))
			gwerr.RateLimited(c)
			return
		}
	}

	// 3. 认证：公开路径跳过，其余路由验证访问令牌并提取身份
	var identity *security.Identity
	if authEnabled && route.Rule.RequiresAuth && !isPublicPath(publicPaths, c.Request.URL.Path) {
		token := extractToken(c)
		if token == "" {
			observability.AuthFailures.WithLabelValues("missing").Inc()
			span.SetStatus(codes.Error, "Credential missing")
			gwerr.AuthRequired(c)
			return
		}
		id, err := d.verifier.Verify(token)
		if err != nil {
			observability.AuthFailures.WithLabelValues("invalid").Inc()
			span.SetStatus(codes.Error, "Token verification failed")
			gwerr.InvalidToken(c)
			return
		}
		identity = id
		c.Set(IdentityKey, identity)
		span.SetAttributes(attribute.String("user.id", identity.UserID))

		// 提示客户端尽快刷新令牌
		if identity.ExpiresWithin(expiryWindow) {
			c.Header(HeaderTokenExpiring, "true")
		}
	}

	// 4. 目标校验：转发目标必须在配置推导的白名单内
	if !validator.IsAllowed(route.Rule.Target) {
		observability.TargetRejections.WithLabelValues(service).Inc()
		span.SetStatus(codes.Error, "Target not allowed")
		logger.Error("Proxy target rejected",
			zap.String("service", service),
			zap.String("target", route.Rule.Target),
			zap.String("clientIp", c.ClientIP()),
			zap.String("userAgent", c.Request.UserAgent()))
		gwerr.InvalidTarget(c, service)
		return
	}

	// 5. 熔断保护下转发
	d.forward(c, route, identity, timeout)
}

// forward 通过熔断器执行实际的反向代理转发
func (d *Dispatcher) forward(c *gin.Context, route *routing.Route, identity *security.Identity, timeout time.Duration) {
	service := route.Rule.Service

	targetURL, err := url.Parse(route.Rule.Target)
	if err != nil {
		logger.Error("Invalid proxy target",
			zap.String("service", service),
			zap.String("target", route.Rule.Target),
			zap.Error(err))
		gwerr.InvalidTarget(c, service)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	c.Request = c.Request.WithContext(ctx)

	var proxyErr error
	rp := &httputil.ReverseProxy{
		Director: d.director(targetURL, route, identity, c),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			proxyErr = err
			reason := gwerr.ReasonDownstreamError
			if errors.Is(err, context.DeadlineExceeded) {
				reason = gwerr.ReasonTimeout
			}
			observability.DownstreamErrors.WithLabelValues(service, reason).Inc()
			logger.Error("Proxy request failed",
				zap.String("service", service),
				zap.String("target", route.Rule.Target),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			if !c.Writer.Written() {
				gwerr.DownstreamUnavailable(c, service, reason)
			}
		},
	}

	_ = d.breakers.Execute(service, func() error {
		rp.ServeHTTP(&closeNotifyResponseWriter{c.Writer}, c.Request)
		return proxyErr
	}, func(error) {
		gwerr.CircuitOpen(c, service)
	})
}

// director 构建转发请求的改写函数
// 改写目标地址，剥离客户端伪造的身份头，注入网关认证出的身份，
// 并把 Cookie 会话转换为下游统一的 Bearer 头
func (d *Dispatcher) director(targetURL *url.URL, route *routing.Route, identity *security.Identity, c *gin.Context) func(*http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = targetURL.Scheme
		req.URL.Host = targetURL.Host
		req.Host = targetURL.Host

		path := req.URL.Path
		if route.Rule.StripPrefix != "" {
			path = strings.TrimPrefix(path, route.Rule.StripPrefix)
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
		}
		req.URL.Path = SingleJoiningSlash(targetURL.Path, path)

		// 身份头只能来自网关，客户端送来的一律丢弃
		req.Header.Del(HeaderUserID)
		req.Header.Del(HeaderOrganizationID)
		req.Header.Del(HeaderUserRole)
		if identity != nil {
			req.Header.Set(HeaderUserID, identity.UserID)
			if identity.OrganizationID != "" {
				req.Header.Set(HeaderOrganizationID, identity.OrganizationID)
			}
			if role := identity.PrimaryRole(); role != "" {
				req.Header.Set(HeaderUserRole, role)
			}
		}

		if req.Header.Get("Authorization") == "" {
			if cookie, err := req.Cookie(accessTokenCookie); err == nil && cookie.Value != "" {
				req.Header.Set("Authorization", "Bearer "+cookie.Value)
			}
		}

		if cid := c.GetString(gwerr.CorrelationKey); cid != "" {
			req.Header.Set(HeaderCorrelationID, cid)
		}

		logger.Debug("Forwarding proxy request",
			zap.String("service", route.Rule.Service),
			zap.String("forwardedUrl", req.URL.String()))
	}
}

// extractToken 从 Authorization 头或会话 Cookie 中提取访问令牌
func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	if cookie, err := c.Cookie(accessTokenCookie); err == nil {
		return cookie
	}
	return ""
}

// isPublicPath 判断路径是否命中公开路径前缀
// 前缀按完整路径段匹配：/api/v1/auth 覆盖 /api/v1/auth/login，
// 但不覆盖 /api/v1/authors
func isPublicPath(publicPaths []string, path string) bool {
	for _, p := range publicPaths {
		p = strings.TrimSuffix(p, "/")
		if !strings.HasPrefix(path, p) {
			continue
		}
		if len(path) == len(p) || path[len(p)] == '/' {
			return true
		}
	}
	return false
}

// SingleJoiningSlash 合并两个路径段，确保它们之间恰好有一个斜杠
func SingleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// closeNotifyResponseWriter 包装 gin.ResponseWriter 以满足 http.CloseNotifier
type closeNotifyResponseWriter struct {
	gin.ResponseWriter
}

func (w *closeNotifyResponseWriter) CloseNotify() <-chan bool {
	// 返回一个空通道即可，不会被使用到
	return make(chan bool)
}
