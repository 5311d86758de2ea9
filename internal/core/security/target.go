package security

import (
	"fmt"
	"net/url"

	"github.com/penwyp/club-gateway/pkg/logger"
	"go.uber.org/zap"
)

// TargetValidator 出站目标白名单，防止网关被诱导请求任意主机 (SSRF)
// 白名单在进程启动时由路由配置构建，之后只读
type TargetValidator struct {
	allowed map[string]bool
}

// NewTargetValidator 根据配置的下游服务基础 URL 构建白名单
func NewTargetValidator(targets []string) *TargetValidator {
	allowed := make(map[string]bool, len(targets))
	for _, target := range targets {
		origin, err := normalizeOrigin(target)
		if err != nil {
			logger.Error("Skipping invalid target in allow-list",
				zap.String("target", target),
				zap.Error(err))
			continue
		}
		allowed[origin] = true
	}
	logger.Info("Outbound target allow-list initialized",
		zap.Int("targetCount", len(allowed)))
	return &TargetValidator{allowed: allowed}
}

// IsAllowed 判断目标基础 URL 是否在白名单内，解析失败一律拒绝
func (v *TargetValidator) IsAllowed(targetBaseURL string) bool {
	origin, err := normalizeOrigin(targetBaseURL)
	if err != nil {
		return false
	}
	return v.allowed[origin]
}

// normalizeOrigin 将 URL 规范化为 scheme://host:port，补全默认端口
// 确保 http://svc 与 http://svc:80 视为同一来源
func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return fmt.Sprintf("%s://%s:%s", u.Scheme, u.Hostname(), port), nil
}
