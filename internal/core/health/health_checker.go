package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/internal/core/observability"
	"github.com/penwyp/club-gateway/pkg/logger"
	"github.com/samber/lo"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Status 聚合健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"  // 仅非关键依赖故障，降级但继续服务
	StatusUnhealthy Status = "unhealthy" // 任一关键依赖故障
	StatusUnknown   Status = "unknown"   // 尚未探测
)

// Check 一个已注册的下游健康检查目标
type Check struct {
	Service  string // 下游服务名称
	URL      string // 健康检查完整 URL
	Critical bool   // 是否为关键依赖
}

// CheckResult 单个目标最近一次探测的结果
type CheckResult struct {
	Service       string    `json:"service"`
	URL           string    `json:"url"`
	Critical      bool      `json:"critical"`
	Status        Status    `json:"status"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	Error         string    `json:"error,omitempty"`
}

// Report 聚合健康报告
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// HealthChecker 周期性探测所有下游服务的健康端点并聚合状态
type HealthChecker struct {
	mu       sync.RWMutex
	checks   []Check
	results  map[string]CheckResult
	timeout  time.Duration
	interval time.Duration

	cleanupCh chan struct{}
	closeOnce sync.Once

	// probeFunc 可注入，测试时替换真实 HTTP 探测
	probeFunc func(url string, timeout time.Duration) error
}

// NewHealthChecker 根据路由配置创建健康检查服务
func NewHealthChecker(cfg *config.Config) *HealthChecker {
	h := &HealthChecker{
		results:   make(map[string]CheckResult),
		timeout:   cfg.Health.Timeout,
		interval:  cfg.Health.Interval,
		cleanupCh: make(chan struct{}),
	}
	if h.timeout <= 0 {
		h.timeout = 5 * time.Second
	}
	if h.interval <= 0 {
		h.interval = 30 * time.Second
	}
	h.probeFunc = probeHTTP
	h.RefreshTargets(cfg)
	return h
}

// RefreshTargets 根据路由配置重建探测目标，按服务名去重
func (h *HealthChecker) RefreshTargets(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]bool)
	checks := make([]Check, 0, len(cfg.Proxy.Routes))
	for _, rule := range cfg.Proxy.Routes {
		if seen[rule.Service] {
			continue
		}
		seen[rule.Service] = true

		path := rule.HealthCheckPath
		if path == "" {
			path = "/health"
		}
		checks = append(checks, Check{
			Service:  rule.Service,
			URL:      rule.Target + path,
			Critical: rule.Critical,
		})
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Service < checks[j].Service })
	h.checks = checks

	logger.Info("Health check targets refreshed",
		zap.Int("targetCount", len(checks)))
}

// Start 启动周期探测协程
func (h *HealthChecker) Start() {
	go h.run()
}

func (h *HealthChecker) run() {
	// 启动后立即探测一轮，避免就绪探针长时间返回 unknown
	h.RunChecks()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.cleanupCh:
			logger.Info("Health checker stopped")
			return
		case <-ticker.C:
			h.RunChecks()
		}
	}
}

// RunChecks 对所有目标执行一轮探测并返回聚合报告
func (h *HealthChecker) RunChecks() Report {
	h.mu.RLock()
	checks := make([]Check, len(h.checks))
	copy(checks, h.checks)
	timeout := h.timeout
	probe := h.probeFunc
	h.mu.RUnlock()

	for _, check := range checks {
		result := CheckResult{
			Service:       check.Service,
			URL:           check.URL,
			Critical:      check.Critical,
			Status:        StatusHealthy,
			LastCheckedAt: time.Now(),
		}

		if err := probe(check.URL, timeout); err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			observability.HealthStatus.WithLabelValues(check.Service).Set(0)
			logger.Warn("Health check failed",
				zap.String("service", check.Service),
				zap.String("url", check.URL),
				zap.Bool("critical", check.Critical),
				zap.Error(err))
		} else {
			observability.HealthStatus.WithLabelValues(check.Service).Set(1)
		}

		h.mu.Lock()
		h.results[check.Service] = result
		h.mu.Unlock()
	}

	return h.Report()
}

// Report 根据最近一次探测结果生成聚合报告
// 关键依赖故障 -> unhealthy；仅非关键故障 -> degraded；全部通过 -> healthy
func (h *HealthChecker) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make([]CheckResult, 0, len(h.checks))
	for _, check := range h.checks {
		result, ok := h.results[check.Service]
		if !ok {
			result = CheckResult{
				Service:  check.Service,
				URL:      check.URL,
				Critical: check.Critical,
				Status:   StatusUnknown,
			}
		}
		checks = append(checks, result)
	}

	return Report{
		Status: aggregate(checks),
		Checks: checks,
	}
}

func aggregate(checks []CheckResult) Status {
	criticalFailing := lo.SomeBy(checks, func(c CheckResult) bool {
		return c.Critical && c.Status == StatusUnhealthy
	})
	if criticalFailing {
		return StatusUnhealthy
	}
	anyFailing := lo.SomeBy(checks, func(c CheckResult) bool {
		return c.Status == StatusUnhealthy
	})
	if anyFailing {
		return StatusDegraded
	}
	return StatusHealthy
}

// probeHTTP 对目标执行一次带超时上限的 GET 探测
func probeHTTP(url string, timeout time.Duration) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	client := &fasthttp.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if err := client.DoTimeout(req, resp, timeout); err != nil {
		return err
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode())
	}
	return nil
}

// Close 停止周期探测
func (h *HealthChecker) Close() {
	h.closeOnce.Do(func() {
		close(h.cleanupCh)
	})
}
