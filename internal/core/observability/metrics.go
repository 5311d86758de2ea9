package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义全局 Prometheus 指标用于可观测性
var (
	// RequestsTotal 跟踪网关处理的请求总数，按方法、服务和状态码分类
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway",
		},
		[]string{"method", "service", "status"},
	)

	// RequestDuration 测量请求延迟分布（单位：秒），按方法和服务分类
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "service"},
	)

	// RateLimitRejections 统计因限流拒绝的请求数，按等级分类
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
		[]string{"tier"},
	)

	// BreakerTrips 统计熔断器打开的次数，按服务分类
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"service"},
	)

	// BreakerShortCircuits 统计熔断器短路直接降级的请求数，按服务分类
	BreakerShortCircuits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_short_circuits_total",
			Help: "Total number of requests short-circuited by an open breaker",
		},
		[]string{"service"},
	)

	// AuthFailures 统计认证失败的次数，按失败类型分类
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"kind"},
	)

	// TargetRejections 统计出站白名单拦截的次数，按服务分类
	// 如果这有数，要么路由配置被破坏，要么有人在尝试 SSRF
	TargetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_target_rejections_total",
			Help: "Total number of outbound targets rejected by the allow-list",
		},
		[]string{"service"},
	)

	// DownstreamErrors 统计转发失败（传输错误或超时）的次数，按服务分类
	DownstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_downstream_errors_total",
			Help: "Total number of failed forwards to downstream services",
		},
		[]string{"service", "reason"},
	)

	// HealthStatus 每个下游服务的健康状态 (1 = healthy, 0 = unhealthy)
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_downstream_health_status",
			Help: "Health status per downstream service (1 healthy, 0 unhealthy)",
		},
		[]string{"service"},
	)

	// MemoryAllocations 网关自身的内存分配情况，按内存类型分类
	MemoryAllocations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_memory_allocations_bytes",
			Help: "Memory allocations of the gateway process by type",
		},
		[]string{"type"},
	)

	// metricsInitialized 确保指标只初始化一次
	metricsInitialized bool
)

// InitMetrics 初始化所有 Prometheus 指标（如果尚未初始化）
func InitMetrics() {
	if metricsInitialized {
		return
	}

	// 指标已通过 promauto 在包级别注册，这里仅做标记
	metricsInitialized = true
}

// ResetMetrics 重置所有指标到初始状态（用于测试）
func ResetMetrics() {
	RequestsTotal.Reset()
	RequestDuration.Reset()
	RateLimitRejections.Reset()
	BreakerTrips.Reset()
	BreakerShortCircuits.Reset()
	AuthFailures.Reset()
	TargetRejections.Reset()
	DownstreamErrors.Reset()
	HealthStatus.Reset()
	MemoryAllocations.Reset()
}
