package traffic

import (
	"errors"
	"sync"
	"time"

	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/internal/core/observability"
	"github.com/penwyp/club-gateway/pkg/logger"
	"go.uber.org/zap"
)

// ErrCircuitOpen 熔断器打开时短路返回的错误
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState 熔断器状态
type BreakerState int

const (
	StateClosed   BreakerState = iota // 正常，失败计数
	StateOpen                         // 熔断，所有调用直接降级
	StateHalfOpen                     // 冷却结束，放行一次试探调用
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker 单个下游服务的熔断器
// OPEN 期间在 nextRetryTime 之前不发起任何真实调用
// HALF_OPEN 期间只允许一次试探调用，成功关闭，失败重新打开
type Breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	nextRetryTime       time.Time
	trialInFlight       bool

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// NewBreaker 创建处于 CLOSED 状态的熔断器
func NewBreaker(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// allow 判断本次调用是否可以发起真实请求
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.nextRetryTime) {
			return false
		}
		// 冷却结束，进入半开，本次调用即为试探
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// recordSuccess 调用成功：关闭熔断器并清零失败计数
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
}

// recordFailure 调用失败：计数；达到阈值或试探失败时打开熔断器
// 返回是否发生了新的熔断
func (b *Breaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = b.now()
	b.trialInFlight = false

	if b.state == StateHalfOpen || b.consecutiveFailures >= b.failureThreshold {
		tripped := b.state != StateOpen
		b.state = StateOpen
		b.nextRetryTime = b.now().Add(b.cooldown)
		return tripped
	}
	return false
}

// State 返回当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures 返回当前连续失败次数
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// BreakerRegistry 按下游服务名管理熔断器，各服务互不影响
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	enabled          bool
	failureThreshold int
	cooldown         time.Duration
}

// NewBreakerRegistry 根据配置创建熔断器注册表
func NewBreakerRegistry(cfg *config.Config) *BreakerRegistry {
	logger.Info("Circuit breaker registry initialized",
		zap.Bool("enabled", cfg.Traffic.Breaker.Enabled),
		zap.Int("failureThreshold", cfg.Traffic.Breaker.FailureThreshold),
		zap.Duration("cooldown", cfg.Traffic.Breaker.Cooldown))
	return &BreakerRegistry{
		breakers:         make(map[string]*Breaker),
		enabled:          cfg.Traffic.Breaker.Enabled,
		failureThreshold: cfg.Traffic.Breaker.FailureThreshold,
		cooldown:         cfg.Traffic.Breaker.Cooldown,
	}
}

// Get 获取（必要时创建）指定服务的熔断器
func (r *BreakerRegistry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[service]; ok {
		return b
	}
	b = NewBreaker(r.failureThreshold, r.cooldown)
	r.breakers[service] = b
	return b
}

// Execute 在熔断器保护下执行 action
// 熔断器打开时不执行 action，直接调用 fallback 并返回 ErrCircuitOpen
// fallback 必须廉价且永不失败
func (r *BreakerRegistry) Execute(service string, action func() error, fallback func(error)) error {
	if !r.enabled {
		return action()
	}

	b := r.Get(service)
	if !b.allow() {
		observability.BreakerShortCircuits.WithLabelValues(service).Inc()
		logger.Warn("Circuit breaker short-circuited request",
			zap.String("service", service),
			zap.String("state", b.State().String()))
		fallback(ErrCircuitOpen)
		return ErrCircuitOpen
	}

	err := action()
	if err != nil {
		if b.recordFailure() {
			observability.BreakerTrips.WithLabelValues(service).Inc()
			logger.Warn("Circuit breaker opened",
				zap.String("service", service),
				zap.Int("consecutiveFailures", b.ConsecutiveFailures()),
				zap.Error(err))
		}
		return err
	}
	b.recordSuccess()
	return nil
}

// States 返回所有服务当前的熔断器状态，用于网关自身的健康报告
func (r *BreakerRegistry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]string, len(r.breakers))
	for service, b := range r.breakers {
		states[service] = b.State().String()
	}
	return states
}
