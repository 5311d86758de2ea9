package traffic

import (
	"context"
	"sync"
	"time"

	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/pkg/cache"
	"github.com/penwyp/club-gateway/pkg/logger"
	"go.uber.org/zap"
)

// Tier 限流等级，决定配额的严格程度
type Tier string

const (
	TierGeneral   Tier = "general"   // 普通业务路由
	TierAuth      Tier = "auth"      // 认证端点，严格配额以遏制撞库
	TierSensitive Tier = "sensitive" // 支付 / 管理 / 医疗路由
)

// Decision 单次限流判定的结果，用于填充标准限流响应头
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// WindowStore 固定窗口计数的存储抽象
// 内存实现为单实例近似限流，Redis 实现为多实例共享窗口
type WindowStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, reset time.Time, err error)
}

// memoryWindow 单个 (客户端, 等级) 的计数窗口
type memoryWindow struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// sweepInterval 过期窗口的清理间隔
const sweepInterval = time.Minute

// MemoryStore 进程内固定窗口存储
// 同一键的并发请求在计数上存在竞争，固定窗口限流本身就是近似的，可以容忍
type MemoryStore struct {
	mu        sync.Mutex
	windows   map[string]*memoryWindow
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryStore 创建内存窗口存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// Incr 递增窗口计数，窗口到期时重置
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	w, ok := s.windows[key]
	if !ok || now.Sub(w.windowStart) >= window {
		w = &memoryWindow{windowStart: now, window: window}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.windowStart.Add(window), nil
}

// sweepLocked 周期性清理已过期的窗口，防止不再活跃的客户端条目无限累积
// 调用方必须持有 s.mu
func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for key, w := range s.windows {
		if now.Sub(w.windowStart) >= w.window {
			delete(s.windows, key)
		}
	}
}

// RateLimiter 按 (客户端地址, 等级) 进行固定窗口限流
type RateLimiter struct {
	store WindowStore
	tiers map[string]config.TierLimit
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg *config.Config, store WindowStore) *RateLimiter {
	logger.Info("Rate limiter initialized",
		zap.String("store", cfg.Traffic.RateLimit.Store),
		zap.Int("tierCount", len(cfg.Traffic.RateLimit.Tiers)))
	return &RateLimiter{
		store: store,
		tiers: cfg.Traffic.RateLimit.Tiers,
	}
}

// Check 判定请求是否超出所属等级的配额
// 未知等级回退到 general；存储故障时放行，限流不能成为单点
func (rl *RateLimiter) Check(ctx context.Context, clientKey string, tier Tier) Decision {
	limit, ok := rl.tiers[string(tier)]
	if !ok {
		limit, ok = rl.tiers[string(TierGeneral)]
		if !ok {
			return Decision{Allowed: true}
		}
	}

	key := cache.WindowKey(string(tier), clientKey)
	count, reset, err := rl.store.Incr(ctx, key, limit.Window)
	if err != nil {
		logger.Error("Rate limit store failure, allowing request",
			zap.String("key", key),
			zap.Error(err))
		// Limit 为零的判定不会产生限流响应头，避免暴露无意义的窗口信息
		return Decision{Allowed: true}
	}

	remaining := limit.Cap - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit.Cap),
		Limit:     limit.Cap,
		Remaining: remaining,
		Reset:     reset,
	}
}
