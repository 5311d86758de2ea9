package traffic

import (
	"errors"
	"testing"
	"time"

	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
)

var errBackend = errors.New("backend unavailable")

// newTestBreaker 创建阈值 3、冷却 30s、时钟可控的熔断器
func newTestBreaker() (*Breaker, *time.Time) {
	current := time.Now()
	b := NewBreaker(3, 30*time.Second)
	b.now = func() time.Time { return current }
	return b, &current
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()

	assert.Equal(t, StateClosed, b.State())
	for i := 0; i < 2; i++ {
		assert.True(t, b.allow())
		tripped := b.recordFailure()
		assert.False(t, tripped, "阈值之前不应熔断")
	}

	assert.True(t, b.allow())
	assert.True(t, b.recordFailure(), "达到阈值时应熔断")
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.allow(), "OPEN 状态不应放行")
}

// 成功会清零连续失败计数，间歇性失败不应触发熔断
func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()

	b.allow()
	b.recordFailure()
	b.allow()
	b.recordFailure()
	b.allow()
	b.recordSuccess()

	assert.Equal(t, 0, b.ConsecutiveFailures())
	b.allow()
	assert.False(t, b.recordFailure(), "计数已清零，单次失败不应熔断")
	assert.Equal(t, StateClosed, b.State())
}

// 冷却结束后进入半开，且只放行一次试探
func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, current := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.allow()
		b.recordFailure()
	}
	assert.Equal(t, StateOpen, b.State())

	// 冷却期内拒绝
	*current = current.Add(29 * time.Second)
	assert.False(t, b.allow())

	// 冷却结束，第一次调用放行为试探
	*current = current.Add(2 * time.Second)
	assert.True(t, b.allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// 试探未完成期间并发请求被拒绝
	assert.False(t, b.allow(), "半开状态只允许一次在途试探")
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b, current := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.allow()
		b.recordFailure()
	}
	*current = current.Add(31 * time.Second)
	assert.True(t, b.allow())
	b.recordSuccess()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
	assert.True(t, b.allow())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	b, current := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.allow()
		b.recordFailure()
	}
	*current = current.Add(31 * time.Second)
	assert.True(t, b.allow())
	assert.True(t, b.recordFailure(), "试探失败应重新熔断")
	assert.Equal(t, StateOpen, b.State())

	// 重新进入完整冷却期
	*current = current.Add(29 * time.Second)
	assert.False(t, b.allow())
	*current = current.Add(2 * time.Second)
	assert.True(t, b.allow())
}

func initRegistryTest(enabled bool) *BreakerRegistry {
	logger.InitTestLogger()
	config.InitTestConfigManager()
	cfg := config.GetConfig()
	cfg.Traffic.Breaker.Enabled = enabled
	cfg.Traffic.Breaker.FailureThreshold = 2
	return NewBreakerRegistry(cfg)
}

// 熔断后 Execute 不再调用 action，转而调用 fallback
func TestBreakerRegistry_ExecuteShortCircuits(t *testing.T) {
	r := initRegistryTest(true)

	action := func() error { return errBackend }
	for i := 0; i < 2; i++ {
		err := r.Execute("scheduling", action, func(error) {})
		assert.ErrorIs(t, err, errBackend)
	}

	called := false
	var fallbackErr error
	err := r.Execute("scheduling", func() error {
		called = true
		return nil
	}, func(e error) { fallbackErr = e })

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "熔断后不应调用 action")
	assert.ErrorIs(t, fallbackErr, ErrCircuitOpen)
	assert.Equal(t, map[string]string{"scheduling": "open"}, r.States())
}

// 各服务的熔断器互不影响
func TestBreakerRegistry_PerServiceIsolation(t *testing.T) {
	r := initRegistryTest(true)

	for i := 0; i < 2; i++ {
		r.Execute("scheduling", func() error { return errBackend }, func(error) {})
	}
	assert.Equal(t, StateOpen, r.Get("scheduling").State())

	err := r.Execute("payments", func() error { return nil }, func(error) {})
	assert.NoError(t, err, "其他服务不应受影响")
	assert.Equal(t, StateClosed, r.Get("payments").State())
}

// 禁用时直接执行 action，不做任何计数
func TestBreakerRegistry_Disabled(t *testing.T) {
	r := initRegistryTest(false)

	for i := 0; i < 10; i++ {
		err := r.Execute("scheduling", func() error { return errBackend }, func(error) {})
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Empty(t, r.States())
}
