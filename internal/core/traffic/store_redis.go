package traffic

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript 原子地递增窗口计数并在新建时设置过期时间
// 返回 {当前计数, 剩余毫秒}，避免 INCR 与 EXPIRE 之间的竞态
var windowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return {count, ttl}
`)

// RedisStore Redis 固定窗口存储，多个网关实例共享同一配额
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 Redis 窗口存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr 递增窗口计数，窗口由键的 TTL 界定
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	result, err := windowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, err
	}

	count := result[0]
	ttl := time.Duration(result[1]) * time.Millisecond
	if ttl < 0 {
		// 键无过期时间时按完整窗口处理
		ttl = window
	}
	return count, time.Now().Add(ttl), nil
}
