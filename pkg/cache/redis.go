package cache

import (
	"context"
	"fmt"

	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client 是全局的 Redis 客户端实例，仅在分布式限流模式下初始化
var Client *redis.Client

// Init 初始化 Redis 客户端
func Init(cfg *config.Config) {
	Client = redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})

	// 测试连接
	ctx := context.Background()
	_, err := Client.Ping(ctx).Result()
	if err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err), zap.String("addr", cfg.Cache.Addr))
		panic(err)
	}
	logger.Info("Redis connected successfully", zap.String("addr", cfg.Cache.Addr))
}

// WindowKey 生成限流窗口的 Redis 键
func WindowKey(tier, clientKey string) string {
	return fmt.Sprintf("cg:ratelimit:%s:%s", tier, clientKey)
}
