package main

import (
	"context"
	"net/http"
	_ "net/http/pprof" // 导入 pprof 包
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/internal/core/health"
	"github.com/penwyp/club-gateway/internal/core/observability"
	"github.com/penwyp/club-gateway/internal/core/routing/proxy"
	"github.com/penwyp/club-gateway/internal/core/security"
	"github.com/penwyp/club-gateway/internal/core/traffic"
	"github.com/penwyp/club-gateway/internal/middleware"
	"github.com/penwyp/club-gateway/pkg/cache"
	"github.com/penwyp/club-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Version   string // 版本号
	BuildTime string // 构建时间
	GitCommit string // Git 提交哈希

	startTime = time.Now() // 程序启动时间
	server    *Server      // 全局 Server 实例
)

func main() {
	configMgr := config.InitConfig() // 初始化配置管理器
	server = initServer(configMgr)   // 初始化服务

	go refreshConfig(server, configMgr) // 启动配置刷新监听协程
	server.start()                      // 启动服务
}

// Server 结构体封装服务相关组件
type Server struct {
	Router         *gin.Engine                 // Gin 路由引擎
	ConfigMgr      *config.ConfigManager       // 配置管理器
	TracingCleanup func(context.Context) error // 分布式追踪清理函数
	Dispatcher     *proxy.Dispatcher           // 代理请求分发器
	HealthChecker  *health.HealthChecker       // 下游健康检查
	Breakers       *traffic.BreakerRegistry    // 熔断器注册表
}

// initServer 初始化服务实例
func initServer(configMgr *config.ConfigManager) *Server {
	cfg := configMgr.GetConfig()

	logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
	})

	observability.InitMetrics() // 初始化监控指标

	// 限流窗口存储：单实例用内存，多实例共享 Redis
	var store traffic.WindowStore
	if cfg.Traffic.RateLimit.Store == "redis" && cfg.Cache.Enabled {
		cache.Init(cfg)
		store = traffic.NewRedisStore(cache.Client)
	} else {
		store = traffic.NewMemoryStore()
	}
	limiter := traffic.NewRateLimiter(cfg, store)
	breakers := traffic.NewBreakerRegistry(cfg)

	// 令牌验证器依赖身份服务的 JWKS 端点，启动时必须可达
	var verifier *security.TokenVerifier
	if cfg.Middleware.Auth {
		v, err := security.NewTokenVerifier(cfg)
		if err != nil {
			logger.Error("Failed to initialize token verifier", zap.Error(err))
			os.Exit(1)
		}
		verifier = v
	}

	s := &Server{
		ConfigMgr:     configMgr,
		Dispatcher:    proxy.NewDispatcher(cfg, verifier, limiter, breakers),
		HealthChecker: health.NewHealthChecker(cfg),
		Breakers:      breakers,
	}
	if cfg.Health.Enabled {
		s.HealthChecker.Start()
	}

	s.setupMiddleware(cfg)
	s.setupRoutes(cfg)
	return s
}

// setupMiddleware 配置中间件
func (s *Server) setupMiddleware(cfg *config.Config) {
	gin.SetMode(cfg.Server.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Correlation())

	if cfg.Middleware.CORS {
		r.Use(middleware.CORS(cfg))
	}
	if cfg.Middleware.Tracing {
		s.TracingCleanup = observability.InitTracing(cfg)
		r.Use(middleware.Tracing())
	}
	s.Router = r
}

// setupRoutes 配置网关自身的路由，其余请求全部交给分发器
func (s *Server) setupRoutes(cfg *config.Config) {
	s.Router.GET("/health", s.handleHealth)
	s.Router.GET("/health/live", s.handleLiveness)
	s.Router.GET("/health/ready", s.handleReadiness)
	s.Router.GET("/api/gateway/health", s.handleGatewayHealth)

	if cfg.Server.PprofEnabled {
		s.Router.GET("/debug/pprof/*profile", gin.WrapH(http.DefaultServeMux))
		logger.Info("pprof endpoints enabled at /debug/pprof")
	}

	if cfg.Observability.Prometheus.Enabled {
		s.Router.GET(cfg.Observability.Prometheus.Path, gin.WrapH(promhttp.Handler()))
	}

	// 其余所有路径均视为代理请求
	s.Router.NoRoute(s.Dispatcher.Handle)
}

// handleHealth 返回网关与下游服务的聚合健康报告
func (s *Server) handleHealth(c *gin.Context) {
	report := s.HealthChecker.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// handleLiveness 存活探针：进程在即返回 200
func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleReadiness 就绪探针：关键下游故障时返回 503
func (s *Server) handleReadiness(c *gin.Context) {
	report := s.HealthChecker.Report()
	if report.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": report.Status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": report.Status})
}

// handleGatewayHealth 返回面向运维的详细健康视图
func (s *Server) handleGatewayHealth(c *gin.Context) {
	cfg := s.ConfigMgr.GetConfig()
	report := s.HealthChecker.Report()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": report.Status,
		"gateway": gin.H{
			"version":        Version,
			"environment":    cfg.Server.Environment,
			"uptime":         time.Since(startTime).String(),
			"goroutineCount": runtime.NumGoroutine(),
			"memoryAlloc":    m.Alloc,
		},
		"services": report.Checks,
		"breakers": s.Breakers.States(),
	})
}

// refreshConfig 监听配置变更并刷新各组件
func refreshConfig(server *Server, configMgr *config.ConfigManager) {
	for newCfg := range configMgr.ConfigChan {
		logger.Info("Refreshing server configuration")
		server.Dispatcher.Refresh(newCfg)
		server.HealthChecker.RefreshTargets(newCfg)
		logger.Info("Server configuration refreshed successfully")
	}
}

// start 启动服务并阻塞至收到退出信号
func (s *Server) start() {
	cfg := s.ConfigMgr.GetConfig()
	logStartupInfo(cfg)

	listenAddr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: s.Router,
	}

	logger.Info("Server listening", zap.String("address", listenAddr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Failed to start server", zap.Error(err))
			os.Exit(1)
		}
	}()
	go StartMemoryMonitoring()

	s.gracefulShutdown(srv)
}

// logStartupInfo 记录服务启动信息
func logStartupInfo(cfg *config.Config) {
	logger.Info("Starting club-gateway",
		zap.String("port", cfg.Server.Port),
		zap.String("environment", cfg.Server.Environment),
		zap.String("version", Version),
		zap.String("buildTime", BuildTime),
		zap.String("gitCommit", GitCommit),
		zap.Int("routeCount", len(cfg.Proxy.Routes)),
	)

	logger.Info("Middleware status",
		zap.Bool("RateLimit", cfg.Traffic.RateLimit.Enabled),
		zap.Bool("Auth", cfg.Middleware.Auth),
		zap.Bool("Breaker", cfg.Traffic.Breaker.Enabled),
		zap.Bool("Tracing", cfg.Middleware.Tracing),
		zap.Bool("CORS", cfg.Middleware.CORS),
	)
}

// gracefulShutdown 优雅关闭：停止接收新请求，等待在途请求完成
func (s *Server) gracefulShutdown(srv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shut down", zap.Error(err))
	}

	if s.TracingCleanup != nil {
		if err := s.TracingCleanup(context.Background()); err != nil {
			logger.Error("Failed to shut down tracing provider", zap.Error(err))
		}
	}
	s.HealthChecker.Close()
	logger.Sync()
	logger.Info("Server exited")
}

// StartMemoryMonitoring 周期性收集网关自身的内存指标
func StartMemoryMonitoring() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		CollectMemoryMetrics()
	}
}

// CollectMemoryMetrics 读取运行时内存统计并更新指标
func CollectMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	observability.MemoryAllocations.WithLabelValues("heap").Set(float64(m.HeapAlloc))
	observability.MemoryAllocations.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	observability.MemoryAllocations.WithLabelValues("heap_idle").Set(float64(m.HeapIdle))
	observability.MemoryAllocations.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
	observability.MemoryAllocations.WithLabelValues("stack").Set(float64(m.StackInuse))
	observability.MemoryAllocations.WithLabelValues("sys").Set(float64(m.Sys))
	observability.MemoryAllocations.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	observability.MemoryAllocations.WithLabelValues("num_gc").Set(float64(m.NumGC))
}
