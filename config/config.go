package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/penwyp/club-gateway/pkg/logger"
	"github.com/spf13/viper"
)

var configMgr *ConfigManager

// ConfigManager 管理配置及其变更通知
type ConfigManager struct {
	config *Config
	mutex  sync.RWMutex

	ConfigChan chan *Config // 用于通知配置变更
}

// Config 定义网关的配置结构体
type Config struct {
	Server        Server        `mapstructure:"server"`
	Proxy         Proxy         `mapstructure:"proxy"`
	Security      Security      `mapstructure:"security"`
	Traffic       Traffic       `mapstructure:"traffic"`
	Health        Health        `mapstructure:"health"`
	Observability Observability `mapstructure:"observability"`
	Logger        Logger        `mapstructure:"logger"`
	Cache         Cache         `mapstructure:"cache"`
	CORS          CORS          `mapstructure:"cors"`
	Middleware    Middleware    `mapstructure:"middleware"`
}

// InitConfig 初始化配置并返回 ConfigManager
func InitConfig() *ConfigManager {
	cfg := &Config{}

	v := viper.New()
	v.SetConfigFile("config/config.yaml")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		logger.Error("Failed to read configuration file", zap.Error(err))
		os.Exit(1)
	}
	if err := v.Unmarshal(cfg); err != nil {
		logger.Error("Failed to unmarshal configuration", zap.Error(err))
		os.Exit(1)
	}

	if err := validateProxyConfig(cfg); err != nil {
		logger.Error("Proxy configuration validation failed", zap.Error(err))
		os.Exit(1)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Error("Security configuration validation failed", zap.Error(err))
		os.Exit(1)
	}

	configMgr = &ConfigManager{
		config:     cfg,
		ConfigChan: make(chan *Config, 1), // 缓冲通道，避免阻塞
		mutex:      sync.RWMutex{},
	}

	// 监听配置文件变化以实现热更新
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Configuration file changed", zap.String("file", e.Name))
		newCfg := &Config{}

		newV := viper.New()
		newV.SetConfigFile(e.Name)
		newV.SetConfigType("yaml")
		setDefaultValues(newV)

		if err := newV.ReadInConfig(); err != nil {
			logger.Error("Failed to re-read configuration file", zap.Error(err))
			return
		}
		if err := newV.Unmarshal(newCfg); err != nil {
			logger.Error("Failed to unmarshal reloaded configuration", zap.Error(err))
			return
		}
		if err := validateProxyConfig(newCfg); err != nil {
			logger.Error("Proxy configuration validation failed on reload", zap.Error(err))
			return
		}
		if err := validateSecurityConfig(newCfg); err != nil {
			logger.Error("Security configuration validation failed on reload", zap.Error(err))
			return
		}

		configMgr.mutex.Lock()
		configMgr.config = newCfg
		configMgr.mutex.Unlock()

		// 通知配置变更
		select {
		case configMgr.ConfigChan <- newCfg:
			logger.Info("Configuration reload notification sent")
		default:
			logger.Warn("Config channel full, skipping notification")
		}
	})

	return configMgr
}

// Server 服务器配置
type Server struct {
	Port         string `mapstructure:"port"`
	GinMode      string `mapstructure:"ginMode"`
	Environment  string `mapstructure:"environment"`
	PprofEnabled bool   `mapstructure:"pprofenabled"`
}

// RouteRule 路由规则：将路径前缀映射到下游服务
type RouteRule struct {
	Service         string `mapstructure:"service"`         // 下游服务名称
	Target          string `mapstructure:"target"`          // 下游服务基础 URL
	StripPrefix     string `mapstructure:"stripPrefix"`     // 转发前从路径剥离的前缀（可选）
	Tier            string `mapstructure:"tier"`            // 限流等级：general / auth / sensitive
	RequiresAuth    bool   `mapstructure:"requiresAuth"`    // 是否需要身份认证
	Critical        bool   `mapstructure:"critical"`        // 健康检查是否为关键依赖
	HealthCheckPath string `mapstructure:"healthCheckPath"` // 健康检查路径，默认 /health
}

// Proxy 代理配置
type Proxy struct {
	Timeout time.Duration        `mapstructure:"timeout"` // 单次转发超时
	Routes  map[string]RouteRule `mapstructure:"routes"`  // 前缀 -> 路由规则
}

// AllowedTargets 返回所有已配置下游服务的基础 URL，用于构建出站白名单
func (p Proxy) AllowedTargets() []string {
	targets := make([]string, 0, len(p.Routes))
	for _, rule := range p.Routes {
		targets = append(targets, rule.Target)
	}
	return targets
}

// JWT JWT 认证配置
type JWT struct {
	JwksURL         string        `mapstructure:"jwksUrl"`         // 身份服务的 JWKS 端点
	Issuer          string        `mapstructure:"issuer"`          // 预期的 iss 声明
	Audience        string        `mapstructure:"audience"`        // 预期的 aud 声明
	RefreshInterval time.Duration `mapstructure:"refreshInterval"` // 密钥集刷新间隔
	ExpiryWindow    time.Duration `mapstructure:"expiryWindow"`    // 即将过期的提示窗口
}

// Security 安全相关配置
type Security struct {
	JWT         JWT      `mapstructure:"jwt"`
	PublicPaths []string `mapstructure:"publicPaths"` // 免认证的路径前缀（认证端点本身）
}

// TierLimit 单个限流等级的窗口与配额
type TierLimit struct {
	Window time.Duration `mapstructure:"window"`
	Cap    int           `mapstructure:"cap"`
}

// TrafficRateLimit 流量限流配置
type TrafficRateLimit struct {
	Enabled bool                 `mapstructure:"enabled"`
	Store   string               `mapstructure:"store"` // memory 或 redis
	Tiers   map[string]TierLimit `mapstructure:"tiers"`
}

// TrafficBreaker 熔断器配置
type TrafficBreaker struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failureThreshold"` // 连续失败次数阈值
	Cooldown         time.Duration `mapstructure:"cooldown"`         // OPEN 状态的冷却时长
}

// Traffic 流量控制配置
type Traffic struct {
	RateLimit TrafficRateLimit `mapstructure:"rateLimit"`
	Breaker   TrafficBreaker   `mapstructure:"breaker"`
}

// Health 健康检查配置
type Health struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"` // 周期探测间隔
	Timeout  time.Duration `mapstructure:"timeout"`  // 单次探测超时
}

// Observability 可观测性配置
type Observability struct {
	Prometheus Prometheus `mapstructure:"prometheus"`
	Jaeger     Jaeger     `mapstructure:"jaeger"`
}

// Prometheus 配置
type Prometheus struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Jaeger 追踪配置
type Jaeger struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Sampler     string  `mapstructure:"sampler"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// Logger 日志配置
type Logger struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"filePath"`
	MaxSize    int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAge     int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// Cache Redis 配置（分布式限流窗口存储）
type Cache struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CORS 跨域配置
type CORS struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// Middleware 中间件开关配置
// 限流与熔断的开关在 traffic 配置段，由各自的组件读取
type Middleware struct {
	Auth    bool `mapstructure:"auth"`
	Tracing bool `mapstructure:"tracing"`
	CORS    bool `mapstructure:"cors"`
}

// GetConfig 获取当前配置（线程安全）
func (cm *ConfigManager) GetConfig() *Config {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.config
}

// GetConfig 获取当前全局配置实例（线程安全）
func GetConfig() *Config {
	return configMgr.GetConfig()
}

// SetConfig 替换当前全局配置实例（线程安全）
func SetConfig(c *Config) {
	configMgr.mutex.Lock()
	defer configMgr.mutex.Unlock()
	configMgr.config = c
}

// InitTestConfigManager 初始化测试配置管理器
func InitTestConfigManager() {
	configMgr = &ConfigManager{
		config: &Config{
			Proxy: Proxy{
				Timeout: 10 * time.Second,
				Routes:  map[string]RouteRule{},
			},
			Traffic: Traffic{
				RateLimit: TrafficRateLimit{
					Enabled: true,
					Store:   "memory",
					Tiers: map[string]TierLimit{
						"general":   {Window: 15 * time.Minute, Cap: 100},
						"auth":      {Window: 15 * time.Minute, Cap: 5},
						"sensitive": {Window: 15 * time.Minute, Cap: 50},
					},
				},
				Breaker: TrafficBreaker{
					Enabled:          true,
					FailureThreshold: 5,
					Cooldown:         30 * time.Second,
				},
			},
			Health: Health{
				Enabled:  false,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
		},
		ConfigChan: make(chan *Config, 1), // 缓冲通道，避免阻塞
		mutex:      sync.RWMutex{},
	}
}

// UpdateConfig 更新配置并通知监听者
func (cm *ConfigManager) UpdateConfig(cfg *Config) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.config = cfg
	cm.ConfigChan <- cfg
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.ginMode", "release")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.pprofenabled", false)

	v.SetDefault("proxy.timeout", 10*time.Second)

	v.SetDefault("security.jwt.jwksUrl", "http://localhost:3001/.well-known/jwks.json")
	v.SetDefault("security.jwt.issuer", "club-identity-service")
	v.SetDefault("security.jwt.audience", "club-platform")
	v.SetDefault("security.jwt.refreshInterval", time.Hour)
	v.SetDefault("security.jwt.expiryWindow", 60*time.Second)
	v.SetDefault("security.publicPaths", []string{"/api/v1/auth"})

	v.SetDefault("middleware.auth", true)
	v.SetDefault("middleware.tracing", false)
	v.SetDefault("middleware.cors", true)

	v.SetDefault("traffic.rateLimit.enabled", true)
	v.SetDefault("traffic.rateLimit.store", "memory")
	v.SetDefault("traffic.rateLimit.tiers.general.window", 15*time.Minute)
	v.SetDefault("traffic.rateLimit.tiers.general.cap", 100)
	v.SetDefault("traffic.rateLimit.tiers.auth.window", 15*time.Minute)
	v.SetDefault("traffic.rateLimit.tiers.auth.cap", 5)
	v.SetDefault("traffic.rateLimit.tiers.sensitive.window", 15*time.Minute)
	v.SetDefault("traffic.rateLimit.tiers.sensitive.cap", 50)
	v.SetDefault("traffic.breaker.enabled", true)
	v.SetDefault("traffic.breaker.failureThreshold", 5)
	v.SetDefault("traffic.breaker.cooldown", 30*time.Second)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)

	v.SetDefault("observability.prometheus.enabled", true)
	v.SetDefault("observability.prometheus.path", "/metrics")
	v.SetDefault("observability.jaeger.enabled", false)
	v.SetDefault("observability.jaeger.endpoint", "localhost:4318")
	v.SetDefault("observability.jaeger.sampler", "always")
	v.SetDefault("observability.jaeger.sampleRatio", 1.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.filePath", "logs/gateway.log")
	v.SetDefault("logger.maxSize", 100)
	v.SetDefault("logger.maxBackups", 10)
	v.SetDefault("logger.maxAge", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)

	v.SetDefault("cors.allowedOrigins", []string{"http://localhost:3000"})
}

// validTiers 限流等级的合法取值
var validTiers = map[string]bool{"general": true, "auth": true, "sensitive": true}

// validateProxyConfig 验证代理路由配置
func validateProxyConfig(cfg *Config) error {
	if len(cfg.Proxy.Routes) == 0 {
		return fmt.Errorf("no proxy routes configured")
	}
	for prefix, rule := range cfg.Proxy.Routes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("route prefix %q must start with /", prefix)
		}
		if rule.Service == "" {
			return fmt.Errorf("route %s has no service name", prefix)
		}
		u, err := url.Parse(rule.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("route %s target %q is not a valid base URL", prefix, rule.Target)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("route %s target %q must use http or https", prefix, rule.Target)
		}
		if rule.Tier != "" && !validTiers[rule.Tier] {
			return fmt.Errorf("route %s has unknown rate limit tier %q", prefix, rule.Tier)
		}
		if rule.StripPrefix != "" && !strings.HasPrefix(prefix, rule.StripPrefix) {
			return fmt.Errorf("route %s stripPrefix %q is not a prefix of the route path", prefix, rule.StripPrefix)
		}
	}
	if cfg.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy timeout must be positive: %s", cfg.Proxy.Timeout)
	}
	return nil
}

// validateSecurityConfig 验证安全配置
func validateSecurityConfig(cfg *Config) error {
	if !cfg.Middleware.Auth {
		return nil
	}
	if cfg.Security.JWT.JwksURL == "" {
		return fmt.Errorf("auth middleware is enabled but security.jwt.jwksUrl is empty")
	}
	if _, err := url.Parse(cfg.Security.JWT.JwksURL); err != nil {
		return fmt.Errorf("security.jwt.jwksUrl is not a valid URL: %v", err)
	}
	if cfg.Security.JWT.Issuer == "" {
		return fmt.Errorf("security.jwt.issuer must be configured")
	}
	if cfg.Security.JWT.Audience == "" {
		return fmt.Errorf("security.jwt.audience must be configured")
	}
	return nil
}
