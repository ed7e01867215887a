// Package config 提供了扩展网关的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如密码和密钥）。
// 配置包含了服务器、认证、代理、沙箱、存储、日志、指标和遥测等多个方面的设置。
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括管理端口、代理端口等
	Server ServerConfig `yaml:"server"`
	// Auth 认证配置，包括 JWT 和 API Key 相关设置
	Auth AuthConfig `yaml:"auth"`
	// Proxy 拦截代理配置，包括默认应用与源站访问设置
	Proxy ProxyConfig `yaml:"proxy"`
	// Registry 扩展快照注册表配置
	Registry RegistryConfig `yaml:"registry"`
	// Sandbox 沙箱编译与执行配置
	Sandbox SandboxConfig `yaml:"sandbox"`
	// ExecLog 执行日志汇聚配置
	ExecLog ExecLogConfig `yaml:"execlog"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
// 定义了各种服务端口和超时设置。
type ServerConfig struct {
	// AdminPort 管理 API 服务端口，用于应用与扩展管理
	// 默认值：8080
	AdminPort int `yaml:"admin_port"`
	// ProxyPort 拦截代理服务端口，承载被拦截的业务流量
	// 默认值：8090
	ProxyPort int `yaml:"proxy_port"`
	// MetricsPort 指标服务端口，用于 Prometheus 指标暴露
	// 默认值：9090
	MetricsPort int `yaml:"metrics_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig 认证配置结构体。
// 定义了管理 API 的 JWT 和 API Key 认证相关设置。
type AuthConfig struct {
	// Enabled 是否启用认证
	Enabled bool `yaml:"enabled"`
	// JWTSecret JWT 签名密钥，可通过环境变量 TRELLIS_AUTH_JWT_SECRET 或
	// TRELLIS_AUTH_JWT_SECRET_FILE（文件路径）覆盖
	JWTSecret string `yaml:"jwt_secret"`
	// JWTExpiration JWT 令牌过期时间
	// 默认值：24 小时
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	// APIKeyHeader API Key 请求头名称
	// 默认值：X-API-Key
	APIKeyHeader string `yaml:"api_key_header"`
	// APIKeys 允许访问管理 API 的静态密钥列表
	APIKeys []string `yaml:"api_keys,omitempty"`
	// AdminUser 登录端点的管理员用户名
	AdminUser string `yaml:"admin_user"`
	// AdminPassword 登录端点的管理员密码，可通过环境变量
	// TRELLIS_AUTH_ADMIN_PASSWORD 或 TRELLIS_AUTH_ADMIN_PASSWORD_FILE 覆盖
	AdminPassword string `yaml:"admin_password"`
}

// ProxyConfig 拦截代理配置结构体。
type ProxyConfig struct {
	// DefaultApp 请求未携带应用头时使用的默认应用 slug
	DefaultApp string `yaml:"default_app"`
	// AppHeader 指定目标应用的请求头名称
	// 默认值：X-Trellis-App
	AppHeader string `yaml:"app_header"`
	// UserHeader 指定终端用户标识的请求头名称
	// 默认值：X-Trellis-User
	UserHeader string `yaml:"user_header"`
	// OriginTimeout 访问源站的超时时间
	// 默认值：30 秒
	OriginTimeout time.Duration `yaml:"origin_timeout"`
	// MaxBodyBytes 解析请求/响应体的大小上限
	// 默认值：4 MB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// RegistryConfig 扩展快照注册表配置结构体。
type RegistryConfig struct {
	// TTL 快照有效期，过期后的下一次读取在返回前同步重载
	// 默认值：30 秒
	TTL time.Duration `yaml:"ttl"`
	// RetryBackoff 刷新失败后的最小重试间隔
	// 默认值：5 秒
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// SandboxConfig 沙箱编译与执行配置结构体。
type SandboxConfig struct {
	// DefaultTimeout 扩展钩子的默认执行超时
	// 默认值：30 秒
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxTimeout 扩展可申请的最大执行超时
	// 默认值：120 秒
	MaxTimeout time.Duration `yaml:"max_timeout"`
	// UnitCacheTTL 编译单元缓存的空闲逐出时间
	// 默认值：10 分钟
	UnitCacheTTL time.Duration `yaml:"unit_cache_ttl"`
	// MaxSourceBytes 扩展源代码的大小上限
	// 默认值：256 KB
	MaxSourceBytes int `yaml:"max_source_bytes"`
}

// ExecLogConfig 执行日志汇聚配置结构体。
type ExecLogConfig struct {
	// QueueSize 内存队列容量
	// 默认值：1024
	QueueSize int `yaml:"queue_size"`
	// BatchSize 单次落库的最大条数
	// 默认值：100
	BatchSize int `yaml:"batch_size"`
	// FlushInterval 批量落库的最长等待时间
	// 默认值：2 秒
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxFieldBytes 输入输出字段的截断长度
	// 默认值：4096
	MaxFieldBytes int `yaml:"max_field_bytes"`
	// Retention 日志保留期，维护任务按此清理历史日志
	// 默认值：168 小时（7 天）
	Retention time.Duration `yaml:"retention"`
}

// StorageConfig 存储配置结构体。
// 包含各种数据存储后端的配置。
type StorageConfig struct {
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 缓存配置
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
// 定义了数据库连接的相关参数。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 TRELLIS_POSTGRES_PASSWORD 或
	// TRELLIS_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode TLS 模式（disable/require/verify-full）
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
}

// RedisConfig Redis 缓存配置结构体。
// 定义了 Redis 连接的相关参数。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 TRELLIS_REDIS_PASSWORD 或
	// TRELLIS_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
}

// EventsConfig 事件配置结构体。
// 定义了事件消息队列的连接信息。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"，
	// 为空时禁用事件总线，快照失效退化为纯 TTL
	NatsURL string `yaml:"nats_url"`
}

// LoggingConfig 日志配置结构体。
// 定义了日志输出的级别和格式。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
// 定义了 Prometheus 指标收集的相关设置。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：trellis-gateway
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 该方法允许通过环境变量覆盖敏感配置项，支持两种方式：
// 1. 直接设置环境变量（如 TRELLIS_POSTGRES_PASSWORD）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 TRELLIS_POSTGRES_PASSWORD_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	// 敏感配置项：支持通过 *_FILE（推荐）或直接环境变量设置

	if v := readEnvOrFile("TRELLIS_POSTGRES_PASSWORD", "TRELLIS_POSTGRES_PASSWORD_FILE"); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFile("TRELLIS_REDIS_PASSWORD", "TRELLIS_REDIS_PASSWORD_FILE"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFile("TRELLIS_AUTH_JWT_SECRET", "TRELLIS_AUTH_JWT_SECRET_FILE"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := readEnvOrFile("TRELLIS_AUTH_ADMIN_PASSWORD", "TRELLIS_AUTH_ADMIN_PASSWORD_FILE"); v != "" {
		c.Auth.AdminPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("TRELLIS_NATS_URL")); v != "" {
		c.Events.NatsURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TRELLIS_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
}

// readEnvOrFile 从环境变量或文件读取配置值。
// 优先从 fileKey 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKey 指定的环境变量读取。
func readEnvOrFile(envKey, fileKey string) string {
	if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
		if b, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return strings.TrimSpace(os.Getenv(envKey))
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
func (c *Config) applyDefaults() {
	// 管理端口默认为 8080
	if c.Server.AdminPort == 0 {
		c.Server.AdminPort = 8080
	}
	// 代理端口默认为 8090
	if c.Server.ProxyPort == 0 {
		c.Server.ProxyPort = 8090
	}
	// 指标端口默认为 9090
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	// 优雅关闭超时默认为 30 秒
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	// JWT 过期时间默认为 24 小时
	if c.Auth.JWTExpiration == 0 {
		c.Auth.JWTExpiration = 24 * time.Hour
	}
	// API Key 请求头默认为 X-API-Key
	if c.Auth.APIKeyHeader == "" {
		c.Auth.APIKeyHeader = "X-API-Key"
	}
	// 应用头默认为 X-Trellis-App
	if c.Proxy.AppHeader == "" {
		c.Proxy.AppHeader = "X-Trellis-App"
	}
	// 用户头默认为 X-Trellis-User
	if c.Proxy.UserHeader == "" {
		c.Proxy.UserHeader = "X-Trellis-User"
	}
	// 源站超时默认为 30 秒
	if c.Proxy.OriginTimeout == 0 {
		c.Proxy.OriginTimeout = 30 * time.Second
	}
	// 请求体解析上限默认为 4 MB
	if c.Proxy.MaxBodyBytes == 0 {
		c.Proxy.MaxBodyBytes = 4 << 20
	}
	// 快照有效期默认为 30 秒
	if c.Registry.TTL == 0 {
		c.Registry.TTL = 30 * time.Second
	}
	// 刷新失败重试间隔默认为 5 秒
	if c.Registry.RetryBackoff == 0 {
		c.Registry.RetryBackoff = 5 * time.Second
	}
	// 钩子默认超时为 30 秒
	if c.Sandbox.DefaultTimeout == 0 {
		c.Sandbox.DefaultTimeout = 30 * time.Second
	}
	// 钩子最大超时为 120 秒
	if c.Sandbox.MaxTimeout == 0 {
		c.Sandbox.MaxTimeout = 120 * time.Second
	}
	// 编译单元缓存空闲逐出默认为 10 分钟
	if c.Sandbox.UnitCacheTTL == 0 {
		c.Sandbox.UnitCacheTTL = 10 * time.Minute
	}
	// 源代码大小上限默认为 256 KB
	if c.Sandbox.MaxSourceBytes == 0 {
		c.Sandbox.MaxSourceBytes = 256 << 10
	}
	// 日志队列容量默认为 1024
	if c.ExecLog.QueueSize == 0 {
		c.ExecLog.QueueSize = 1024
	}
	// 单次落库条数默认为 100
	if c.ExecLog.BatchSize == 0 {
		c.ExecLog.BatchSize = 100
	}
	// 落库等待时间默认为 2 秒
	if c.ExecLog.FlushInterval == 0 {
		c.ExecLog.FlushInterval = 2 * time.Second
	}
	// 字段截断长度默认为 4096
	if c.ExecLog.MaxFieldBytes == 0 {
		c.ExecLog.MaxFieldBytes = 4096
	}
	// 日志保留期默认为 7 天
	if c.ExecLog.Retention == 0 {
		c.ExecLog.Retention = 168 * time.Hour
	}
	// TLS 模式默认为 disable
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	// 遥测服务名称默认为 trellis-gateway
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "trellis-gateway"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	// 环境标识默认为 development
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
