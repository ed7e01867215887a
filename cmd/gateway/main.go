// Package main 是请求拦截网关服务的入口点。
// 网关进程同时承载三个监听端口：管理 API、拦截代理与 Prometheus 指标。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/api"
	"github.com/oriys/trellis/internal/auth"
	"github.com/oriys/trellis/internal/config"
	"github.com/oriys/trellis/internal/events"
	"github.com/oriys/trellis/internal/execlog"
	"github.com/oriys/trellis/internal/maintenance"
	"github.com/oriys/trellis/internal/metrics"
	"github.com/oriys/trellis/internal/pipeline"
	"github.com/oriys/trellis/internal/registry"
	"github.com/oriys/trellis/internal/routing"
	"github.com/oriys/trellis/internal/sandbox"
	"github.com/oriys/trellis/internal/storage"
	"github.com/oriys/trellis/internal/telemetry"
	"github.com/oriys/trellis/internal/tenantdata"
)

// main 是网关服务的主函数
// 它负责初始化所有依赖组件并启动三个 HTTP 服务器
func main() {
	// 解析命令行参数，获取配置文件路径
	configPath := flag.String("config", "/etc/trellis/config.yaml", "Path to config file")
	flag.Parse()

	// 设置日志记录器
	// 默认使用 JSON 格式输出日志，便于日志收集和分析
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// 加载配置文件
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	applyLogging(logger, cfg)
	routing.SetLogger(logger)

	logger.WithFields(logrus.Fields{
		"admin_port": cfg.Server.AdminPort,
		"proxy_port": cfg.Server.ProxyPort,
	}).Info("Starting Trellis Gateway")

	// 监听配置文件变更，支持运行时调整日志级别
	watcher := config.NewWatcher(*configPath, logger, func(next *config.Config) {
		applyLogging(logger, next)
	})
	if err := watcher.Start(); err != nil {
		logger.WithError(err).Warn("Failed to watch config file, hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	// 初始化遥测系统 (OpenTelemetry)
	// 遥测系统用于收集分布式追踪数据，关联管理请求、代理请求与钩子执行
	if cfg.Telemetry.Enabled {
		telCfg := telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,
			Environment: cfg.Telemetry.Environment,
		}
		tel, err := telemetry.New(context.Background(), telCfg)
		if err != nil {
			// 遥测初始化失败不影响主服务运行，仅记录警告
			logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			defer tel.Shutdown(context.Background())
			// 将遥测钩子添加到日志记录器，自动关联日志和追踪
			logger.AddHook(telemetry.NewLogrusHook())
			logger.WithFields(logrus.Fields{
				"endpoint":    cfg.Telemetry.Endpoint,
				"sample_rate": cfg.Telemetry.SampleRate,
			}).Info("Telemetry initialized")
		}
	}

	// 初始化 PostgreSQL 存储
	// PostgreSQL 持久化应用、扩展、版本、路由绑定与执行日志
	pgStore, err := storage.NewPostgresStore(cfg.Storage.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer pgStore.Close()

	// 初始化 Redis 存储
	// Redis 承载扩展调用统计和执行日志备用队列，未配置时功能降级
	var redisStore *storage.RedisStore
	if cfg.Storage.Redis.Address != "" {
		redisStore, err = storage.NewRedisStore(cfg.Storage.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisStore.Close()
	} else {
		logger.Warn("Redis not configured, stats and log spill queue disabled")
	}

	// 初始化 Prometheus 指标收集器
	var m *metrics.Metrics
	var metricsCancel context.CancelFunc
	if cfg.Metrics.Enabled {
		namespace := cfg.Metrics.Namespace
		if namespace == "" {
			namespace = "trellis" // 默认指标命名空间
		}
		m = metrics.NewMetrics(namespace)

		// 创建用于取消指标更新协程的上下文
		ctx, cancel := context.WithCancel(context.Background())
		metricsCancel = cancel

		// 定期从数据库获取扩展计数
		updateExtCounts := func() {
			total, err := pgStore.CountExtensions()
			if err == nil {
				m.ExtensionsTotal.Set(float64(total)) // 扩展总数
			}
			published, err := pgStore.CountPublishedExtensions()
			if err == nil {
				m.PublishedExtensions.Set(float64(published)) // 已发布扩展数
			}
		}
		// 立即执行一次更新
		updateExtCounts()

		// 启动后台协程，每 5 秒更新一次扩展计数指标
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					updateExtCounts()
				}
			}
		}()
	}

	// 初始化沙箱编译器和执行器
	// 编译器负责静态安全扫描与程序缓存，执行器负责带超时的钩子调用
	compiler := sandbox.NewCompiler(sandbox.Config{
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxTimeout:     cfg.Sandbox.MaxTimeout,
		UnitCacheTTL:   cfg.Sandbox.UnitCacheTTL,
		MaxSourceBytes: cfg.Sandbox.MaxSourceBytes,
	}, logger, m)
	executor := sandbox.NewExecutor(logger, m)

	// 初始化扩展快照注册表
	// 注册表按应用缓存已编译的扩展集合，代理端的每个请求都从这里取快照
	reg := registry.NewRegistry(registry.Config{
		TTL:          cfg.Registry.TTL,
		RetryBackoff: cfg.Registry.RetryBackoff,
	}, pgStore, compiler, logger, m)

	// 初始化租户数据服务
	// 负责扩展安装时的建表和钩子执行时的受限数据访问
	tenants := tenantdata.NewService(pgStore.DB(), pgStore, logger, m)

	// 初始化执行日志汇聚器
	// 钩子执行记录经内存队列批量落库，队列满或落库失败时转存 Redis
	var spiller execlog.Spiller
	if redisStore != nil {
		spiller = redisStore
	}
	sink := execlog.NewSink(execlog.Config{
		QueueSize:     cfg.ExecLog.QueueSize,
		BatchSize:     cfg.ExecLog.BatchSize,
		FlushInterval: cfg.ExecLog.FlushInterval,
		MaxFieldBytes: cfg.ExecLog.MaxFieldBytes,
	}, pgStore, spiller, logger, m)
	sink.Start()

	// 初始化事件总线
	// NATS 把扩展变更广播到所有网关实例，实现快照的即时失效；
	// 未配置时失效退化为纯 TTL，变更最多延迟一个快照周期生效
	var bus *events.EventBus
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	if cfg.Events.NatsURL != "" {
		bus, err = events.NewEventBus(cfg.Events.NatsURL, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, snapshot invalidation degraded to TTL only")
			bus = nil
		} else {
			defer bus.Close()
			if err := bus.SubscribeInvalidations(busCtx, reg.Invalidate); err != nil {
				logger.WithError(err).Warn("Failed to subscribe invalidation events")
			}
		}
	}

	// 启动后台维护任务
	// 日志清理、编译缓存淘汰、备用队列回灌与快照年龄上报
	upkeep := maintenance.NewRunner(pgStore, redisStore, compiler, reg, cfg.ExecLog.Retention, logger)
	if err := upkeep.Start(); err != nil {
		logger.WithError(err).Error("Failed to start maintenance runner")
	}
	defer upkeep.Stop()

	// 初始化认证组件
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		logger.Fatal("Auth enabled but jwt_secret not configured")
	}
	jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
	authMW := auth.NewMiddleware(jwtMgr, cfg.Auth.APIKeyHeader, auth.NewStaticKeyValidator(cfg.Auth.APIKeys), cfg.Auth.Enabled)

	// 初始化管理 API 处理器和路由
	handler := api.NewHandler(pgStore, redisStore, reg, compiler, tenants, bus, logger)
	router := api.NewRouter(&api.RouterConfig{
		Handler:   handler,
		Auth:      api.NewAuthHandler(jwtMgr, cfg.Auth.AdminUser, cfg.Auth.AdminPassword, logger),
		LogStream: api.NewLogStreamHandler(sink.Broadcaster(), logger),
		AuthMW:    authMW,
		Metrics:   m,
		Logger:    logger,
	})

	// 初始化拦截代理
	// 代理端口承载业务流量：匹配扩展、执行钩子、转发源站、合并响应
	var stats pipeline.StatsRecorder
	if redisStore != nil {
		stats = redisStore
	}
	proxy := pipeline.NewProxy(pipeline.Config{
		DefaultApp:    cfg.Proxy.DefaultApp,
		AppHeader:     cfg.Proxy.AppHeader,
		UserHeader:    cfg.Proxy.UserHeader,
		OriginTimeout: cfg.Proxy.OriginTimeout,
		MaxBodyBytes:  cfg.Proxy.MaxBodyBytes,
	}, reg, executor, tenants, sink, stats, logger, m)

	// 配置管理 API 服务器
	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,  // 读取请求超时
		WriteTimeout: 60 * time.Second,  // 写入响应超时
		IdleTimeout:  120 * time.Second, // 空闲连接超时
	}
	go func() {
		logger.WithField("port", cfg.Server.AdminPort).Info("Starting admin API server")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Admin API server failed")
		}
	}()

	// 配置拦截代理服务器
	// 写超时要覆盖钩子执行与源站访问的总时长
	proxyServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.ProxyPort),
		Handler:      telemetry.HTTPMiddleware("trellis-proxy")(proxy),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.WithField("port", cfg.Server.ProxyPort).Info("Starting proxy server")
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Proxy server failed")
		}
	}()

	// 如果指标端口与管理端口不同，单独启动指标服务器
	// 这样可以将指标暴露在内部端口，避免公开暴露
	var metricsServer *http.Server
	if cfg.Metrics.Enabled && cfg.Server.MetricsPort != cfg.Server.AdminPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler()) // Prometheus 指标端点
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.WithField("port", cfg.Server.MetricsPort).Info("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Metrics server failed")
			}
		}()
	}

	// 等待关闭信号
	// 监听 SIGINT (Ctrl+C) 和 SIGTERM (容器停止) 信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 创建带超时的上下文用于优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先停业务流量入口，再停管理入口
	if err := proxyServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Proxy server shutdown error")
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Admin server shutdown error")
	}

	// 排空执行日志队列，保证已执行钩子的审计记录落库
	if err := sink.Close(ctx); err != nil {
		logger.WithError(err).Error("Execution log sink shutdown error")
	}

	// 停止指标更新协程
	if metricsCancel != nil {
		metricsCancel()
	}

	// 关闭指标服务器
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	logger.Info("Server stopped")
}

// applyLogging 按配置调整日志级别与输出格式。
// 配置热更新时会再次调用，调错级别不用重启进程。
func applyLogging(logger *logrus.Logger, cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}
