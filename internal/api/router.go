// Package api 提供请求拦截网关的管理 HTTP API 处理程序。
// 该文件负责配置HTTP路由器和中间件，将HTTP请求映射到相应的处理器方法。
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/auth"
	"github.com/oriys/trellis/internal/metrics"
	"github.com/oriys/trellis/internal/telemetry"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API处理器
	Handler *Handler
	// Auth 认证处理器（可选，未配置时不提供令牌端点）
	Auth *AuthHandler
	// LogStream 执行日志推送处理器（可选）
	LogStream *LogStreamHandler
	// AuthMW 认证中间件（可选，未配置时管理端点不做认证）
	AuthMW *auth.Middleware
	// Metrics 指标收集器（可选，未配置时不记录管理请求指标）
	Metrics *metrics.Metrics
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewRouter 创建并配置HTTP路由器。
//
// 功能说明：
//   - 创建chi路由器实例并配置全局中间件
//   - 注册健康检查和指标端点
//   - 配置API v1版本的所有路由，除令牌端点外均在认证中间件之后
//
// 参数：
//   - cfg: 路由器配置，包含Handler、认证组件和Logger
//
// 返回值：
//   - *chi.Mux: 配置完成的路由器实例
//
// 路由结构：
//
//	/health                  - 基本健康检查
//	/health/ready            - Kubernetes就绪探针
//	/health/live             - Kubernetes存活探针
//	/metrics                 - Prometheus指标端点
//	/api/v1/auth/token       - 管理员凭证换取令牌
//	/api/v1/apps             - 应用管理API
//	/api/v1/extensions       - 扩展管理API
//	/api/v1/routes           - 路由绑定API
//	/api/v1/logs/stream      - 执行日志实时推送
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	// 创建新的chi路由器
	r := chi.NewRouter()

	// 配置中间件链
	// 中间件按照添加顺序执行，形成洋葱模型

	// 遥测中间件：记录HTTP请求的追踪信息
	r.Use(telemetry.HTTPMiddleware("trellis-admin"))

	// RequestID中间件：为每个请求生成唯一ID，便于日志追踪
	r.Use(middleware.RequestID)

	// RealIP中间件：从X-Forwarded-For等头部获取真实客户端IP
	r.Use(middleware.RealIP)

	// Compress中间件：对响应进行gzip压缩，减少网络传输
	r.Use(middleware.Compress(5, "application/json", "text/html", "text/plain", "text/css", "application/javascript"))

	// Logger中间件：记录请求日志
	r.Use(middleware.Logger)

	// Recoverer中间件：捕获panic并返回500错误，防止服务崩溃
	r.Use(middleware.Recoverer)

	// Timeout中间件：设置请求超时时间为60秒
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS中间件：处理跨域请求
	r.Use(corsMiddleware)

	// 指标中间件：按方法、路由模式和状态码记录管理请求
	if cfg.Metrics != nil {
		r.Use(metricsMiddleware(cfg.Metrics))
	}

	// 健康检查端点 - 用于负载均衡器和Kubernetes探针
	r.Get("/health", h.Health)      // 基本健康检查
	r.Get("/health/ready", h.Ready) // Kubernetes就绪探针
	r.Get("/health/live", h.Live)   // Kubernetes存活探针

	// Prometheus指标端点 - 暴露应用程序指标供监控系统采集
	r.Handle("/metrics", promhttp.Handler())

	// API v1 路由组
	r.Route("/api/v1", func(r chi.Router) {
		// 认证端点 - 不在认证中间件之后，否则无法换取首个令牌
		if cfg.Auth != nil {
			// POST /api/v1/auth/token - 管理员凭证换取JWT令牌
			r.Post("/auth/token", cfg.Auth.Token)
		}

		// 其余管理端点全部要求认证
		r.Group(func(r chi.Router) {
			if cfg.AuthMW != nil {
				r.Use(cfg.AuthMW.Authenticate)
			}

			// 应用管理路由组
			r.Route("/apps", func(r chi.Router) {
				// POST /api/v1/apps - 注册应用
				r.Post("/", h.CreateApp)
				// GET /api/v1/apps - 获取应用列表
				r.Get("/", h.ListApps)

				// 单个应用的操作路由组
				r.Route("/{id}", func(r chi.Router) {
					// GET /api/v1/apps/{id} - 获取应用详情
					r.Get("/", h.GetApp)
					// DELETE /api/v1/apps/{id} - 删除应用
					r.Delete("/", h.DeleteApp)
					// POST /api/v1/apps/{id}/extensions - 在应用下创建扩展
					r.Post("/extensions", h.CreateExtension)
					// GET /api/v1/apps/{id}/extensions - 获取应用下的扩展列表
					r.Get("/extensions", h.ListExtensions)
				})
			})

			// 扩展管理路由组
			r.Route("/extensions", func(r chi.Router) {
				r.Route("/{id}", func(r chi.Router) {
					// GET /api/v1/extensions/{id} - 获取扩展详情
					r.Get("/", h.GetExtension)
					// DELETE /api/v1/extensions/{id} - 删除扩展
					r.Delete("/", h.DeleteExtension)
					// PUT /api/v1/extensions/{id}/code - 追加新代码版本
					r.Put("/code", h.UpdateExtensionCode)

					// 状态流转路由
					// POST /api/v1/extensions/{id}/publish - 发布扩展
					r.Post("/publish", h.PublishExtension)
					// POST /api/v1/extensions/{id}/disable - 停用扩展
					r.Post("/disable", h.DisableExtension)
					// POST /api/v1/extensions/{id}/archive - 归档扩展
					r.Post("/archive", h.ArchiveExtension)

					// 版本管理路由
					// GET /api/v1/extensions/{id}/versions - 获取版本历史
					r.Get("/versions", h.ListExtensionVersions)
					// POST /api/v1/extensions/{id}/rollback - 回滚到历史版本
					r.Post("/rollback", h.RollbackExtension)

					// GET /api/v1/extensions/{id}/stats - 获取调用统计
					r.Get("/stats", h.GetExtensionStats)

					// 路由绑定路由
					// POST /api/v1/extensions/{id}/routes - 创建路由绑定
					r.Post("/routes", h.CreateRoute)
					// GET /api/v1/extensions/{id}/routes - 获取路由绑定列表
					r.Get("/routes", h.ListRoutes)

					// 安装管理路由
					// POST /api/v1/extensions/{id}/installs - 为用户安装扩展
					r.Post("/installs", h.InstallExtension)
					// GET /api/v1/extensions/{id}/installs - 获取安装记录
					r.Get("/installs", h.ListInstalls)
					// DELETE /api/v1/extensions/{id}/installs/{userID} - 卸载扩展
					r.Delete("/installs/{userID}", h.UninstallExtension)

					// GET /api/v1/extensions/{id}/logs - 查询执行日志
					r.Get("/logs", h.ListExtensionLogs)
				})
			})

			// 路由绑定路由组
			r.Route("/routes", func(r chi.Router) {
				// DELETE /api/v1/routes/{id} - 删除路由绑定
				r.Delete("/{id}", h.DeleteRoute)
			})

			// 执行日志实时推送
			if cfg.LogStream != nil {
				// GET /api/v1/logs/stream - WebSocket 日志流
				r.Get("/logs/stream", cfg.LogStream.Stream)
			}
		})
	})

	return r
}

// metricsMiddleware 记录管理 API 请求的计数与耗时。
// 路径标签使用chi的路由模式而不是原始路径，避免标签基数爆炸。
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			m.RecordAdminRequest(r.Method, pattern, strconv.Itoa(ww.Status()), time.Since(start))
		})
	}
}

// corsMiddleware 是处理跨域资源共享(CORS)的中间件。
//
// 功能说明：
//   - 设置允许所有来源的跨域请求（Access-Control-Allow-Origin: *）
//   - 允许的HTTP方法：GET, POST, PUT, DELETE, OPTIONS
//   - 允许的请求头：Content-Type, Authorization, X-API-Key
//   - 处理预检请求（OPTIONS方法）
//
// 参数：
//   - next: 下一个HTTP处理器
//
// 返回值：
//   - http.Handler: 包装了CORS逻辑的HTTP处理器
//
// 安全提示：
//
//	生产环境中应考虑限制Access-Control-Allow-Origin为特定域名
//	而不是使用通配符"*"，以提高安全性
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 设置CORS响应头
		// 允许所有来源访问（生产环境建议设置为特定域名）
		w.Header().Set("Access-Control-Allow-Origin", "*")

		// 允许的HTTP方法
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		// 允许的请求头
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		// 处理预检请求（OPTIONS方法）
		// 浏览器在发送跨域请求前会先发送OPTIONS请求来检查服务器是否允许
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// 继续处理实际请求
		next.ServeHTTP(w, r)
	})
}
