// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义网关关键指标（代理、钩子执行、注册表、租户数据等），便于在各模块复用并保持标签一致。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装网关运行时指标集合。
// 所有字段均为 Prometheus 指标类型，通过辅助方法更新指标值。
//
// 指标分类:
//   - 代理指标: 跟踪被拦截请求的数量、耗时和源站错误
//   - 钩子指标: 统计扩展钩子的执行次数与耗时
//   - 编译指标: 监控沙箱编译结果与执行单元缓存
//   - 注册表指标: 监控快照刷新与快照时效
//   - 租户数据指标: 统计数据网关的查询与写入
//   - 执行日志指标: 监控日志汇聚队列的积压与丢弃
type Metrics struct {
	// ========== 代理相关指标 ==========

	// ProxyRequestsTotal 经过拦截管道的请求总数计数器
	// 标签: app, outcome (proxied/replaced/bypassed/origin_error/unavailable)
	ProxyRequestsTotal *prometheus.CounterVec

	// ProxyRequestDuration 拦截请求端到端耗时直方图（单位：毫秒）
	// 标签: app
	// 桶边界: 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000 ms
	ProxyRequestDuration *prometheus.HistogramVec

	// OriginErrorsTotal 源站不可达错误计数器
	// 标签: app
	OriginErrorsTotal *prometheus.CounterVec

	// ========== 钩子执行相关指标 ==========

	// HookExecutionsTotal 钩子执行总次数计数器
	// 标签: phase, outcome (ok/timeout/error)
	HookExecutionsTotal *prometheus.CounterVec

	// HookExecutionDuration 钩子执行耗时直方图（单位：毫秒）
	// 标签: phase
	// 桶边界: 1, 5, 10, 50, 100, 500, 1000, 5000, 30000 ms
	HookExecutionDuration *prometheus.HistogramVec

	// ========== 编译与缓存相关指标 ==========

	// CompilesTotal 沙箱编译结果计数器
	// 标签: outcome (ok/security_violation/missing_handler/syntax_error/source_too_large)
	CompilesTotal *prometheus.CounterVec

	// UnitCacheLookups 执行单元缓存查找计数器
	// 标签: result (hit/miss)
	UnitCacheLookups *prometheus.CounterVec

	// UnitCacheEvictions 因闲置被逐出的执行单元总数
	UnitCacheEvictions prometheus.Counter

	// UnitCacheSize 当前缓存的执行单元数量
	UnitCacheSize prometheus.Gauge

	// ========== 注册表相关指标 ==========

	// RegistryRefreshesTotal 扩展快照刷新计数器
	// 标签: outcome (ok/error)
	RegistryRefreshesTotal *prometheus.CounterVec

	// SnapshotAgeSeconds 各应用当前快照的年龄（单位：秒）
	// 标签: app
	SnapshotAgeSeconds *prometheus.GaugeVec

	// ExtensionsTotal 扩展总数
	ExtensionsTotal prometheus.Gauge

	// PublishedExtensions 已发布扩展数
	PublishedExtensions prometheus.Gauge

	// ========== 租户数据相关指标 ==========

	// TenantQueriesTotal 租户数据操作计数器
	// 标签: operation (query/insert/update/delete/install/uninstall), outcome (ok/denied/error)
	TenantQueriesTotal *prometheus.CounterVec

	// TenantQueryDuration 租户数据操作耗时直方图（单位：毫秒）
	// 标签: operation
	// 桶边界: 0.5, 1, 2, 5, 10, 25, 50, 100 ms
	TenantQueryDuration *prometheus.HistogramVec

	// ========== 执行日志相关指标 ==========

	// ExecLogDroppedTotal 因队列溢出被转移或丢弃的日志条数
	ExecLogDroppedTotal prometheus.Counter

	// ExecLogFlushedTotal 成功落库的日志条数
	ExecLogFlushedTotal prometheus.Counter

	// ExecLogQueueSize 日志汇聚队列当前积压条数
	ExecLogQueueSize prometheus.Gauge

	// ========== 管理接口相关指标 ==========

	// AdminRequestsTotal 管理 API 请求计数器
	// 标签: method, path, status
	AdminRequestsTotal *prometheus.CounterVec

	// AdminRequestDuration 管理 API 请求耗时直方图（单位：毫秒）
	// 标签: method, path
	AdminRequestDuration *prometheus.HistogramVec
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ProxyRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Total number of intercepted proxy requests",
			},
			[]string{"app", "outcome"},
		),
		ProxyRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_request_duration_ms",
				Help:      "End-to-end proxy request duration in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"app"},
		),
		OriginErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "origin_errors_total",
				Help:      "Total number of unreachable origin errors",
			},
			[]string{"app"},
		),
		HookExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_executions_total",
				Help:      "Total number of extension hook executions",
			},
			[]string{"phase", "outcome"},
		),
		HookExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_execution_duration_ms",
				Help:      "Extension hook execution duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
			},
			[]string{"phase"},
		),
		CompilesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_total",
				Help:      "Total number of sandbox compilations by outcome",
			},
			[]string{"outcome"},
		),
		UnitCacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_cache_lookups_total",
				Help:      "Total number of execution unit cache lookups",
			},
			[]string{"result"},
		),
		UnitCacheEvictions: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_cache_evictions_total",
				Help:      "Total number of execution units evicted for idleness",
			},
		),
		UnitCacheSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unit_cache_size",
				Help:      "Current number of cached execution units",
			},
		),
		RegistryRefreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_refreshes_total",
				Help:      "Total number of extension snapshot refreshes",
			},
			[]string{"outcome"},
		),
		SnapshotAgeSeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_age_seconds",
				Help:      "Age of the current extension snapshot per app",
			},
			[]string{"app"},
		),
		ExtensionsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "extensions_total",
				Help:      "Total number of extensions",
			},
		),
		PublishedExtensions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "published_extensions",
				Help:      "Number of published extensions",
			},
		),
		TenantQueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_queries_total",
				Help:      "Total number of tenant data operations",
			},
			[]string{"operation", "outcome"},
		),
		TenantQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tenant_query_duration_ms",
				Help:      "Tenant data operation duration in milliseconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"operation"},
		),
		ExecLogDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execlog_dropped_total",
				Help:      "Total number of execution log entries spilled or dropped",
			},
		),
		ExecLogFlushedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execlog_flushed_total",
				Help:      "Total number of execution log entries persisted",
			},
		),
		ExecLogQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "execlog_queue_size",
				Help:      "Current execution log queue backlog",
			},
		),
		AdminRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_requests_total",
				Help:      "Total number of admin API requests",
			},
			[]string{"method", "path", "status"},
		),
		AdminRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admin_request_duration_ms",
				Help:      "Admin API request duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"method", "path"},
		),
	}
}

// RecordProxyRequest 记录一次被拦截请求的统计信息。
// outcome: "proxied" (透传), "replaced" (替换响应), "bypassed" (直通),
// "origin_error" (源站不可达), "unavailable" (注册表不可用)
func (m *Metrics) RecordProxyRequest(app, outcome string, duration time.Duration) {
	m.ProxyRequestsTotal.WithLabelValues(app, outcome).Inc()
	m.ProxyRequestDuration.WithLabelValues(app).Observe(durationMs(duration))
}

// RecordOriginError 记录一次源站不可达错误。
func (m *Metrics) RecordOriginError(app string) {
	m.OriginErrorsTotal.WithLabelValues(app).Inc()
}

// RecordHookExecution 记录一次钩子执行的统计信息。
// outcome: "ok" (成功), "timeout" (超时中断), "error" (运行时错误)
func (m *Metrics) RecordHookExecution(phase, outcome string, duration time.Duration) {
	m.HookExecutionsTotal.WithLabelValues(phase, outcome).Inc()
	m.HookExecutionDuration.WithLabelValues(phase).Observe(durationMs(duration))
}

// RecordCompile 记录一次沙箱编译结果。
func (m *Metrics) RecordCompile(outcome string) {
	m.CompilesTotal.WithLabelValues(outcome).Inc()
}

// RecordUnitCache 记录一次执行单元缓存查找。
// result: "hit" (缓存命中), "miss" (缓存未命中)
func (m *Metrics) RecordUnitCache(result string) {
	m.UnitCacheLookups.WithLabelValues(result).Inc()
}

// RecordUnitCacheEvictions 记录一批被逐出的执行单元。
func (m *Metrics) RecordUnitCacheEvictions(n int) {
	m.UnitCacheEvictions.Add(float64(n))
}

// UpdateUnitCacheSize 更新当前缓存的执行单元数量。
func (m *Metrics) UpdateUnitCacheSize(size int) {
	m.UnitCacheSize.Set(float64(size))
}

// RecordRegistryRefresh 记录一次扩展快照刷新结果。
func (m *Metrics) RecordRegistryRefresh(outcome string) {
	m.RegistryRefreshesTotal.WithLabelValues(outcome).Inc()
}

// UpdateSnapshotAge 更新指定应用当前快照的年龄。
func (m *Metrics) UpdateSnapshotAge(app string, age time.Duration) {
	m.SnapshotAgeSeconds.WithLabelValues(app).Set(age.Seconds())
}

// RecordTenantQuery 记录一次租户数据操作的统计信息。
// outcome: "ok" (成功), "denied" (越权拒绝), "error" (执行失败)
func (m *Metrics) RecordTenantQuery(operation, outcome string, duration time.Duration) {
	m.TenantQueriesTotal.WithLabelValues(operation, outcome).Inc()
	m.TenantQueryDuration.WithLabelValues(operation).Observe(durationMs(duration))
}

// RecordExecLogDropped 记录一批溢出转移或丢弃的日志条目。
func (m *Metrics) RecordExecLogDropped(n int) {
	m.ExecLogDroppedTotal.Add(float64(n))
}

// RecordExecLogFlushed 记录一批成功落库的日志条目。
func (m *Metrics) RecordExecLogFlushed(n int) {
	m.ExecLogFlushedTotal.Add(float64(n))
}

// UpdateExecLogQueueSize 更新日志汇聚队列的积压条数。
func (m *Metrics) UpdateExecLogQueueSize(size int) {
	m.ExecLogQueueSize.Set(float64(size))
}

// RecordAdminRequest 记录一次管理 API 请求。
func (m *Metrics) RecordAdminRequest(method, path, status string, duration time.Duration) {
	m.AdminRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.AdminRequestDuration.WithLabelValues(method, path).Observe(durationMs(duration))
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
