// Package registry 维护各应用已发布扩展的内存快照。
// 快照包含已编译的执行单元与路由绑定，按 TTL 过期；过期后的
// 下一次读取在返回前同步重载，重载进行中的其他读取方不等待，
// 继续使用现有快照。重载失败时继续使用过期快照兜底。
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/metrics"
	"github.com/oriys/trellis/internal/routing"
	"github.com/oriys/trellis/internal/sandbox"
)

// Source 是快照刷新所需的最小读取接口，由 storage.PostgresStore 实现。
type Source interface {
	GetAppBySlug(slug string) (*domain.App, error)
	ListEnabledWithRoutes(appID string) ([]*domain.EnabledExtension, error)
}

// CompiledHook 将一条激活的路由绑定与其扩展的已编译执行单元关联。
type CompiledHook struct {
	Extension *domain.Extension
	Route     *domain.RouteBinding
	Unit      *sandbox.Unit
}

// Snapshot 是某应用在一次刷新时刻的完整拦截视图。
// 快照一经构建即不可变，可被任意多个请求并发读取。
type Snapshot struct {
	App      *domain.App
	Hooks    []*CompiledHook
	LoadedAt time.Time
}

// MatchSet 是一次路由匹配的结果，各阶段内部保持
// priority 降序、同优先级按创建顺序的稳定排序。
// transform 钩子与 after 钩子共用同一条响应侧序列。
type MatchSet struct {
	Before  []*CompiledHook
	Replace []*CompiledHook
	After   []*CompiledHook
}

// Empty 报告是否没有任何钩子命中。
func (m *MatchSet) Empty() bool {
	return len(m.Before) == 0 && len(m.Replace) == 0 && len(m.After) == 0
}

// Match 返回快照中与请求方法和路径匹配的钩子，按阶段分组。
// Hooks 在快照构建时已全局排序，这里的追加保持该顺序。
func (s *Snapshot) Match(method, path string) *MatchSet {
	ms := &MatchSet{}
	for _, h := range s.Hooks {
		if !routing.Matches(h.Route, method, path) {
			continue
		}
		switch h.Route.Phase {
		case domain.PhaseBefore:
			ms.Before = append(ms.Before, h)
		case domain.PhaseReplace:
			ms.Replace = append(ms.Replace, h)
		case domain.PhaseAfter, domain.PhaseTransform:
			ms.After = append(ms.After, h)
		}
	}
	return ms
}

// Age 返回快照自构建以来经过的时间。
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.LoadedAt)
}

// Config 是注册表的运行参数。
type Config struct {
	// TTL 是快照的有效期，过期后的下一次读取在返回前同步重载
	TTL time.Duration
	// RetryBackoff 是刷新失败后的最小重试间隔
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
}

// Registry 按应用缓存扩展快照。
// 所有方法并发安全；任何读取都不会被其他请求发起的重载阻塞，
// 只有首次加载和抢到刷新锁的过期读取需要等待数据源。
type Registry struct {
	cfg      Config
	source   Source
	compiler *sandbox.Compiler
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	slug        string
	snapshot    atomic.Pointer[Snapshot]
	refreshMu   sync.Mutex
	lastFailure atomic.Int64 // 上次刷新失败的 UnixNano，0 表示无失败
}

// NewRegistry 创建注册表。metrics 可为 nil。
func NewRegistry(cfg Config, source Source, compiler *sandbox.Compiler, logger *logrus.Logger, m *metrics.Metrics) *Registry {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		cfg:      cfg,
		source:   source,
		compiler: compiler,
		logger:   logger,
		metrics:  m,
		entries:  make(map[string]*entry),
	}
}

// Get 返回指定应用的扩展快照。
// 快照未过期时直接返回；已过期时抢到刷新锁的调用方在返回前
// 同步重载，持久化的变更对 TTL 过期后的下一次读取立即可见；
// 没抢到锁的并发读取方不等待，继续使用现有快照。
// 首次加载失败返回错误，由调用方决定降级行为。
func (r *Registry) Get(slug string) (*Snapshot, error) {
	e := r.entry(slug)
	if snap := e.snapshot.Load(); snap != nil {
		if time.Since(snap.LoadedAt) >= r.cfg.TTL {
			snap = r.refreshExpired(e, snap)
		}
		return snap, nil
	}

	// 首次加载：同一应用的并发首读在这里串行化
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if snap := e.snapshot.Load(); snap != nil {
		return snap, nil
	}
	snap, err := r.load(slug)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordRegistryRefresh("error")
		}
		return nil, err
	}
	e.snapshot.Store(snap)
	if r.metrics != nil {
		r.metrics.RecordRegistryRefresh("ok")
		r.metrics.UpdateSnapshotAge(slug, 0)
	}
	return snap, nil
}

// Invalidate 将指定应用的快照标记为过期，下一次读取在返回前重载。
// 由管理接口的变更操作与事件总线的失效通知调用。
func (r *Registry) Invalidate(slug string) {
	r.mu.Lock()
	e, ok := r.entries[slug]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.lastFailure.Store(0)
	if snap := e.snapshot.Load(); snap != nil {
		stale := *snap
		stale.LoadedAt = time.Time{}
		e.snapshot.Store(&stale)
	}
}

// ReportAges 上报所有已缓存快照的当前年龄，由维护任务周期调用。
func (r *Registry) ReportAges() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		if snap := e.snapshot.Load(); snap != nil {
			r.metrics.UpdateSnapshotAge(e.slug, snap.Age())
		}
	}
}

func (r *Registry) entry(slug string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[slug]
	if !ok {
		e = &entry{slug: slug}
		r.entries[slug] = e
	}
	return e
}

// refreshExpired 同步重载过期快照。抢不到刷新锁或处于失败退避期时
// 直接返回现有快照；重载失败时记录退避并继续返回过期快照。
func (r *Registry) refreshExpired(e *entry, stale *Snapshot) *Snapshot {
	if last := e.lastFailure.Load(); last > 0 {
		if time.Since(time.Unix(0, last)) < r.cfg.RetryBackoff {
			return stale
		}
	}
	if !e.refreshMu.TryLock() {
		return stale
	}
	defer e.refreshMu.Unlock()

	snap, err := r.load(e.slug)
	if err != nil {
		e.lastFailure.Store(time.Now().UnixNano())
		if r.metrics != nil {
			r.metrics.RecordRegistryRefresh("error")
		}
		r.logger.WithFields(logrus.Fields{
			"app":   e.slug,
			"error": err.Error(),
		}).Warn("Snapshot refresh failed, serving stale snapshot")
		return stale
	}
	e.lastFailure.Store(0)
	e.snapshot.Store(snap)
	if r.metrics != nil {
		r.metrics.RecordRegistryRefresh("ok")
		r.metrics.UpdateSnapshotAge(e.slug, 0)
	}
	return snap
}

// load 从数据源构建一份新快照。
// 编译失败的扩展被剔除，不影响其余扩展。
func (r *Registry) load(slug string) (*Snapshot, error) {
	app, err := r.source.GetAppBySlug(slug)
	if err != nil {
		return nil, err
	}
	enabled, err := r.source.ListEnabledWithRoutes(app.ID)
	if err != nil {
		return nil, err
	}

	var hooks []*CompiledHook
	for _, ee := range enabled {
		unit, err := r.compiler.Compile(ee.Extension, ee.Source)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"app":       slug,
				"extension": ee.Extension.ID,
				"error":     err.Error(),
			}).Warn("Extension failed to compile, excluded from snapshot")
			continue
		}
		for _, rt := range ee.Routes {
			if !rt.Active {
				continue
			}
			hooks = append(hooks, &CompiledHook{
				Extension: ee.Extension,
				Route:     rt,
				Unit:      unit,
			})
		}
	}

	// 全局排序：priority 降序，同优先级按创建顺序
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Route.Priority != hooks[j].Route.Priority {
			return hooks[i].Route.Priority > hooks[j].Route.Priority
		}
		return hooks[i].Route.Position < hooks[j].Route.Position
	})

	return &Snapshot{
		App:      app,
		Hooks:    hooks,
		LoadedAt: time.Now(),
	}, nil
}
