// Package sandbox 实现不可信扩展代码的编译与受限执行。
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/metrics"
)

// freezePrelude 在用户代码运行前冻结共享内建对象的原型。
// 它在重绑定作用域之外执行（重绑定后 Function 等名字已不可达），
// 防止一个租户的代码通过原型污染影响同一虚拟机内的后续求值。
const freezePrelude = `"use strict";
(function() {
	Object.freeze(Object.prototype);
	Object.freeze(Array.prototype);
	Object.freeze(Function.prototype);
	Object.freeze(String.prototype);
	Object.freeze(Number.prototype);
	Object.freeze(Boolean.prototype);
	Object.freeze(Date.prototype);
	Object.freeze(RegExp.prototype);
	Object.freeze(Error.prototype);
	Object.freeze(TypeError.prototype);
	Object.freeze(RangeError.prototype);
	Object.freeze(Object);
	Object.freeze(Array);
	Object.freeze(JSON);
	Object.freeze(Math);
})();
`

// reboundNames 是在单元作用域内被重绑定为 undefined 的宿主能力名。
// 它们作为包装函数的形参出现，调用时不传实参，因此单元内部任何
// 后续的动态查找（含字符串拼名）都只能命中这些 undefined 绑定，
// 无法逃出沙箱。注意 eval 在严格模式下不能作为形参名，它由静态
// 扫描整引用拒绝。
const reboundNames = "require, module, exports, process, global, globalThis, " +
	"window, self, Function, fetch, XMLHttpRequest, WebSocket, " +
	"setTimeout, setInterval, setImmediate, clearTimeout, clearInterval, clearImmediate"

// wrapSource 把用户源代码包进严格模式的重绑定作用域。
// 包装函数不带实参调用，求值结果（也就是整个程序的完成值）
// 是用户定义的 handler；未定义或不是函数时为 undefined，
// 由执行器在运行时再次校验。
func wrapSource(source string) string {
	return freezePrelude +
		"(function(" + reboundNames + ") {\n" +
		"\"use strict\";\n" +
		source + "\n" +
		";return (typeof handler === 'function') ? handler : undefined;\n" +
		"}).call(undefined);"
}

// Unit 是一个已验证、已包装、可执行的扩展编译单元。
// Program 不可变且并发安全，同一个单元可以被任意多个请求同时执行。
type Unit struct {
	// Program 是编译后的不可变程序
	Program *goja.Program
	// ExtensionID 是所属扩展的 ID
	ExtensionID string
	// Version 是编译时扩展的版本号
	Version int
	// Hash 是 (扩展 ID, 源代码) 的缓存键
	Hash string
	// Capabilities 是扩展声明的宿主能力
	Capabilities []domain.Capability
	// Timeout 是单次执行的墙钟超时（已按运维上限裁剪）
	Timeout time.Duration
	// CompiledAt 是单元的编译时间
	CompiledAt time.Time
}

// HasCapability 检查单元是否声明了指定能力。
func (u *Unit) HasCapability(c domain.Capability) bool {
	for _, have := range u.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// cacheEntry 是单元缓存条目，记录最后一次使用时间用于空闲驱逐。
type cacheEntry struct {
	unit     *Unit
	lastUsed time.Time
}

// Config 是沙箱的运行参数。
type Config struct {
	// DefaultTimeout 是扩展未配置超时时的默认值
	DefaultTimeout time.Duration
	// MaxTimeout 是运维侧允许的超时上限
	MaxTimeout time.Duration
	// UnitCacheTTL 是编译单元的空闲驱逐期限
	UnitCacheTTL time.Duration
	// MaxSourceBytes 是源代码大小上限（字节）
	MaxSourceBytes int
}

// applyDefaults 为零值配置填充默认参数。
func (c *Config) applyDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = time.Duration(domain.DefaultTimeoutMs) * time.Millisecond
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = time.Duration(domain.MaxTimeoutMs) * time.Millisecond
	}
	if c.UnitCacheTTL == 0 {
		c.UnitCacheTTL = 10 * time.Minute
	}
	if c.MaxSourceBytes == 0 {
		c.MaxSourceBytes = domain.MaxSourceSize
	}
}

// Compiler 负责把扩展源代码变成可缓存的编译单元。
// 编译包含三步：静态安全扫描、入口检查、包装后编译。
// 单元缓存按 (扩展 ID, 源代码) 哈希为键，空闲超过 TTL 后被驱逐。
type Compiler struct {
	cfg     Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewCompiler 创建沙箱编译器。
// 参数:
//   - cfg: 沙箱运行参数，零值字段使用默认值
//   - logger: 日志器
//   - m: 指标收集器，可以为 nil
func NewCompiler(cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Compiler {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Compiler{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		cache:   make(map[string]*cacheEntry),
	}
}

// UnitHash 计算 (扩展 ID, 源代码) 的缓存键。
func UnitHash(extensionID, source string) string {
	h := sha256.New()
	h.Write([]byte(extensionID))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

// Compile 验证并编译扩展源代码，返回可执行单元。
// 任何静态扫描命中都会返回 *domain.SecurityViolationError（硬性拒绝，
// 不执行任何子集）；缺少 handler 入口返回 ErrMissingHandler；
// 语法错误等编译失败返回包装后的 ErrInvalidSource。
// 命中缓存时直接返回已有单元并刷新其空闲计时。
func (c *Compiler) Compile(ext *domain.Extension, source string) (*Unit, error) {
	maxBytes := c.cfg.MaxSourceBytes
	if ext.MaxSourceBytes > 0 && ext.MaxSourceBytes < maxBytes {
		maxBytes = ext.MaxSourceBytes
	}
	if len(source) > maxBytes {
		if c.metrics != nil {
			c.metrics.RecordCompile("source_too_large")
		}
		return nil, domain.ErrSourceSizeExceeded
	}

	hash := UnitHash(ext.ID, source)
	if u := c.lookup(hash); u != nil {
		if c.metrics != nil {
			c.metrics.RecordUnitCache("hit")
		}
		return u, nil
	}
	if c.metrics != nil {
		c.metrics.RecordUnitCache("miss")
	}

	// 静态安全扫描先于一切执行
	if hits := Scan(source); len(hits) > 0 {
		if c.metrics != nil {
			c.metrics.RecordCompile("security_violation")
		}
		c.logger.WithFields(logrus.Fields{
			"extension": ext.ID,
			"patterns":  hits,
		}).Warn("Extension source rejected by security scan")
		return nil, &domain.SecurityViolationError{Patterns: hits}
	}
	if !HasHandler(source) {
		if c.metrics != nil {
			c.metrics.RecordCompile("missing_handler")
		}
		return nil, domain.ErrMissingHandler
	}

	program, err := goja.Compile("extension:"+ext.ID, wrapSource(source), false)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordCompile("syntax_error")
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}

	timeout := time.Duration(ext.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if timeout > c.cfg.MaxTimeout {
		timeout = c.cfg.MaxTimeout
	}

	unit := &Unit{
		Program:      program,
		ExtensionID:  ext.ID,
		Version:      ext.CurrentVersion,
		Hash:         hash,
		Capabilities: append([]domain.Capability(nil), ext.Capabilities...),
		Timeout:      timeout,
		CompiledAt:   time.Now(),
	}
	c.store(hash, unit)
	if c.metrics != nil {
		c.metrics.RecordCompile("ok")
	}
	return unit, nil
}

// lookup 按哈希查找缓存单元并刷新空闲计时。
func (c *Compiler) lookup(hash string) *Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[hash]
	if !ok {
		return nil
	}
	e.lastUsed = time.Now()
	return e.unit
}

// store 写入缓存条目。
func (c *Compiler) store(hash string, u *Unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[hash] = &cacheEntry{unit: u, lastUsed: time.Now()}
}

// EvictIdle 驱逐空闲超过 UnitCacheTTL 的缓存单元，返回驱逐数量。
// 由维护任务周期性调用，限制缓存的内存占用。
func (c *Compiler) EvictIdle() int {
	cutoff := time.Now().Add(-c.cfg.UnitCacheTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for hash, e := range c.cache {
		if e.lastUsed.Before(cutoff) {
			delete(c.cache, hash)
			evicted++
		}
	}
	if c.metrics != nil {
		if evicted > 0 {
			c.metrics.RecordUnitCacheEvictions(evicted)
		}
		c.metrics.UpdateUnitCacheSize(len(c.cache))
	}
	return evicted
}

// CacheSize 返回当前缓存的单元数量。
func (c *Compiler) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
