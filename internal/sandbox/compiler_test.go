// Package sandbox 实现不可信扩展代码的编译与受限执行。
package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/oriys/trellis/internal/domain"
)

// testExtension 构造测试用的扩展实体
func testExtension(id string, caps ...domain.Capability) *domain.Extension {
	if len(caps) == 0 {
		caps = []domain.Capability{domain.CapabilityLog, domain.CapabilityDB}
	}
	return &domain.Extension{
		ID:             id,
		AppID:          "app-1",
		Name:           id,
		Status:         domain.ExtensionStatusPublished,
		CurrentVersion: 1,
		Capabilities:   caps,
		TimeoutMs:      5000,
	}
}

// TestCompiler_Compile 测试编译的接受与拒绝路径。
func TestCompiler_Compile(t *testing.T) {
	c := NewCompiler(Config{}, nil, nil)

	tests := []struct {
		name    string
		source  string
		wantErr error // nil 表示期望编译成功
	}{
		{
			name:    "valid handler",
			source:  `function handler(ctx) { return { data: { ok: true } }; }`,
			wantErr: nil,
		},
		{
			name:    "security violation",
			source:  `function handler(ctx) { return { data: { home: process.env.HOME } }; }`,
			wantErr: domain.ErrSecurityViolation,
		},
		{
			name:    "missing handler",
			source:  `function notTheEntryPoint(ctx) { return {}; }`,
			wantErr: domain.ErrMissingHandler,
		},
		{
			name:    "syntax error",
			source:  `function handler(ctx) { return {,}; }`,
			wantErr: domain.ErrInvalidSource,
		},
		{
			name:    "source too large",
			source:  "function handler(ctx) { return {}; } //" + string(make([]byte, domain.MaxSourceSize)),
			wantErr: domain.ErrSourceSizeExceeded,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, err := c.Compile(testExtension(name(i)), tt.source)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Compile() error = %v, want nil", err)
				}
				if unit == nil || unit.Program == nil {
					t.Fatal("Compile() unit = nil, want compiled unit")
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Compile() error = %v, want %v", err, tt.wantErr)
			}
			if unit != nil {
				t.Error("Compile() unit != nil on rejection, want nil")
			}
		})
	}
}

// name 为每个用例生成独立的扩展 ID，避免缓存串扰
func name(i int) string {
	return "ext-" + string(rune('a'+i))
}

// TestCompiler_SecurityViolationPatterns 测试拒绝错误携带可读的违规清单。
func TestCompiler_SecurityViolationPatterns(t *testing.T) {
	c := NewCompiler(Config{}, nil, nil)
	_, err := c.Compile(testExtension("ext-sv"), `function handler(ctx) { return fetch(process.argv[0]); }`)

	var sv *domain.SecurityViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("Compile() error = %v, want *SecurityViolationError", err)
	}
	found := map[string]bool{}
	for _, p := range sv.Patterns {
		found[p] = true
	}
	if !found["fetch()"] || !found["process access"] {
		t.Errorf("Patterns = %v, want fetch() and process access listed", sv.Patterns)
	}
}

// TestCompiler_Cache 测试单元缓存：同源命中同一单元，改源产生新单元。
func TestCompiler_Cache(t *testing.T) {
	c := NewCompiler(Config{}, nil, nil)
	ext := testExtension("ext-cache")
	src := `function handler(ctx) { return {}; }`

	u1, err := c.Compile(ext, src)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	u2, err := c.Compile(ext, src)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if u1 != u2 {
		t.Error("Compile() second call returned a different unit, want cache hit")
	}
	if c.CacheSize() != 1 {
		t.Errorf("CacheSize() = %d, want 1", c.CacheSize())
	}

	// 源代码变化后是新的缓存键
	u3, err := c.Compile(ext, `function handler(ctx) { return { data: { v: 2 } }; }`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if u3 == u1 {
		t.Error("Compile() returned cached unit for changed source")
	}
	if c.CacheSize() != 2 {
		t.Errorf("CacheSize() = %d, want 2", c.CacheSize())
	}
}

// TestCompiler_EvictIdle 测试空闲单元的驱逐。
func TestCompiler_EvictIdle(t *testing.T) {
	c := NewCompiler(Config{UnitCacheTTL: time.Millisecond}, nil, nil)
	if _, err := c.Compile(testExtension("ext-evict"), `function handler(ctx) { return {}; }`); err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if n := c.EvictIdle(); n != 1 {
		t.Errorf("EvictIdle() = %d, want 1", n)
	}
	if c.CacheSize() != 0 {
		t.Errorf("CacheSize() = %d, want 0 after eviction", c.CacheSize())
	}
}

// TestCompiler_TimeoutCapping 测试扩展超时被运维上限裁剪。
func TestCompiler_TimeoutCapping(t *testing.T) {
	c := NewCompiler(Config{MaxTimeout: 2 * time.Second}, nil, nil)
	ext := testExtension("ext-cap")
	ext.TimeoutMs = 60_000

	unit, err := c.Compile(ext, `function handler(ctx) { return {}; }`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if unit.Timeout != 2*time.Second {
		t.Errorf("Timeout = %s, want 2s (operator ceiling)", unit.Timeout)
	}

	// 未配置超时的扩展使用默认值
	ext2 := testExtension("ext-cap2")
	ext2.TimeoutMs = 0
	unit2, err := c.Compile(ext2, `function handler(ctx) { return {}; }`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if unit2.Timeout != time.Duration(domain.DefaultTimeoutMs)*time.Millisecond {
		t.Errorf("Timeout = %s, want default %dms", unit2.Timeout, domain.DefaultTimeoutMs)
	}
}
