// Package domain 定义了扩展网关的核心领域模型。
package domain

import (
	"errors"
	"strings"
	"testing"
)

// TestCreateExtensionRequest_Validate 测试 CreateExtensionRequest 的验证方法。
// 该测试覆盖了各种有效和无效的输入场景，包括：
// - 有效的请求参数
// - 名称为空或超长
// - 源代码为空或超限
// - 能力声明无效
// - 超时配置超出范围与默认值填充
func TestCreateExtensionRequest_Validate(t *testing.T) {
	// tests 定义了测试用例切片
	tests := []struct {
		name    string                 // 测试用例名称
		req     CreateExtensionRequest // 测试输入的请求对象
		wantErr bool                   // 是否期望返回错误
	}{
		{
			// 测试用例：有效的请求参数
			name: "valid request",
			req: CreateExtensionRequest{
				Name:      "greeting-banner",
				Source:    "function handler(ctx) { return { data: { ok: true } }; }",
				TimeoutMs: 5000,
			},
			wantErr: false,
		},
		{
			// 测试用例：名称为空
			name: "empty name",
			req: CreateExtensionRequest{
				Name:   "",
				Source: "function handler(ctx) { return {}; }",
			},
			wantErr: true,
		},
		{
			// 测试用例：名称超长（超过 64 字符）
			name: "name too long",
			req: CreateExtensionRequest{
				Name:   strings.Repeat("x", 65),
				Source: "function handler(ctx) { return {}; }",
			},
			wantErr: true,
		},
		{
			// 测试用例：源代码为空
			name: "empty source",
			req: CreateExtensionRequest{
				Name:   "greeting-banner",
				Source: "",
			},
			wantErr: true,
		},
		{
			// 测试用例：源代码超出大小限制
			name: "source too large",
			req: CreateExtensionRequest{
				Name:   "greeting-banner",
				Source: strings.Repeat("a", MaxSourceSize+1),
			},
			wantErr: true,
		},
		{
			// 测试用例：未声明的能力名称
			name: "invalid capability",
			req: CreateExtensionRequest{
				Name:         "greeting-banner",
				Source:       "function handler(ctx) { return {}; }",
				Capabilities: []Capability{"network"},
			},
			wantErr: true,
		},
		{
			// 测试用例：超时为 0 时应设置默认值 30000 毫秒
			name: "timeout zero defaults",
			req: CreateExtensionRequest{
				Name:   "greeting-banner",
				Source: "function handler(ctx) { return {}; }",
			},
			wantErr: false,
		},
		{
			// 测试用例：超时超过运维上限
			name: "timeout too high",
			req: CreateExtensionRequest{
				Name:      "greeting-banner",
				Source:    "function handler(ctx) { return {}; }",
				TimeoutMs: MaxTimeoutMs + 1,
			},
			wantErr: true,
		},
	}

	// 遍历所有测试用例
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestCreateExtensionRequest_Defaults 测试验证方法的默认值填充行为。
func TestCreateExtensionRequest_Defaults(t *testing.T) {
	req := CreateExtensionRequest{
		Name:   "greeting-banner",
		Source: "function handler(ctx) { return {}; }",
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if req.TimeoutMs != DefaultTimeoutMs {
		t.Errorf("TimeoutMs = %d, want %d", req.TimeoutMs, DefaultTimeoutMs)
	}
	// 未声明能力时默认只授予 log
	if len(req.Capabilities) != 1 || req.Capabilities[0] != CapabilityLog {
		t.Errorf("Capabilities = %v, want [log]", req.Capabilities)
	}
}

// TestExtensionStatus_Transitions 测试扩展状态机的各迁移判定。
func TestExtensionStatus_Transitions(t *testing.T) {
	tests := []struct {
		status     ExtensionStatus // 当前状态
		canExecute bool            // 是否可执行
		canPublish bool            // 是否可发布
		canDisable bool            // 是否可停用
		canArchive bool            // 是否可归档
	}{
		{ExtensionStatusDraft, false, true, false, true},
		{ExtensionStatusPublished, true, false, true, false},
		{ExtensionStatusDisabled, false, true, false, true},
		{ExtensionStatusArchived, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.CanExecute(); got != tt.canExecute {
				t.Errorf("CanExecute() = %v, want %v", got, tt.canExecute)
			}
			if got := tt.status.CanPublish(); got != tt.canPublish {
				t.Errorf("CanPublish() = %v, want %v", got, tt.canPublish)
			}
			if got := tt.status.CanDisable(); got != tt.canDisable {
				t.Errorf("CanDisable() = %v, want %v", got, tt.canDisable)
			}
			if got := tt.status.CanArchive(); got != tt.canArchive {
				t.Errorf("CanArchive() = %v, want %v", got, tt.canArchive)
			}
		})
	}
}

// TestCreateRouteRequest_Validate 测试路由绑定请求的验证与默认值。
func TestCreateRouteRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRouteRequest
		wantErr bool
	}{
		{
			name:    "valid exact route",
			req:     CreateRouteRequest{Method: "GET", Pattern: "/api/users", Kind: KindExact, Phase: PhaseAfter},
			wantErr: false,
		},
		{
			name:    "method defaults to wildcard",
			req:     CreateRouteRequest{Pattern: "/api", Kind: KindPrefix, Phase: PhaseBefore},
			wantErr: false,
		},
		{
			name:    "lowercase method normalized",
			req:     CreateRouteRequest{Method: "post", Pattern: "/api/orders", Phase: PhaseReplace},
			wantErr: false,
		},
		{
			name:    "bogus method",
			req:     CreateRouteRequest{Method: "FETCH", Pattern: "/api", Phase: PhaseBefore},
			wantErr: true,
		},
		{
			name:    "empty pattern",
			req:     CreateRouteRequest{Method: "GET", Pattern: "", Phase: PhaseBefore},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			req:     CreateRouteRequest{Method: "GET", Pattern: "/api", Kind: "glob", Phase: PhaseBefore},
			wantErr: true,
		},
		{
			name:    "unknown phase",
			req:     CreateRouteRequest{Method: "GET", Pattern: "/api", Kind: KindExact, Phase: "around"},
			wantErr: true,
		},
		{
			name:    "injections must be a json array",
			req:     CreateRouteRequest{Method: "GET", Pattern: "/api", Phase: PhaseAfter, Injections: []byte(`{"id":"x"}`)},
			wantErr: true,
		},
		{
			name:    "valid injections array",
			req:     CreateRouteRequest{Method: "GET", Pattern: "/api", Phase: PhaseAfter, Injections: []byte(`[{"id":"x","code":"...","placement":"top"}]`)},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	// 默认值检查：方法补为通配、匹配方式补为 exact
	req := CreateRouteRequest{Pattern: "/x", Phase: PhaseBefore}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if req.Method != MethodWildcard {
		t.Errorf("Method = %q, want %q", req.Method, MethodWildcard)
	}
	if req.Kind != KindExact {
		t.Errorf("Kind = %q, want %q", req.Kind, KindExact)
	}
}

// TestTableSchema_Validate 测试声明式表结构的校验。
func TestTableSchema_Validate(t *testing.T) {
	tests := []struct {
		name    string
		schema  TableSchema
		wantErr error
	}{
		{
			name: "valid schema",
			schema: TableSchema{
				"title": {Type: ColumnText},
				"count": {Type: ColumnInteger, Default: "0"},
			},
			wantErr: nil,
		},
		{
			name:    "empty schema",
			schema:  TableSchema{},
			wantErr: ErrInvalidIdentifier,
		},
		{
			name: "column name with dash",
			schema: TableSchema{
				"my-col": {Type: ColumnText},
			},
			wantErr: ErrInvalidIdentifier,
		},
		{
			name: "column name with quote",
			schema: TableSchema{
				`ti"tle`: {Type: ColumnText},
			},
			wantErr: ErrInvalidIdentifier,
		},
		{
			name: "unsupported type",
			schema: TableSchema{
				"blob": {Type: "bytea"},
			},
			wantErr: ErrInvalidColumnType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestSecurityViolationError 测试安全违规错误的包装与模式列表。
func TestSecurityViolationError(t *testing.T) {
	err := &SecurityViolationError{Patterns: []string{"require()", "process.*"}}
	if !errors.Is(err, ErrSecurityViolation) {
		t.Error("errors.Is(err, ErrSecurityViolation) = false, want true")
	}
	msg := err.Error()
	if !strings.Contains(msg, "require()") || !strings.Contains(msg, "process.*") {
		t.Errorf("Error() = %q, want offending patterns listed", msg)
	}
}

// TestExecutionLogEntry_Truncate 测试审计摘要的截断。
func TestExecutionLogEntry_Truncate(t *testing.T) {
	e := &ExecutionLogEntry{
		Input:  strings.Repeat("i", 100),
		Output: strings.Repeat("o", 100),
		Error:  strings.Repeat("e", 100),
	}
	e.Truncate(10)
	if len(e.Input) != 10 || len(e.Output) != 10 || len(e.Error) != 10 {
		t.Errorf("Truncate(10) lengths = %d/%d/%d, want 10/10/10",
			len(e.Input), len(e.Output), len(e.Error))
	}
	// max <= 0 时不截断
	e2 := &ExecutionLogEntry{Input: "abc"}
	e2.Truncate(0)
	if e2.Input != "abc" {
		t.Errorf("Truncate(0) Input = %q, want unchanged", e2.Input)
	}
}
