// Package domain 定义了扩展网关的核心领域模型。
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// HookPhase 表示扩展单元在请求生命周期中的执行时机。
type HookPhase string

// 钩子阶段常量定义
const (
	// PhaseBefore 在请求转发到源站之前执行，可以修改出站请求
	PhaseBefore HookPhase = "before"
	// PhaseReplace 替代源站执行，第一个成功的结果即整个响应
	PhaseReplace HookPhase = "replace"
	// PhaseAfter 在源站响应之后执行，可以向响应合并数据
	PhaseAfter HookPhase = "after"
	// PhaseTransform 在源站响应之后执行，与 after 同列排序
	PhaseTransform HookPhase = "transform"
)

// IsValid 检查钩子阶段是否受支持。
func (p HookPhase) IsValid() bool {
	switch p {
	case PhaseBefore, PhaseReplace, PhaseAfter, PhaseTransform:
		return true
	default:
		return false
	}
}

// PatternKind 表示路由绑定的路径匹配方式。
type PatternKind string

// 路径匹配方式常量定义
const (
	// KindExact 要求请求路径与模式逐字节相等
	KindExact PatternKind = "exact"
	// KindPrefix 要求请求路径以模式为前缀（不做尾部斜杠归一化）
	KindPrefix PatternKind = "prefix"
	// KindRegex 将模式作为正则表达式匹配整个路径（编译一次并缓存）
	KindRegex PatternKind = "regex"
	// KindParam 支持参数化段（如 /users/:id），段数必须相等
	KindParam PatternKind = "param"
)

// IsValid 检查匹配方式是否受支持。
func (k PatternKind) IsValid() bool {
	switch k {
	case KindExact, KindPrefix, KindRegex, KindParam:
		return true
	default:
		return false
	}
}

// MethodWildcard 表示匹配任意 HTTP 方法的绑定方法值。
const MethodWildcard = "*"

// allowedMethods 是路由绑定允许声明的 HTTP 方法集合
var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true, MethodWildcard: true,
}

// RouteBinding 表示扩展与一条 (方法, 路径模式) 的绑定关系。
// 一条绑定只属于一个扩展；同一阶段内严格按 priority 降序执行，
// 优先级相同时按插入顺序（Position）保持稳定。
type RouteBinding struct {
	// ID 是绑定的唯一标识符
	ID string `json:"id"`
	// ExtensionID 是所属扩展的 ID
	ExtensionID string `json:"extension_id"`
	// Method 是绑定的 HTTP 方法（大写），"*" 表示任意方法
	Method string `json:"method"`
	// Pattern 是路径模式，语义由 Kind 决定
	Pattern string `json:"pattern"`
	// Kind 是路径匹配方式
	Kind PatternKind `json:"kind"`
	// Phase 是钩子阶段
	Phase HookPhase `json:"phase"`
	// Priority 是执行优先级，数值越大越先执行
	Priority int `json:"priority"`
	// Active 表示绑定是否生效
	Active bool `json:"active"`
	// Injections 是路由级 UI 注入描述符数组，网关不解释、原样透传
	Injections json.RawMessage `json:"injections,omitempty"`
	// Position 是插入顺序号，用作同优先级的稳定次序
	Position int64 `json:"position"`
	// CreatedAt 是绑定的创建时间
	CreatedAt time.Time `json:"created_at"`
}

// CreateRouteRequest 表示为扩展添加路由绑定的请求结构体。
type CreateRouteRequest struct {
	// Method 是 HTTP 方法，可选，默认 "*"
	Method string `json:"method,omitempty"`
	// Pattern 是路径模式，必填
	Pattern string `json:"pattern"`
	// Kind 是匹配方式，可选，默认 exact
	Kind PatternKind `json:"kind,omitempty"`
	// Phase 是钩子阶段，必填
	Phase HookPhase `json:"phase"`
	// Priority 是优先级，可选，默认 0
	Priority int `json:"priority,omitempty"`
	// Injections 是 UI 注入描述符数组，可选，原样存储
	Injections json.RawMessage `json:"injections,omitempty"`
}

// Validate 验证路由绑定请求的参数是否有效。
// 该方法还会为可选参数设置默认值：方法默认为通配、匹配方式默认 exact。
func (r *CreateRouteRequest) Validate() error {
	if r.Method == "" {
		r.Method = MethodWildcard
	}
	r.Method = strings.ToUpper(r.Method)
	if r.Method != MethodWildcard && !allowedMethods[r.Method] {
		return ErrInvalidMethod
	}
	if r.Pattern == "" {
		return ErrInvalidPattern
	}
	if r.Kind == "" {
		r.Kind = KindExact
	}
	if !r.Kind.IsValid() {
		return ErrInvalidPatternKind
	}
	if !r.Phase.IsValid() {
		return ErrInvalidHookPhase
	}
	// 注入描述符如果提供，必须是合法的 JSON 数组
	if len(r.Injections) > 0 {
		var probe []json.RawMessage
		if err := json.Unmarshal(r.Injections, &probe); err != nil {
			return ErrInvalidInjections
		}
	}
	return nil
}

// RouteRepository 定义了路由绑定存储的接口。
type RouteRepository interface {
	// CreateRoute 创建一条新的路由绑定，Position 由存储层分配
	CreateRoute(rb *RouteBinding) error
	// GetRouteByID 根据 ID 获取路由绑定
	GetRouteByID(id string) (*RouteBinding, error)
	// ListRoutesByExtension 获取扩展的全部路由绑定，按优先级降序、插入顺序升序
	ListRoutesByExtension(extensionID string) ([]*RouteBinding, error)
	// DeleteRoute 根据 ID 删除路由绑定
	DeleteRoute(id string) error
}
