// Package domain 定义了扩展网关的核心领域模型。
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// 领域错误定义
// 这些错误用于在应用程序的不同层之间传递业务逻辑相关的错误信息。

var (
	// ========== 应用相关错误 ==========

	// ErrAppNotFound 表示请求的应用不存在
	ErrAppNotFound = errors.New("app not found")
	// ErrAppExists 表示尝试创建的应用已经存在（标识冲突）
	ErrAppExists = errors.New("app already exists")
	// ErrInvalidAppName 表示应用名称无效（为空或格式不正确）
	ErrInvalidAppName = errors.New("invalid app name")
	// ErrInvalidOriginURL 表示源站地址无效（为空或不是合法的 http/https URL）
	ErrInvalidOriginURL = errors.New("invalid origin url")

	// ========== 扩展相关错误 ==========

	// ErrExtensionNotFound 表示请求的扩展不存在
	ErrExtensionNotFound = errors.New("extension not found")
	// ErrExtensionExists 表示尝试创建的扩展已经存在（同应用下名称冲突）
	ErrExtensionExists = errors.New("extension already exists")
	// ErrInvalidExtensionName 表示扩展名称无效（为空或格式不正确）
	ErrInvalidExtensionName = errors.New("invalid extension name")
	// ErrInvalidSource 表示扩展源代码无效（为空）
	ErrInvalidSource = errors.New("invalid source code")
	// ErrSourceSizeExceeded 表示源代码大小超出限制
	ErrSourceSizeExceeded = errors.New("source size exceeds maximum limit")
	// ErrInvalidTimeout 表示超时配置超出有效范围（必须在 1 毫秒到 120 秒之间）
	ErrInvalidTimeout = errors.New("invalid timeout: must be between 1ms and 120s")
	// ErrInvalidCapability 表示声明的宿主能力不受支持
	ErrInvalidCapability = errors.New("invalid capability")
	// ErrInvalidStatus 表示扩展当前状态不允许本次操作
	ErrInvalidStatus = errors.New("operation not allowed in current status")
	// ErrVersionNotFound 表示请求的扩展版本不存在
	ErrVersionNotFound = errors.New("extension version not found")

	// ========== 路由绑定相关错误 ==========

	// ErrRouteNotFound 表示请求的路由绑定不存在
	ErrRouteNotFound = errors.New("route binding not found")
	// ErrInvalidPattern 表示路由模式无效（为空）
	ErrInvalidPattern = errors.New("invalid route pattern")
	// ErrInvalidPatternKind 表示路由模式类型不受支持
	ErrInvalidPatternKind = errors.New("invalid pattern kind")
	// ErrInvalidHookPhase 表示钩子阶段不受支持
	ErrInvalidHookPhase = errors.New("invalid hook phase")
	// ErrInvalidMethod 表示 HTTP 方法无效
	ErrInvalidMethod = errors.New("invalid http method")
	// ErrInvalidInjections 表示 UI 注入描述符不是合法的 JSON 数组
	ErrInvalidInjections = errors.New("invalid injection descriptors")

	// ========== 沙箱相关错误 ==========

	// ErrSecurityViolation 表示源代码引用了被禁止的宿主能力，编译阶段拒绝
	ErrSecurityViolation = errors.New("security violation")
	// ErrMissingHandler 表示源代码没有定义 handler 入口
	ErrMissingHandler = errors.New("missing handler entry point")
	// ErrExecutionTimeout 表示钩子执行超过了硬性墙钟超时
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrExecutionRuntime 表示钩子在执行期间抛出了运行时错误
	ErrExecutionRuntime = errors.New("execution runtime error")

	// ========== 租户数据相关错误 ==========

	// ErrUnauthorizedDataAccess 表示数据访问引用了未授权的表或列
	ErrUnauthorizedDataAccess = errors.New("unauthorized data access")
	// ErrInvalidIdentifier 表示表名或列名不符合标识符白名单规则
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrInvalidColumnType 表示声明的列类型不在允许的类型集合内
	ErrInvalidColumnType = errors.New("invalid column type")
	// ErrTableExists 表示同一 (用户, 扩展) 下的逻辑表名已注册
	ErrTableExists = errors.New("table already registered")
	// ErrTableNotFound 表示表注册记录不存在
	ErrTableNotFound = errors.New("table not registered")
	// ErrReservedColumnName 表示声明的列名与隐式列冲突
	ErrReservedColumnName = errors.New("reserved column name")
	// ErrWhereClauseRequired 表示更新或删除操作缺少过滤条件
	ErrWhereClauseRequired = errors.New("where clause required")
	// ErrForbiddenQuery 表示自由查询包含被禁止的语句或关键字
	ErrForbiddenQuery = errors.New("forbidden query")

	// ========== 管道相关错误 ==========

	// ErrOriginUnreachable 表示源站不可达或未在期限内响应
	ErrOriginUnreachable = errors.New("origin unreachable")
	// ErrNoSnapshot 表示注册表完全不可用（连陈旧快照都没有）
	ErrNoSnapshot = errors.New("no usable extension snapshot")

	// ========== 存储相关错误 ==========

	// ErrStorageConnection 表示存储连接失败
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageQuery 表示存储查询执行失败
	ErrStorageQuery = errors.New("storage query error")
)

// SecurityViolationError 携带静态安全扫描命中的全部违规模式。
// 它包装 ErrSecurityViolation，调用方可以用 errors.Is 判断类别，
// 也可以读取 Patterns 获得面向人类的违规清单。
type SecurityViolationError struct {
	// Patterns 是被命中的违规模式名称列表
	Patterns []string
}

// Error 返回包含全部违规模式的错误描述。
func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation: forbidden references: %s", strings.Join(e.Patterns, ", "))
}

// Unwrap 使 errors.Is(err, ErrSecurityViolation) 成立。
func (e *SecurityViolationError) Unwrap() error {
	return ErrSecurityViolation
}
