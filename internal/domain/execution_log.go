// Package domain 定义了扩展网关的核心领域模型。
package domain

import "time"

// ExecutionLogEntry 表示一次钩子调用的追加式审计记录。
// 管道对每次钩子调用（无论成败）都会异步写入一条记录；
// 记录永不被管道修改或删除，保留期清理由维护任务负责。
type ExecutionLogEntry struct {
	// ID 是日志记录的唯一标识符（存储层分配）
	ID int64 `json:"id,omitempty"`
	// AppID 是所属应用的 ID
	AppID string `json:"app_id"`
	// ExtensionID 是被执行扩展的 ID
	ExtensionID string `json:"extension_id"`
	// RouteID 是命中的路由绑定 ID，可能为空（如取消绑定后仍在途）
	RouteID string `json:"route_id,omitempty"`
	// Phase 是钩子阶段
	Phase HookPhase `json:"phase"`
	// UserID 是请求携带的终端用户 ID
	UserID string `json:"user_id,omitempty"`
	// Success 表示本次执行是否成功
	Success bool `json:"success"`
	// DurationMs 是执行耗时（毫秒）
	DurationMs int64 `json:"duration_ms"`
	// Error 是失败时的错误描述（已截断）
	Error string `json:"error,omitempty"`
	// Input 是执行输入的截断摘要，用于审计回放
	Input string `json:"input,omitempty"`
	// Output 是执行输出的截断摘要
	Output string `json:"output,omitempty"`
	// CreatedAt 是记录时间
	CreatedAt time.Time `json:"created_at"`
}

// Truncate 把超长的输入/输出/错误文本截断到 max 字节。
// 截断只影响审计摘要，不影响钩子的真实输入输出。
func (e *ExecutionLogEntry) Truncate(max int) {
	if max <= 0 {
		return
	}
	if len(e.Input) > max {
		e.Input = e.Input[:max]
	}
	if len(e.Output) > max {
		e.Output = e.Output[:max]
	}
	if len(e.Error) > max {
		e.Error = e.Error[:max]
	}
}

// ExecutionLogRepository 定义了执行日志存储的接口。
// 日志是追加式的：只有批量插入、按扩展查询和保留期清理三种操作。
type ExecutionLogRepository interface {
	// AppendExecutionLogs 批量追加执行日志
	AppendExecutionLogs(entries []*ExecutionLogEntry) error
	// ListExecutionLogs 按扩展分页查询执行日志，按时间倒序
	ListExecutionLogs(extensionID string, offset, limit int) ([]*ExecutionLogEntry, int, error)
	// PurgeExecutionLogs 删除早于保留期的日志，返回删除行数
	PurgeExecutionLogs(before time.Time) (int64, error)
}
