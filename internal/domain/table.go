// Package domain 定义了扩展网关的核心领域模型。
package domain

import (
	"regexp"
	"strings"
	"time"
)

// identifierPattern 是表名/列名的白名单规则：
// 字母或下划线开头，之后只允许字母、数字、下划线，总长不超过 63。
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// ValidateIdentifier 按白名单规则校验逻辑表名或列名。
// 返回 nil 表示合法，否则返回 ErrInvalidIdentifier。
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return ErrInvalidIdentifier
	}
	return nil
}

// ColumnType 表示租户表允许声明的列类型。
type ColumnType string

// 允许的列类型常量定义
const (
	ColumnText        ColumnType = "text"
	ColumnInteger     ColumnType = "integer"
	ColumnBigint      ColumnType = "bigint"
	ColumnReal        ColumnType = "real"
	ColumnBoolean     ColumnType = "boolean"
	ColumnTimestamptz ColumnType = "timestamptz"
	ColumnJSONB       ColumnType = "jsonb"
	ColumnUUID        ColumnType = "uuid"
)

// IsValid 检查列类型是否在允许的类型集合内。
func (t ColumnType) IsValid() bool {
	switch t {
	case ColumnText, ColumnInteger, ColumnBigint, ColumnReal,
		ColumnBoolean, ColumnTimestamptz, ColumnJSONB, ColumnUUID:
		return true
	default:
		return false
	}
}

// ColumnSpec 表示声明式表结构里单个列的定义。
// 表结构在建表时一次性固定，之后不可被不可信代码修改。
type ColumnSpec struct {
	// Type 是列类型，必须在允许的类型集合内
	Type ColumnType `json:"type"`
	// Nullable 表示列是否允许 NULL
	Nullable bool `json:"nullable,omitempty"`
	// Unique 表示列是否有唯一约束
	Unique bool `json:"unique,omitempty"`
	// Default 是默认值字面量，可选；按列类型单独校验
	Default string `json:"default,omitempty"`
}

// TableSchema 是 列名 -> 列定义 的声明式表结构。
type TableSchema map[string]ColumnSpec

// reservedColumns 是建表时隐式添加的列，声明结构不得与其重名。
var reservedColumns = map[string]bool{"id": true, "created_at": true}

// Validate 校验整个表结构：每个列名过白名单且不与隐式列冲突、
// 每个列类型在允许集合内。
func (s TableSchema) Validate() error {
	if len(s) == 0 {
		return ErrInvalidIdentifier
	}
	for name, col := range s {
		if err := ValidateIdentifier(name); err != nil {
			return err
		}
		if reservedColumns[strings.ToLower(name)] {
			return ErrReservedColumnName
		}
		if !col.Type.IsValid() {
			return ErrInvalidColumnType
		}
	}
	return nil
}

// TableRegistration 表示一张租户隔离表的注册记录。
// 物理表名只由服务端派生，是 (用户, 扩展) 数据访问的唯一白名单来源。
type TableRegistration struct {
	// ID 是注册记录的唯一标识符
	ID string `json:"id"`
	// ExtensionID 是所属扩展的 ID
	ExtensionID string `json:"extension_id"`
	// UserID 是数据所属终端用户的 ID
	UserID string `json:"user_id"`
	// LogicalName 是扩展代码里使用的逻辑表名
	LogicalName string `json:"logical_name"`
	// PhysicalName 是服务端派生的物理表名，全局唯一
	PhysicalName string `json:"physical_name"`
	// Schema 是建表时声明的表结构
	Schema TableSchema `json:"schema"`
	// CreatedAt 是注册时间
	CreatedAt time.Time `json:"created_at"`
}

// InstallRequest 表示为终端用户安装扩展的请求结构体。
// 安装会按声明的表结构逐张建表并写入注册记录。
type InstallRequest struct {
	// UserID 是目标终端用户的 ID，必填
	UserID string `json:"user_id"`
	// Tables 是 逻辑表名 -> 表结构 的声明，可以为空（无存储需求的扩展）
	Tables map[string]TableSchema `json:"tables,omitempty"`
}

// MaxLogicalNameLen 是逻辑表名的长度上限。
// 物理表名由前缀、扩展与用户的短标识、逻辑名和随机后缀拼接而成，
// 该上限保证拼接结果不超过 PostgreSQL 的 63 字节标识符限制。
const MaxLogicalNameLen = 32

// Validate 验证安装请求的参数是否有效。
func (r *InstallRequest) Validate() error {
	if r.UserID == "" {
		return ErrInvalidIdentifier
	}
	for logical, schema := range r.Tables {
		if err := ValidateIdentifier(logical); err != nil {
			return err
		}
		if len(logical) > MaxLogicalNameLen {
			return ErrInvalidIdentifier
		}
		if err := schema.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TableRepository 定义了租户表注册记录存储的接口。
type TableRepository interface {
	// CreateRegistration 写入一条表注册记录
	CreateRegistration(reg *TableRegistration) error
	// ListRegistrations 获取 (扩展, 用户) 下的全部注册记录
	ListRegistrations(extensionID, userID string) ([]*TableRegistration, error)
	// DeleteRegistration 删除一条注册记录
	DeleteRegistration(id string) error
}
