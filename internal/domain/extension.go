// Package domain 定义了扩展网关的核心领域模型。
package domain

import (
	"time"
)

// 源代码与超时限制常量
const (
	// MaxSourceSize 是扩展源代码的最大大小（256KB）
	MaxSourceSize = 256 * 1024
	// DefaultTimeoutMs 是钩子执行的默认超时时间（毫秒）
	DefaultTimeoutMs = 30_000
	// MaxTimeoutMs 是运维侧允许的钩子超时上限（毫秒）
	MaxTimeoutMs = 120_000
)

// ValidateSourceSize 验证源代码大小是否在限制范围内。
// 返回 nil 表示验证通过，否则返回 ErrSourceSizeExceeded。
func ValidateSourceSize(source string) error {
	if len(source) > MaxSourceSize {
		return ErrSourceSizeExceeded
	}
	return nil
}

// Capability 表示扩展声明的宿主能力。
// 执行时只有声明过的能力才会被放进沙箱上下文。
type Capability string

// 支持的能力常量定义
const (
	// CapabilityLog 表示扩展可以写入以扩展 ID 为命名空间的日志
	CapabilityLog Capability = "log"
	// CapabilityDB 表示扩展可以通过租户数据网关访问自己的隔离表
	CapabilityDB Capability = "db"
)

// IsValid 检查能力名称是否受支持。
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityLog, CapabilityDB:
		return true
	default:
		return false
	}
}

// ExtensionStatus 表示扩展的状态类型。
// 扩展在其生命周期中可能处于不同的状态。
type ExtensionStatus string

// 扩展状态常量定义
const (
	// ExtensionStatusDraft 表示扩展刚创建，尚未发布，不会被执行
	ExtensionStatusDraft ExtensionStatus = "draft"
	// ExtensionStatusPublished 表示扩展已发布，会被注册表加载并执行
	ExtensionStatusPublished ExtensionStatus = "published"
	// ExtensionStatusDisabled 表示扩展被暂停，保留配置但不执行
	ExtensionStatusDisabled ExtensionStatus = "disabled"
	// ExtensionStatusArchived 表示扩展已归档，终态
	ExtensionStatusArchived ExtensionStatus = "archived"
)

// CanExecute 检查当前状态的扩展是否允许被加载执行
func (s ExtensionStatus) CanExecute() bool {
	return s == ExtensionStatusPublished
}

// CanPublish 检查当前状态是否可以发布
func (s ExtensionStatus) CanPublish() bool {
	return s == ExtensionStatusDraft || s == ExtensionStatusDisabled
}

// CanDisable 检查当前状态是否可以停用
func (s ExtensionStatus) CanDisable() bool {
	return s == ExtensionStatusPublished
}

// CanArchive 检查当前状态是否可以归档
func (s ExtensionStatus) CanArchive() bool {
	return s == ExtensionStatusDraft || s == ExtensionStatusDisabled
}

// CanUpdateCode 检查当前状态是否可以追加新的代码版本
func (s ExtensionStatus) CanUpdateCode() bool {
	return s != ExtensionStatusArchived
}

// Extension 表示一个用户编写的、绑定到路由的不可信代码单元。
// 这是扩展网关的核心领域对象，包含扩展的全部配置和元数据。
// 源代码本身存放在不可变的版本记录里，Extension 只持有当前版本号。
type Extension struct {
	// ID 是扩展的唯一标识符
	ID string `json:"id"`
	// AppID 是扩展所属应用的 ID
	AppID string `json:"app_id"`
	// OwnerUserID 是扩展作者的终端用户 ID，可选（平台级扩展为空）
	OwnerUserID string `json:"owner_user_id,omitempty"`
	// Name 是扩展的名称，同一应用下唯一
	Name string `json:"name"`
	// Description 是扩展的描述信息，可选
	Description string `json:"description,omitempty"`
	// Status 是扩展的当前状态
	Status ExtensionStatus `json:"status"`
	// CurrentVersion 是当前生效的代码版本号（单调递增，回滚时指向历史版本）
	CurrentVersion int `json:"current_version"`
	// Capabilities 是扩展声明的宿主能力集合
	Capabilities []Capability `json:"capabilities,omitempty"`
	// TimeoutMs 是单次钩子执行的墙钟超时（毫秒）
	TimeoutMs int `json:"timeout_ms"`
	// MaxSourceBytes 是本扩展允许的源代码大小上限（字节），0 表示默认
	MaxSourceBytes int `json:"max_source_bytes,omitempty"`
	// CreatedAt 是扩展的创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 是扩展的最后更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCapability 检查扩展是否声明了指定能力。
func (e *Extension) HasCapability(c Capability) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ExtensionVersion 表示扩展源代码的一个不可变版本记录。
// 每次代码更新都会追加一条版本记录并提升版本号，绝不原地修改，
// 因此执行可以按版本号回滚到任意历史版本。
type ExtensionVersion struct {
	// ID 是版本记录的唯一标识符
	ID string `json:"id"`
	// ExtensionID 是所属扩展的 ID
	ExtensionID string `json:"extension_id"`
	// Version 是单调递增的版本号，从 1 开始
	Version int `json:"version"`
	// Source 是该版本的完整源代码
	Source string `json:"source"`
	// SourceHash 是源代码的 SHA-256 哈希，用于编译单元缓存
	SourceHash string `json:"source_hash"`
	// Note 是版本说明，可选
	Note string `json:"note,omitempty"`
	// CreatedAt 是版本的创建时间
	CreatedAt time.Time `json:"created_at"`
}

// CreateExtensionRequest 表示创建扩展的请求结构体。
// 新建的扩展总是处于 draft 状态，首个代码版本号为 1。
type CreateExtensionRequest struct {
	// Name 是扩展名称，必填，长度限制为 1-64 字符
	Name string `json:"name"`
	// Description 是扩展描述，可选
	Description string `json:"description,omitempty"`
	// OwnerUserID 是扩展作者的终端用户 ID，可选
	OwnerUserID string `json:"owner_user_id,omitempty"`
	// Source 是扩展源代码，必填
	Source string `json:"source"`
	// Capabilities 是声明的宿主能力，可选，默认只有 log
	Capabilities []Capability `json:"capabilities,omitempty"`
	// TimeoutMs 是钩子超时（毫秒），可选，默认 30000
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Validate 验证创建扩展请求的参数是否有效。
// 如果验证失败，返回相应的错误；验证通过则返回 nil。
// 该方法还会为可选参数设置默认值。
func (r *CreateExtensionRequest) Validate() error {
	if r.Name == "" || len(r.Name) > 64 {
		return ErrInvalidExtensionName
	}
	if r.Source == "" {
		return ErrInvalidSource
	}
	if err := ValidateSourceSize(r.Source); err != nil {
		return err
	}
	// 如果未声明任何能力，默认授予 log
	if len(r.Capabilities) == 0 {
		r.Capabilities = []Capability{CapabilityLog}
	}
	for _, c := range r.Capabilities {
		if !c.IsValid() {
			return ErrInvalidCapability
		}
	}
	// 如果未指定超时，设置默认值 30 秒
	if r.TimeoutMs == 0 {
		r.TimeoutMs = DefaultTimeoutMs
	}
	// 验证超时范围：1ms - 120s（运维上限）
	if r.TimeoutMs < 1 || r.TimeoutMs > MaxTimeoutMs {
		return ErrInvalidTimeout
	}
	return nil
}

// UpdateCodeRequest 表示更新扩展代码的请求结构体。
// 更新不会修改任何历史版本，只会追加一条新版本记录。
type UpdateCodeRequest struct {
	// Source 是新的源代码，必填
	Source string `json:"source"`
	// Note 是版本说明，可选
	Note string `json:"note,omitempty"`
}

// Validate 验证更新代码请求的参数是否有效。
func (r *UpdateCodeRequest) Validate() error {
	if r.Source == "" {
		return ErrInvalidSource
	}
	return ValidateSourceSize(r.Source)
}

// RollbackRequest 表示回滚扩展代码的请求结构体。
type RollbackRequest struct {
	// Version 是回滚目标版本号，必填，必须是已存在的历史版本
	Version int `json:"version"`
}

// Validate 验证回滚请求的参数是否有效。
func (r *RollbackRequest) Validate() error {
	if r.Version < 1 {
		return ErrVersionNotFound
	}
	return nil
}

// ExtensionRepository 定义了扩展存储的接口。
// 该接口抽象了扩展及其版本记录的持久化操作。
type ExtensionRepository interface {
	// CreateExtension 创建一个新的扩展记录及其首个版本
	CreateExtension(ext *Extension, first *ExtensionVersion) error
	// GetExtensionByID 根据 ID 获取扩展
	GetExtensionByID(id string) (*Extension, error)
	// GetExtensionByName 根据 (应用 ID, 名称) 获取扩展
	GetExtensionByName(appID, name string) (*Extension, error)
	// ListExtensions 分页获取应用下的扩展列表，返回扩展列表、总数和可能的错误
	ListExtensions(appID string, offset, limit int) ([]*Extension, int, error)
	// UpdateExtension 更新扩展信息（状态、当前版本号、描述等）
	UpdateExtension(ext *Extension) error
	// DeleteExtension 根据 ID 删除扩展及其全部版本与路由绑定
	DeleteExtension(id string) error

	// AppendVersion 追加一条不可变的版本记录
	AppendVersion(v *ExtensionVersion) error
	// GetVersion 获取扩展的指定版本
	GetVersion(extensionID string, version int) (*ExtensionVersion, error)
	// ListVersions 获取扩展的全部版本记录，按版本号升序
	ListVersions(extensionID string) ([]*ExtensionVersion, error)

	// ListEnabledWithRoutes 返回应用下所有可执行（published）扩展及其
	// 激活的路由绑定，绑定按 priority 降序、插入顺序升序排列。
	// 这是注册表刷新使用的唯一读取路径。
	ListEnabledWithRoutes(appID string) ([]*EnabledExtension, error)
}

// EnabledExtension 是注册表刷新读取的联合视图：
// 一个可执行扩展、它当前版本的源代码、以及它激活的路由绑定。
type EnabledExtension struct {
	// Extension 是扩展实体
	Extension *Extension `json:"extension"`
	// Source 是当前版本的源代码
	Source string `json:"source"`
	// SourceHash 是当前版本源代码的哈希
	SourceHash string `json:"source_hash"`
	// Routes 是激活的路由绑定，按优先级降序、插入顺序升序
	Routes []*RouteBinding `json:"routes"`
}
