// Package domain 定义了扩展网关的核心领域模型。
// 该包包含了应用、扩展、路由绑定、执行日志等核心实体的定义，
// 以及相关的仓储接口和请求/响应结构体。
// 这是整个应用程序的领域层，遵循领域驱动设计(DDD)原则。
package domain

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

// slugPattern 限定 slug 只能由小写字母、数字和连字符组成
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// App 表示一个被网关保护的源站应用。
// 每个 App 对应一个源站，是所有扩展的归属单位。
// 由运维人员创建，正常运行期间不可变。
type App struct {
	// ID 是应用的唯一标识符
	ID string `json:"id"`
	// Name 是应用的展示名称
	Name string `json:"name"`
	// Slug 是应用的短标识，用于代理入口的租户解析
	Slug string `json:"slug"`
	// OriginURL 是被保护源站的基础地址，如 "https://app.internal:3000"
	OriginURL string `json:"origin_url"`
	// Description 是应用的描述信息，可选
	Description string `json:"description,omitempty"`
	// CreatedAt 是应用的创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 是应用的最后更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateAppRequest 表示创建应用的请求结构体。
type CreateAppRequest struct {
	// Name 是应用名称，必填
	Name string `json:"name"`
	// Slug 是应用短标识，可选，默认由 Name 推导
	Slug string `json:"slug,omitempty"`
	// OriginURL 是源站基础地址，必填，必须是 http/https URL
	OriginURL string `json:"origin_url"`
	// Description 是应用描述，可选
	Description string `json:"description,omitempty"`
}

// Validate 验证创建应用请求的参数是否有效。
// 如果验证失败，返回相应的错误；验证通过则返回 nil。
// 该方法还会为可选参数设置默认值。
func (r *CreateAppRequest) Validate() error {
	if r.Name == "" || len(r.Name) > 64 {
		return ErrInvalidAppName
	}
	// 如果未指定 slug，由名称推导：小写化并把空白替换为连字符
	if r.Slug == "" {
		r.Slug = strings.ToLower(strings.Join(strings.Fields(r.Name), "-"))
	}
	if !slugPattern.MatchString(r.Slug) {
		return ErrInvalidAppName
	}
	u, err := url.Parse(r.OriginURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidOriginURL
	}
	return nil
}

// AppRepository 定义了应用存储的接口。
// 该接口抽象了应用的持久化操作，允许不同的存储实现（如数据库、内存等）。
type AppRepository interface {
	// CreateApp 创建一个新的应用记录
	CreateApp(app *App) error
	// GetAppByID 根据 ID 获取应用
	GetAppByID(id string) (*App, error)
	// GetAppBySlug 根据 slug 获取应用
	GetAppBySlug(slug string) (*App, error)
	// ListApps 分页获取应用列表，返回应用列表、总数和可能的错误
	ListApps(offset, limit int) ([]*App, int, error)
	// DeleteApp 根据 ID 删除应用
	DeleteApp(id string) error
}
