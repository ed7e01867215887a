package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey 是 context 存储用的自定义键类型，避免与其他包冲突。
type contextKey string

// UserContextKey 是请求上下文中存储认证用户信息的键
const UserContextKey contextKey = "user"

// UserContext 存储已认证用户的上下文信息。
type UserContext struct {
	// UserID 用户的唯一标识符
	UserID string
	// Role 用户角色
	Role string
	// Method 认证方式，"jwt" 或 "apikey"
	Method string
}

// APIKeyValidator 定义 API Key 验证器的接口。
type APIKeyValidator interface {
	// ValidateAPIKey 验证 API Key，成功时返回关联的用户上下文
	ValidateAPIKey(key string) (*UserContext, error)
}

// Middleware 是管理接口的认证中间件。
// 先尝试 API Key，再尝试 JWT Bearer Token，两者都失败返回 401。
type Middleware struct {
	jwt          *JWTManager
	apiKeyHeader string
	keyValidator APIKeyValidator
	enabled      bool
}

// NewMiddleware 创建认证中间件。
// 参数:
//   - jwt: JWT 管理器
//   - apiKeyHeader: 携带 API Key 的请求头名称，如 "X-API-Key"
//   - keyValidator: API Key 验证器
//   - enabled: 为 false 时跳过所有认证检查
func NewMiddleware(jwt *JWTManager, apiKeyHeader string, keyValidator APIKeyValidator, enabled bool) *Middleware {
	return &Middleware{
		jwt:          jwt,
		apiKeyHeader: apiKeyHeader,
		keyValidator: keyValidator,
		enabled:      enabled,
	}
}

// Authenticate 验证请求身份，成功后把用户信息放进请求上下文。
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		// 先尝试 API Key 认证
		if apiKey := r.Header.Get(m.apiKeyHeader); apiKey != "" && m.keyValidator != nil {
			if user, err := m.keyValidator.ValidateAPIKey(apiKey); err == nil {
				ctx := context.WithValue(r.Context(), UserContextKey, user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		// 再尝试 JWT Bearer Token 认证
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if claims, err := m.jwt.Validate(token); err == nil {
				user := &UserContext{
					UserID: claims.UserID,
					Role:   claims.Role,
					Method: "jwt",
				}
				ctx := context.WithValue(r.Context(), UserContextKey, user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	})
}

// GetUser 从请求上下文中提取已认证的用户信息，未认证返回 nil。
func GetUser(ctx context.Context) *UserContext {
	if user, ok := ctx.Value(UserContextKey).(*UserContext); ok {
		return user
	}
	return nil
}
