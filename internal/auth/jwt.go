// Package auth 提供管理接口的身份认证。
// 支持 API Key 和 JWT Bearer Token 两种方式：API Key 由运维在配置中
// 下发，JWT 通过登录端点签发给控制台会话使用。
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT 相关错误
var (
	// ErrInvalidToken 表示令牌无效或格式错误
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 表示令牌已过期
	ErrExpiredToken = errors.New("token has expired")
)

// Claims 定义 JWT 令牌中的声明结构。
type Claims struct {
	// UserID 用户的唯一标识符
	UserID string `json:"user_id"`
	// Role 用户角色，用于权限控制
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager 负责 JWT 令牌的签发和验证。
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTManager 创建 JWT 管理器。
// 参数:
//   - secret: 签名密钥
//   - expiration: 令牌有效期
func NewJWTManager(secret string, expiration time.Duration) *JWTManager {
	return &JWTManager{
		secret:     []byte(secret),
		expiration: expiration,
	}
}

// Generate 为指定用户签发一个新的 JWT 令牌。
func (m *JWTManager) Generate(userID, role string) (string, error) {
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate 验证 JWT 令牌并提取声明。
// 过期返回 ErrExpiredToken，其余验证失败返回 ErrInvalidToken。
func (m *JWTManager) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
