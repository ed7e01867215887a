// Package api 提供请求拦截网关的管理 HTTP API 处理程序。
// 该文件实现了认证相关的 HTTP 处理器，负责管理员凭证换取 JWT 令牌。
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/auth"
)

// AuthHandler 是认证相关请求的处理器结构体。
// 负责用管理员凭证换取访问管理 API 的 JWT 令牌。
//
// 字段说明：
//   - jwt: JWT令牌管理器，用于生成和验证JWT令牌
//   - user: 配置中的管理员用户名
//   - password: 配置中的管理员密码
//   - logger: 日志记录器
type AuthHandler struct {
	jwt      *auth.JWTManager
	user     string
	password string
	logger   *logrus.Logger
}

// NewAuthHandler 创建并返回一个新的AuthHandler实例。
//
// 参数：
//   - jwt: JWT管理器实例，用于令牌操作
//   - user: 管理员用户名
//   - password: 管理员密码
//   - logger: 日志记录器实例
//
// 返回值：
//   - *AuthHandler: 初始化完成的认证处理器实例
func NewAuthHandler(jwt *auth.JWTManager, user, password string, logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{jwt: jwt, user: user, password: password, logger: logger}
}

// TokenRequest 定义了换取令牌的请求结构。
type TokenRequest struct {
	User     string `json:"user"`     // 管理员用户名
	Password string `json:"password"` // 管理员密码
}

// Token 处理管理员凭证换取JWT令牌的请求。
// HTTP端点: POST /api/v1/auth/token
//
// 功能说明：
//   - 凭证与配置中的管理员账号做常数时间比较，防止时序侧信道
//   - 成功后返回带过期时间的JWT令牌，用于访问其余管理端点
//   - 凭证错误时统一返回 401，不区分用户名错误与密码错误
//
// 请求体格式: TokenRequest (JSON)
//
// 返回值：
//   - 200: 换取成功，返回JWT令牌
//   - 400: 请求无效（如缺少字段）
//   - 401: 凭证错误
//   - 500: 令牌生成失败
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.User == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "user and password required")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.User), []byte(h.user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.password)) == 1
	if !userOK || !passOK {
		if h.logger != nil {
			h.logger.WithFields(logrus.Fields{
				"user":      req.User,
				"remote_ip": r.RemoteAddr,
			}).Warn("管理员凭证验证失败")
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.jwt.Generate(req.User, "admin")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
