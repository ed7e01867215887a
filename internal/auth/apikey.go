package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrAPIKeyNotFound 表示提供的 API Key 不在配置的密钥列表中
var ErrAPIKeyNotFound = errors.New("api key not found")

// HashAPIKey 计算 API Key 的 SHA-256 哈希值（十六进制编码）。
// 验证器只保存和比较哈希，原始密钥不落内存结构之外。
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// StaticKeyValidator 基于配置文件中的固定密钥列表验证 API Key。
// 管理接口的凭据由运维在配置中下发，不经过数据库。
type StaticKeyValidator struct {
	hashes map[string]bool
}

// NewStaticKeyValidator 把配置的密钥列表转换为哈希集合。
func NewStaticKeyValidator(keys []string) *StaticKeyValidator {
	hashes := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		hashes[HashAPIKey(k)] = true
	}
	return &StaticKeyValidator{hashes: hashes}
}

// ValidateAPIKey 验证 API Key 是否在配置的密钥集合内。
func (v *StaticKeyValidator) ValidateAPIKey(key string) (*UserContext, error) {
	if v.hashes[HashAPIKey(key)] {
		return &UserContext{UserID: "operator", Role: "admin", Method: "apikey"}, nil
	}
	return nil, ErrAPIKeyNotFound
}
