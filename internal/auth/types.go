// Package auth 为管理接口提供 API Key 认证。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrMissingKey 表示请求未携带 API Key。
	ErrMissingKey = errors.New("auth: missing api key")
	// ErrInvalidKey 表示 API Key 不匹配。
	ErrInvalidKey = errors.New("auth: invalid api key")
)

// HeaderName 是携带 API Key 的请求头。
const HeaderName = "x-api-key"

// QueryParam 用于无法设置请求头的 WebSocket 客户端。
const QueryParam = "apiKey"

// Subject 描述通过认证的调用方，只保留密钥指纹用于审计。
type Subject struct {
	Name        string
	Fingerprint string
}

// Key 是一把命名的 API Key。
type Key struct {
	Name  string
	Value string
}

// Fingerprint 返回密钥的短指纹，日志中不会出现密钥本身。
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:4])
}

// Service 校验请求携带的 API Key。未配置任何密钥时认证关闭。
type Service struct {
	keys []Key
}

// NewService 创建认证服务，空值会被忽略。
func NewService(keys ...Key) *Service {
	s := &Service{}
	for _, key := range keys {
		key.Value = strings.TrimSpace(key.Value)
		if key.Value == "" {
			continue
		}
		if key.Name == "" {
			key.Name = "key-" + Fingerprint(key.Value)
		}
		s.keys = append(s.keys, key)
	}
	return s
}

// Enabled 表示是否配置了密钥。
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// Authenticate 以常量时间比较密钥。
func (s *Service) Authenticate(presented string) (*Subject, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, ErrMissingKey
	}
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key.Value), []byte(presented)) == 1 {
			return &Subject{Name: key.Name, Fingerprint: Fingerprint(presented)}, nil
		}
	}
	return nil, ErrInvalidKey
}
