package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	xerrors "LeanChat/internal/errors"
)

// 认证相关错误码
const (
	CodeUnauthorized xerrors.Code = "AUTH_UNAUTHORIZED"
)

var (
	// ErrMissingToken 表示请求未携带 Bearer Token。
	ErrMissingToken = xerrors.New(CodeUnauthorized, "缺少 Bearer Token")
	// ErrInvalidToken 表示 Token 不在允许列表中。
	ErrInvalidToken = xerrors.New(CodeUnauthorized, "Token 无效")
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{Message: "unauthorized", Severity: xerrors.SeverityWarning})
}

// Service 使用静态 Token 列表校验 API 请求。
type Service struct {
	tokens [][]byte
}

// NewService 构造认证服务，空白 Token 会被忽略；
// 列表为空时 Enabled 返回 false，中间件直接放行。
func NewService(tokens []string) *Service {
	s := &Service{}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		s.tokens = append(s.tokens, []byte(token))
	}
	return s
}

// Enabled 判断是否启用了认证。
func (s *Service) Enabled() bool {
	return s != nil && len(s.tokens) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回调用方主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	candidate := []byte(strings.TrimSpace(token))
	matched := false
	for _, allowed := range s.tokens {
		if subtle.ConstantTimeCompare(candidate, allowed) == 1 {
			matched = true
		}
	}
	if !matched {
		return nil, ErrInvalidToken
	}
	return &Subject{TokenID: fingerprint(candidate)}, nil
}

// fingerprint 返回 Token 哈希的前 12 位，用于日志中区分调用方。
func fingerprint(token []byte) string {
	sum := sha256.Sum256(token)
	return hex.EncodeToString(sum[:])[:12]
}
