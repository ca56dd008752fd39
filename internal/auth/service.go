package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strconv"
	"strings"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/pkg/logger"
)

// Service 负责只读 API 的身份验证和授权。
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造身份认证服务实例。空模式等同于 disabled。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, xerrors.Configuration("不支持的认证模式: %s", cfg.Mode)
	}

	seen := make(map[[sha256.Size]byte]string, len(cfg.Tokens))
	for i, token := range cfg.Tokens {
		secret := strings.TrimSpace(token.Secret)
		name := strings.TrimSpace(token.Name)
		if name == "" {
			name = "token-" + strconv.Itoa(i+1)
		}
		if secret == "" {
			return nil, xerrors.Configuration("API 令牌 %s 未配置密钥", name)
		}
		digest := sha256.Sum256([]byte(secret))
		if other, dup := seen[digest]; dup {
			return nil, xerrors.Configuration("API 令牌 %s 与 %s 重复", name, other)
		}
		seen[digest] = name
		subject := &Subject{
			Name:        name,
			Permissions: append([]string(nil), token.Permissions...),
			Disabled:    token.Disabled,
		}
		subject.normalise()
		svc.tokens = append(svc.tokens, tokenEntry{digest: digest, subject: subject})
	}
	if len(svc.tokens) == 0 {
		return nil, xerrors.Configuration("token 模式至少需要一个 API 令牌")
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest resolves the subject behind an Authorization header.
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	token := bearerToken(authorization)
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// 遍历全部令牌，避免按位置提前返回。
	for _, entry := range s.tokens {
		if subtle.ConstantTimeCompare(entry.digest[:], digest[:]) == 1 {
			match = entry.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
