package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"IntentHub/pkg/logger"
)

// HeaderAPIKey 是 Authorization 之外另一种携带 API Key 的请求头。
const HeaderAPIKey = "X-API-Key"

// KeyConfig 描述一个调用方的 API Key。密钥本身不写入配置文件：
// 要么由 KeyEnv 指定的环境变量提供，要么以 SHA-256 十六进制摘要给出。
type KeyConfig struct {
	Name        string   `json:"name"`
	KeyEnv      string   `json:"key_env"`
	KeySHA256   string   `json:"key_sha256"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

type apiKey struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 校验 API Key。没有配置任何密钥时处于禁用状态，所有请求直接放行。
type Service struct {
	keys  []apiKey
	audit *slog.Logger
}

func (s *Service) auditLog() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}

// NewService 根据配置加载密钥摘要。
func NewService(keys []KeyConfig) (*Service, error) {
	s := &Service{}
	seen := make(map[string]struct{}, len(keys))
	for i, cfg := range keys {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, fmt.Errorf("api_keys[%d]: name 不能为空", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("api_keys[%d]: 重复的名称 %s", i, name)
		}
		seen[name] = struct{}{}

		digest, err := cfg.digest()
		if err != nil {
			return nil, fmt.Errorf("api_keys[%d] (%s): %w", i, name, err)
		}
		subject := &Subject{
			Name:        name,
			Permissions: append([]string(nil), cfg.Permissions...),
			Disabled:    cfg.Disabled,
		}
		subject.normalise()
		s.keys = append(s.keys, apiKey{digest: digest, subject: subject})
	}
	return s, nil
}

func (c KeyConfig) digest() ([sha256.Size]byte, error) {
	var digest [sha256.Size]byte
	if raw := strings.TrimSpace(c.KeySHA256); raw != "" {
		decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil || len(decoded) != sha256.Size {
			return digest, fmt.Errorf("key_sha256 必须是 %d 字节的十六进制摘要", sha256.Size)
		}
		copy(digest[:], decoded)
		return digest, nil
	}
	envName := strings.TrimSpace(c.KeyEnv)
	if envName == "" {
		return digest, fmt.Errorf("需要 key_env 或 key_sha256")
	}
	key := strings.TrimSpace(os.Getenv(envName))
	if key == "" {
		return digest, fmt.Errorf("环境变量 %s 未设置", envName)
	}
	return sha256.Sum256([]byte(key)), nil
}

// Enabled 报告是否配置了至少一个密钥。
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// AuthenticateRequest 从 Authorization: Bearer 或 X-API-Key 中提取密钥并匹配调用方。
func (s *Service) AuthenticateRequest(authorization, apiKeyHeader string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	key := strings.TrimSpace(apiKeyHeader)
	if key == "" {
		parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return nil, ErrMissingToken
		}
		key = strings.TrimSpace(parts[1])
	}
	if key == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(key))
	var match *Subject
	for _, candidate := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], candidate.digest[:]) == 1 {
			match = candidate.subject
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
