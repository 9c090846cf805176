// Package provider builds the configured llm.Client implementation.
package provider

import (
	"fmt"
	"strings"
	"time"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/llm"
	"LeanChat/internal/llm/openai"
	"LeanChat/internal/llm/sdk"
	"LeanChat/internal/llm/stub"
)

// 支持的 provider 名称。
const (
	HTTP = "http"
	SDK  = "sdk"
	Stub = "stub"
)

// Config 汇总各 provider 共用的连接参数。
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// New 根据 Provider 构造客户端，空值按 http 处理。
func New(cfg Config) (llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", HTTP:
		return openai.NewClient(openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case SDK:
		return sdk.NewClient(sdk.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case Stub:
		return stub.New(), nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的大模型 provider: %s", cfg.Provider))
	}
}
