package llm

import (
	"context"
	"fmt"
	"net/http"

	"LeanChat/internal/history"
)

// Request 描述一次无状态的对话补全调用：Messages 必须是完整的上下文。
type Request struct {
	Model       string
	Messages    []history.Turn
	Temperature *float64
}

// Response 是对话补全接口返回的结果。
type Response struct {
	Content          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// Client 定义了调用对话补全接口的统一抽象。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("对话接口返回错误状态 %d: %s", e.StatusCode, e.Body)
}

// Temporary 判断该状态码是否值得重试（限流或服务端错误）。
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Float 返回 v 的指针，便于填写可选的 Temperature。
func Float(v float64) *float64 { return &v }
