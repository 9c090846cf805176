package stub

import (
	"context"
	"errors"
	"fmt"

	"LeanChat/internal/llm"
)

// Client 是离线回显客户端，用于演示与测试，不发起任何网络请求。
type Client struct {
	Prefix string
}

// New 创建回显客户端。
func New() *Client { return &Client{Prefix: "echo: "} }

// Complete 回显最后一条消息，并以消息条数作为 PromptTokens。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("对话请求至少需要一条消息")
	}
	last := req.Messages[len(req.Messages)-1]
	model := req.Model
	if model == "" {
		model = "stub"
	}
	return &llm.Response{
		Content:      fmt.Sprintf("%s%s", c.Prefix, last.Content),
		Model:        model,
		PromptTokens: int64(len(req.Messages)),
	}, nil
}
