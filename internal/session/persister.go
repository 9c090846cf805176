package session

import (
	"context"
	"time"

	"LeanChat/internal/history"
)

// Record 是持久化时保存的会话快照。Turns 与 Buffer.Snapshot 的顺序一致。
type Record struct {
	ID         string         `json:"id"`
	MaxHistory int            `json:"max_history"`
	Turns      []history.Turn `json:"turns"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Persister 定义会话快照的持久化接口。
// Load 在记录不存在时必须返回 CodeNotFound 错误。
type Persister interface {
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, record Record) error
	Delete(ctx context.Context, id string) error
}
