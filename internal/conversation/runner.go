package conversation

import (
	"context"

	"LeanChat/internal/history"
	"LeanChat/internal/llm"
	"LeanChat/internal/session"
)

// Runner 在会话管理器持有的缓冲区上执行对话，同一会话的调用被串行化。
type Runner struct {
	sessions *session.Manager
	client   llm.Client
	opts     []Option
}

// NewRunner 创建 Runner，opts 作用于每一次对话。
func NewRunner(sessions *session.Manager, client llm.Client, opts ...Option) *Runner {
	return &Runner{sessions: sessions, client: client, opts: opts}
}

// Chat 在指定会话中发送一条用户消息。会话不存在时返回 CodeNotFound。
func (r *Runner) Chat(ctx context.Context, sessionID, text string) (Reply, error) {
	var reply Reply
	err := r.sessions.Do(ctx, sessionID, func(buf *history.Buffer) error {
		var err error
		reply, err = New(buf, r.client, r.opts...).Chat(ctx, text)
		return err
	})
	return reply, err
}
