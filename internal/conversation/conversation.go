package conversation

import (
	"context"
	stdErrors "errors"
	"time"

	"go.uber.org/zap"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/history"
	"LeanChat/internal/llm"
	"LeanChat/internal/observability/metrics"
	"LeanChat/pkg/logger"
)

// Reply 是一次对话调用的结果。
type Reply struct {
	Content          string        `json:"content"`
	Model            string        `json:"model,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
}

// Conversation 将一个 Buffer 与一个对话补全客户端绑定在一起。
// 与 Buffer 一样，它不是并发安全的。
type Conversation struct {
	buffer      *history.Buffer
	client      llm.Client
	model       string
	temperature *float64
	timeout     time.Duration
	now         func() time.Time
}

// Option 定义可选的 Conversation 配置。
type Option func(*Conversation)

// WithModel 指定请求使用的模型名称，留空则由客户端决定。
func WithModel(model string) Option {
	return func(c *Conversation) {
		c.model = model
	}
}

// WithTemperature 设置采样温度。
func WithTemperature(temperature float64) Option {
	return func(c *Conversation) {
		c.temperature = llm.Float(temperature)
	}
}

// WithTimeout 设置单次调用的超时时间，非正数表示不额外限制。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Conversation) {
		if timeout <= 0 {
			c.timeout = 0
			return
		}
		c.timeout = timeout
	}
}

// New 创建 Conversation。
func New(buffer *history.Buffer, client llm.Client, opts ...Option) *Conversation {
	c := &Conversation{
		buffer: buffer,
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Chat 发送一条用户消息。请求携带当前快照与待发送的用户消息；
// 只有拿到回复后才会依次追加 user 与 assistant 消息，失败时缓冲区保持不变。
func (c *Conversation) Chat(ctx context.Context, text string) (Reply, error) {
	if c.buffer == nil {
		return Reply{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置对话缓冲区")
	}
	if c.client == nil {
		return Reply{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置对话接口客户端")
	}

	messages := append(c.buffer.Snapshot(), history.User(text))

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := c.now()
	resp, err := c.client.Complete(callCtx, llm.Request{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	})
	elapsed := c.now().Sub(started)
	if err != nil {
		wrapped := classify(err)
		outcome := metrics.ChatOutcomeError
		if wrapped.Code() == xerrors.CodeTimeout {
			outcome = metrics.ChatOutcomeTimeout
		}
		metrics.ObserveChat(outcome, elapsed, 0, 0)
		logger.Named("conversation").Warn("对话调用失败",
			zap.Int("messages", len(messages)),
			zap.Duration("elapsed", elapsed),
			zap.String("code", string(wrapped.Code())),
			zap.Error(err),
		)
		return Reply{}, wrapped
	}
	if resp == nil {
		return Reply{}, xerrors.New(xerrors.CodeUpstreamFailure, "对话接口返回空响应", xerrors.WithRetryable(false))
	}

	c.buffer.AppendUser(text)
	c.buffer.AppendAssistant(resp.Content)
	metrics.ObserveChat(metrics.ChatOutcomeOK, elapsed, resp.PromptTokens, resp.CompletionTokens)

	logger.Named("conversation").Debug("对话调用完成",
		zap.String("model", resp.Model),
		zap.Duration("elapsed", elapsed),
		zap.Int64("prompt_tokens", resp.PromptTokens),
		zap.Int64("completion_tokens", resp.CompletionTokens),
		zap.Int("history", c.buffer.Len()),
	)

	return Reply{
		Content:          resp.Content,
		Model:            resp.Model,
		Elapsed:          elapsed,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}, nil
}

func classify(err error) *xerrors.Error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "对话接口调用超时")
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "对话调用已取消", xerrors.WithRetryable(false))
	}
	var statusErr *llm.StatusError
	if stdErrors.As(err, &statusErr) {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "对话接口返回错误",
			xerrors.WithRetryable(statusErr.Temporary()))
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "对话接口调用失败")
}

// History 返回当前对话快照。
func (c *Conversation) History() []history.Turn {
	return c.buffer.Snapshot()
}

// Reset 清空对话，keepSystem 控制是否保留 system 消息。
func (c *Conversation) Reset(keepSystem bool) {
	c.buffer.Clear(keepSystem)
}

// Buffer 返回底层缓冲区。
func (c *Conversation) Buffer() *history.Buffer {
	return c.buffer
}
