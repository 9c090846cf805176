package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"LeanChat/internal/conversation"
	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/observability/alerting"
	"LeanChat/internal/observability/metrics"
	"LeanChat/pkg/logger"
)

// Executor 在指定会话中执行一轮对话。
type Executor interface {
	Chat(ctx context.Context, sessionID, input string) (conversation.Reply, error)
}

// Processor 负责从队列消费任务并交给对话执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *zap.Logger
	alerts      alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 在任务最终失败时发送告警。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerts = d
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("job"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束或消费者出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", zap.String("job_id", jobID), zap.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", zap.Error(err), zap.String("job_id", jobID))
		return err
	}

	reply, execErr := p.executor.Chat(ctx, job.SessionID, job.Input)
	if execErr != nil {
		return p.handleFailure(ctx, job, execErr)
	}

	result := Result{
		Content:          reply.Content,
		Model:            reply.Model,
		ElapsedMillis:    reply.Elapsed.Milliseconds(),
		PromptTokens:     reply.PromptTokens,
		CompletionTokens: reply.CompletionTokens,
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		// 回复已写入会话，重投会导致重复对话，因此只记录失败。
		p.logger.Error("标记任务成功状态失败", zap.Error(err), zap.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, xerrors.CodeStorageFailure, err.Error(), true); storeErr != nil {
			return storeErr
		}
		metrics.ObserveJob(metrics.JobOutcomeFailed)
		p.emitAlert(ctx, job, xerrors.CodeStorageFailure, err)
		return nil
	}
	metrics.ObserveJob(metrics.JobOutcomeSucceeded)
	logger.Audit().Info("任务执行成功",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.Int("attempts", job.Attempts),
		zap.Int64("elapsed_ms", result.ElapsedMillis),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
		execErr = xerrors.Wrap(CodeJobProcessing, execErr, "对话执行失败")
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", zap.Error(storeErr), zap.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.Bool("terminal", terminal),
		zap.Error(execErr),
		zap.String("error_code", string(code)),
		zap.Int("attempts", job.Attempts),
		zap.Int("max_retries", job.MaxRetries),
	)

	if terminal {
		metrics.ObserveJob(metrics.JobOutcomeFailed)
		p.emitAlert(ctx, job, code, execErr)
		return nil
	}
	metrics.ObserveJob(metrics.JobOutcomeRetried)
	if pubErr := p.requeue(ctx, job.ID); pubErr != nil {
		return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
	}
	p.logger.Debug("任务已重新排队", zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) requeue(ctx context.Context, jobID string) error {
	if rq, ok := p.producer.(Requeuer); ok {
		return rq.Requeue(ctx, jobID)
	}
	return p.producer.Publish(ctx, jobID)
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error) {
	if p.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		JobID:      job.ID,
		SessionID:  job.SessionID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		OccurredAt: time.Now().UTC(),
	}
	if coded, ok := xerrors.From(cause); ok {
		event.Metadata = coded.Metadata()
	}
	if err := p.alerts.Notify(ctx, event); err != nil {
		p.logger.Warn("发送告警失败", zap.Error(err), zap.String("job_id", job.ID))
	}
}
