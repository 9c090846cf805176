package job

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc"
)

var errQueueClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 实现的进程内队列。
// 重试的任务在 channel 已满时进入无界的重试列表，由消费协程优先处理。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool

	retryMu sync.Mutex
	retries []string
	wake    chan struct{}
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), wake: make(chan struct{}, 1)}
}

// Publish 将任务投递到队列，队列已满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- jobID:
		return nil
	}
}

// Requeue 重新投递任务且从不阻塞，供消费协程内部调用。
func (q *MemoryQueue) Requeue(_ context.Context, jobID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case q.ch <- jobID:
		return nil
	default:
	}
	q.retryMu.Lock()
	q.retries = append(q.retries, jobID)
	q.retryMu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) popRetry() (string, bool) {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	if len(q.retries) == 0 {
		return "", false
	}
	jobID := q.retries[0]
	q.retries = q.retries[1:]
	return jobID, true
}

// Consume 启动指定数量的工作协程消费队列，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg conc.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Go(func() {
			for ctx.Err() == nil {
				if jobID, ok := q.popRetry(); ok {
					_ = handler(ctx, jobID)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.wake:
				case jobID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, jobID)
				}
			}
		})
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，正在等待的消费者会退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
