package job

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeanChat/internal/conversation"
	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/observability/alerting"
)

type fakeExecutor struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (f *fakeExecutor) Chat(_ context.Context, sessionID, input string) (conversation.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID+":"+input)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return conversation.Reply{}, err
		}
	}
	return conversation.Reply{Content: "echo " + input, Model: "stub", Elapsed: 120 * time.Millisecond, PromptTokens: 3}, nil
}

func seedJob(t *testing.T, store Store, id string, maxRetries int) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Job{
		ID:         id,
		SessionID:  "s1",
		Input:      "hi",
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}))
}

func TestProcessorSucceeds(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	exec := &fakeExecutor{}
	seedJob(t, store, "j1", 3)

	p := NewProcessor(exec, store, queue, queue)
	require.NoError(t, p.handle(context.Background(), "j1"))

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	require.NotNil(t, job.Reply)
	assert.Equal(t, "echo hi", job.Reply.Content)
	assert.Equal(t, int64(120), job.Reply.ElapsedMillis)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, []string{"s1:hi"}, exec.calls)
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	exec := &fakeExecutor{errs: []error{xerrors.New(xerrors.CodeTimeout, "deadline")}}
	seedJob(t, store, "j1", 3)

	p := NewProcessor(exec, store, queue, queue)
	require.NoError(t, p.handle(context.Background(), "j1"))

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, string(xerrors.CodeTimeout), job.ErrorCode)

	select {
	case id := <-queue.ch:
		assert.Equal(t, "j1", id)
	default:
		t.Fatal("job was not re-published")
	}

	require.NoError(t, p.handle(context.Background(), "j1"))
	job, err = store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	exec := &fakeExecutor{errs: []error{xerrors.New(xerrors.CodeNotFound, "session missing")}}
	seedJob(t, store, "j1", 3)

	p := NewProcessor(exec, store, queue, queue)
	require.NoError(t, p.handle(context.Background(), "j1"))

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(xerrors.CodeNotFound), job.ErrorCode)
	assert.Empty(t, queue.ch)
}

func TestProcessorExhaustsRetries(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	boom := stdErrors.New("boom")
	exec := &fakeExecutor{errs: []error{boom, boom}}
	seedJob(t, store, "j1", 2)

	p := NewProcessor(exec, store, queue, queue)
	require.NoError(t, p.handle(context.Background(), "j1"))
	<-queue.ch
	require.NoError(t, p.handle(context.Background(), "j1"))

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(CodeJobProcessing), job.ErrorCode)
	assert.Empty(t, queue.ch)

	require.NoError(t, p.handle(context.Background(), "j1"), "exhausted jobs are skipped")
	assert.Len(t, exec.calls, 2)
}

func TestProcessorSkipsUnknownJob(t *testing.T) {
	queue := NewMemoryQueue(1)
	p := NewProcessor(&fakeExecutor{}, NewMemoryStore(), queue, queue)
	assert.NoError(t, p.handle(context.Background(), "ghost"))
}

func TestProcessorStartConsumesQueue(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	exec := &fakeExecutor{}
	svc := NewService(store, queue, nil, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- NewProcessor(exec, store, queue, queue, WithWorkerCount(2)).Start(ctx)
	}()

	job, err := svc.Submit(ctx, SubmitRequest{SessionID: "s1", Input: "ping"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	final, err := svc.WaitUntilCompleted(waitCtx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Equal(t, "echo ping", final.Reply.Content)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessorStartWithoutConsumer(t *testing.T) {
	err := NewProcessor(&fakeExecutor{}, NewMemoryStore(), nil, nil).Start(context.Background())
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestProcessorAlertsOnTerminalFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	alerts := &recordingDispatcher{}
	exec := &fakeExecutor{errs: []error{
		xerrors.New(xerrors.CodeTimeout, "deadline"),
		xerrors.New(xerrors.CodeNotFound, "session missing", xerrors.WithMetadata("session_id", "s1")),
	}}
	seedJob(t, store, "j1", 3)

	p := NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts))
	require.NoError(t, p.handle(context.Background(), "j1"))
	assert.Empty(t, alerts.events, "retryable failures do not alert")

	<-queue.ch
	require.NoError(t, p.handle(context.Background(), "j1"))
	require.Len(t, alerts.events, 1)
	event := alerts.events[0]
	assert.Equal(t, xerrors.CodeNotFound, event.Code)
	assert.Equal(t, "j1", event.JobID)
	assert.Equal(t, "s1", event.SessionID)
	assert.Equal(t, 2, event.Attempts)
	assert.Equal(t, 3, event.MaxRetries)
	assert.Equal(t, map[string]string{"session_id": "s1"}, event.Metadata)
}

// gatedExecutor 的首次调用阻塞到 release 关闭，并返回可重试错误。
type gatedExecutor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	calls   []string
}

func (g *gatedExecutor) Chat(_ context.Context, sessionID, input string) (conversation.Reply, error) {
	g.mu.Lock()
	g.calls = append(g.calls, input)
	g.mu.Unlock()

	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
		return conversation.Reply{}, xerrors.New(xerrors.CodeTimeout, "deadline")
	}
	return conversation.Reply{Content: "ok " + input}, nil
}

func TestProcessorRequeueDoesNotBlockOnFullQueue(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	exec := &gatedExecutor{started: make(chan struct{}), release: make(chan struct{})}
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Create(context.Background(), &Job{
			ID: id, SessionID: "s1", Input: id, Status: StatusPending, MaxRetries: 3,
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = NewProcessor(exec, store, queue, queue, WithWorkerCount(1)).Start(ctx) }()

	require.NoError(t, queue.Publish(ctx, "a"))
	<-exec.started
	require.NoError(t, queue.Publish(ctx, "b"))
	close(exec.release)

	require.Eventually(t, func() bool {
		for _, id := range []string{"a", "b"} {
			job, err := store.Get(context.Background(), id)
			if err != nil || job.Status != StatusSucceeded {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	a, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Attempts)
}

func TestMemoryQueueRequeueOverflowsIntoRetries(t *testing.T) {
	queue := NewMemoryQueue(1)
	require.NoError(t, queue.Publish(context.Background(), "a"))
	require.NoError(t, queue.Requeue(context.Background(), "b"))

	id, ok := queue.popRetry()
	require.True(t, ok)
	assert.Equal(t, "b", id)
	assert.Equal(t, "a", <-queue.ch)

	require.NoError(t, queue.Close())
	assert.Error(t, queue.Requeue(context.Background(), "c"))
}

func TestProcessorSkipsRunningJob(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	exec := &fakeExecutor{}
	seedJob(t, store, "j1", 3)
	_, err := store.Claim(context.Background(), "j1")
	require.NoError(t, err)

	p := NewProcessor(exec, store, queue, queue)
	require.NoError(t, p.handle(context.Background(), "j1"))
	assert.Empty(t, exec.calls)

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
}
