package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/history"
)

type memoryPersister struct {
	mu      sync.Mutex
	records map[string]Record
	saveErr error
	saves   int
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{records: make(map[string]Record)}
}

func (p *memoryPersister) Load(_ context.Context, id string) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.records[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "")
	}
	return &record, nil
}

func (p *memoryPersister) Save(_ context.Context, record Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saves++
	p.records[record.ID] = record
	return nil
}

func (p *memoryPersister) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "")
	}
	delete(p.records, id)
	return nil
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	return m
}

func TestNewManagerRejectsNegativeDefault(t *testing.T) {
	_, err := NewManager(Config{DefaultMaxHistory: -1})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestOpenCreatesOnFirstUse(t *testing.T) {
	m := newTestManager(t, Config{DefaultSystem: "S", DefaultMaxHistory: 2})
	ctx := context.Background()

	info, err := m.Open(ctx, "alice", OpenOptions{})
	require.NoError(t, err)
	assert.True(t, info.Created)
	assert.True(t, info.HasSystem)
	assert.Equal(t, 2, info.MaxHistory)

	again, err := m.Open(ctx, "alice", OpenOptions{MaxHistory: intPtr(9)})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, 2, again.MaxHistory, "options apply only on creation")
}

func TestOpenGeneratesID(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	info, err := m.Open(context.Background(), "", OpenOptions{System: strPtr("")})
	require.NoError(t, err)
	assert.Len(t, info.ID, 36)
	assert.False(t, info.HasSystem)
}

func TestOpenRejectsNegativeMaxHistory(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	_, err := m.Open(context.Background(), "bad", OpenOptions{MaxHistory: intPtr(-1)})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	assert.Equal(t, 0, m.Len())
}

func TestSessionsAreIsolated(t *testing.T) {
	m := newTestManager(t, Config{DefaultMaxHistory: 4})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := m.Open(ctx, id, OpenOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, m.Do(ctx, "a", func(buf *history.Buffer) error {
		buf.AppendUser("only in a")
		return nil
	}))

	a, err := m.Snapshot(ctx, "a")
	require.NoError(t, err)
	b, err := m.Snapshot(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{history.User("only in a")}, a)
	assert.Empty(t, b)
}

func TestDoUnknownSession(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	err := m.Do(context.Background(), "ghost", func(*history.Buffer) error { return nil })
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	err = m.Do(context.Background(), " ", func(*history.Buffer) error { return nil })
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestDoSerializesAccess(t *testing.T) {
	m := newTestManager(t, Config{DefaultMaxHistory: 1000})
	ctx := context.Background()
	_, err := m.Open(ctx, "shared", OpenOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Do(ctx, "shared", func(buf *history.Buffer) error {
				buf.AppendUser("u")
				buf.AppendAssistant("a")
				return nil
			})
		}()
	}
	wg.Wait()

	snap, err := m.Snapshot(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, snap, 100)
	for i, turn := range snap {
		if i%2 == 0 {
			assert.Equal(t, history.RoleUser, turn.Role)
		} else {
			assert.Equal(t, history.RoleAssistant, turn.Role)
		}
	}
}

func TestDoErrorSkipsPersist(t *testing.T) {
	p := newMemoryPersister()
	m := newTestManager(t, Config{DefaultMaxHistory: 2}, WithPersister(p))
	ctx := context.Background()
	_, err := m.Open(ctx, "s", OpenOptions{})
	require.NoError(t, err)
	saves := p.saves

	boom := errors.New("boom")
	err = m.Do(ctx, "s", func(*history.Buffer) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, saves, p.saves)
}

func TestClearAndDelete(t *testing.T) {
	m := newTestManager(t, Config{DefaultSystem: "S", DefaultMaxHistory: 4})
	ctx := context.Background()
	_, err := m.Open(ctx, "s", OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Do(ctx, "s", func(buf *history.Buffer) error {
		buf.AppendUser("u1")
		return nil
	}))

	require.NoError(t, m.Clear(ctx, "s", true))
	snap, err := m.Snapshot(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{history.System("S")}, snap)

	require.NoError(t, m.Clear(ctx, "s", false))
	snap, err = m.Snapshot(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, snap)

	require.NoError(t, m.Delete(ctx, "s"))
	_, err = m.Snapshot(ctx, "s")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(m.Delete(ctx, "s")))
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := newTestManager(t, Config{DefaultMaxHistory: 2, IdleTTL: time.Minute}, WithClock(clock))
	ctx := context.Background()

	_, err := m.Open(ctx, "old", OpenOptions{})
	require.NoError(t, err)
	now = now.Add(45 * time.Second)
	_, err = m.Open(ctx, "fresh", OpenOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Sweep(now.Add(30*time.Second)))
	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "fresh", infos[0].ID)
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	m := newTestManager(t, Config{DefaultMaxHistory: 2})
	_, err := m.Open(context.Background(), "s", OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Sweep(time.Now().Add(24*time.Hour)))
}

func TestPersistedSessionSurvivesSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newMemoryPersister()
	m := newTestManager(t, Config{DefaultSystem: "S", DefaultMaxHistory: 2, IdleTTL: time.Minute},
		WithPersister(p), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.Open(ctx, "s", OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Do(ctx, "s", func(buf *history.Buffer) error {
		buf.AppendUser("u1")
		buf.AppendAssistant("a1")
		buf.AppendUser("u2")
		return nil
	}))
	require.Equal(t, 1, m.Sweep(now.Add(time.Hour)))
	require.Equal(t, 0, m.Len())

	snap, err := m.Snapshot(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{history.System("S"), history.Assistant("a1"), history.User("u2")}, snap)

	info, err := m.Open(ctx, "s", OpenOptions{})
	require.NoError(t, err)
	assert.False(t, info.Created)
	assert.Equal(t, 2, info.MaxHistory)
}

func TestOpenFailsWhenPersistFails(t *testing.T) {
	p := newMemoryPersister()
	p.saveErr = errors.New("disk full")
	m := newTestManager(t, DefaultConfig(), WithPersister(p))

	_, err := m.Open(context.Background(), "s", OpenOptions{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.Equal(t, 0, m.Len())
}

func TestRestoreRejectsCorruptRecord(t *testing.T) {
	p := newMemoryPersister()
	p.records["bad"] = Record{ID: "bad", MaxHistory: 2, Turns: []history.Turn{history.User("u"), history.System("late")}}
	m := newTestManager(t, DefaultConfig(), WithPersister(p))

	_, err := m.Snapshot(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	m := newTestManager(t, Config{DefaultMaxHistory: 1, IdleTTL: time.Millisecond, SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestDoRollsBackWhenPersistFails(t *testing.T) {
	p := newMemoryPersister()
	m := newTestManager(t, Config{DefaultSystem: "S", DefaultMaxHistory: 4}, WithPersister(p))
	ctx := context.Background()
	_, err := m.Open(ctx, "s", OpenOptions{})
	require.NoError(t, err)

	exchange := func(buf *history.Buffer) error {
		buf.AppendUser("hi")
		buf.AppendAssistant("hello")
		return nil
	}

	p.saveErr = errors.New("redis down")
	err = m.Do(ctx, "s", exchange)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	snap, err := m.Snapshot(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{history.System("S")}, snap)

	p.saveErr = nil
	require.NoError(t, m.Do(ctx, "s", exchange))
	snap, err = m.Snapshot(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{history.System("S"), history.User("hi"), history.Assistant("hello")}, snap)
	assert.Equal(t, snap, p.records["s"].Turns)
}

func TestDoReloadsEntryEvictedBeforeLock(t *testing.T) {
	p := newMemoryPersister()
	m := newTestManager(t, Config{DefaultSystem: "S", DefaultMaxHistory: 4}, WithPersister(p))
	ctx := context.Background()
	_, err := m.Open(ctx, "s", OpenOptions{})
	require.NoError(t, err)

	// 模拟清理协程在 acquire 之后、加锁之前将会话标记为已移除。
	stale := m.lookup("s")
	stale.mu.Lock()
	stale.removed = true
	stale.mu.Unlock()

	require.NoError(t, m.Do(ctx, "s", func(buf *history.Buffer) error {
		buf.AppendUser("u1")
		return nil
	}))
	assert.NotSame(t, stale, m.lookup("s"))

	info, err := m.Info(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Turns)
}

func TestEvictedEntryWithoutPersisterIsGone(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	_, err := m.Open(ctx, "s", OpenOptions{})
	require.NoError(t, err)

	stale := m.lookup("s")
	stale.mu.Lock()
	stale.removed = true
	stale.mu.Unlock()

	_, err = m.Snapshot(ctx, "s")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}
