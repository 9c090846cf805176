package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/history"
	"LeanChat/internal/observability/metrics"
	"LeanChat/pkg/logger"
)

const (
	defaultMaxHistory    = 10
	defaultSweepInterval = time.Minute
	maxReacquire         = 2
)

// Config 控制会话的默认参数与过期策略。
type Config struct {
	DefaultSystem     string
	DefaultMaxHistory int
	// IdleTTL 为 0 表示会话永不过期。
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// OpenOptions 描述首次创建会话时使用的参数；会话已存在时被忽略。
type OpenOptions struct {
	System     *string
	MaxHistory *int
}

// Info 汇总会话的元信息。
type Info struct {
	ID         string    `json:"id"`
	MaxHistory int       `json:"max_history"`
	Turns      int       `json:"turns"`
	HasSystem  bool      `json:"has_system"`
	LastUsed   time.Time `json:"last_used"`
	Created    bool      `json:"created,omitempty"`
}

type entry struct {
	mu       sync.Mutex
	id       string
	buffer   *history.Buffer
	lastUsed time.Time
	removed  bool
}

func (e *entry) info() Info {
	_, hasSystem := e.buffer.System()
	return Info{
		ID:         e.id,
		MaxHistory: e.buffer.MaxHistory(),
		Turns:      e.buffer.Len(),
		HasSystem:  hasSystem,
		LastUsed:   e.lastUsed,
	}
}

// Manager 维护 session id 到对话缓冲区的映射。
type Manager struct {
	cfg       Config
	persister Persister
	now       func() time.Time
	log       *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithPersister 为会话配置持久化存储。
func WithPersister(p Persister) Option {
	return func(m *Manager) {
		m.persister = p
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建会话管理器。DefaultMaxHistory 为负数时返回 CodeConfiguration。
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.DefaultMaxHistory < 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("默认 max_history 不能为负数: %d", cfg.DefaultMaxHistory))
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	m := &Manager{
		cfg:     cfg,
		now:     time.Now,
		log:     logger.Named("session"),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// DefaultConfig 返回常用的默认配置。
func DefaultConfig() Config {
	return Config{DefaultMaxHistory: defaultMaxHistory, SweepInterval: defaultSweepInterval}
}

// Open 在首次使用时创建会话。id 为空时生成新的 UUID；
// 若内存中不存在而持久化存储中存在，则从存储恢复。
func (m *Manager) Open(ctx context.Context, id string, opts OpenOptions) (Info, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}

	if e := m.lookup(id); e != nil {
		return m.touchInfo(e)
	}

	e, err := m.restore(ctx, id)
	if err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		return Info{}, err
	}
	created := false
	if e == nil {
		buf, err := m.newBuffer(opts)
		if err != nil {
			return Info{}, err
		}
		e = &entry{id: id, buffer: buf, lastUsed: m.now()}
		created = true
	}

	e.mu.Lock()
	existing, inserted := m.insert(e)
	if !inserted {
		e.mu.Unlock()
		return m.touchInfo(existing)
	}
	defer e.mu.Unlock()

	if created {
		if err := m.persist(ctx, e); err != nil {
			e.removed = true
			m.remove(id)
			return Info{}, err
		}
		m.log.Info("会话已创建", zap.String("session_id", id), zap.Int("max_history", e.buffer.MaxHistory()))
	} else {
		m.log.Info("会话已从存储恢复", zap.String("session_id", id), zap.Int("turns", e.buffer.Len()))
	}

	info := e.info()
	info.Created = created
	return info, nil
}

func (m *Manager) newBuffer(opts OpenOptions) (*history.Buffer, error) {
	system := m.cfg.DefaultSystem
	if opts.System != nil {
		system = *opts.System
	}
	maxHistory := m.cfg.DefaultMaxHistory
	if opts.MaxHistory != nil {
		maxHistory = *opts.MaxHistory
	}
	return history.New(system, maxHistory)
}

func (m *Manager) touchInfo(e *entry) (Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Info{}, notFound(e.id)
	}
	e.lastUsed = m.now()
	return e.info(), nil
}

// Do 在持有会话锁的情况下执行 fn。fn 返回 nil 后，会话快照会被写入持久化存储。
// 会话不存在时返回 CodeNotFound。
func (m *Manager) Do(ctx context.Context, id string, fn func(*history.Buffer) error) error {
	return m.with(ctx, id, true, fn)
}

func (m *Manager) with(ctx context.Context, id string, persist bool, fn func(*history.Buffer) error) error {
	e, err := m.lockLive(ctx, id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.lastUsed = m.now()
	if !persist || m.persister == nil {
		return fn(e.buffer)
	}
	before := e.buffer.Snapshot()
	if err := fn(e.buffer); err != nil {
		return err
	}
	if err := m.persist(ctx, e); err != nil {
		// 内存与存储保持一致，调用方重试时不会重复写入同一轮对话。
		if restoreErr := e.buffer.Restore(before); restoreErr != nil {
			m.log.Error("回滚会话失败", zap.String("session_id", id), zap.Error(restoreErr))
		}
		return err
	}
	return nil
}

// lockLive 返回已加锁且仍然有效的会话。会话在加锁前被清理时，
// 若配置了持久化存储则重新加载一次。
func (m *Manager) lockLive(ctx context.Context, id string) (*entry, error) {
	for attempt := 0; ; attempt++ {
		e, err := m.acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.removed {
			return e, nil
		}
		e.mu.Unlock()
		if m.persister == nil || attempt >= maxReacquire {
			return nil, notFound(id)
		}
		m.forget(e)
	}
}

// Snapshot 返回会话的当前快照。
func (m *Manager) Snapshot(ctx context.Context, id string) ([]history.Turn, error) {
	var turns []history.Turn
	err := m.with(ctx, id, false, func(buf *history.Buffer) error {
		turns = buf.Snapshot()
		return nil
	})
	return turns, err
}

// Clear 清空会话中的消息，keepSystem 控制是否保留 system 消息。
func (m *Manager) Clear(ctx context.Context, id string, keepSystem bool) error {
	err := m.Do(ctx, id, func(buf *history.Buffer) error {
		buf.Clear(keepSystem)
		return nil
	})
	if err == nil {
		m.log.Info("会话已清空", zap.String("session_id", id), zap.Bool("keep_system", keepSystem))
	}
	return err
}

// Delete 移除会话以及其持久化记录。
func (m *Manager) Delete(ctx context.Context, id string) error {
	e := m.remove(id)
	if e != nil {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	if m.persister != nil {
		if err := m.persister.Delete(ctx, id); err != nil {
			if !xerrors.HasCode(err, xerrors.CodeNotFound) {
				return err
			}
			if e == nil {
				return notFound(id)
			}
		}
	} else if e == nil {
		return notFound(id)
	}
	m.log.Info("会话已删除", zap.String("session_id", id))
	return nil
}

// Info 返回单个会话的元信息。
func (m *Manager) Info(ctx context.Context, id string) (Info, error) {
	e, err := m.lockLive(ctx, id)
	if err != nil {
		return Info{}, err
	}
	defer e.mu.Unlock()
	return e.info(), nil
}

// List 返回内存中所有会话的元信息，按 id 排序。
func (m *Manager) List() []Info {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			infos = append(infos, e.info())
		}
		e.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len 返回内存中会话的数量。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep 从内存中移除空闲时间超过 IdleTTL 的会话，返回移除数量。
// 正在使用的会话会被跳过；已持久化的记录保留，后续访问时重新加载。
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for id, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.lastUsed.Before(cutoff) {
			e.removed = true
			delete(m.entries, id)
			expired++
			m.log.Info("会话已过期", zap.String("session_id", id), zap.Time("last_used", e.lastUsed))
		}
		e.mu.Unlock()
	}
	return expired
}

// Run 按 SweepInterval 周期性清理过期会话，直到 ctx 结束。
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n := m.Sweep(m.now())
			metrics.SetSessions(m.Len())
			if n > 0 {
				m.log.Debug("完成会话清理", zap.Int("expired", n), zap.Int("remaining", m.Len()))
			}
		}
	}
}

func (m *Manager) lookup(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id]
}

func (m *Manager) insert(e *entry) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[e.id]; ok {
		return existing, false
	}
	m.entries[e.id] = e
	return e, true
}

// forget 仅当映射中仍是 e 时才移除，避免误删并发恢复的新会话。
func (m *Manager) forget(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[e.id] == e {
		delete(m.entries, e.id)
	}
}

func (m *Manager) remove(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	delete(m.entries, id)
	return e
}

// acquire 返回内存中的会话，必要时从持久化存储中加载。
func (m *Manager) acquire(ctx context.Context, id string) (*entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	if e := m.lookup(id); e != nil {
		return e, nil
	}
	e, err := m.restore(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, notFound(id)
	}
	e, _ = m.insert(e)
	return e, nil
}

func (m *Manager) restore(ctx context.Context, id string) (*entry, error) {
	if m.persister == nil {
		return nil, nil
	}
	record, err := m.persister.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	buf, err := history.New("", record.MaxHistory)
	if err != nil {
		return nil, err
	}
	if err := buf.Restore(record.Turns); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "会话记录损坏", xerrors.WithMetadata("session_id", id))
	}
	return &entry{id: id, buffer: buf, lastUsed: m.now()}, nil
}

// persist 要求调用方已持有 e.mu 或 e 尚未对外可见。
func (m *Manager) persist(ctx context.Context, e *entry) error {
	if m.persister == nil {
		return nil
	}
	record := Record{
		ID:         e.id,
		MaxHistory: e.buffer.MaxHistory(),
		Turns:      e.buffer.Snapshot(),
		UpdatedAt:  m.now(),
	}
	if err := m.persister.Save(ctx, record); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败", xerrors.WithMetadata("session_id", e.id))
	}
	return nil
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, "会话不存在", xerrors.WithMetadata("session_id", id))
}
