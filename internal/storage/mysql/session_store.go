package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/history"
	"LeanChat/internal/session"
)

const (
	upsertSessionSQL = `INSERT INTO chat_sessions (id, max_history, turns, updated_at)
    VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE max_history = VALUES(max_history), turns = VALUES(turns), updated_at = VALUES(updated_at)`
	selectSessionSQL = `SELECT id, max_history, turns, updated_at FROM chat_sessions WHERE id = ?`
	deleteSessionSQL = `DELETE FROM chat_sessions WHERE id = ?`
)

// SessionStore 将会话快照保存在 chat_sessions 表中，实现 session.Persister。
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore 建立连接并执行迁移。
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 会话存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return &SessionStore{db: db}, nil
}

// Load 读取会话快照，不存在时返回 CodeNotFound。
func (s *SessionStore) Load(ctx context.Context, id string) (*session.Record, error) {
	var (
		record    session.Record
		rawTurns  string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, selectSessionSQL, id).Scan(&record.ID, &record.MaxHistory, &rawTurns, &updatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "会话记录不存在", xerrors.WithMetadata("session_id", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话记录失败")
	}

	var turns []history.Turn
	if err := json.Unmarshal([]byte(rawTurns), &turns); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话记录失败")
	}
	record.Turns = turns
	record.UpdatedAt = time.Unix(updatedAt, 0)
	return &record, nil
}

// Save 写入或覆盖会话快照。
func (s *SessionStore) Save(ctx context.Context, record session.Record) error {
	turns := record.Turns
	if turns == nil {
		turns = []history.Turn{}
	}
	encoded, err := json.Marshal(turns)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话记录失败")
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, upsertSessionSQL, record.ID, record.MaxHistory, string(encoded), updatedAt.Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话记录失败")
	}
	return nil
}

// Delete 删除会话快照，不存在时返回 CodeNotFound。
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, deleteSessionSQL, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话记录失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return xerrors.New(xerrors.CodeNotFound, "会话记录不存在", xerrors.WithMetadata("session_id", id))
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ session.Persister = (*SessionStore)(nil)
