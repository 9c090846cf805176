package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/session"
)

const defaultKeyPrefix = "leanchat:session:"

// Config 描述 Redis 会话存储的连接参数。
type Config struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// SessionStore 使用 Redis 字符串保存会话快照，实现 session.Persister。
type SessionStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewSessionStore 创建 Redis 客户端并检查连通性。
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewSessionStoreWithClient(client, cfg), nil
}

// NewSessionStoreWithClient 复用已有的 Redis 客户端。
func NewSessionStoreWithClient(client goredis.UniversalClient, cfg Config) *SessionStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &SessionStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (s *SessionStore) key(id string) string {
	return s.prefix + id
}

// Load 读取会话快照，不存在时返回 CodeNotFound。
func (s *SessionStore) Load(ctx context.Context, id string) (*session.Record, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if stdErrors.Is(err, goredis.Nil) {
		return nil, xerrors.New(xerrors.CodeNotFound, "会话记录不存在", xerrors.WithMetadata("session_id", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 会话失败")
	}
	return decodeRecord(raw)
}

// Save 写入会话快照；配置了 TTL 时每次写入都会刷新过期时间。
func (s *SessionStore) Save(ctx context.Context, record session.Record) error {
	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(record.ID), payload, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 会话失败")
	}
	return nil
}

// Delete 删除会话快照，不存在时返回 CodeNotFound。
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 会话失败")
	}
	if removed == 0 {
		return xerrors.New(xerrors.CodeNotFound, "会话记录不存在", xerrors.WithMetadata("session_id", id))
	}
	return nil
}

// Close 关闭 Redis 客户端。
func (s *SessionStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func encodeRecord(record session.Record) ([]byte, error) {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话记录失败")
	}
	return payload, nil
}

func decodeRecord(raw []byte) (*session.Record, error) {
	var record session.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析会话记录失败（%d 字节）", len(raw)))
	}
	return &record, nil
}

var _ session.Persister = (*SessionStore)(nil)
