package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/job"
)

const (
	jobColumns = `id, session_id, input, status, attempts, max_retries, reply, last_error, error_code, created_at, updated_at`

	insertJobSQL = `INSERT INTO chat_jobs
        (id, session_id, input, status, attempts, max_retries, reply, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, NULL, '', '', ?, ?)`
	selectJobSQL = `SELECT ` + jobColumns + ` FROM chat_jobs WHERE id = ?`
	claimJobSQL  = `UPDATE chat_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`
	succeedJobSQL = `UPDATE chat_jobs SET status = ?, reply = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	failJobSQL    = `UPDATE chat_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	mysqlErrDuplicateEntry = 1062
)

// JobStore 使用 chat_jobs 表记录异步对话任务，实现 job.Store。
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobStore 建立连接并执行迁移。
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 任务存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return &JobStore{db: db, now: time.Now}, nil
}

// Create 插入新的任务记录，ID 重复时返回 job.ErrJobConflict。
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(j.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, insertJobSQL,
		j.ID, j.SessionID, j.Input, string(j.Status), j.Attempts, j.MaxRetries, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return job.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	found, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return found, nil
}

// Claim 以条件更新的方式领取待处理任务，保证同一任务只会被一个工作协程执行。
func (s *JobStore) Claim(ctx context.Context, id string) (*job.Job, error) {
	res, err := s.db.ExecContext(ctx, claimJobSQL,
		string(job.StatusRunning), s.now().Unix(), id, string(job.StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return current, nil
	}
	switch current.Status {
	case job.StatusSucceeded:
		return current, job.ErrJobCompleted
	case job.StatusRunning:
		return current, job.ErrJobConflict
	default:
		return current, job.ErrJobExhausted
	}
}

// MarkSucceeded 记录任务结果。
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, result job.Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务结果失败")
	}
	res, err := s.db.ExecContext(ctx, succeedJobSQL, string(job.StatusSucceeded), string(encoded), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败原因。terminal 为 false 时任务回到 pending 等待重试。
func (s *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := job.StatusPending
	if terminal {
		status = job.StatusFailed
	}
	res, err := s.db.ExecContext(ctx, failJobSQL, string(status), lastError, string(code), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// List 按更新时间倒序返回符合条件的任务。
func (s *JobStore) List(ctx context.Context, opts job.ListOptions) ([]*job.Job, error) {
	query, args := buildListQuery(opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*job.Job, 0)
	for rows.Next() {
		found, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, found)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Close 关闭底层数据库连接。
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildListQuery(opts job.ListOptions) (string, []any) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	conditions := make([]string, 0, 2)
	args := make([]any, 0, len(opts.Statuses)+2)
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	query := `SELECT ` + jobColumns + ` FROM chat_jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, created_at DESC, id ASC LIMIT ?"
	return query, append(args, limit)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j         job.Job
		status    string
		reply     sql.NullString
		lastError sql.NullString
	)
	if err := row.Scan(&j.ID, &j.SessionID, &j.Input, &status, &j.Attempts, &j.MaxRetries,
		&reply, &lastError, &j.ErrorCode, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	j.LastError = lastError.String
	if reply.Valid && reply.String != "" {
		var result job.Result
		if err := json.Unmarshal([]byte(reply.String), &result); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		j.Reply = &result
	}
	return &j, nil
}

var _ job.Store = (*JobStore)(nil)
