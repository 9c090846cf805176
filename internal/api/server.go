package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"LeanChat/internal/auth"
	"LeanChat/internal/conversation"
	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/history"
	"LeanChat/internal/job"
	"LeanChat/internal/observability/metrics"
	"LeanChat/internal/session"
	"LeanChat/pkg/logger"
)

const (
	maxBodyBytes    = 1 << 20
	maxJobWait      = time.Minute
	jobPollInterval = 50 * time.Millisecond
)

// ChatRunner 在指定会话中执行一轮同步对话。
type ChatRunner interface {
	Chat(ctx context.Context, sessionID, text string) (conversation.Reply, error)
}

// Server 负责暴露会话与异步任务的 REST 接口。
type Server struct {
	addr     string
	sessions *session.Manager
	chat     ChatRunner
	jobs     *job.Service
	auth     *auth.Service
	log      *zap.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithJobs 启用异步任务接口，未配置时相关路由返回 503。
func WithJobs(svc *job.Service) Option {
	return func(s *Server) { s.jobs = svc }
}

// WithAuth 为 /api/v1 下的接口启用 Bearer Token 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sessions *session.Manager, chat ChatRunner, opts ...Option) *Server {
	s := &Server{addr: addr, sessions: sessions, chat: chat, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由表，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth.Middleware()(h))
	}
	api("POST /api/v1/sessions", s.handleCreateSession)
	api("GET /api/v1/sessions", s.handleListSessions)
	api("GET /api/v1/sessions/{id}", s.handleGetSession)
	api("DELETE /api/v1/sessions/{id}", s.handleClearSession)
	api("POST /api/v1/sessions/{id}/messages", s.handleSendMessage)

	api("POST /api/v1/jobs", s.handleSubmitJob)
	api("GET /api/v1/jobs", s.handleListJobs)
	api("GET /api/v1/jobs/{id}", s.handleGetJob)
	return instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type createSessionRequest struct {
	ID         string  `json:"id"`
	System     *string `json:"system"`
	MaxHistory *int    `json:"max_history"`
}

type sessionResponse struct {
	session.Info
	Messages []history.Turn `json:"messages"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	info, err := s.sessions.Open(r.Context(), strings.TrimSpace(req.ID), session.OpenOptions{
		System:     req.System,
		MaxHistory: req.MaxHistory,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.SetSessions(s.sessions.Len())
	status := http.StatusOK
	if info.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.sessions.Info(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	turns, err := s.sessions.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Info: info, Messages: turns})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	query := r.URL.Query()

	drop, err := boolParam(query.Get("drop"), false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if drop {
		if err := s.sessions.Delete(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		metrics.SetSessions(s.sessions.Len())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	keepSystem, err := boolParam(query.Get("keep_system"), true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sessions.Clear(r.Context(), id, keepSystem); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	ElapsedMillis    int64  `json:"elapsed_ms"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "对话服务未初始化"))
		return
	}
	var req messageRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	reply, err := s.chat.Chat(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Debug("对话完成",
		zap.String("session_id", r.PathValue("id")),
		zap.String("caller", caller(r)),
		zap.Duration("elapsed", reply.Elapsed),
	)
	writeJSON(w, http.StatusOK, messageResponse{
		Content:          reply.Content,
		Model:            reply.Model,
		ElapsedMillis:    reply.Elapsed.Milliseconds(),
		PromptTokens:     reply.PromptTokens,
		CompletionTokens: reply.CompletionTokens,
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "异步任务未启用", http.StatusServiceUnavailable)
		return
	}
	var req job.SubmitRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	wait, err := waitParam(r.URL.Query().Get("wait"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Debug("任务已提交", zap.String("job_id", created.ID), zap.String("caller", caller(r)))
	if wait <= 0 || created.Done() {
		writeJSON(w, http.StatusAccepted, created)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	done, err := s.jobs.WaitUntilCompleted(ctx, created.ID, jobPollInterval)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, done)
	case errors.Is(err, context.DeadlineExceeded):
		latest, getErr := s.jobs.Get(r.Context(), created.ID)
		if getErr != nil {
			s.writeError(w, getErr)
			return
		}
		writeJSON(w, http.StatusAccepted, latest)
	default:
		s.writeError(w, err)
	}
}

// waitParam 解析同步等待时长，上限为 maxJobWait。
func waitParam(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "wait 参数无效: "+raw)
	}
	return min(d, maxJobWait), nil
}

// caller 返回认证后的调用方标识，未启用认证时为 anonymous。
func caller(r *http.Request) string {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.TokenID
	}
	return "anonymous"
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "异步任务未启用", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	opts := job.ListOptions{SessionID: query.Get("session_id")}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(status) {
				s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status)))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	jobs, err := s.jobs.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "异步任务未启用", http.StatusServiceUnavailable)
		return
	}
	found, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// decodeBody 解析 JSON 请求体。allowEmpty 为 true 时空请求体视为零值。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: string(xerrors.CodeInvalidArgument), Message: "请求体解析失败"})
		return false
	}
	return true
}

func boolParam(raw string, fallback bool) (bool, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "布尔参数无效: "+raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
