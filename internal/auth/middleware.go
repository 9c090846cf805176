package auth

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"LeanChat/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，校验 Bearer Token 并记录审计日志。
// 未启用认证时直接放行。
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="leanchat"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				logger.Audit().Warn("access_denied",
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("remote", r.RemoteAddr),
					zap.Error(err),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			logger.Audit().Info("api_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", aw.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("token", subject.TokenID),
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
