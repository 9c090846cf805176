package api

import (
	stdErrors "errors"
	"net/http"

	"go.uber.org/zap"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/job"
)

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeConfiguration, job.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, job.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, job.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	resp := errorResponse{
		Code:      string(xerrors.CodeOf(err)),
		Message:   err.Error(),
		Retryable: xerrors.RetryableError(err),
	}
	var coded *xerrors.Error
	if stdErrors.As(err, &coded) && coded.Message() != "" {
		resp.Message = coded.Message()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", zap.Int("status", status), zap.String("code", resp.Code), zap.Error(err))
	}
	writeJSON(w, status, resp)
}
