package errors

import "sync"

// Code 是 LeanChat 各层共用的错误码，API 直接将其写入响应体的 code 字段。
type Code string

// Severity 决定错误在日志与告警中的级别。
type Severity string

// 严重程度
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码，业务包可通过 Register 追加自己的错误码（如 job 包）。
const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeConfiguration 用于非法的 max_history、未知的驱动等启动期错误。
	CodeConfiguration Code = "CONFIGURATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	// CodeInitializationFailure 表示组件缺少必需的依赖，API 映射为 503。
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	// CodeStorageFailure 覆盖会话快照与任务记录的读写失败。
	CodeStorageFailure Code = "STORAGE_FAILURE"
	CodeQueueFailure   Code = "QUEUE_FAILURE"
	// CodeUpstreamFailure 表示对话补全接口返回了错误或无法解析的响应。
	CodeUpstreamFailure Code = "UPSTREAM_FAILURE"
	CodeTimeout         Code = "TIMEOUT"
)

// Attributes 是错误码的默认描述：未指定消息时使用的文本、级别以及
// 异步任务是否应当重试。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeConfiguration:         {Message: "invalid configuration", Severity: SeverityCritical},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true},
		CodeUpstreamFailure:       {Message: "chat api failure", Severity: SeverityWarning, Retryable: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
	}
)

// Register 在 init 阶段登记业务错误码，重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 查询错误码的默认描述，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	attr, ok := registry[code]
	if !ok {
		attr = registry[CodeUnknown]
	}
	return attr
}
