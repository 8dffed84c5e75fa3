package apierrors

import (
	"errors"

	"google.golang.org/grpc/codes"
)

// Code 表示面向用户的统一错误码（封闭集合）。
type Code string

const (
	CodeUserCancelled      Code = "USER_CANCELLED"
	CodeNoInternet         Code = "NO_INTERNET"
	CodeProxyInvalid       Code = "PROXY_INVALID"
	CodeCertificateRevoked Code = "CERTIFICATE_REVOKED"
	CodeTooManyRequests    Code = "TOO_MANY_REQUESTS"
	CodeSessionExpired     Code = "SESSION_EXPIRED"
	CodeAccountNotFound    Code = "ACCOUNT_NOT_FOUND"
	CodeTechnicalError     Code = "TECHNICAL_ERROR"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
)

// Codes 返回全部错误码，顺序固定。
func Codes() []Code {
	return []Code{
		CodeUserCancelled,
		CodeNoInternet,
		CodeProxyInvalid,
		CodeCertificateRevoked,
		CodeTooManyRequests,
		CodeSessionExpired,
		CodeAccountNotFound,
		CodeTechnicalError,
		CodeInvalidCredentials,
	}
}

// Kind 描述错误来源分类。
type Kind string

const (
	// KindInputValidation 输入格式错误，任何副作用之前同步返回。
	KindInputValidation Kind = "INPUT_VALIDATION"
	// KindTransport 网络、代理或 TLS 错误。
	KindTransport Kind = "TRANSPORT"
	// KindProviderFault 远端签名服务返回的终止状态。
	KindProviderFault Kind = "PROVIDER_FAULT"
	// KindHardware 读卡器或卡片错误。
	KindHardware Kind = "HARDWARE"
	// KindProtocolInvariant 会话状态不变量被破坏，例如同一容器并发签名。
	KindProtocolInvariant Kind = "PROTOCOL_INVARIANT"
)

var httpStatusMap = map[Code]int{
	CodeUserCancelled:      499,
	CodeNoInternet:         503,
	CodeProxyInvalid:       502,
	CodeCertificateRevoked: 403,
	CodeTooManyRequests:    429,
	CodeSessionExpired:     408,
	CodeAccountNotFound:    404,
	CodeTechnicalError:     500,
	CodeInvalidCredentials: 400,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeUserCancelled:      codes.Canceled,
	CodeNoInternet:         codes.Unavailable,
	CodeProxyInvalid:       codes.Unavailable,
	CodeCertificateRevoked: codes.PermissionDenied,
	CodeTooManyRequests:    codes.ResourceExhausted,
	CodeSessionExpired:     codes.DeadlineExceeded,
	CodeAccountNotFound:    codes.NotFound,
	CodeTechnicalError:     codes.Internal,
	CodeInvalidCredentials: codes.InvalidArgument,
}

// Error 表示带统一错误码的业务错误。
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	// Detail 需要原样展示给用户的补充信息，例如 PIN 剩余次数。
	Detail string
	// Fault 后端原始终止码，仅用于日志和审计。
	Fault string
	cause error
}

// New 创建一个新的业务错误。
func New(code Code, message string) *Error {
	return &Error{Kind: KindProviderFault, Code: code, Message: message}
}

// NewKind 按 Kind 创建业务错误。
func NewKind(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// InvalidCredentials 返回输入校验错误。
func InvalidCredentials(message string) *Error {
	return NewKind(KindInputValidation, CodeInvalidCredentials, message)
}

// ProtocolInvariant 返回会话不变量错误。
func ProtocolInvariant(message string) *Error {
	return NewKind(KindProtocolInvariant, CodeTechnicalError, message)
}

// WithDetail 设置需原样展示的补充信息。
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithFault 记录后端原始终止码。
func (e *Error) WithFault(fault string) *Error {
	e.Fault = fault
	return e
}

// WithCause 记录底层错误，供 errors.Is/As 使用。
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap 返回底层错误。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsKind 判断 err 是否属于指定 Kind。
func IsKind(err error, kind Kind) bool {
	apiErr, ok := FromError(err)
	return ok && apiErr.Kind == kind
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// HTTPStatusFor 结合 Kind 返回 HTTP 状态码，会话冲突固定为 409。
func HTTPStatusFor(err *Error) int {
	if err == nil {
		return 500
	}
	if err.Kind == KindProtocolInvariant {
		return 409
	}
	return HTTPStatus(err.Code)
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// GRPCStatusFor 结合 Kind 返回 gRPC code，会话冲突固定为 FailedPrecondition。
func GRPCStatusFor(err *Error) codes.Code {
	if err == nil {
		return codes.Internal
	}
	if err.Kind == KindProtocolInvariant {
		return codes.FailedPrecondition
	}
	return GRPCStatus(err.Code)
}
