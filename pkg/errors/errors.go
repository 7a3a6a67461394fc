package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	CodeQuotaExhausted    ErrorCode = "QUOTA_EXHAUSTED"
	CodeUpstreamTransport ErrorCode = "UPSTREAM_TRANSPORT"
	CodeUpstreamProtocol  ErrorCode = "UPSTREAM_PROTOCOL"
	CodeDecode            ErrorCode = "DECODE_ERROR"
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewInvalidRequestError 创建无效请求错误
func NewInvalidRequestError(message string) *AppError {
	return &AppError{Code: CodeInvalidRequest, Message: message}
}

// NewUnauthenticatedError 创建未认证错误
func NewUnauthenticatedError(message string, cause error) *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: message, Err: cause}
}

// NewProtocolViolationError 创建协议违例错误
func NewProtocolViolationError(message string) *AppError {
	return &AppError{Code: CodeProtocolViolation, Message: message}
}

func hasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsInvalidRequest 判断是否为无效请求错误
func IsInvalidRequest(err error) bool { return hasCode(err, CodeInvalidRequest) }

// IsUnauthenticated 判断是否为未认证错误
func IsUnauthenticated(err error) bool { return hasCode(err, CodeUnauthenticated) }

// IsQuotaExhausted 判断是否为配额耗尽错误
func IsQuotaExhausted(err error) bool { return hasCode(err, CodeQuotaExhausted) }

// IsUpstreamTransport 判断是否为上游传输错误
func IsUpstreamTransport(err error) bool { return hasCode(err, CodeUpstreamTransport) }

// IsProtocolViolation 判断是否为协议违例错误
func IsProtocolViolation(err error) bool { return hasCode(err, CodeProtocolViolation) }
