package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeTransientRemote ErrorCode = "TRANSIENT_REMOTE" // LLM 503、工具服务 5xx、网络超时
	CodePermanentRemote ErrorCode = "PERMANENT_REMOTE" // 上游 4xx（schema 错误、API key 无效）
	CodeSchemaViolation ErrorCode = "SCHEMA_VIOLATION" // 工具参数非法、LLM JSON 输出畸形
	CodePrecondition    ErrorCode = "PRECONDITION"     // 前置条件不满足（如无加仓余量）
	CodeCancelled       ErrorCode = "CANCELLED"        // 会话或周期被取消
	CodeInternal        ErrorCode = "INTERNAL_ERROR"   // 断言/不变量被破坏
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"
	CodeServiceUnavail  ErrorCode = "SERVICE_UNAVAILABLE"
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

// New 创建指定错误码的应用错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 创建带原因的应用错误
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// CodeOf 返回错误的错误码；非 AppError 归为 INTERNAL_ERROR
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsTransient 判断是否为可重试的瞬时错误
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransientRemote
}

// IsSchemaViolation 判断是否为参数/格式错误
func IsSchemaViolation(err error) bool {
	return CodeOf(err) == CodeSchemaViolation
}

// IsPrecondition 判断是否为前置条件错误
func IsPrecondition(err error) bool {
	return CodeOf(err) == CodePrecondition
}

// IsCancelled 判断是否为取消
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeCancelled
}
