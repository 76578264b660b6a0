// internal/errors/errors.go
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation    ErrorType = "validation_error"    // AI响应不符合阶段schema
	ErrorTypeConfiguration ErrorType = "configuration_error" // LLM提供商未配置/未就绪
	ErrorTypeStorage       ErrorType = "storage_error"       // 存储后端读写失败
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeError         ErrorType = "processing_error"
	ErrorTypeCancelled     ErrorType = "cancelled" // 协作式取消，不是真正的错误
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeTimeout       ErrorType = "timeout"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string   // 用户友好的错误代码
	Details []string // schema校验等场景的附加细节
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误（附带schema校验细节）
func NewValidationError(message string, details []string) *AppError {
	e := NewAppError(ErrorTypeValidation, message, nil)
	e.Details = details
	return e
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, message, nil)
}

// NewStorageError 创建存储错误
func NewStorageError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeStorage, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewCancelledError 创建取消信号
// 取消不上报为告警，仅用于短路当前循环并冻结状态
func NewCancelledError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeCancelled, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// isType 检查错误链中是否存在指定类型的 AppError
func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsConfigurationError 检查是否为配置错误
func IsConfigurationError(err error) bool { return isType(err, ErrorTypeConfiguration) }

// IsStorageError 检查是否为存储错误
func IsStorageError(err error) bool { return isType(err, ErrorTypeStorage) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsCancelled 检查是否为取消信号（包括context取消）
func IsCancelled(err error) bool {
	// 超时(DeadlineExceeded)按瞬时错误对待，不算取消
	if errors.Is(err, context.Canceled) {
		return true
	}
	return isType(err, ErrorTypeCancelled)
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeConfiguration:
		return "CONFIGURATION_ERROR"
	case ErrorTypeStorage:
		return "STORAGE_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeCancelled:
		return "CANCELLED"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
			Details: appError.Details,
		}
	}

	return NewAppError(errType, message, err)
}
