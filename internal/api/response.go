// internal/api/response.go
package api

import (
	"errors"
	"net/http"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/gin-gonic/gin"
)

// APIResponse 统一响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError 标准错误格式
type APIError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// respondSuccess 成功响应
func respondSuccess(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(http.StatusOK, response)
}

// respondError 根据AppError类型映射HTTP状态码
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	apiErr := &APIError{
		Code:    "INTERNAL_ERROR",
		Message: err.Error(),
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		apiErr.Code = appErr.Code
		apiErr.Message = appErr.Message
		apiErr.Details = appErr.Details

		switch appErr.Type {
		case apperrors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case apperrors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case apperrors.ErrorTypeConfiguration:
			status = http.StatusPreconditionFailed
		case apperrors.ErrorTypeConflict:
			status = http.StatusConflict
		case apperrors.ErrorTypeCancelled:
			// 客户端主动取消，不算服务端错误
			status = http.StatusOK
		case apperrors.ErrorTypeTimeout:
			status = http.StatusGatewayTimeout
		}
	}

	c.JSON(status, &APIResponse{
		Success:   false,
		Error:     apiErr,
		Timestamp: time.Now(),
	})
}

// respondBadRequest 请求参数错误的快捷响应
func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, &APIResponse{
		Success:   false,
		Error:     &APIError{Code: "VALIDATION_ERROR", Message: message},
		Timestamp: time.Now(),
	})
}
