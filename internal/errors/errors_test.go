// internal/errors/errors_test.go
package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorTypeChecks(t *testing.T) {
	if !IsValidationError(NewValidationError("bad input", nil)) {
		t.Error("验证错误类型检查失败")
	}
	if !IsConfigurationError(NewConfigurationError("not configured")) {
		t.Error("配置错误类型检查失败")
	}
	if !IsStorageError(NewStorageError("io", errors.New("disk"))) {
		t.Error("存储错误类型检查失败")
	}
	if !IsNotFoundError(NewNotFoundError("missing", nil)) {
		t.Error("未找到错误类型检查失败")
	}
	if IsValidationError(NewStorageError("io", nil)) {
		t.Error("类型检查不应跨类型匹配")
	}
}

func TestTypeChecksThroughWrapping(t *testing.T) {
	inner := NewStorageError("write failed", errors.New("disk full"))
	wrapped := fmt.Errorf("保存会话: %w", inner)

	if !IsStorageError(wrapped) {
		t.Error("包装后的AppError应仍可识别类型")
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(context.Canceled) {
		t.Error("context.Canceled应识别为取消")
	}
	if !IsCancelled(fmt.Errorf("stage aborted: %w", context.Canceled)) {
		t.Error("包装的context.Canceled应识别为取消")
	}
	if !IsCancelled(NewCancelledError("user cancelled", nil)) {
		t.Error("取消信号应识别为取消")
	}

	// 超时按瞬时错误对待，不算取消
	if IsCancelled(context.DeadlineExceeded) {
		t.Error("超时不应识别为取消")
	}
	if IsCancelled(errors.New("ordinary error")) {
		t.Error("普通错误不应识别为取消")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStorageError("写入失败", cause)

	if got := err.Error(); got != "写入失败: connection refused" {
		t.Errorf("错误消息格式不正确: %s", got)
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap应暴露原始错误")
	}
}

func TestValidationDetailsPreserved(t *testing.T) {
	err := NewValidationError("schema mismatch", []string{"name: required", "scenes: array expected"})
	if len(err.Details) != 2 {
		t.Errorf("细节应保留: %v", err.Details)
	}
	if err.Code != "VALIDATION_ERROR" {
		t.Errorf("错误代码不正确: %s", err.Code)
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, "context", ErrorTypeStorage) != nil {
		t.Error("包装nil应返回nil")
	}

	plain := errors.New("boom")
	wrapped := WrapError(plain, "存储层", ErrorTypeStorage)
	if !IsStorageError(wrapped) {
		t.Error("普通错误应包装为指定类型")
	}

	// 已是AppError时保留原类型
	rewrapped := WrapError(NewValidationError("bad", nil), "外层", ErrorTypeStorage)
	if !IsValidationError(rewrapped) {
		t.Error("重复包装应保留原始类型")
	}
}
