// internal/api/response_test.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func performError(t *testing.T, err error) (*httptest.ResponseRecorder, *APIResponse) {
	t.Helper()
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	respondError(c, err)

	var body APIResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("响应不是有效JSON: %v", err)
	}
	return recorder, &body
}

func TestRespondErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"验证错误", apperrors.NewValidationError("bad", nil), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"未找到", apperrors.NewNotFoundError("missing", nil), http.StatusNotFound, "NOT_FOUND"},
		{"配置错误", apperrors.NewConfigurationError("no key"), http.StatusPreconditionFailed, "CONFIGURATION_ERROR"},
		{"存储错误", apperrors.NewStorageError("io", nil), http.StatusInternalServerError, "STORAGE_ERROR"},
		{"取消", apperrors.NewCancelledError("stopped", nil), http.StatusOK, "CANCELLED"},
		{"普通错误", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, body := performError(t, tt.err)
			if recorder.Code != tt.wantStatus {
				t.Errorf("状态码 = %d, 期望 %d", recorder.Code, tt.wantStatus)
			}
			if body.Success {
				t.Error("错误响应success应为false")
			}
			if body.Error == nil || body.Error.Code != tt.wantCode {
				t.Errorf("错误代码不正确: %+v", body.Error)
			}
		})
	}
}

func TestRespondErrorCarriesValidationDetails(t *testing.T) {
	err := apperrors.NewValidationError("schema mismatch", []string{"name: required"})
	_, body := performError(t, err)

	if len(body.Error.Details) != 1 || body.Error.Details[0] != "name: required" {
		t.Errorf("校验细节应回传给客户端: %+v", body.Error)
	}
}

func TestRespondSuccessShape(t *testing.T) {
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	respondSuccess(c, gin.H{"key": "abc"}, "saved")

	if recorder.Code != http.StatusOK {
		t.Fatalf("状态码 = %d", recorder.Code)
	}
	var body APIResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Message != "saved" {
		t.Errorf("响应不正确: %+v", body)
	}
	if body.Timestamp.IsZero() {
		t.Error("响应应包含时间戳")
	}
}
