// internal/services/config_service_test.go
package services

import (
	"strings"
	"testing"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
)

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", ""},
		{"short", "*****"},
		{"sk-1234567890abcdef", "sk-1***********cdef"},
	}

	for _, tt := range tests {
		if got := maskAPIKey(tt.key); got != tt.want {
			t.Errorf("maskAPIKey(%q) = %q, 期望 %q", tt.key, got, tt.want)
		}
	}

	// 掩码结果不应泄露中间内容
	masked := maskAPIKey("sk-proj-verysecretkeyvalue")
	if strings.Contains(masked, "secret") {
		t.Errorf("掩码泄露了密钥内容: %s", masked)
	}
}

func TestDefaultModelFor(t *testing.T) {
	if got := defaultModelFor("openai"); got != "gpt-4o-mini" {
		t.Errorf("openai默认模型不正确: %s", got)
	}
	if got := defaultModelFor("google"); got != "gemini-2.5-flash" {
		t.Errorf("google默认模型不正确: %s", got)
	}
	if got := defaultModelFor("unknown"); got != "" {
		t.Errorf("未知提供商不应有默认模型: %s", got)
	}
}

func TestUpdateLLMSettingsValidation(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOG_DIR", t.TempDir())
	t.Setenv("GEMINI_API_KEY", "")

	svc := NewConfigService(NewEmptyLLMService())

	err := svc.UpdateLLMSettings("", map[string]string{"api_key": "k"})
	if err == nil {
		t.Fatal("空提供商应被拒绝")
	}
	if !apperrors.IsValidationError(err) {
		t.Errorf("期望验证错误，得到: %v", err)
	}

	// 无密钥且无已保存密钥
	err = svc.UpdateLLMSettings("openai", map[string]string{})
	if err == nil {
		t.Fatal("无API密钥应被拒绝")
	}
}
