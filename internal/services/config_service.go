// internal/services/config_service.go
package services

import (
	"context"
	"strings"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/config"
	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/utils"
)

// ConfigService 提供设置页面所需的配置管理功能
// 更新LLM配置时同步重建LLMService的提供商，保证两者一致
type ConfigService struct {
	llmService *LLMService
}

// SettingsView 返回给前端的设置视图，API密钥经过掩码处理
type SettingsView struct {
	Provider        string   `json:"provider"`
	DefaultModel    string   `json:"defaultModel"`
	APIKeyMasked    string   `json:"apiKeyMasked"`
	APIKeySet       bool     `json:"apiKeySet"`
	StorageBackend  string   `json:"storageBackend"`
	Ready           bool     `json:"ready"`
	ReadyState      string   `json:"readyState"`
	KnownProviders  []string `json:"knownProviders"`
	SupportedModels []string `json:"supportedModels"`
}

// NewConfigService 创建配置服务
func NewConfigService(llmService *LLMService) *ConfigService {
	return &ConfigService{llmService: llmService}
}

// GetSettings 获取当前设置视图
func (s *ConfigService) GetSettings() *SettingsView {
	cfg := config.GetCurrentConfig()

	apiKey := ""
	defaultModel := ""
	if cfg.LLMConfig != nil {
		apiKey = cfg.LLMConfig["api_key"]
		defaultModel = cfg.LLMConfig["default_model"]
	}

	return &SettingsView{
		Provider:        cfg.LLMProvider,
		DefaultModel:    defaultModel,
		APIKeyMasked:    maskAPIKey(apiKey),
		APIKeySet:       apiKey != "",
		StorageBackend:  cfg.StorageBackend,
		Ready:           s.llmService.IsReady(),
		ReadyState:      s.llmService.GetReadyState(),
		KnownProviders:  llm.ListProviders(),
		SupportedModels: llm.GetSupportedModelsForProvider(cfg.LLMProvider),
	}
}

// UpdateLLMSettings 更新LLM提供商配置并重建服务
func (s *ConfigService) UpdateLLMSettings(provider string, configMap map[string]string) error {
	if provider == "" {
		return apperrors.NewValidationError("提供商名称不能为空", nil)
	}
	if configMap == nil {
		configMap = make(map[string]string)
	}

	// 前端未传密钥时沿用已保存的密钥（掩码回传不应覆盖真实值）
	if configMap["api_key"] == "" || strings.Contains(configMap["api_key"], "*") {
		current := config.GetCurrentConfig()
		if current.LLMConfig != nil {
			configMap["api_key"] = current.LLMConfig["api_key"]
		}
	}
	if configMap["api_key"] == "" {
		return apperrors.NewValidationError("API密钥不能为空", nil)
	}

	if configMap["default_model"] == "" {
		configMap["default_model"] = defaultModelFor(provider)
	}

	if err := s.llmService.UpdateProvider(provider, configMap); err != nil {
		return apperrors.NewConfigurationError("初始化提供商失败: " + err.Error())
	}

	if err := config.UpdateLLMConfig(provider, configMap); err != nil {
		return apperrors.NewStorageError("保存配置失败", err)
	}

	utils.GetLogger().Info("LLM配置已更新", map[string]interface{}{
		"provider": provider,
		"model":    configMap["default_model"],
	})
	return nil
}

// TestConnection 用临时提供商实例发送一次极小的请求验证配置可用
// 不影响当前正在使用的提供商
func (s *ConfigService) TestConnection(ctx context.Context, provider string, configMap map[string]string) error {
	if provider == "" {
		return apperrors.NewValidationError("提供商名称不能为空", nil)
	}

	candidate, err := llm.GetProvider(provider, configMap)
	if err != nil {
		return apperrors.NewConfigurationError("创建提供商失败: " + err.Error())
	}

	testCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = candidate.CompleteText(testCtx, llm.CompletionRequest{
		Prompt:    "Reply with the single word: ok",
		MaxTokens: 10,
	})
	if err != nil {
		return apperrors.NewProcessingError("连接测试失败", err)
	}
	return nil
}

// defaultModelFor 各提供商的缺省模型
func defaultModelFor(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "google":
		return "gemini-2.5-flash"
	default:
		return ""
	}
}

// maskAPIKey 掩码显示密钥，仅保留首尾各4位
func maskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	runes := []rune(key)
	if len(runes) <= 8 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-8) + string(runes[len(runes)-4:])
}
