// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"fmt"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// CompletionRequest 文本生成请求参数标准化
type CompletionRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float32                `json:"temperature,omitempty"`
	TopP         float32                `json:"top_p,omitempty"`
	Model        string                 `json:"model,omitempty"`
	StopWords    []string               `json:"stop_words,omitempty"`
	ExtraParams  map[string]interface{} `json:"extra_params,omitempty"`
}

// CompletionResponse 文本生成响应标准化
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// ImageReference 随图像请求附带的参考图
type ImageReference struct {
	Data        string `json:"data"` // base64编码
	MimeType    string `json:"mime_type"`
	Instruction string `json:"instruction,omitempty"`
}

// ImageRequest 图像生成请求参数标准化
type ImageRequest struct {
	Prompt          string           `json:"prompt"`
	Model           string           `json:"model,omitempty"`
	Size            string           `json:"size,omitempty"`
	ReferenceImages []ImageReference `json:"reference_images,omitempty"`
}

// ImageResponse 图像生成响应标准化
type ImageResponse struct {
	ImageData    string  `json:"image_data"` // base64编码
	MimeType     string  `json:"mime_type"`
	Cost         float64 `json:"cost,omitempty"`
	ModelName    string  `json:"model_name,omitempty"`
	ProviderName string  `json:"provider_name,omitempty"`
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 获取支持的模型列表
	GetSupportedModels() []string

	// 文本生成
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// 可选：获取可用模型列表（有些提供商支持）
	FetchAvailableModels(ctx context.Context) error

	// 可选：设置自定义模型列表
	SetCustomModels(models []string)
}

// ImageProvider 支持图像生成的提供者额外实现此接口
type ImageProvider interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// 注册表和工厂函数类型
type ProviderFactory func() Provider

var providers = make(map[string]ProviderFactory)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	provider := factory()
	err := provider.Initialize(config)
	return provider, err
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

// GetSupportedModelsForProvider 获取指定提供商支持的模型列表
func GetSupportedModelsForProvider(name string) []string {
	factory, exists := providers[name]
	if !exists {
		return []string{}
	}

	provider := factory()
	return provider.GetSupportedModels()
}
