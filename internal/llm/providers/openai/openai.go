// internal/llm/providers/openai/openai.go
package openai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/llm"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			models: []string{
				"gpt-4o",
				"gpt-4o-mini",
			},
		}
	})
}

type Provider struct {
	client          openaisdk.Client
	defaultModel    string
	imageModel      string
	availableModels []string
	models          []string
	initialized     bool
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("openai_api密钥未提供")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	p.client = openaisdk.NewClient(opts...)

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gpt-4o-mini"
	}

	if model, exists := config["image_model"]; exists && model != "" {
		p.imageModel = model
	} else {
		p.imageModel = "dall-e-3"
	}

	p.initialized = true
	return nil
}

func (p *Provider) GetName() string {
	return "openai"
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.models
}

// isRateLimitError 判断是否为限流错误，限流时退避后重试
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if !p.initialized {
		return nil, errors.New("openai提供者未初始化")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []openaisdk.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openaisdk.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openaisdk.UserMessage(req.Prompt))

	params := openaisdk.ChatCompletionNewParams{
		Messages: messages,
		Model:    openaisdk.ChatModel(model),
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}
	if len(req.StopWords) > 0 {
		params.Stop = openaisdk.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopWords}
	}

	// 限流时退避重试，等待时间参考官方建议
	const maxRetries = 3
	waitTimes := []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}

	var resp *openaisdk.ChatCompletion
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err = p.client.Chat.Completions.New(ctx, params)
		if err != nil && isRateLimitError(err) && attempt < maxRetries-1 {
			select {
			case <-time.After(waitTimes[attempt]):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		break
	}
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("openai未返回任何结果")
	}

	return &llm.CompletionResponse{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		TokensUsed:   int(resp.Usage.TotalTokens),
		PromptTokens: int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

// GenerateImage 调用OpenAI图像生成API，返回base64编码的图像
func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResponse, error) {
	if !p.initialized {
		return nil, errors.New("openai提供者未初始化")
	}

	model := req.Model
	if model == "" {
		model = p.imageModel
	}

	params := openaisdk.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openaisdk.ImageModel(model),
		N:              openaisdk.Int(1),
		ResponseFormat: openaisdk.ImageGenerateParamsResponseFormatB64JSON,
	}
	if req.Size != "" {
		params.Size = openaisdk.ImageGenerateParamsSize(req.Size)
	}

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errors.New("openai响应中不包含图像数据")
	}

	return &llm.ImageResponse{
		ImageData:    resp.Data[0].B64JSON,
		MimeType:     "image/png",
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

// FetchAvailableModels 获取账户可用的模型列表
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	if !p.initialized {
		return errors.New("openai提供者未初始化")
	}

	pager := p.client.Models.ListAutoPaging(ctx)
	var names []string
	for pager.Next() {
		model := pager.Current()
		if strings.HasPrefix(model.ID, "gpt-") || strings.HasPrefix(model.ID, "dall-e") {
			names = append(names, model.ID)
		}
	}
	if err := pager.Err(); err != nil {
		return err
	}

	if len(names) > 0 {
		p.availableModels = names
	}
	return nil
}

// SetCustomModels 设置自定义模型列表
func (p *Provider) SetCustomModels(models []string) {
	if len(models) > 0 {
		p.availableModels = models
	}
}
