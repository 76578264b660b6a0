// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Corphon/StoryboardMCP/internal/config"
	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/utils"
)

// LLMService 包装具体Provider，提供就绪状态守卫、响应缓存与结构化输出
type LLMService struct {
	provider      llm.Provider
	providerName  string
	isReady       bool
	readyState    string
	providerMutex sync.RWMutex
	cache         *LLMCache
}

// LLMCache LLM响应内存缓存
type LLMCache struct {
	cache      map[string]*CacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Response  interface{}
	Timestamp time.Time
}

// NewLLMService 根据当前配置创建LLM服务
func NewLLMService() (*LLMService, error) {
	s := createBaseLLMService()

	cfg := config.GetCurrentConfig()
	if cfg.LLMProvider == "" || cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		s.readyState = "LLM提供商未配置，请在设置页面配置API密钥"
		return s, nil
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		s.readyState = fmt.Sprintf("初始化提供商失败: %v", err)
		return s, nil
	}

	s.provider = provider
	s.providerName = cfg.LLMProvider
	s.isReady = true
	s.readyState = "已就绪"
	return s, nil
}

// NewEmptyLLMService 创建未配置提供商的空服务
func NewEmptyLLMService() *LLMService {
	return createBaseLLMService()
}

// NewLLMServiceWithProvider 使用指定Provider创建服务（测试和定制用）
func NewLLMServiceWithProvider(provider llm.Provider) *LLMService {
	s := createBaseLLMService()
	if provider != nil {
		s.provider = provider
		s.providerName = provider.GetName()
		s.isReady = true
		s.readyState = "已就绪"
	}
	return s
}

func createBaseLLMService() *LLMService {
	return &LLMService{
		readyState: "提供商未初始化",
		cache: &LLMCache{
			cache:      make(map[string]*CacheEntry),
			expiration: 30 * time.Minute,
		},
	}
}

// IsReady 检查LLM提供商是否就绪（对应前端的isConfigured守卫）
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.isReady && s.provider != nil
}

// GetReadyState 返回就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// GetProvider 返回当前Provider
func (s *LLMService) GetProvider() llm.Provider {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider
}

// GetProviderName 返回当前提供商名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// UpdateProvider 切换或重新配置提供商
func (s *LLMService) UpdateProvider(providerName string, cfg map[string]string) error {
	provider, err := llm.GetProvider(providerName, cfg)
	if err != nil {
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.isReady = true
	s.readyState = "已就绪"

	// 提供商切换后旧缓存失效
	s.cache.mutex.Lock()
	s.cache.cache = make(map[string]*CacheEntry)
	s.cache.mutex.Unlock()

	return nil
}

// CompleteText 文本生成，返回模型原始文本
// 调用方负责防御性解析（可能包含Markdown围栏或前导说明文字）
func (s *LLMService) CompleteText(ctx context.Context, systemPrompt, prompt string, opts ...func(*llm.CompletionRequest)) (string, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return "", apperrors.NewConfigurationError(fmt.Sprintf("LLM服务未就绪: %s", state))
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Temperature:  0.3,
	}
	for _, opt := range opts {
		opt(&req)
	}

	cacheKey := s.generateCacheKey(prompt, systemPrompt, req.Model)
	if cached, ok := s.cache.getFromCache(cacheKey); ok {
		if text, ok := cached.(string); ok {
			utils.GetLogger().Debug("LLM文本缓存命中", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
			return text, nil
		}
	}

	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		return "", err
	}

	s.cache.saveToCache(cacheKey, resp.Text)

	return resp.Text, nil
}

// CreateStructuredCompletion 请求结构化JSON输出并直接解析到outputSchema
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt, systemPrompt string, outputSchema interface{}) error {
	structuredSystemPrompt := systemPrompt
	if systemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."

	text, err := s.CompleteText(ctx, structuredSystemPrompt, prompt)
	if err != nil {
		return err
	}

	cleaned := cleanJSONString(text)
	if err := json.Unmarshal([]byte(cleaned), outputSchema); err != nil {
		return fmt.Errorf("解析AI结构化输出失败: %w\nAI返回: %s", err, truncateText(cleaned, 200))
	}

	return nil
}

// GenerateImage 图像生成，提供商不支持图像时返回配置错误
func (s *LLMService) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResponse, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("LLM服务未就绪: %s", state))
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	imageProvider, ok := provider.(llm.ImageProvider)
	if !ok {
		return nil, apperrors.NewConfigurationError(
			fmt.Sprintf("提供商 %s 不支持图像生成", s.providerName))
	}

	return imageProvider.GenerateImage(ctx, req)
}

// generateCacheKey 基于提示词和模型生成缓存键
func (s *LLMService) generateCacheKey(prompt, systemPrompt, model string) string {
	h := md5.Sum([]byte(prompt + "|" + systemPrompt + "|" + model))
	return hex.EncodeToString(h[:])
}

func (c *LLMCache) getFromCache(key string) (interface{}, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil, false
	}

	if time.Since(entry.Timestamp) > c.expiration {
		return nil, false
	}

	return entry.Response, true
}

func (c *LLMCache) saveToCache(key string, response interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &CacheEntry{
		Response:  response,
		Timestamp: time.Now(),
	}

	// 缓存过大时清理最老的20%
	if len(c.cache) > 200 {
		c.cleanupOldest(len(c.cache) / 5)
	}
}

func (c *LLMCache) cleanupOldest(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.Timestamp})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	for i := 0; i < count && i < len(entries); i++ {
		delete(c.cache, entries[i].key)
	}
}

// 清理JSON字符串，去除前后非JSON内容
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

func cleanJSONString(s string) string {
	if s == "" {
		return s
	}

	// 统一替换常见的噪声与Markdown标记
	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	// 查找第一个 { 或 [，将其之前的内容全部丢弃
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}

	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	isArray := s[0] == '['

	// 简单的括号计数匹配
	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if isArray {
				if char == '[' {
					balance++
				} else if char == ']' {
					balance--
				}
			} else {
				if char == '{' {
					balance++
				} else if char == '}' {
					balance--
				}
			}

			if balance == 0 {
				// 找到了匹配的结束符
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	// 没找到匹配的结束符时回退到找最后一个
	end := -1
	if isArray {
		end = strings.LastIndex(s, "]")
	} else {
		end = strings.LastIndex(s, "}")
	}

	if end != -1 {
		return strings.TrimSpace(s[:end+1])
	}

	return strings.TrimSpace(s)
}

// CleanLLMJSONResponse 提供给外部调用的JSON清洗助手
func CleanLLMJSONResponse(raw string) string {
	return cleanJSONString(raw)
}

// truncateText 按rune截断文本
func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen])
}
