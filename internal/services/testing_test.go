// internal/services/testing_test.go
package services

import (
	"context"
	"errors"
	"sync"

	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/storage"
)

// memBackend 测试用内存存储后端
type memBackend struct {
	mu    sync.Mutex
	data  map[string][]byte
	fail  bool // 强制所有操作失败
	calls int
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

var (
	errBackendDown  = errors.New("backend unavailable")
	errProviderDown = errors.New("provider down")
)

func (b *memBackend) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail {
		return errBackendDown
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	b.data[key] = copied
	return nil
}

func (b *memBackend) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail {
		return nil, errBackendDown
	}
	value, ok := b.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

func (b *memBackend) Has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok
}

func (b *memBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errBackendDown
	}
	if _, ok := b.data[key]; !ok {
		return storage.ErrNotFound
	}
	delete(b.data, key)
	return nil
}

func (b *memBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, errBackendDown
	}
	keys := make([]string, 0, len(b.data))
	for key := range b.data {
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *memBackend) Close() error { return nil }

var _ storage.Backend = (*memBackend)(nil)

func (b *memBackend) putRaw(key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
}

// fakeProvider 测试用LLM提供商，按调用顺序返回预置的文本响应
type fakeProvider struct {
	mu         sync.Mutex
	responses  []string
	textErr    error
	imageErr   error
	textCalls  int
	imageCalls int
	// 每次文本调用完成后触发（用于在调用间注入取消）
	afterText func(call int)
}

func (p *fakeProvider) Initialize(config map[string]string) error { return nil }
func (p *fakeProvider) GetName() string                           { return "fake" }
func (p *fakeProvider) GetSupportedModels() []string              { return []string{"fake-model"} }
func (p *fakeProvider) FetchAvailableModels(ctx context.Context) error {
	return nil
}
func (p *fakeProvider) SetCustomModels(models []string) {}

func (p *fakeProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	call := p.textCalls
	p.textCalls++
	var text string
	if call < len(p.responses) {
		text = p.responses[call]
	}
	err := p.textErr
	after := p.afterText
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if after != nil {
		after(call)
	}
	return &llm.CompletionResponse{Text: text, ProviderName: "fake"}, nil
}

func (p *fakeProvider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.imageCalls++
	err := p.imageErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &llm.ImageResponse{
		ImageData: "ZmFrZS1pbWFnZQ==",
		MimeType:  "image/png",
	}, nil
}

// textOnlyProvider 不支持图像生成的提供商
type textOnlyProvider struct{}

func (p *textOnlyProvider) Initialize(config map[string]string) error      { return nil }
func (p *textOnlyProvider) GetName() string                                { return "text-only" }
func (p *textOnlyProvider) GetSupportedModels() []string                   { return nil }
func (p *textOnlyProvider) FetchAvailableModels(ctx context.Context) error { return nil }
func (p *textOnlyProvider) SetCustomModels(models []string)                {}
func (p *textOnlyProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Text: "ok"}, nil
}

var (
	_ llm.Provider      = (*fakeProvider)(nil)
	_ llm.ImageProvider = (*fakeProvider)(nil)
	_ llm.Provider      = (*textOnlyProvider)(nil)
)
