// internal/llm/interface_test.go
package llm

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	initConfig map[string]string
	initErr    error
}

func (p *stubProvider) Initialize(config map[string]string) error {
	p.initConfig = config
	return p.initErr
}
func (p *stubProvider) GetName() string                                { return "stub" }
func (p *stubProvider) GetSupportedModels() []string                   { return []string{"stub-1"} }
func (p *stubProvider) FetchAvailableModels(ctx context.Context) error { return nil }
func (p *stubProvider) SetCustomModels(models []string)                {}
func (p *stubProvider) CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Text: "stub"}, nil
}

func TestRegistryCreatesInitializedProvider(t *testing.T) {
	var created *stubProvider
	Register("stub-ok", func() Provider {
		created = &stubProvider{}
		return created
	})

	provider, err := GetProvider("stub-ok", map[string]string{"api_key": "k"})
	if err != nil {
		t.Fatalf("GetProvider失败: %v", err)
	}
	if provider != created {
		t.Error("应返回工厂创建的实例")
	}
	if created.initConfig["api_key"] != "k" {
		t.Error("配置应传递给Initialize")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	if _, err := GetProvider("no-such-provider", nil); err == nil {
		t.Fatal("未注册的提供商应返回错误")
	}
}

func TestRegistryInitializeErrorPropagates(t *testing.T) {
	initErr := errors.New("bad config")
	Register("stub-bad", func() Provider {
		return &stubProvider{initErr: initErr}
	})

	_, err := GetProvider("stub-bad", nil)
	if !errors.Is(err, initErr) {
		t.Errorf("Initialize错误应向上传播，得到: %v", err)
	}
}

func TestGetSupportedModelsForProvider(t *testing.T) {
	Register("stub-models", func() Provider { return &stubProvider{} })

	models := GetSupportedModelsForProvider("stub-models")
	if len(models) != 1 || models[0] != "stub-1" {
		t.Errorf("模型列表不正确: %v", models)
	}
	if got := GetSupportedModelsForProvider("missing"); len(got) != 0 {
		t.Errorf("未注册提供商应返回空列表: %v", got)
	}
}

func TestListProvidersIncludesRegistered(t *testing.T) {
	Register("stub-list", func() Provider { return &stubProvider{} })

	found := false
	for _, name := range ListProviders() {
		if name == "stub-list" {
			found = true
		}
	}
	if !found {
		t.Error("已注册的提供商应出现在列表中")
	}
}
