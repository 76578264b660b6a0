// internal/app/app.go
package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/config"
	"github.com/Corphon/StoryboardMCP/internal/di"
	"github.com/Corphon/StoryboardMCP/internal/services"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"github.com/Corphon/StoryboardMCP/internal/utils"

	// 自注册LLM提供商
	_ "github.com/Corphon/StoryboardMCP/internal/llm/providers/google"
	_ "github.com/Corphon/StoryboardMCP/internal/llm/providers/openai"
)

// InitServices 按依赖顺序初始化所有服务并注册到容器
// 顺序：存储后端 → 进度 → LLM → 分析缓存 → 参考图 → 故事板 → 配置
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	backend, err := newBackend(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化存储后端失败: %w", err)
	}
	container.Register("backend", backend)

	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	// 定期清理已结束的任务跟踪器
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			progressService.CleanupCompletedTasks(time.Hour)
		}
	}()

	llmService, err := services.NewLLMService()
	if err != nil {
		return fmt.Errorf("初始化LLM服务失败: %w", err)
	}
	container.Register("llm", llmService)

	cacheService := services.NewAnalysisCacheService(backend)
	container.Register("analysis_cache", cacheService)

	referenceService := services.NewReferenceService(backend)
	container.Register("reference", referenceService)

	storyboardService := services.NewStoryboardService(
		backend, llmService, cacheService, progressService, referenceService)
	container.Register("storyboard", storyboardService)

	configService := services.NewConfigService(llmService)
	container.Register("config", configService)

	utils.GetLogger().Info("所有服务初始化完成", map[string]interface{}{
		"backend":  cfg.StorageBackend,
		"provider": cfg.LLMProvider,
		"ready":    llmService.IsReady(),
	})
	return nil
}

// newBackend 根据配置创建存储后端
func newBackend(kind, dataDir string) (storage.Backend, error) {
	switch kind {
	case "sqlite":
		return storage.NewSQLiteBackend(filepath.Join(dataDir, "storyboard.db"))
	case "file", "":
		return storage.NewFileBackend(filepath.Join(dataDir, "store"))
	default:
		return nil, fmt.Errorf("未知的存储后端: %s", kind)
	}
}

// Shutdown 优雅关闭：落盘未保存的会话并释放后端资源
func Shutdown() {
	container := di.GetContainer()

	if storyboardService, ok := container.Get("storyboard").(*services.StoryboardService); ok {
		storyboardService.FlushAll()
	}

	if backend, ok := container.Get("backend").(storage.Backend); ok {
		if err := backend.Close(); err != nil {
			utils.GetLogger().Error("关闭存储后端失败", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	utils.GetLogger().Info("服务已关闭", nil)
	utils.GetLogger().Close()
}
